package validator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"ledger-core/pkg/money"
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Get returns the shared validator, registering the ledger tags on first use.
func Get() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// positive: money.Money 必须大于 0
		_ = validate.RegisterValidation("positive", func(fl validator.FieldLevel) bool {
			m, ok := fl.Field().Interface().(money.Money)
			return ok && m.IsPositive()
		})
		// nonnegative: money.Money 不能为负
		_ = validate.RegisterValidation("nonnegative", func(fl validator.FieldLevel) bool {
			m, ok := fl.Field().Interface().(money.Money)
			return ok && !m.IsNegative()
		})
	})
	return validate
}

// Struct validates s.
func Struct(s any) error {
	return Get().Struct(s)
}

// GetErrorMsg translates validation errors into user-friendly messages
func GetErrorMsg(err error) string {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errMsgs []string
		for _, e := range validationErrors {
			field := e.Field()
			tag := e.Tag()
			param := e.Param()

			switch tag {
			case "required":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不能为空", field))
			case "min":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 至少为 %s", field, param))
			case "oneof":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 必须是 [%s] 之一", field, param))
			case "positive":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 必须大于 0", field))
			case "nonnegative":
				errMsgs = append(errMsgs, fmt.Sprintf("%s 不能为负", field))
			default:
				errMsgs = append(errMsgs, fmt.Sprintf("%s 校验失败 (%s)", field, tag))
			}
		}
		return strings.Join(errMsgs, "; ")
	}
	return "请求参数错误"
}
