package errno

import (
	"errors"
	"fmt"
)

// Kind groups error codes by how callers are expected to react.
type Kind string

const (
	KindNone       Kind = ""
	KindValidation Kind = "validation" // 输入或策略错误, 不可重试
	KindConflict   Kind = "conflict"   // 可调整标识后重新提交
	KindNotFound   Kind = "not_found"
	KindDeferred   Kind = "deferred" // 尚未就绪, 调度器稍后重试
	KindGateway    Kind = "gateway"
	KindCritical   Kind = "critical" // 需要人工介入
	KindFatal      Kind = "fatal"    // 程序错误, 立即返回
	KindStorage    Kind = "storage"
)

// Errno defines the error code logic
type Errno struct {
	Code    int
	Kind    Kind
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// Error carries an Errno together with the internal cause.
// Only the Errno message is meant for end users.
type Error struct {
	Errno
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match the wrapped Errno value.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Errno:
		return t.Code == e.Code
	case *Errno:
		return t != nil && t.Code == e.Code
	}
	return false
}

// Wrap attaches cause to e.
func Wrap(e Errno, cause error) error {
	return &Error{Errno: e, Cause: cause}
}

// Wrapf attaches a formatted cause to e.
func Wrapf(e Errno, format string, args ...any) error {
	return &Error{Errno: e, Cause: fmt.Errorf(format, args...)}
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	var wrapped *Error
	if errors.As(err, &wrapped) {
		return wrapped.Code, wrapped.Message
	}

	switch typed := err.(type) {
	case *Errno:
		return typed.Code, typed.Message
	case Errno:
		return typed.Code, typed.Message
	default:
		return InternalServerError.Code, InternalServerError.Message
	}
}

// KindOf returns the Kind of the first Errno found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var wrapped *Error
	if errors.As(err, &wrapped) {
		return wrapped.Kind
	}
	var plain Errno
	if errors.As(err, &plain) {
		return plain.Kind
	}
	return KindNone
}

// IsStorage reports whether err originates from the persistent store.
func IsStorage(err error) bool { return KindOf(err) == KindStorage }

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Kind: KindFatal, Message: "Internal server error"}
	ErrDatabase         = Errno{Code: 10004, Kind: KindStorage, Message: "Database error"}
	ErrInvalidArgument  = Errno{Code: 10005, Kind: KindValidation, Message: "Invalid argument"}
)

// Ledger Errors (30000+)
var (
	ErrAccountNotFound       = Errno{Code: 30101, Kind: KindNotFound, Message: "Account not found"}
	ErrTransactionNotFound   = Errno{Code: 30102, Kind: KindNotFound, Message: "Transaction not found"}
	ErrInsufficientFunds     = Errno{Code: 30201, Kind: KindValidation, Message: "Insufficient funds"}
	ErrStoredValueProhibited = Errno{Code: 30202, Kind: KindValidation, Message: "Stored value prohibited"}
	ErrInvalidTransaction    = Errno{Code: 30203, Kind: KindValidation, Message: "Invalid transaction"}
	ErrInvalidCreditLine     = Errno{Code: 30204, Kind: KindValidation, Message: "Invalid credit line"}
	ErrContactNotVerified    = Errno{Code: 30205, Kind: KindValidation, Message: "Verified contact address required"}
	ErrDuplicateTransaction  = Errno{Code: 30301, Kind: KindConflict, Message: "Duplicate transaction"}
	ErrContactInUse          = Errno{Code: 30302, Kind: KindConflict, Message: "Contact address already backs a credit line"}
	ErrSettlementPending     = Errno{Code: 30401, Kind: KindDeferred, Message: "Transaction settlement pending"}
	ErrTransactionVoided     = Errno{Code: 30402, Kind: KindFatal, Message: "Transaction already voided"}
	ErrGatewayDeclined       = Errno{Code: 30501, Kind: KindGateway, Message: "Payment was declined"}
	ErrGatewayUnavailable    = Errno{Code: 30502, Kind: KindGateway, Message: "Payment gateway unavailable"}
	ErrStatusCheckExhausted  = Errno{Code: 30601, Kind: KindCritical, Message: "External status check limit exceeded"}
	ErrUnknownAlgorithm      = Errno{Code: 30701, Kind: KindFatal, Message: "Invalid worker algorithm"}
	ErrMalformedQuery        = Errno{Code: 30702, Kind: KindFatal, Message: "Malformed duplicate query"}
)
