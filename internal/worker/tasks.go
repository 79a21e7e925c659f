package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"ledger-core/internal/event"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/logger"
)

// 任务类型常量
const (
	TypeSettle = "ledger:settle"
	TypeVoid   = "ledger:void"
)

// TransactionPayload 结算/作废任务参数
type TransactionPayload struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason,omitempty"`
}

// Enqueuer is the part of asynq.Client the trigger uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskTrigger turns settle-needed and void-needed signals into asynq tasks.
// A signal repeated for the same transaction and time maps to one task id,
// so a redelivered signal does not queue twice.
type TaskTrigger struct {
	client Enqueuer
	events event.Emitter
	now    func() time.Time
	log    *zap.Logger
}

// NewTaskTrigger builds a trigger. events may be nil; when set, every signal
// is also published for outside consumers.
func NewTaskTrigger(client Enqueuer, events event.Emitter) *TaskTrigger {
	if events == nil {
		events = event.Nop{}
	}
	return &TaskTrigger{
		client: client,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.Named("trigger"),
	}
}

// SettleAt 在 at 之后投递一次结算任务
func (t *TaskTrigger) SettleAt(ctx context.Context, txnID string, at time.Time) error {
	payload, err := json.Marshal(TransactionPayload{TransactionID: txnID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeSettle, payload, asynq.MaxRetry(5), asynq.Timeout(time.Minute))
	taskID := fmt.Sprintf("settle:%s:%d", txnID, at.Unix())
	if err := t.enqueue(ctx, task, asynq.TaskID(taskID), asynq.ProcessAt(at)); err != nil {
		return err
	}
	t.publish(ctx, event.Event{Type: event.TypeSettleNeeded, TransactionID: txnID, At: at})
	return nil
}

// VoidNeeded 立即投递一次作废任务
func (t *TaskTrigger) VoidNeeded(ctx context.Context, txnID string, reason string) error {
	payload, err := json.Marshal(TransactionPayload{TransactionID: txnID, Reason: reason})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeVoid, payload, asynq.MaxRetry(5), asynq.Timeout(time.Minute))
	if err := t.enqueue(ctx, task, asynq.TaskID("void:"+txnID), asynq.Queue("critical")); err != nil {
		return err
	}
	t.publish(ctx, event.Event{Type: event.TypeVoidNeeded, TransactionID: txnID, Reason: reason, At: t.now()})
	return nil
}

func (t *TaskTrigger) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	_, err := t.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		t.log.Debug("task already queued", zap.String("type", task.Type()))
		return nil
	}
	return err
}

func (t *TaskTrigger) publish(ctx context.Context, e event.Event) {
	if err := t.events.Emit(ctx, e); err != nil {
		t.log.Warn("publish trigger event failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

// Handlers processes trigger tasks on the asynq server.
type Handlers struct {
	scheduler *Scheduler
	engine    Engine
	log       *zap.Logger
}

func NewHandlers(scheduler *Scheduler, engine Engine) *Handlers {
	return &Handlers{scheduler: scheduler, engine: engine, log: logger.Named("tasks")}
}

// Register 注册任务处理器
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeSettle, h.HandleSettle)
	mux.HandleFunc(TypeVoid, h.HandleVoid)
}

// HandleSettle runs the settle algorithm on the one transaction, under a
// lease like any scheduler pass.
func (h *Handlers) HandleSettle(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload(t)
	if err != nil {
		return err
	}
	_, err = h.scheduler.RunOnce(ctx, AlgoSettle, p.TransactionID)
	return h.outcome(TypeSettle, p.TransactionID, err)
}

func (h *Handlers) HandleVoid(ctx context.Context, t *asynq.Task) error {
	p, err := decodePayload(t)
	if err != nil {
		return err
	}
	reason := p.Reason
	if reason == "" {
		reason = "void requested"
	}
	_, err = h.engine.Void(ctx, p.TransactionID, reason)
	return h.outcome(TypeVoid, p.TransactionID, err)
}

// outcome maps an engine result to asynq's retry semantics. A deferred
// settlement already has its own task queued at the new time.
func (h *Handlers) outcome(taskType, txnID string, err error) error {
	if err == nil {
		return nil
	}
	switch errno.KindOf(err) {
	case errno.KindDeferred:
		return nil
	case errno.KindFatal, errno.KindValidation, errno.KindNotFound, errno.KindCritical:
		h.log.Error("task failed permanently", zap.String("type", taskType), zap.String("txn", txnID), zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

func decodePayload(t *asynq.Task) (TransactionPayload, error) {
	var p TransactionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// JSON 解析失败，重试也没用，直接跳过 (SkipRetry)
		return p, fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.TransactionID == "" {
		return p, fmt.Errorf("missing transaction id: %w", asynq.SkipRetry)
	}
	return p, nil
}
