package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-core/internal/event"
	"ledger-core/internal/model"
	"ledger-core/pkg/errno"
)

type queuedTask struct {
	typ     string
	payload TransactionPayload
	opts    map[asynq.OptionType]any
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	ids   map[string]bool
	tasks []queuedTask
}

func (e *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := queuedTask{typ: task.Type(), opts: make(map[asynq.OptionType]any)}
	if err := json.Unmarshal(task.Payload(), &q.payload); err != nil {
		return nil, err
	}
	for _, o := range opts {
		q.opts[o.Type()] = o.Value()
	}
	if id, ok := q.opts[asynq.TaskIDOpt].(string); ok {
		if e.ids == nil {
			e.ids = make(map[string]bool)
		}
		if e.ids[id] {
			return nil, asynq.ErrTaskIDConflict
		}
		e.ids[id] = true
	}
	e.tasks = append(e.tasks, q)
	return &asynq.TaskInfo{}, nil
}

func TestTaskTriggerSettleAt(t *testing.T) {
	enq := &fakeEnqueuer{}
	events := &event.Recorder{}
	trig := NewTaskTrigger(enq, events)
	at := start.Add(time.Minute)

	require.NoError(t, trig.SettleAt(context.Background(), "t-1", at))
	require.NoError(t, trig.SettleAt(context.Background(), "t-1", at), "redelivered signal")
	require.NoError(t, trig.SettleAt(context.Background(), "t-1", at.Add(time.Hour)))

	require.Len(t, enq.tasks, 2)
	first := enq.tasks[0]
	assert.Equal(t, TypeSettle, first.typ)
	assert.Equal(t, "t-1", first.payload.TransactionID)
	assert.Equal(t, at, first.opts[asynq.ProcessAtOpt])
	assert.NotEqual(t, first.opts[asynq.TaskIDOpt], enq.tasks[1].opts[asynq.TaskIDOpt])

	evs := events.OfType(event.TypeSettleNeeded)
	require.Len(t, evs, 3)
	assert.Equal(t, at, evs[0].At)
}

func TestTaskTriggerVoidNeeded(t *testing.T) {
	enq := &fakeEnqueuer{}
	trig := NewTaskTrigger(enq, nil)

	require.NoError(t, trig.VoidNeeded(context.Background(), "t-1", "contract voided"))
	require.NoError(t, trig.VoidNeeded(context.Background(), "t-1", "contract voided"))

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypeVoid, enq.tasks[0].typ)
	assert.Equal(t, "contract voided", enq.tasks[0].payload.Reason)
	assert.Equal(t, "critical", enq.tasks[0].opts[asynq.QueueOpt])
}

func settleTask(t *testing.T, id string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(TransactionPayload{TransactionID: id})
	require.NoError(t, err)
	return asynq.NewTask(TypeSettle, payload)
}

func TestHandleSettle(t *testing.T) {
	f := newSchedFixture(t)
	h := NewHandlers(f.sched, f.engine)
	f.txn("t-ok", model.StateAuthorized, start.Add(-time.Minute))
	f.txn("t-deferred", model.StateAuthorized, start.Add(-time.Minute))
	f.txn("t-voided", model.StateAuthorized, start.Add(-time.Minute))
	f.txn("t-flaky", model.StateAuthorized, start.Add(-time.Minute))
	f.engine.errs["t-deferred"] = errno.ErrSettlementPending
	f.engine.errs["t-voided"] = errno.Wrapf(errno.ErrTransactionVoided, "t-voided")
	f.engine.errs["t-flaky"] = errno.Wrapf(errno.ErrGatewayUnavailable, "timeout")

	tests := []struct {
		id        string
		wantErr   bool
		skipRetry bool
	}{
		{"t-ok", false, false},
		{"t-deferred", false, false},
		{"t-voided", true, true},
		{"t-flaky", true, false},
		{"t-unknown", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := h.HandleSettle(context.Background(), settleTask(t, tt.id))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
	assert.ElementsMatch(t, []string{"t-ok", "t-deferred", "t-voided", "t-flaky"}, f.engine.settled)
}

func TestHandleVoid(t *testing.T) {
	f := newSchedFixture(t)
	h := NewHandlers(f.sched, f.engine)

	payload, err := json.Marshal(TransactionPayload{TransactionID: "t-1"})
	require.NoError(t, err)
	require.NoError(t, h.HandleVoid(context.Background(), asynq.NewTask(TypeVoid, payload)))
	assert.Equal(t, "void requested", f.engine.voided["t-1"])
}

func TestHandlersRejectBadPayload(t *testing.T) {
	f := newSchedFixture(t)
	h := NewHandlers(f.sched, f.engine)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("{")},
		{"no id", []byte(`{"reason":"x"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.HandleSettle(context.Background(), asynq.NewTask(TypeSettle, tt.payload))
			assert.True(t, errors.Is(err, asynq.SkipRetry))
			err = h.HandleVoid(context.Background(), asynq.NewTask(TypeVoid, tt.payload))
			assert.True(t, errors.Is(err, asynq.SkipRetry))
		})
	}
}
