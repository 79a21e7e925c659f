package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ledger-core/internal/event"
	"ledger-core/internal/model"
	"ledger-core/pkg/database"
)

type fakeProducer struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (p *fakeProducer) Publish(_ context.Context, _ string, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.keys = append(p.keys, key)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

// 集成测试: 需要 LEDGER_TEST_DSN 指向一个可用的 PostgreSQL
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: LEDGER_TEST_DSN not set")
	}
	db, err := database.ConnectPostgres(dsn, false)
	if err != nil {
		t.Skip("Skipping integration test: database not reachable? " + err.Error())
	}
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	require.NoError(t, db.Where("status = ?", model.OutboxPending).Delete(&model.OutboxMessage{}).Error)
	return db
}

func TestRelayOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	emitter := event.NewOutboxEmitter(db)

	id := "txn-" + uuid.NewString()
	require.NoError(t, emitter.Emit(ctx, event.Event{Type: event.TypeSettled, TransactionID: id}))
	require.NoError(t, emitter.Emit(ctx, event.Event{Type: event.TypePayoffFailed, AccountID: "acct-" + id}))

	producer := &fakeProducer{fail: true}
	relay := NewRelayService(db, producer)

	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is marked sent while the broker is down")

	producer.fail = false
	n, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{id, "acct-" + id}, producer.keys)

	n, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
