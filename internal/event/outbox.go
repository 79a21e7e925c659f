package event

import (
	"context"

	"gorm.io/gorm"

	"ledger-core/internal/model"
)

// OutboxEmitter writes events to the outbox table; RelayService forwards
// them to the message queue.
type OutboxEmitter struct {
	db *gorm.DB
}

func NewOutboxEmitter(db *gorm.DB) *OutboxEmitter {
	return &OutboxEmitter{db: db}
}

func (o *OutboxEmitter) Emit(ctx context.Context, e Event) error {
	return model.CreateOutboxMessage(o.db.WithContext(ctx), Topic, e.Key(), e)
}
