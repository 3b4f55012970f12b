// Package worker consumes queued messages: activity events go to the audit
// log and emails go to the mailer.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"attendsheets/internal/notify"
	"attendsheets/internal/queue"
	"attendsheets/internal/store"
)

// Processor handles one message at a time.
type Processor struct {
	Store  store.Store
	Mailer notify.Mailer
	Log    *slog.Logger
}

// Handle dispatches msg by type. Unknown types are logged and skipped.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case queue.TypeActivity:
		a, err := queue.DecodeActivity(msg)
		if err != nil {
			return fmt.Errorf("decode activity: %w", err)
		}
		return p.Store.WithTx(ctx, func(tx store.Tx) error {
			return tx.InsertActivity(ctx, &a)
		})
	case queue.TypeEmail:
		e, err := queue.DecodeEmail(msg)
		if err != nil {
			return fmt.Errorf("decode email: %w", err)
		}
		return p.Mailer.Send(ctx, e)
	default:
		p.Log.WarnContext(ctx, "unknown message type", "type", msg.Type)
		return nil
	}
}

// Run consumes q until ctx is done. Failed messages are logged and dropped.
func (p *Processor) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}
	p.Log.Info("worker started, waiting for messages")
	for msg := range messages {
		if err := p.Handle(ctx, msg); err != nil {
			p.Log.ErrorContext(ctx, "process message", "type", msg.Type, "error", err)
		}
	}
	p.Log.Info("worker stopped")
	return nil
}
