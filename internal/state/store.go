package state

import (
	"context"
	"time"
)

// Event is one append-only journal entry: an order or breaker transition
// kept for audit and restart reconciliation.
type Event struct {
	Time    time.Time
	Kind    string
	Subject string
	Payload string
}

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Append(ctx context.Context, event Event) error
	Events(ctx context.Context, kind string, limit int) ([]Event, error)
	Close() error
}
