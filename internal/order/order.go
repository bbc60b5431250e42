package order

import (
	"time"

	"capital-router/internal/fault"

	"github.com/google/uuid"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitting      Status = "SUBMITTING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusRejected        Status = "REJECTED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal statuses never transition further.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Order is owned by the coordinator for its lifetime; everyone else sees
// immutable snapshots.
type Order struct {
	ID            string
	StrategyID    string
	Venue         string
	Symbol        string
	Side          Side
	RequestedQty  float64
	Status        Status
	AttemptsUsed  int
	VenueOrderID  string
	FilledQty     float64
	LastErrorKind fault.Kind
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func New(strategyID, venue, symbol string, side Side, qty float64, now time.Time) *Order {
	return &Order{
		ID:           uuid.NewString(),
		StrategyID:   strategyID,
		Venue:        venue,
		Symbol:       symbol,
		Side:         side,
		RequestedQty: qty,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// allowed transitions; cancellation is handled separately because it
// applies from any non-terminal status.
var transitions = map[Status][]Status{
	StatusPending:    {StatusSubmitting, StatusFailed},
	StatusSubmitting: {StatusSubmitted, StatusFilled, StatusPartiallyFilled, StatusRejected, StatusFailed},
	StatusSubmitted:  {StatusFilled, StatusPartiallyFilled, StatusFailed},
	// Partial fills may still complete or be cancelled.
	StatusPartiallyFilled: {StatusFilled},
}

// CanTransition reports whether status next is reachable from current.
func CanTransition(current, next Status) bool {
	if current.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	for _, s := range transitions[current] {
		if s == next {
			return true
		}
	}
	return false
}

// Transition applies next if legal and stamps the update time. Illegal
// transitions leave the order untouched and report false.
func (o *Order) Transition(next Status, now time.Time) bool {
	if !CanTransition(o.Status, next) {
		return false
	}
	o.Status = next
	o.UpdatedAt = now
	return true
}

// Snapshot returns a value copy safe to hand to persistence and telemetry.
func (o *Order) Snapshot() Order {
	return *o
}
