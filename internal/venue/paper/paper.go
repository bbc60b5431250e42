package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"capital-router/internal/venue"
)

// Adapter fills orders in memory. It stands in for a live venue in
// paper trading and in simulation runs, and can replay a scripted error
// sequence to exercise retry and breaker behavior.
type Adapter struct {
	mu      sync.Mutex
	name    string
	latency time.Duration
	script  []error
	fill    bool
	seq     int
	orders  map[string]venue.OrderStatus
	submits int
}

type Option func(*Adapter)

// WithLatency delays every venue call by d.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

// WithScript queues errors returned by successive SubmitOrder calls
// before the adapter starts accepting. A nil entry means that call
// succeeds.
func WithScript(errs ...error) Option {
	return func(a *Adapter) { a.script = append(a.script, errs...) }
}

// WithImmediateFills makes every accepted order report FILLED in the ack.
func WithImmediateFills() Option {
	return func(a *Adapter) { a.fill = true }
}

func New(name string, opts ...Option) *Adapter {
	a := &Adapter{name: name, orders: make(map[string]venue.OrderStatus)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) SubmitOrder(ctx context.Context, req venue.Request) (venue.Ack, error) {
	if err := a.sleep(ctx); err != nil {
		return venue.Ack{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits++
	if len(a.script) > 0 {
		err := a.script[0]
		a.script = a.script[1:]
		if err != nil {
			return venue.Ack{}, err
		}
	}
	a.seq++
	venueOrderID := fmt.Sprintf("%s-%d", a.name, a.seq)
	status := venue.OrderStatus{VenueOrderID: venueOrderID, Open: !a.fill}
	ack := venue.Ack{VenueOrderID: venueOrderID, Status: venue.AckAccepted}
	if a.fill {
		status.FilledQty = req.Quantity
		ack.Status = venue.AckFilled
		ack.FilledQty = req.Quantity
	}
	a.orders[venueOrderID] = status
	return ack, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, venueOrderID string) error {
	if err := a.sleep(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("unknown order %s", venueOrderID)
	}
	status.Open = false
	a.orders[venueOrderID] = status
	return nil
}

func (a *Adapter) OrderStatus(ctx context.Context, venueOrderID string) (venue.OrderStatus, error) {
	if err := a.sleep(ctx); err != nil {
		return venue.OrderStatus{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.orders[venueOrderID]
	if !ok {
		return venue.OrderStatus{}, fmt.Errorf("unknown order %s", venueOrderID)
	}
	return status, nil
}

// Submits reports how many SubmitOrder calls the adapter has seen,
// including scripted failures.
func (a *Adapter) Submits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submits
}

func (a *Adapter) sleep(ctx context.Context) error {
	if a.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.latency):
		return nil
	}
}
