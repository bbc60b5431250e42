package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"capital-router/internal/breaker"
	"capital-router/internal/fault"
	"capital-router/internal/metrics"
	"capital-router/internal/order"
	"capital-router/internal/retry"
	"capital-router/internal/sizing"
	"capital-router/internal/state"
	"capital-router/internal/venue"

	"go.uber.org/zap"
)

// Intent is a strategy's request to trade, as produced by a signal source.
type Intent struct {
	StrategyID string
	Venue      string
	Symbol     string
	Side       order.Side
	Confidence float64
	// ClientOrderID makes resubmission idempotent across restarts. Empty
	// means the intent is fire-once.
	ClientOrderID string
}

// Allocator resolves a strategy's current share of the book.
type Allocator interface {
	Weight(strategyID string) (float64, bool)
}

// RiskProvider recomputes the sizing inputs per call from live account and
// market state.
type RiskProvider interface {
	RiskContext(symbol string) (sizing.RiskContext, sizing.LotConstraints, error)
}

var (
	ErrUnknownVenue    = errors.New("no adapter for venue")
	ErrUnknownStrategy = errors.New("strategy has no allocation weight")
	ErrUnknownOrder    = errors.New("unknown order")
	ErrOrderTerminal   = errors.New("order already terminal")
)

type orderHandle struct {
	mu     sync.Mutex
	ord    *order.Order
	cancel context.CancelFunc
	// cancelRequested survives between the request and the moment the
	// in-flight submit observes it.
	cancelRequested bool
}

// Coordinator drives each order through its lifecycle: allocation weight,
// risk sizing, breaker permission, retried venue submission, outcome
// feedback. Orders for different venues proceed independently; orders for
// the same venue share that venue's breaker.
type Coordinator struct {
	alloc    Allocator
	risk     RiskProvider
	breakers *breaker.Registry
	invoker  *retry.Invoker
	policy   retry.Policy
	adapters map[string]venue.Adapter
	store    state.Store
	metrics  *metrics.Metrics
	log      *zap.Logger
	onChange func(order.Order)
	now      func() time.Time

	mu     sync.Mutex
	orders map[string]*orderHandle
}

func New(
	alloc Allocator,
	risk RiskProvider,
	breakers *breaker.Registry,
	invoker *retry.Invoker,
	policy retry.Policy,
	adapters map[string]venue.Adapter,
	store state.Store,
	log *zap.Logger,
	m *metrics.Metrics,
	onChange func(order.Order),
) (*Coordinator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Coordinator{
		alloc:    alloc,
		risk:     risk,
		breakers: breakers,
		invoker:  invoker,
		policy:   policy,
		adapters: adapters,
		store:    store,
		metrics:  m,
		log:      log,
		onChange: onChange,
		now:      time.Now,
		orders:   make(map[string]*orderHandle),
	}, nil
}

// Submit runs the full pipeline for one intent. A nil order with nil error
// means the sized quantity fell below the minimum lot and no order was
// created. Expected failures come back as a terminal order snapshot plus
// the fault-kinded error; only contract violations return without an order.
func (c *Coordinator) Submit(ctx context.Context, intent Intent) (*order.Order, error) {
	weight, ok := c.alloc.Weight(intent.StrategyID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, intent.StrategyID)
	}
	adapter, ok := c.adapters[intent.Venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, intent.Venue)
	}
	riskCtx, lots, err := c.risk.RiskContext(intent.Symbol)
	if err != nil {
		return nil, err
	}
	qty, err := sizing.Size(riskCtx, lots, weight, intent.Confidence)
	if err != nil {
		return nil, err
	}
	if qty == 0 {
		c.metrics.TradesSkipped.Inc()
		c.log.Info("intent skipped, size below minimum lot",
			zap.String("strategy", intent.StrategyID),
			zap.String("symbol", intent.Symbol),
		)
		return nil, nil
	}

	ord := order.New(intent.StrategyID, intent.Venue, intent.Symbol, intent.Side, qty, c.now())
	submitCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	handle := &orderHandle{ord: ord, cancel: cancelFn}
	c.mu.Lock()
	c.orders[ord.ID] = handle
	c.mu.Unlock()
	c.emit(handle)

	br := c.breakers.For(intent.Venue)
	if err := br.Allow(); err != nil {
		c.finalize(handle, order.StatusFailed, fault.KindOf(err))
		return c.snapshot(handle), err
	}

	c.transition(handle, order.StatusSubmitting)

	clientID := intent.ClientOrderID
	if clientID == "" {
		clientID = ord.ID
	}
	if ack, ok := c.cachedAck(ctx, clientID); ok {
		// Already accepted in a previous run; do not hit the venue again.
		br.Record(true)
		handle.mu.Lock()
		handle.ord.VenueOrderID = ack
		handle.mu.Unlock()
		c.transition(handle, order.StatusSubmitted)
		return c.snapshot(handle), nil
	}

	var ack venue.Ack
	attempts, err := c.invoker.Do(submitCtx, "submit:"+intent.Venue, c.policy, func() error {
		var opErr error
		ack, opErr = adapter.SubmitOrder(submitCtx, venue.Request{
			ClientOrderID: clientID,
			Symbol:        intent.Symbol,
			IsBuy:         intent.Side == order.SideBuy,
			Quantity:      qty,
		})
		return opErr
	})
	handle.mu.Lock()
	handle.ord.AttemptsUsed = attempts
	cancelled := handle.cancelRequested
	handle.mu.Unlock()

	if err != nil {
		kind := fault.KindOf(err)
		if attempts > 0 {
			br.Record(false)
		}
		if kind == fault.KindAuthFailure {
			// The venue session itself is unusable; do not wait for the
			// failure count to reach the threshold.
			br.ForceOpen()
		}
		switch {
		case cancelled:
			c.finalize(handle, order.StatusCancelled, kind)
		case kind == fault.KindRejected:
			c.finalize(handle, order.StatusRejected, kind)
		default:
			c.finalize(handle, order.StatusFailed, kind)
		}
		return c.snapshot(handle), err
	}

	br.Record(true)
	handle.mu.Lock()
	handle.ord.VenueOrderID = ack.VenueOrderID
	handle.ord.FilledQty = ack.FilledQty
	handle.mu.Unlock()
	c.storeAck(ctx, clientID, ack.VenueOrderID)

	switch ack.Status {
	case venue.AckFilled:
		c.transition(handle, order.StatusFilled)
	case venue.AckPartiallyFilled:
		c.transition(handle, order.StatusSubmitted)
		c.transition(handle, order.StatusPartiallyFilled)
	default:
		c.transition(handle, order.StatusSubmitted)
	}
	return c.snapshot(handle), nil
}

// Cancel requests cancellation. Before dispatch it is immediate; after
// dispatch it is best-effort against the venue and the caller reconciles
// with Reconcile once the venue reports order state.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) error {
	handle, ok := c.handle(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	handle.mu.Lock()
	status := handle.ord.Status
	venueOrderID := handle.ord.VenueOrderID
	venueName := handle.ord.Venue
	if status.Terminal() {
		handle.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, status)
	}
	handle.cancelRequested = true
	cancelFn := handle.cancel
	handle.mu.Unlock()

	if status == order.StatusPending {
		c.finalize(handle, order.StatusCancelled, "")
		return nil
	}
	if cancelFn != nil {
		cancelFn()
	}
	if venueOrderID == "" {
		// Submission still in flight; the cancelled context resolves it.
		return nil
	}
	adapter, ok := c.adapters[venueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, venueName)
	}
	if err := adapter.CancelOrder(ctx, venueOrderID); err != nil {
		// The venue may already have executed it; leave the order as-is
		// until reconciliation.
		c.log.Warn("venue cancel failed",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return err
	}
	c.finalize(handle, order.StatusCancelled, "")
	return nil
}

// Reconcile queries the venue for an order whose cancel was best-effort
// and settles its terminal state from what the venue actually did.
func (c *Coordinator) Reconcile(ctx context.Context, orderID string) (*order.Order, error) {
	handle, ok := c.handle(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	handle.mu.Lock()
	venueName := handle.ord.Venue
	venueOrderID := handle.ord.VenueOrderID
	terminal := handle.ord.Status.Terminal()
	handle.mu.Unlock()
	if terminal {
		return c.snapshot(handle), nil
	}
	adapter, ok := c.adapters[venueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venueName)
	}
	querier, ok := adapter.(venue.StatusQuerier)
	if !ok {
		return nil, fmt.Errorf("venue %s cannot report order status", venueName)
	}
	st, err := querier.OrderStatus(ctx, venueOrderID)
	if err != nil {
		return nil, err
	}
	handle.mu.Lock()
	handle.ord.FilledQty = st.FilledQty
	requested := handle.ord.RequestedQty
	handle.mu.Unlock()
	if st.Open {
		return c.snapshot(handle), nil
	}
	switch {
	case st.FilledQty >= requested:
		c.transition(handle, order.StatusFilled)
	case st.FilledQty > 0:
		c.transition(handle, order.StatusPartiallyFilled)
	default:
		c.finalize(handle, order.StatusCancelled, "")
	}
	return c.snapshot(handle), nil
}

// Order returns an immutable snapshot.
func (c *Coordinator) Order(orderID string) (order.Order, bool) {
	handle, ok := c.handle(orderID)
	if !ok {
		return order.Order{}, false
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.ord.Snapshot(), true
}

func (c *Coordinator) handle(orderID string) (*orderHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.orders[orderID]
	return h, ok
}

func (c *Coordinator) snapshot(h *orderHandle) *order.Order {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.ord.Snapshot()
	return &snap
}

func (c *Coordinator) transition(h *orderHandle, next order.Status) {
	h.mu.Lock()
	moved := h.ord.Transition(next, c.now())
	h.mu.Unlock()
	if moved {
		c.emit(h)
	}
}

func (c *Coordinator) finalize(h *orderHandle, next order.Status, kind fault.Kind) {
	h.mu.Lock()
	h.ord.LastErrorKind = kind
	moved := h.ord.Transition(next, c.now())
	h.mu.Unlock()
	if !moved {
		return
	}
	switch next {
	case order.StatusRejected:
		c.metrics.OrdersRejected.Inc()
	case order.StatusCancelled:
		c.metrics.OrdersCancelled.Inc()
	case order.StatusFailed:
		c.metrics.OrdersFailed.Inc()
	}
	c.emit(h)
}

func (c *Coordinator) emit(h *orderHandle) {
	h.mu.Lock()
	snap := h.ord.Snapshot()
	h.mu.Unlock()
	switch snap.Status {
	case order.StatusSubmitted:
		c.metrics.OrdersSubmitted.Inc()
	case order.StatusFilled:
		c.metrics.OrdersFilled.Inc()
	}
	c.log.Info("order transition",
		zap.String("order_id", snap.ID),
		zap.String("strategy", snap.StrategyID),
		zap.String("venue", snap.Venue),
		zap.String("status", string(snap.Status)),
		zap.Int("attempts", snap.AttemptsUsed),
	)
	if c.store != nil {
		payload, err := json.Marshal(snap)
		if err == nil {
			if err := c.store.Append(context.Background(), state.Event{
				Time:    snap.UpdatedAt,
				Kind:    "order_transition",
				Subject: snap.ID,
				Payload: string(payload),
			}); err != nil {
				c.log.Warn("failed to journal order transition", zap.Error(err))
			}
		}
	}
	if c.onChange != nil {
		c.onChange(snap)
	}
}

func (c *Coordinator) cachedAck(ctx context.Context, clientID string) (string, bool) {
	if c.store == nil {
		return "", false
	}
	oid, ok, err := c.store.Get(ctx, "cloid:"+clientID)
	if err != nil || !ok {
		return "", false
	}
	return oid, true
}

func (c *Coordinator) storeAck(ctx context.Context, clientID, venueOrderID string) {
	if c.store == nil || venueOrderID == "" {
		return
	}
	if err := c.store.Set(ctx, "cloid:"+clientID, venueOrderID); err != nil {
		c.log.Warn("failed to persist venue order id", zap.Error(err))
	}
}
