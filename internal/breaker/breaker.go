package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"capital-router/internal/fault"
	"capital-router/internal/metrics"

	"go.uber.org/zap"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Snapshot is the immutable view handed to telemetry consumers on every
// state transition.
type Snapshot struct {
	Resource            string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	Time                time.Time
}

type Settings struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func (s Settings) Validate() error {
	if s.FailureThreshold < 1 {
		return errors.New("breaker: failure_threshold must be >= 1")
	}
	if s.Cooldown <= 0 {
		return errors.New("breaker: cooldown must be > 0")
	}
	return nil
}

// Breaker gates calls to one protected resource. All state is guarded by
// a single mutex so concurrent failures never double-count and at most one
// trial runs while half-open.
type Breaker struct {
	resource string
	settings Settings
	log      *zap.Logger
	metrics  *metrics.Metrics
	onChange func(Snapshot)
	now      func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

func New(resource string, settings Settings, log *zap.Logger, m *metrics.Metrics, onChange func(Snapshot)) (*Breaker, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Breaker{
		resource: resource,
		settings: settings,
		log:      log,
		metrics:  m,
		onChange: onChange,
		now:      time.Now,
		state:    StateClosed,
	}, nil
}

// Allow reports whether a call may be attempted right now. While open it
// returns a CircuitOpen fault until the cooldown elapses, at which point a
// single caller is admitted as the half-open trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.settings.Cooldown {
			return fault.New(fault.KindCircuitOpen, b.resource+" cooling down")
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return fault.New(fault.KindCircuitOpen, b.resource+" trial in flight")
		}
		b.trialInFlight = true
		return nil
	}
	return fault.New(fault.KindCircuitOpen, fmt.Sprintf("%s in unknown state %s", b.resource, b.state))
}

// Record feeds back the outcome of a call admitted by Allow. It must be
// called exactly once per admitted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.failures = 0
			b.transition(StateClosed)
			return
		}
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateOpen:
		// A call dispatched before the open transition resolved late.
		// Open state is already the conservative answer.
	}
}

// ForceOpen trips the breaker regardless of the failure count. Used when a
// failure kind signals the whole venue session is unusable.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.openedAt = b.now()
		return
	}
	b.trialInFlight = false
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// transition must be called with the mutex held.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	switch next {
	case StateOpen:
		b.metrics.BreakerOpened.Inc()
	case StateHalfOpen:
		b.metrics.BreakerHalfOpen.Inc()
	case StateClosed:
		b.metrics.BreakerClosed.Inc()
	}
	b.log.Info("breaker transition",
		zap.String("resource", b.resource),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Int("consecutive_failures", b.failures),
	)
	if b.onChange != nil {
		b.onChange(b.snapshotLocked())
	}
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Resource:            b.resource,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		Time:                b.now(),
	}
}
