package breaker

import (
	"sync"

	"capital-router/internal/metrics"

	"go.uber.org/zap"
)

// Registry hands out one Breaker per protected resource so every order for
// the same venue shares the same failure state.
type Registry struct {
	settings Settings
	log      *zap.Logger
	metrics  *metrics.Metrics
	onChange func(Snapshot)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(settings Settings, log *zap.Logger, m *metrics.Metrics, onChange func(Snapshot)) (*Registry, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		settings: settings,
		log:      log,
		metrics:  m,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}, nil
}

func (r *Registry) For(resource string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[resource]; ok {
		return b
	}
	b, err := New(resource, r.settings, r.log, r.metrics, r.onChange)
	if err != nil {
		// Settings were validated at registry construction.
		panic(err)
	}
	r.breakers[resource] = b
	return b
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
