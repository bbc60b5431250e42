package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "capital_router"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		RetryAttempts:    promCounter{counter("retry_attempts_total", "Total venue call attempts, including retries.")},
		RetriesExhausted: promCounter{counter("retries_exhausted_total", "Total operations that ran out of retry attempts.")},
		BreakerOpened:    promCounter{counter("breaker_opened_total", "Total circuit breaker open transitions.")},
		BreakerHalfOpen:  promCounter{counter("breaker_half_open_total", "Total circuit breaker half-open transitions.")},
		BreakerClosed:    promCounter{counter("breaker_closed_total", "Total circuit breaker close transitions.")},
		OrdersSubmitted:  promCounter{counter("orders_submitted_total", "Total orders accepted by a venue.")},
		OrdersFilled:     promCounter{counter("orders_filled_total", "Total orders reported filled.")},
		OrdersRejected:   promCounter{counter("orders_rejected_total", "Total venue-side business rejections.")},
		OrdersFailed:     promCounter{counter("orders_failed_total", "Total orders that failed before or during submission.")},
		OrdersCancelled:  promCounter{counter("orders_cancelled_total", "Total orders cancelled before a terminal state.")},
		TradesSkipped:    promCounter{counter("trades_skipped_total", "Total intents skipped because the sized quantity was below the minimum lot.")},
		Rebalances:       promCounter{counter("rebalances_total", "Total allocation rebalance passes.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
