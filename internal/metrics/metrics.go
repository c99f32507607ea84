// Package metrics exposes Prometheus collectors for chat calls. The
// counters are fed from the event bus, so the dispatcher has no direct
// dependency on Prometheus. The in-flight gauge is read at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/chatbridge/internal/events"
)

// LLMBuckets defines histogram buckets suited for streamed completions,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Collector holds the call metrics.
type Collector struct {
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	Fragments     *prometheus.CounterVec
	Tokens        *prometheus.CounterVec
	InFlight      prometheus.GaugeFunc
	RejectedTotal *prometheus.CounterVec

	logger *slog.Logger
}

// New creates the collectors and registers them with reg. inFlight is
// sampled on every scrape; a nil inFlight reports zero.
func New(reg prometheus.Registerer, inFlight func() int, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if inFlight == nil {
		inFlight = func() int { return 0 }
	}
	c := &Collector{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_calls_total",
				Help: "Finished calls by outcome",
			},
			[]string{"provider", "model", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatbridge_call_duration_seconds",
				Help:    "Call duration from acceptance to end",
				Buckets: LLMBuckets,
			},
			[]string{"provider", "model"},
		),
		Fragments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_fragments_total",
				Help: "Streamed fragments delivered",
			},
			[]string{"provider", "model"},
		),
		Tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_tokens_total",
				Help: "Provider-reported tokens",
			},
			[]string{"provider", "model", "direction"},
		),
		InFlight: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "chatbridge_calls_in_flight",
				Help: "Calls currently running",
			},
			func() float64 { return float64(inFlight()) },
		),
		RejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_calls_rejected_total",
				Help: "Calls rejected before any network activity",
			},
			[]string{"provider", "reason"},
		),
		logger: logger,
	}
	reg.MustRegister(
		c.CallsTotal,
		c.CallDuration,
		c.Fragments,
		c.Tokens,
		c.InFlight,
		c.RejectedTotal,
	)
	return c
}

// Run consumes engine events from bus until ctx is done.
func (c *Collector) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe applies a single event.
func (c *Collector) Observe(ev events.Event) {
	if ev.Source != events.SourceEngine {
		return
	}
	provider, _ := ev.Data["provider"].(string)
	model, _ := ev.Data["model"].(string)

	switch ev.Kind {
	case events.KindCallStart:
		// Counted at scrape time.
	case events.KindCallEnd:
		outcome, _ := ev.Data["outcome"].(string)
		c.CallsTotal.WithLabelValues(provider, model, outcome).Inc()
		c.CallDuration.WithLabelValues(provider, model).Observe(
			(time.Duration(number(ev.Data["duration_ms"])) * time.Millisecond).Seconds())
		c.Fragments.WithLabelValues(provider, model).Add(float64(number(ev.Data["fragments"])))
		c.Tokens.WithLabelValues(provider, model, "input").Add(float64(number(ev.Data["input_tokens"])))
		c.Tokens.WithLabelValues(provider, model, "output").Add(float64(number(ev.Data["output_tokens"])))
	case events.KindCallRejected:
		reason, _ := ev.Data["reason"].(string)
		c.RejectedTotal.WithLabelValues(provider, reason).Inc()
	default:
		c.logger.Debug("ignoring event", "kind", ev.Kind)
	}
}

// number reads an integer event field regardless of its concrete type.
func number(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
