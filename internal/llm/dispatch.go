// Package llm routes chat and drawing requests to the supported model
// providers and streams their output through caller-supplied callbacks.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/chatbridge/internal/events"
	"github.com/nugget/chatbridge/internal/httpkit"
)

// adapter streams one provider's response into an assembler. It returns
// nil on a normal end of stream.
type adapter interface {
	stream(ctx context.Context, req *Request, a *assembler) error
}

// Dispatcher accepts calls, runs each on its own goroutine, and
// guarantees a single terminal OnEnd per accepted call.
type Dispatcher struct {
	logger      *slog.Logger
	bus         *events.Bus
	recorder    Recorder
	saver       ImageSaver
	callTimeout time.Duration
	inflight    *registry

	httpClient *http.Client
	dialer     *websocket.Dialer
	now        func() time.Time
	maxCalls   int

	openai adapter
	ernie  adapter
	tongyi adapter
	spark  adapter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used for HTTP providers and the ERNIE
// token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithWebSocketDialer sets the dialer used for Spark.
func WithWebSocketDialer(dialer *websocket.Dialer) Option {
	return func(d *Dispatcher) { d.dialer = dialer }
}

// WithImageSaver enables drawing mode.
func WithImageSaver(s ImageSaver) Option {
	return func(d *Dispatcher) { d.saver = s }
}

// WithEventBus publishes call lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithRecorder records every finished call.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithCallTimeout bounds each call. Zero disables the deadline.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.callTimeout = timeout }
}

// WithMaxInFlight bounds concurrent calls.
func WithMaxInFlight(n int) Option {
	return func(d *Dispatcher) { d.maxCalls = n }
}

// WithClock overrides the time source used to sign Spark URLs.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher returns a ready Dispatcher.
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient == nil {
		d.httpClient = httpkit.NewStreamingClient(httpkit.WithLogger(logger))
	}
	if d.dialer == nil {
		d.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		}
	}
	d.inflight = newRegistry(d.maxCalls)

	d.openai = newOpenAIAdapter(d.httpClient, d.saver, logger)
	d.ernie = newERNIEAdapter(d.httpClient, logger)
	d.tongyi = newTongyiAdapter(d.httpClient, logger)
	d.spark = newSparkAdapter(d.dialer, d.now, logger)
	return d
}

func (d *Dispatcher) adapterFor(p Provider) adapter {
	switch p {
	case ProviderOpenAI:
		return d.openai
	case ProviderERNIE:
		return d.ernie
	case ProviderTongyi:
		return d.tongyi
	case ProviderSpark:
		return d.spark
	}
	return nil
}

// SendChat validates req and, if it is acceptable, starts the call in
// the background. Rejected requests return an error without any network
// activity or callbacks. For an accepted call the returned channel is
// closed after OnEnd has returned.
//
// The fence is consulted before every callback. Once it reports false
// the call stops and ends with OnEnd(nil).
func (d *Dispatcher) SendChat(ctx context.Context, p Provider, req *Request, fence Fence, cb Callbacks) (<-chan struct{}, error) {
	r, err := d.accept(p, req)
	if err != nil {
		d.reject(p, err)
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	if d.callTimeout > 0 {
		var cancelTimeout context.CancelFunc
		callCtx, cancelTimeout = context.WithTimeout(callCtx, d.callTimeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}
	if err := d.inflight.add(r.ID, p, r.Model, cancel); err != nil {
		cancel()
		d.reject(p, err)
		return nil, err
	}

	done := make(chan struct{})
	go d.run(callCtx, cancel, p, r, fence, cb, done)
	return done, nil
}

// accept validates and copies req.
func (d *Dispatcher) accept(p Provider, req *Request) (*Request, error) {
	if req == nil {
		return nil, validate(p, nil)
	}
	r := *req
	r.Auth = normalizeAuth(r.Auth)
	r.Messages = slices.Clone(req.Messages)
	if req.Image != nil {
		img := *req.Image
		r.Image = &img
	}
	if err := validate(p, &r); err != nil {
		return nil, err
	}
	if r.Mode == "" {
		r.Mode = ModeChat
	}
	if r.Mode == ModeDrawing && d.saver == nil {
		return nil, ErrNoImageSaver
	}
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, err
		}
		r.ID = id.String()
	}
	return &r, nil
}

func (d *Dispatcher) reject(p Provider, err error) {
	d.logger.Warn("call rejected", "provider", p.String(), "error", err)
	reason := "validation"
	var upe *UnsupportedProviderError
	switch {
	case errors.As(err, &upe):
		reason = "unsupported_provider"
	case errors.Is(err, ErrTooManyCalls):
		reason = "too_many_calls"
	}
	d.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindCallRejected,
		Data: map[string]any{
			"provider": p.String(),
			"reason":   reason,
			"error":    err.Error(),
		},
	})
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, p Provider, req *Request, fence Fence, cb Callbacks, done chan<- struct{}) {
	defer close(done)
	defer d.inflight.remove(req.ID)
	defer cancel()

	log := d.logger.With("call_id", req.ID, "provider", p.String(), "model", req.Model)
	start := time.Now()
	a := newAssembler(ctx, fence, cb)

	d.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindCallStart,
		Data: map[string]any{
			"call_id":  req.ID,
			"provider": p.String(),
			"model":    req.Model,
			"mode":     string(req.Mode),
		},
	})
	log.Debug("call started", "mode", req.Mode, "messages", len(req.Messages))

	err := a.live()
	if err == nil {
		err = d.adapterFor(p).stream(ctx, req, a)
	}
	outcome, endErr := classify(ctx, err)
	a.end(endErr)

	res := Result{
		CallID:       req.ID,
		Provider:     p,
		Model:        req.Model,
		Mode:         req.Mode,
		Outcome:      outcome,
		Err:          endErr,
		Fragments:    a.fragments,
		OutputChars:  a.chars,
		InputTokens:  a.inputTokens,
		OutputTokens: a.outputTokens,
		StartedAt:    start,
		Duration:     time.Since(start),
	}

	attrs := []any{
		"outcome", outcome,
		"fragments", res.Fragments,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"elapsed", res.Duration.Round(time.Millisecond),
	}
	if endErr != nil {
		log.Error("call failed", append(attrs, "error", endErr)...)
	} else {
		log.Info("call finished", attrs...)
	}

	errText := ""
	if endErr != nil {
		errText = endErr.Error()
	}
	d.bus.Publish(events.Event{
		Source: events.SourceEngine,
		Kind:   events.KindCallEnd,
		Data: map[string]any{
			"call_id":       req.ID,
			"provider":      p.String(),
			"model":         req.Model,
			"mode":          string(req.Mode),
			"outcome":       string(outcome),
			"fragments":     res.Fragments,
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
			"duration_ms":   res.Duration.Milliseconds(),
			"error":         errText,
		},
	})

	if d.recorder != nil {
		recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := d.recorder.RecordCall(recCtx, res); err != nil {
			log.Warn("failed to record call", "error", err)
		}
		recCancel()
	}
}

// Cancel stops the in-flight call with the given id. The call ends with
// OnEnd(nil). It reports whether the call was found.
func (d *Dispatcher) Cancel(id string) bool {
	return d.inflight.cancel(id)
}

// InFlight lists the calls currently running, oldest first.
func (d *Dispatcher) InFlight() []CallInfo {
	return d.inflight.list()
}

// InFlightCount returns the number of calls currently running.
func (d *Dispatcher) InFlightCount() int {
	return d.inflight.len()
}
