package llm

import (
	"context"
	"errors"
	"unicode/utf8"
)

// assembler forwards extracted fragments to the caller's callbacks. It
// checks the call context and the caller's fence before every callback
// and owns the single OnEnd invocation.
type assembler struct {
	ctx   context.Context
	fence Fence
	cb    Callbacks

	started   bool
	ended     bool
	fragments int
	chars     int

	inputTokens  int
	outputTokens int
}

func newAssembler(ctx context.Context, fence Fence, cb Callbacks) *assembler {
	return &assembler{ctx: ctx, fence: fence, cb: cb}
}

// live returns nil while the call may still deliver callbacks.
func (a *assembler) live() error {
	if err := a.ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrCallTimeout
		}
		return ErrCancelled
	}
	if a.fence != nil && !a.fence() {
		return ErrSuperseded
	}
	return nil
}

// append delivers one fragment, firing OnStart first if this is the
// first. Empty fragments are still delivered.
func (a *assembler) append(fragment string) error {
	if err := a.live(); err != nil {
		return err
	}
	a.start()
	a.fragments++
	a.chars += utf8.RuneCountInString(fragment)
	if a.cb.OnAppend != nil {
		a.cb.OnAppend(fragment)
	}
	return nil
}

// image delivers the local path of a saved drawing.
func (a *assembler) image(path string) error {
	if err := a.live(); err != nil {
		return err
	}
	a.start()
	if a.cb.OnImage != nil {
		a.cb.OnImage(path)
	}
	return nil
}

func (a *assembler) start() {
	if a.started {
		return
	}
	a.started = true
	if a.cb.OnStart != nil {
		a.cb.OnStart()
	}
}

// usage records provider-reported token counts. Later reports replace
// earlier ones; zero values are ignored.
func (a *assembler) usage(input, output int64) {
	if input > 0 {
		a.inputTokens = int(input)
	}
	if output > 0 {
		a.outputTokens = int(output)
	}
}

// end invokes OnEnd exactly once.
func (a *assembler) end(err error) {
	if a.ended {
		return
	}
	a.ended = true
	if a.cb.OnEnd != nil {
		a.cb.OnEnd(err)
	}
}

// classify maps the adapter's return value and the call context to an
// outcome and the error handed to OnEnd.
func classify(ctx context.Context, err error) (Outcome, error) {
	if err == nil {
		return OutcomeOK, nil
	}
	ctxErr := ctx.Err()
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded), errors.Is(err, ErrCallTimeout):
		return OutcomeTimeout, ErrCallTimeout
	case ctxErr != nil, errors.Is(err, ErrCancelled):
		return OutcomeCancelled, nil
	case errors.Is(err, ErrSuperseded):
		return OutcomeSuperseded, nil
	default:
		return OutcomeError, err
	}
}
