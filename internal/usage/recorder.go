package usage

import (
	"context"

	"github.com/nugget/chatbridge/internal/config"
	"github.com/nugget/chatbridge/internal/llm"
)

// Recorder adapts a Store to llm.Recorder, pricing each call from the
// configured table.
type Recorder struct {
	store   *Store
	pricing map[string]config.PricingEntry
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store *Store, pricing map[string]config.PricingEntry) *Recorder {
	return &Recorder{store: store, pricing: pricing}
}

// RecordCall implements llm.Recorder.
func (r *Recorder) RecordCall(ctx context.Context, res llm.Result) error {
	rec := Record{
		Timestamp:    res.StartedAt,
		CallID:       res.CallID,
		Provider:     res.Provider.String(),
		Model:        res.Model,
		Mode:         string(res.Mode),
		Outcome:      string(res.Outcome),
		Fragments:    res.Fragments,
		OutputChars:  res.OutputChars,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      ComputeCost(res.Model, res.InputTokens, res.OutputTokens, r.pricing),
		DurationMS:   res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return r.store.Record(ctx, rec)
}
