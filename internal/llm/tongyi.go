package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/chatbridge/internal/httpkit"
)

const (
	tongyiDefaultEndpoint = "https://dashscope.aliyuncs.com"
	tongyiTextPath        = "/api/v1/services/aigc/text-generation/generation"
	tongyiMultimodalPath  = "/api/v1/services/aigc/multimodal-generation/generation"
)

// tongyiModels maps each accepted model to whether it uses the
// multimodal endpoint.
var tongyiModels = map[string]bool{
	"qwen-turbo":   false,
	"qwen-plus":    false,
	"qwen-max":     false,
	"qwen-vl-plus": true,
}

type tongyiAdapter struct {
	client *http.Client
	logger *slog.Logger
}

func newTongyiAdapter(client *http.Client, logger *slog.Logger) *tongyiAdapter {
	return &tongyiAdapter{
		client: client,
		logger: logger.With("provider", ProviderTongyi.String()),
	}
}

type tongyiRequest struct {
	Model      string           `json:"model"`
	Input      tongyiInput      `json:"input"`
	Parameters tongyiParameters `json:"parameters"`
}

type tongyiInput struct {
	Messages []tongyiMessage `json:"messages"`
}

// tongyiMessage carries either plain text content or, for multimodal
// models, a list of content blocks.
type tongyiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type tongyiParameters struct {
	IncrementalOutput bool   `json:"incremental_output"`
	ResultFormat      string `json:"result_format"`
	MaxTokens         int    `json:"max_tokens,omitempty"`
}

func (t *tongyiAdapter) stream(ctx context.Context, req *Request, a *assembler) error {
	auth := req.Auth.(TongyiAuth)
	multimodal := tongyiModels[req.Model]

	path := tongyiTextPath
	if multimodal {
		path = tongyiMultimodalPath
	}
	endpoint := strings.TrimRight(endpointOr(req.Endpoint, tongyiDefaultEndpoint), "/")

	msgs := make([]tongyiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		var content any = m.Content
		if multimodal {
			content = []map[string]string{{"text": m.Content}}
		}
		msgs = append(msgs, tongyiMessage{Role: m.Role, Content: content})
	}

	t.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"multimodal", multimodal,
	)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+auth.APIKey)
	header.Set("Accept", "text/event-stream")
	header.Set("X-DashScope-SSE", "enable")

	resp, err := postStream(ctx, t.client, t.logger, ProviderTongyi, endpoint+path, header, tongyiRequest{
		Model: req.Model,
		Input: tongyiInput{Messages: msgs},
		Parameters: tongyiParameters{
			IncrementalOutput: true,
			ResultFormat:      "message",
			MaxTokens:         req.MaxTokens,
		},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isEventStream(resp) {
		body := []byte(httpkit.ReadErrorBody(resp.Body, 64*1024))
		if err := tongyiError("", body); err != nil {
			return err
		}
		return a.append(textAt(body, pathTongyiContent))
	}

	return readSSE(ProviderTongyi, resp.Body, func(ev sseEvent) (bool, error) {
		t.logger.Log(ctx, LevelTrace, "stream event", "event", ev.Name, "data", string(ev.Data))
		if err := tongyiError(ev.Name, ev.Data); err != nil {
			return true, err
		}
		a.usage(intAt(ev.Data, "usage.input_tokens"), intAt(ev.Data, "usage.output_tokens"))
		if err := a.append(textAt(ev.Data, pathTongyiContent)); err != nil {
			return true, err
		}
		return false, nil
	})
}

// tongyiError reports an "error" event or a payload with a non-empty code.
func tongyiError(event string, data []byte) error {
	code := stringAt(data, "code")
	if event != "error" && code == "" {
		return nil
	}
	return &TransportError{
		Provider: ProviderTongyi,
		Op:       "stream",
		Code:     code,
		Message:  stringAt(data, "message"),
	}
}
