package llm

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/chatbridge/internal/httpkit"
)

const (
	ernieDefaultEndpoint = "https://aip.baidubce.com"
	ernieChatPrefix      = "/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/"
)

// ernieModels maps model names to their chat endpoint suffix.
var ernieModels = map[string]string{
	"ERNIE-Bot 4.0":   "completions_pro",
	"ERNIE-Bot-8K":    "ernie_bot_8k",
	"ERNIE-Bot":       "completions",
	"ERNIE-Bot-turbo": "eb-instant",
}

// ERNIEModels returns the model names the ERNIE adapter accepts.
func ERNIEModels() []string {
	out := make([]string, 0, len(ernieModels))
	for name := range ernieModels {
		out = append(out, name)
	}
	return out
}

type ernieAdapter struct {
	client    *http.Client
	exchanger *credentialExchanger
	logger    *slog.Logger
}

func newERNIEAdapter(client *http.Client, logger *slog.Logger) *ernieAdapter {
	return &ernieAdapter{
		client:    client,
		exchanger: &credentialExchanger{client: client},
		logger:    logger.With("provider", ProviderERNIE.String()),
	}
}

type ernieRequest struct {
	Messages []Message `json:"messages"`
	System   string    `json:"system,omitempty"`
	Stream   bool      `json:"stream"`
}

func (e *ernieAdapter) stream(ctx context.Context, req *Request, a *assembler) error {
	auth := req.Auth.(ERNIEAuth)
	endpoint := strings.TrimRight(endpointOr(req.Endpoint, ernieDefaultEndpoint), "/")

	token, err := e.exchanger.exchange(ctx, endpoint, auth)
	if err != nil {
		return err
	}
	if err := a.live(); err != nil {
		return err
	}

	msgs, system := splitSystem(req.Messages)
	e.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"system_len", len(system),
	)

	chatURL := endpoint + ernieChatPrefix + ernieModels[req.Model] + "?access_token=" + url.QueryEscape(token)
	resp, err := postStream(ctx, e.client, e.logger, ProviderERNIE, chatURL, nil, ernieRequest{
		Messages: msgs,
		System:   system,
		Stream:   true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Errors such as an invalid token arrive as a plain JSON body.
	if !isEventStream(resp) {
		body := httpkit.ReadErrorBody(resp.Body, 64*1024)
		if err := ernieError([]byte(body)); err != nil {
			return err
		}
		return a.append(textAt([]byte(body), pathERNIEResult))
	}

	return readSSE(ProviderERNIE, resp.Body, func(ev sseEvent) (bool, error) {
		e.logger.Log(ctx, LevelTrace, "stream event", "data", string(ev.Data))
		if err := ernieError(ev.Data); err != nil {
			return true, err
		}
		a.usage(intAt(ev.Data, "usage.prompt_tokens"), intAt(ev.Data, "usage.completion_tokens"))
		if err := a.append(textAt(ev.Data, pathERNIEResult)); err != nil {
			return true, err
		}
		return boolAt(ev.Data, "is_end"), nil
	})
}

// ernieError returns a TransportError when the payload carries a
// non-zero error_code.
func ernieError(data []byte) error {
	code := intAt(data, "error_code")
	if code == 0 {
		return nil
	}
	return &TransportError{
		Provider: ProviderERNIE,
		Op:       "stream",
		Code:     strconv.FormatInt(code, 10),
		Message:  stringAt(data, "error_msg"),
	}
}

// splitSystem lifts system messages out of the history. ERNIE takes the
// system prompt as a top-level field rather than a message role.
func splitSystem(messages []Message) ([]Message, string) {
	var (
		out    []Message
		system []string
	)
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out = append(out, m)
	}
	return out, strings.Join(system, "\n\n")
}

func endpointOr(endpoint, fallback string) string {
	if strings.TrimSpace(endpoint) == "" {
		return fallback
	}
	return endpoint
}
