package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Provider identifies a supported model backend. The set is closed:
// every switch over Provider in this package handles all four values.
type Provider int

const (
	ProviderOpenAI Provider = iota + 1
	ProviderERNIE
	ProviderTongyi
	ProviderSpark
)

var providerNames = map[Provider]string{
	ProviderOpenAI: "OpenAI",
	ProviderERNIE:  "ERNIEBot",
	ProviderTongyi: "Tongyi",
	ProviderSpark:  "Spark",
}

// String returns the provider key used in configuration and on the wire.
func (p Provider) String() string {
	if name, ok := providerNames[p]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	_, ok := providerNames[p]
	return ok
}

// Providers lists all supported providers in declaration order.
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderERNIE, ProviderTongyi, ProviderSpark}
}

// ParseProvider resolves a provider key case-insensitively. "ernie" is
// accepted as an alias for ERNIEBot.
func ParseProvider(s string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "ernie" {
		return ProviderERNIE, nil
	}
	for p, name := range providerNames {
		if strings.ToLower(name) == key {
			return p, nil
		}
	}
	return 0, &UnsupportedProviderError{Name: s}
}

// Mode selects between text chat and image generation.
type Mode string

const (
	ModeChat    Mode = "chat"
	ModeDrawing Mode = "drawing"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ImageRequest is the drawing-mode payload.
type ImageRequest struct {
	Prompt string
	Size   string // e.g. 1024x1024
}

// Auth is the provider-specific credential material of a Request. The
// concrete type determines which provider the request is valid for.
type Auth interface {
	provider() Provider
	missing() []string
}

// OpenAIAuth authenticates against an OpenAI-compatible API.
type OpenAIAuth struct {
	APIKey  string
	BaseURL string
}

func (OpenAIAuth) provider() Provider { return ProviderOpenAI }

func (a OpenAIAuth) missing() []string {
	return missingFields("api_key", a.APIKey, "base_url", a.BaseURL)
}

// ERNIEAuth is the Baidu API key / secret key pair exchanged for an
// access token before each call.
type ERNIEAuth struct {
	APIKey    string
	SecretKey string
}

func (ERNIEAuth) provider() Provider { return ProviderERNIE }

func (a ERNIEAuth) missing() []string {
	return missingFields("api_key", a.APIKey, "secret_key", a.SecretKey)
}

// TongyiAuth is a DashScope API key.
type TongyiAuth struct {
	APIKey string
}

func (TongyiAuth) provider() Provider { return ProviderTongyi }

func (a TongyiAuth) missing() []string {
	return missingFields("api_key", a.APIKey)
}

// SparkAuth is the iFlytek app id plus HMAC key pair.
type SparkAuth struct {
	AppID     string
	APIKey    string
	APISecret string
}

func (SparkAuth) provider() Provider { return ProviderSpark }

func (a SparkAuth) missing() []string {
	return missingFields("app_id", a.AppID, "api_key", a.APIKey, "api_secret", a.APISecret)
}

// missingFields takes name/value pairs and returns names with empty values.
func missingFields(pairs ...string) []string {
	var out []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			out = append(out, pairs[i])
		}
	}
	return out
}

// Request describes one chat or drawing invocation. It is copied when
// accepted by the dispatcher and not modified afterwards.
type Request struct {
	// ID is the caller-assigned call id. A UUIDv7 is generated when empty.
	ID    string
	Model string
	Mode  Mode

	// Messages is the chat history (chat mode). The caller has already
	// trimmed it to fit the model's context window.
	Messages []Message
	// Image is the drawing-mode payload.
	Image *ImageRequest

	MaxTokens   int
	Temperature float64 // Spark only; 0 selects the default of 0.5

	// Endpoint overrides the provider's base endpoint (ERNIE, Tongyi,
	// Spark). OpenAI uses OpenAIAuth.BaseURL instead.
	Endpoint string

	Auth Auth
}

// Fence reports whether the caller still cares about this call. It is
// evaluated before every callback and never mutated by the engine.
type Fence func() bool

// Callbacks is the caller's sink. Nil fields are skipped. OnStart fires
// at most once, before the first OnAppend. OnEnd fires exactly once as
// the last callback of every accepted call.
type Callbacks struct {
	OnStart  func()
	OnAppend func(fragment string)
	OnImage  func(localPath string)
	OnEnd    func(err error)
}

// ImageSaver persists a remote file locally and returns the local path.
type ImageSaver interface {
	SaveRemoteFile(ctx context.Context, url, name string) (string, error)
}

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeError      Outcome = "error"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeTimeout    Outcome = "timeout"
)

// Result summarizes a finished call for recorders and event subscribers.
type Result struct {
	CallID       string
	Provider     Provider
	Model        string
	Mode         Mode
	Outcome      Outcome
	Err          error
	Fragments    int
	OutputChars  int
	InputTokens  int
	OutputTokens int
	StartedAt    time.Time
	Duration     time.Duration
}

// Recorder receives a Result after OnEnd has returned.
type Recorder interface {
	RecordCall(ctx context.Context, res Result) error
}

// CallInfo describes an in-flight call.
type CallInfo struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	StartedAt time.Time `json:"started_at"`
}
