// Package profile turns configured provider settings into engine
// requests. Credentials always come from configuration; callers supply
// only the conversation and optional overrides.
package profile

import (
	"github.com/nugget/chatbridge/internal/config"
	"github.com/nugget/chatbridge/internal/llm"
)

// Call is what a caller may choose per request. Zero fields fall back to
// the provider's configured defaults.
type Call struct {
	ID        string
	Model     string
	Mode      llm.Mode
	Messages  []llm.Message
	Image     *llm.ImageRequest
	MaxTokens int
}

// Request builds an engine request for p. The result is not validated;
// the dispatcher does that on SendChat.
func Request(cfg config.ProvidersConfig, p llm.Provider, c Call) *llm.Request {
	req := &llm.Request{
		ID:        c.ID,
		Model:     c.Model,
		Mode:      c.Mode,
		Messages:  c.Messages,
		Image:     c.Image,
		MaxTokens: c.MaxTokens,
	}

	switch p {
	case llm.ProviderOpenAI:
		oc := cfg.OpenAI
		req.Auth = llm.OpenAIAuth{APIKey: oc.APIKey, BaseURL: oc.BaseURL}
		if req.Mode == "" {
			req.Mode = llm.ModeChat
		}
		if req.Mode == llm.ModeDrawing {
			req.Model = or(req.Model, oc.ImageModel)
			if req.Image != nil && req.Image.Size == "" {
				img := *req.Image
				img.Size = oc.ImageSize
				req.Image = &img
			}
		} else {
			req.Model = or(req.Model, oc.Model)
		}
		if req.MaxTokens == 0 {
			req.MaxTokens = oc.MaxTokens
		}
	case llm.ProviderERNIE:
		ec := cfg.ERNIE
		req.Auth = llm.ERNIEAuth{APIKey: ec.APIKey, SecretKey: ec.SecretKey}
		req.Model = or(req.Model, ec.Model)
		req.Endpoint = ec.Endpoint
	case llm.ProviderTongyi:
		tc := cfg.Tongyi
		req.Auth = llm.TongyiAuth{APIKey: tc.APIKey}
		req.Model = or(req.Model, tc.Model)
		req.Endpoint = tc.Endpoint
		if req.MaxTokens == 0 {
			req.MaxTokens = tc.MaxTokens
		}
	case llm.ProviderSpark:
		sc := cfg.Spark
		req.Auth = llm.SparkAuth{AppID: sc.AppID, APIKey: sc.APIKey, APISecret: sc.APISecret}
		req.Model = or(req.Model, sc.Model)
		req.Endpoint = sc.Endpoint
		if req.MaxTokens == 0 {
			req.MaxTokens = sc.MaxTokens
		}
	}
	return req
}

// Configured lists the providers with credentials present in cfg.
func Configured(cfg config.ProvidersConfig) []llm.Provider {
	var out []llm.Provider
	for _, p := range llm.Providers() {
		if IsConfigured(cfg, p) {
			out = append(out, p)
		}
	}
	return out
}

// IsConfigured reports whether cfg carries credentials for p.
func IsConfigured(cfg config.ProvidersConfig, p llm.Provider) bool {
	switch p {
	case llm.ProviderOpenAI:
		return cfg.OpenAI.Configured()
	case llm.ProviderERNIE:
		return cfg.ERNIE.Configured()
	case llm.ProviderTongyi:
		return cfg.Tongyi.Configured()
	case llm.ProviderSpark:
		return cfg.Spark.Configured()
	}
	return false
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
