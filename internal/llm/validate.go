package llm

import "fmt"

// validate checks req against p's requirements without touching the
// network.
func validate(p Provider, req *Request) error {
	if !p.Valid() {
		return &UnsupportedProviderError{Name: p.String()}
	}
	if req == nil {
		return &ValidationError{Provider: p, Missing: []string{"request"}}
	}
	if req.Auth == nil {
		return &ValidationError{Provider: p, Missing: []string{"auth"}}
	}
	if got := req.Auth.provider(); got != p {
		return &ValidationError{Provider: p, Reason: fmt.Sprintf("auth is for %s", got)}
	}

	var missing []string
	missing = append(missing, req.Auth.missing()...)

	mode := req.Mode
	if mode == "" && p != ProviderOpenAI {
		mode = ModeChat
	}
	switch mode {
	case "":
		missing = append(missing, "mode")
	case ModeChat:
		if len(req.Messages) == 0 {
			missing = append(missing, "messages")
		}
		if req.Image != nil {
			return &ValidationError{Provider: p, Reason: "image payload set in chat mode"}
		}
	case ModeDrawing:
		if p != ProviderOpenAI {
			return &ValidationError{Provider: p, Reason: "drawing mode is only supported by OpenAI"}
		}
		if req.Image == nil || req.Image.Prompt == "" {
			missing = append(missing, "image.prompt")
		}
		if len(req.Messages) > 0 {
			return &ValidationError{Provider: p, Reason: "messages set in drawing mode"}
		}
	default:
		return &ValidationError{Provider: p, Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}

	for i, m := range req.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return &ValidationError{Provider: p, Reason: fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role)}
		}
	}

	switch p {
	case ProviderOpenAI:
		if req.MaxTokens <= 0 {
			missing = append(missing, "max_tokens")
		}
	case ProviderERNIE:
		if _, ok := ernieModels[req.Model]; !ok {
			if req.Model == "" {
				missing = append(missing, "model")
			} else {
				return &ValidationError{Provider: p, Reason: fmt.Sprintf("unknown model %q", req.Model)}
			}
		}
	case ProviderTongyi:
		if _, ok := tongyiModels[req.Model]; !ok {
			if req.Model == "" {
				missing = append(missing, "model")
			} else {
				return &ValidationError{Provider: p, Reason: fmt.Sprintf("unknown model %q", req.Model)}
			}
		}
	case ProviderSpark:
		if req.Model == "" {
			missing = append(missing, "model")
		}
	}

	if len(missing) > 0 {
		return &ValidationError{Provider: p, Missing: missing}
	}
	return nil
}

// normalizeAuth dereferences pointer credentials so adapters can assert
// on value types. A nil pointer becomes a nil Auth.
func normalizeAuth(a Auth) Auth {
	switch v := a.(type) {
	case *OpenAIAuth:
		if v == nil {
			return nil
		}
		return *v
	case *ERNIEAuth:
		if v == nil {
			return nil
		}
		return *v
	case *TongyiAuth:
		if v == nil {
			return nil
		}
		return *v
	case *SparkAuth:
		if v == nil {
			return nil
		}
		return *v
	}
	return a
}
