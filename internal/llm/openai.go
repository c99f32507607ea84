package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultImageModel is used for drawing requests that name no model.
const DefaultImageModel = openai.CreateImageModelDallE3

type openAIAdapter struct {
	client *http.Client
	saver  ImageSaver
	logger *slog.Logger
}

func newOpenAIAdapter(client *http.Client, saver ImageSaver, logger *slog.Logger) *openAIAdapter {
	return &openAIAdapter{
		client: client,
		saver:  saver,
		logger: logger.With("provider", ProviderOpenAI.String()),
	}
}

func (o *openAIAdapter) newClient(auth OpenAIAuth) *openai.Client {
	cfg := openai.DefaultConfig(auth.APIKey)
	cfg.BaseURL = strings.TrimRight(auth.BaseURL, "/")
	cfg.HTTPClient = o.client
	return openai.NewClientWithConfig(cfg)
}

func (o *openAIAdapter) stream(ctx context.Context, req *Request, a *assembler) error {
	c := o.newClient(req.Auth.(OpenAIAuth))
	if req.Mode == ModeDrawing {
		return o.draw(ctx, c, req, a)
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	o.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(msgs),
		"max_tokens", req.MaxTokens,
	)

	stream, err := c.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return openAIError("request", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return openAIError("stream", err)
		}
		o.logger.Log(ctx, LevelTrace, "stream chunk", "id", chunk.ID, "choices", len(chunk.Choices))

		if chunk.Usage != nil {
			a.usage(int64(chunk.Usage.PromptTokens), int64(chunk.Usage.CompletionTokens))
			if len(chunk.Choices) == 0 {
				continue
			}
		}
		var fragment string
		if len(chunk.Choices) > 0 {
			fragment = chunk.Choices[0].Delta.Content
		}
		if err := a.append(fragment); err != nil {
			return err
		}
	}
}

func (o *openAIAdapter) draw(ctx context.Context, c *openai.Client, req *Request, a *assembler) error {
	model := req.Model
	if model == "" {
		model = DefaultImageModel
	}
	size := req.Image.Size
	if size == "" {
		size = openai.CreateImageSize1024x1024
	}

	o.logger.Debug("preparing image request", "model", model, "size", size)

	resp, err := c.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Image.Prompt,
		Model:          model,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return openAIError("image", err)
	}
	if err := a.live(); err != nil {
		return err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return &TransportError{Provider: ProviderOpenAI, Op: "image", Err: errNoImageURL}
	}

	path, err := o.saver.SaveRemoteFile(ctx, resp.Data[0].URL, uuid.NewString()+".png")
	if err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	o.logger.Debug("image saved", "path", path)
	return a.image(path)
}

// openAIError converts go-openai errors into a TransportError while
// keeping context cancellation visible to errors.Is.
func openAIError(op string, err error) error {
	te := &TransportError{Provider: ProviderOpenAI, Op: op, Err: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		te.StatusCode = apiErr.HTTPStatusCode
		if code, ok := apiErr.Code.(string); ok {
			te.Code = code
		}
		te.Message = apiErr.Message
		te.Err = nil
	case errors.As(err, &reqErr):
		te.StatusCode = reqErr.HTTPStatusCode
	}
	return te
}
