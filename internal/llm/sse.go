package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/nugget/chatbridge/internal/httpkit"
)

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	Name string
	Data []byte
}

// readSSE parses a text/event-stream body and calls fn for every event
// carrying data. Comment lines are skipped and multi-line data fields
// are joined with "\n". Parsing stops when fn reports done or returns an
// error, which is returned unchanged.
func readSSE(p Provider, body io.Reader, fn func(sseEvent) (done bool, err error)) error {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		name    string
		data    bytes.Buffer
		hasData bool
	)
	dispatch := func() (bool, error) {
		defer func() {
			name = ""
			data.Reset()
			hasData = false
		}()
		if !hasData || bytes.Equal(data.Bytes(), []byte("[DONE]")) {
			return false, nil
		}
		return fn(sseEvent{Name: name, Data: bytes.Clone(data.Bytes())})
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			done, err := dispatch()
			if err != nil || done {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return &TransportError{Provider: p, Op: "stream", Err: err}
	}
	// A final event may arrive without its trailing blank line.
	_, err := dispatch()
	return err
}

// postStream sends a JSON body and returns the response once the server
// has answered with 200. The caller closes the body.
func postStream(ctx context.Context, client *http.Client, logger *slog.Logger, p Provider, url string, header http.Header, payload any) (*http.Response, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: p, Op: "request", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &TransportError{
			Provider:   p,
			Op:         "status",
			StatusCode: resp.StatusCode,
			Code:       stringAt([]byte(errBody), "code"),
			Message:    errBody,
		}
	}
	return resp, nil
}

// isEventStream reports whether the response declares text/event-stream.
func isEventStream(resp *http.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}
