package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSparkAuthorization(t *testing.T) {
	got := sparkAuthorization("spark-api.xf-yun.com", "/v1.1/chat", "Mon, 02 Jan 2006 15:04:05 GMT", "key", "secret")
	want := "YXBpX2tleT0ia2V5IiwgYWxnb3JpdGhtPSJobWFjLXNoYTI1NiIsIGhlYWRlcnM9Imhvc3QgZGF0ZSByZXF1ZXN0LWxpbmUiLCBzaWduYXR1cmU9InZIc3lIM0o4MVdENElicExNMXlwVThTUnZYR0dzbDU5MUhUR2JadjFOSXc9Ig=="
	if got != want {
		t.Errorf("sparkAuthorization() =\n%s\nwant\n%s", got, want)
	}
}

func TestSparkSignedURL(t *testing.T) {
	now := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)
	raw, err := sparkSignedURL("", "v1.1", SparkAuth{AppID: "app", APIKey: "key", APISecret: "secret"}, now)
	if err != nil {
		t.Fatalf("sparkSignedURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if u.Scheme != "wss" || u.Host != "spark-api.xf-yun.com" || u.Path != "/v1.1/chat" {
		t.Errorf("url = %s, want wss://spark-api.xf-yun.com/v1.1/chat", raw)
	}
	q := u.Query()
	if q.Get("date") != "Mon, 02 Jan 2006 15:04:05 GMT" {
		t.Errorf("date = %q", q.Get("date"))
	}
	if q.Get("host") != "spark-api.xf-yun.com" {
		t.Errorf("host = %q", q.Get("host"))
	}
	if !strings.HasPrefix(q.Get("authorization"), "YXBpX2tleT0ia2V5Ii") {
		t.Errorf("authorization = %q", q.Get("authorization"))
	}
}

func TestSparkDomain(t *testing.T) {
	tests := map[string]string{
		"v1.1": "general",
		"v2.1": "generalv2",
		"v3.1": "generalv3",
		"v3.5": "generalv3.5",
		"v4.0": "generalv4",
		"bad":  "general",
	}
	for model, want := range tests {
		if got := sparkDomain(model); got != want {
			t.Errorf("sparkDomain(%q) = %q, want %q", model, got, want)
		}
	}
}

// sparkServer upgrades /v3.1/chat and replays frames after reading the
// request frame, which it hands to check.
func sparkServer(t *testing.T, frames []string, check func(sparkRequest)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3.1/chat" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("authorization") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req sparkRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if check != nil {
			check(req)
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sparkFrame(status int, content string) string {
	b, _ := json.Marshal(map[string]any{
		"header": map[string]any{"code": 0, "message": "Success", "status": status},
		"payload": map[string]any{
			"choices": map[string]any{"text": []map[string]any{{"content": content, "role": "assistant"}}},
		},
	})
	return string(b)
}

func sparkRequestFor(srv *httptest.Server) *Request {
	return &Request{
		Model:    "v3.1",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Auth:     SparkAuth{AppID: "app-1", APIKey: "key", APISecret: "secret"},
	}
}

func TestSparkStream(t *testing.T) {
	reqs := make(chan sparkRequest, 1)
	srv := sparkServer(t, []string{
		sparkFrame(0, "Hel"),
		sparkFrame(1, "lo"),
		sparkFrame(2, "!"),
	}, func(r sparkRequest) { reqs <- r })

	d := NewDispatcher(testLogger())
	s := sendAndWait(t, d, ProviderSpark, sparkRequestFor(srv), nil)

	s.checkOrdering(t)
	if s.endErr != nil {
		t.Fatalf("endErr = %v", s.endErr)
	}
	if out := s.output(); out != "Hello!" {
		t.Errorf("output = %q, want %q", out, "Hello!")
	}
	got := <-reqs
	if got.Header.AppID != "app-1" || got.Header.UID != sparkUID {
		t.Errorf("header = %+v", got.Header)
	}
	if got.Parameter.Chat.Domain != "generalv3" {
		t.Errorf("domain = %q, want generalv3", got.Parameter.Chat.Domain)
	}
	if got.Parameter.Chat.Temperature != sparkDefaultTemp || got.Parameter.Chat.MaxTokens != sparkDefaultTokens {
		t.Errorf("chat params = %+v", got.Parameter.Chat)
	}
	if len(got.Payload.Message.Text) != 1 || got.Payload.Message.Text[0].Content != "hi" {
		t.Errorf("payload text = %+v", got.Payload.Message.Text)
	}
}

func TestSparkErrorFrame(t *testing.T) {
	srv := sparkServer(t, []string{
		`{"header":{"code":10013,"message":"input content blocked","status":2}}`,
	}, nil)

	d := NewDispatcher(testLogger())
	s := sendAndWait(t, d, ProviderSpark, sparkRequestFor(srv), nil)

	s.checkOrdering(t)
	var te *TransportError
	if !errors.As(s.endErr, &te) {
		t.Fatalf("endErr = %v, want *TransportError", s.endErr)
	}
	if te.Code != "10013" || te.Message != "input content blocked" {
		t.Errorf("TransportError = %+v", te)
	}
	if evs := s.events(); len(evs) != 1 {
		t.Errorf("callbacks = %v, want only end", evs)
	}
}

func TestSparkFenceStopsStream(t *testing.T) {
	srv := sparkServer(t, []string{
		sparkFrame(0, "a"),
		sparkFrame(1, "b"),
		sparkFrame(1, "c"),
		sparkFrame(2, "d"),
	}, nil)

	d := NewDispatcher(testLogger())
	// Two evaluations before the first fragment, then two fragments.
	s := sendAndWait(t, d, ProviderSpark, sparkRequestFor(srv), countFence(4))

	s.checkOrdering(t)
	if s.endErr != nil {
		t.Errorf("endErr = %v, want nil for a superseded call", s.endErr)
	}
	if out := s.output(); out != "ab" {
		t.Errorf("output = %q, want %q", out, "ab")
	}
}

func TestSparkDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDispatcher(testLogger())
	s := sendAndWait(t, d, ProviderSpark, sparkRequestFor(srv), nil)

	var te *TransportError
	if !errors.As(s.endErr, &te) || te.Op != "dial" || te.StatusCode != http.StatusForbidden {
		t.Errorf("endErr = %v, want dial TransportError with status 403", s.endErr)
	}
}

func TestSparkCancelMidStream(t *testing.T) {
	closed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req sparkRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(sparkFrame(0, "a"))); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	rec := &memRecorder{}
	d := NewDispatcher(testLogger(), WithRecorder(rec))
	req := sparkRequestFor(srv)
	req.ID = "spark-mid"

	s := &sink{}
	done, err := d.SendChat(context.Background(), ProviderSpark, req, nil, s.callbacks())
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	waitFor(t, func() bool { return s.output() == "a" })
	if !d.Cancel("spark-mid") {
		t.Fatal("Cancel reported unknown id")
	}
	waitDone(t, done)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the socket close")
	}
	s.checkOrdering(t)
	if evs := s.events(); len(evs) != 3 || evs[1] != "append:a" {
		t.Errorf("callbacks = %v, want start, append:a, end", evs)
	}
	if s.endErr != nil {
		t.Errorf("endErr = %v, want nil", s.endErr)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.results) != 1 || rec.results[0].Outcome != OutcomeCancelled {
		t.Errorf("results = %+v, want one cancelled", rec.results)
	}
}

func TestSparkCancelDuringDial(t *testing.T) {
	dialing := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Never answer the upgrade.
		close(dialing)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d := NewDispatcher(testLogger())
	req := sparkRequestFor(srv)
	req.ID = "spark-dial"

	s := &sink{}
	done, err := d.SendChat(context.Background(), ProviderSpark, req, nil, s.callbacks())
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	select {
	case <-dialing:
	case <-time.After(5 * time.Second):
		t.Fatal("upgrade request never arrived")
	}
	if !d.Cancel("spark-dial") {
		t.Fatal("Cancel reported unknown id")
	}
	// Well inside the dialer's handshake timeout.
	waitDone(t, done)

	if evs := s.events(); len(evs) != 1 || evs[0] != "end" {
		t.Errorf("callbacks = %v, want only end", evs)
	}
	if s.endErr != nil {
		t.Errorf("endErr = %v, want nil", s.endErr)
	}
}
