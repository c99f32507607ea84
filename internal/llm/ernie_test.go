package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type ernieFake struct {
	tokenCalls atomic.Int32
	chatCalls  atomic.Int32
	bodies     chan ernieRequest
	chat       http.HandlerFunc
}

func newERNIEFake(t *testing.T, chat http.HandlerFunc) (*ernieFake, *httptest.Server) {
	t.Helper()
	f := &ernieFake{bodies: make(chan ernieRequest, 4), chat: chat}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/2.0/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "client_credentials" ||
			r.PostForm.Get("client_id") != "ak" || r.PostForm.Get("client_secret") != "sk" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"invalid_client","error_description":"unknown client id"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"tok-1","expires_in":2592000}`)
	})
	mux.HandleFunc("POST "+ernieChatPrefix+"eb-instant", func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		if r.URL.Query().Get("access_token") != "tok-1" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"error_code":110,"error_msg":"Access token invalid or no longer valid"}`)
			return
		}
		var body ernieRequest
		json.NewDecoder(r.Body).Decode(&body)
		f.bodies <- body
		f.chat(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func ernieRequestFor(srv *httptest.Server, auth ERNIEAuth) *Request {
	return &Request{
		Model: "ERNIE-Bot-turbo",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hi"},
		},
		Endpoint: srv.URL,
		Auth:     auth,
	}
}

func TestERNIEStream(t *testing.T) {
	f, srv := newERNIEFake(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"id":"as-1","result":"你","is_end":false}`,
			`{"id":"as-1","result":"好","is_end":true,"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
			`{"id":"as-1","result":"never","is_end":false}`,
		)
	})

	d := NewDispatcher(testLogger())
	s := sendAndWait(t, d, ProviderERNIE, ernieRequestFor(srv, ERNIEAuth{APIKey: "ak", SecretKey: "sk"}), nil)

	s.checkOrdering(t)
	if s.endErr != nil {
		t.Fatalf("endErr = %v", s.endErr)
	}
	if out := s.output(); out != "你好" {
		t.Errorf("output = %q, want %q", out, "你好")
	}
	body := <-f.bodies
	if body.System != "be brief" || !body.Stream {
		t.Errorf("request body = %+v, want system lifted and stream=true", body)
	}
	if len(body.Messages) != 1 || body.Messages[0].Role != RoleUser {
		t.Errorf("messages = %+v, want only the user message", body.Messages)
	}
	if n := f.tokenCalls.Load(); n != 1 {
		t.Errorf("token exchanges = %d, want 1", n)
	}
}

func TestERNIEFreshTokenPerCall(t *testing.T) {
	f, srv := newERNIEFake(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"result":"ok","is_end":true}`)
	})
	d := NewDispatcher(testLogger())
	for range 2 {
		sendAndWait(t, d, ProviderERNIE, ernieRequestFor(srv, ERNIEAuth{APIKey: "ak", SecretKey: "sk"}), nil)
		<-f.bodies
	}
	if n := f.tokenCalls.Load(); n != 2 {
		t.Errorf("token exchanges = %d, want 2", n)
	}
}

func TestERNIECredentialFailure(t *testing.T) {
	f, srv := newERNIEFake(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("chat endpoint should not be reached")
	})

	d := NewDispatcher(testLogger())
	s := sendAndWait(t, d, ProviderERNIE, ernieRequestFor(srv, ERNIEAuth{APIKey: "ak", SecretKey: "wrong"}), nil)

	s.checkOrdering(t)
	var ce *CredentialExchangeError
	if !errors.As(s.endErr, &ce) {
		t.Fatalf("endErr = %v, want *CredentialExchangeError", s.endErr)
	}
	var te *TransportError
	if !errors.As(ce, &te) || te.StatusCode != http.StatusUnauthorized || te.Code != "invalid_client" {
		t.Errorf("wrapped error = %v, want 401 invalid_client", ce.Err)
	}
	if n := f.chatCalls.Load(); n != 0 {
		t.Errorf("chat calls = %d, want 0", n)
	}
}

func TestERNIEStreamError(t *testing.T) {
	_, srv := newERNIEFake(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"result":"par","is_end":false}`,
			`{"error_code":336003,"error_msg":"the max length of current question is 4800"}`,
		)
	})

	d := NewDispatcher(testLogger())
	s := sendAndWait(t, d, ProviderERNIE, ernieRequestFor(srv, ERNIEAuth{APIKey: "ak", SecretKey: "sk"}), nil)

	s.checkOrdering(t)
	var te *TransportError
	if !errors.As(s.endErr, &te) || te.Code != "336003" {
		t.Fatalf("endErr = %v, want TransportError code 336003", s.endErr)
	}
	if !strings.Contains(te.Message, "max length") {
		t.Errorf("message = %q", te.Message)
	}
	if out := s.output(); out != "par" {
		t.Errorf("output = %q, want %q", out, "par")
	}
}

func TestSplitSystem(t *testing.T) {
	msgs, system := splitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleSystem, Content: "b"},
	})
	if system != "a\n\nb" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 1 || msgs[0].Content != "q" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestERNIECancelDuringExchange(t *testing.T) {
	var chatCalls atomic.Int32
	exchanging := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+ernieTokenPath, func(w http.ResponseWriter, r *http.Request) {
		close(exchanging)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	mux.HandleFunc("POST "+ernieChatPrefix+"eb-instant", func(w http.ResponseWriter, r *http.Request) {
		chatCalls.Add(1)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	rec := &memRecorder{}
	d := NewDispatcher(testLogger(), WithRecorder(rec))
	req := ernieRequestFor(srv, ERNIEAuth{APIKey: "ak", SecretKey: "sk"})
	req.ID = "ernie-cancel"

	s := &sink{}
	done, err := d.SendChat(context.Background(), ProviderERNIE, req, nil, s.callbacks())
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	select {
	case <-exchanging:
	case <-time.After(5 * time.Second):
		t.Fatal("token endpoint never reached")
	}
	if !d.Cancel("ernie-cancel") {
		t.Fatal("Cancel reported unknown id")
	}
	waitDone(t, done)

	if evs := s.events(); len(evs) != 1 || evs[0] != "end" {
		t.Errorf("callbacks = %v, want only end", evs)
	}
	if s.endErr != nil {
		t.Errorf("endErr = %v, want nil", s.endErr)
	}
	if n := chatCalls.Load(); n != 0 {
		t.Errorf("chat calls = %d, want 0", n)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.results) != 1 || rec.results[0].Outcome != OutcomeCancelled {
		t.Errorf("results = %+v, want one cancelled", rec.results)
	}
}
