package llm

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sink records callbacks in order.
type sink struct {
	mu     sync.Mutex
	log    []string
	text   strings.Builder
	images []string
	ends   int
	endErr error
}

func (s *sink) callbacks() Callbacks {
	return Callbacks{
		OnStart: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.log = append(s.log, "start")
		},
		OnAppend: func(fragment string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.log = append(s.log, "append:"+fragment)
			s.text.WriteString(fragment)
		},
		OnImage: func(path string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.log = append(s.log, "image:"+path)
			s.images = append(s.images, path)
		},
		OnEnd: func(err error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.log = append(s.log, "end")
			s.ends++
			s.endErr = err
		},
	}
}

func (s *sink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *sink) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// checkOrdering asserts start precedes appends and end is last and single.
func (s *sink) checkOrdering(t *testing.T) {
	t.Helper()
	evs := s.events()
	if len(evs) == 0 || evs[len(evs)-1] != "end" {
		t.Fatalf("last callback should be end, got %v", evs)
	}
	ends, starts := 0, 0
	for i, e := range evs {
		switch {
		case e == "end":
			ends++
		case e == "start":
			starts++
			if i != 0 {
				t.Errorf("start at position %d, want 0: %v", i, evs)
			}
		case strings.HasPrefix(e, "append:"), strings.HasPrefix(e, "image:"):
			if starts == 0 {
				t.Errorf("%q before start: %v", e, evs)
			}
		}
	}
	if ends != 1 {
		t.Errorf("OnEnd fired %d times, want 1", ends)
	}
	if starts > 1 {
		t.Errorf("OnStart fired %d times, want at most 1", starts)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for call to finish")
	}
}

// sendAndWait runs a call to completion and returns the sink.
func sendAndWait(t *testing.T, d *Dispatcher, p Provider, req *Request, fence Fence) *sink {
	t.Helper()
	s := &sink{}
	done, err := d.SendChat(context.Background(), p, req, fence, s.callbacks())
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	waitDone(t, done)
	return s
}

// writeSSE writes events as "data: ..." blocks and flushes after each.
func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, ev := range events {
		io.WriteString(w, "data: "+ev+"\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// countFence reports true for the first n evaluations.
func countFence(n int) Fence {
	var mu sync.Mutex
	calls := 0
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls <= n
	}
}
