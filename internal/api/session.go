package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/chatbridge/internal/events"
	"github.com/nugget/chatbridge/internal/llm"
	"github.com/nugget/chatbridge/internal/profile"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 20
	outboundBuffer = 64

	defaultConversation = "default"
)

// Frame types.
const (
	frameChat     = "chat"
	frameCancel   = "cancel"
	frameAccepted = "accepted"
	frameStart    = "start"
	frameAppend   = "append"
	frameImage    = "image"
	frameEnd      = "end"
	frameError    = "error"
)

// Error codes carried in error and end frames.
const (
	codeBadFrame            = "bad_frame"
	codeUnsupportedProvider = "unsupported_provider"
	codeValidation          = "validation"
	codeTooManyCalls        = "too_many_calls"
	codeNoImageSaver        = "no_image_saver"
	codeUnknownCall         = "unknown_call"
	codeTimeout             = "timeout"
	codeProvider            = "provider_error"
	codeInternal            = "internal"
)

var errSessionClosed = errors.New("session closed")

// clientFrame is a message from a bridge client.
type clientFrame struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	Model          string        `json:"model,omitempty"`
	Mode           string        `json:"mode,omitempty"`
	Messages       []llm.Message `json:"messages,omitempty"`
	Image          *imageFrame   `json:"image,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	CallID         string        `json:"call_id,omitempty"`
}

type imageFrame struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

// serverFrame is a message to a bridge client.
type serverFrame struct {
	Type           string   `json:"type"`
	CallID         string   `json:"call_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	Fragment       string   `json:"fragment,omitempty"`
	Path           string   `json:"path,omitempty"`
	Code           string   `json:"code,omitempty"`
	Error          string   `json:"error,omitempty"`
	Missing        []string `json:"missing,omitempty"`
}

// session is one WebSocket client. Frames are written by a single
// writer goroutine; callbacks and the reader queue onto out.
type session struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	logger *slog.Logger
	ctx    context.Context
	out    chan serverFrame

	mu          sync.Mutex
	generations map[string]uint64
	calls       map[string]struct{}
	wg          sync.WaitGroup
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := &session{
		id:          uuid.NewString(),
		conn:        conn,
		srv:         s,
		out:         make(chan serverFrame, outboundBuffer),
		generations: make(map[string]uint64),
		calls:       make(map[string]struct{}),
	}
	sess.logger = s.logger.With("session_id", sess.id)

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBridge,
		Kind:      events.KindSessionOpen,
		Data:      map[string]any{"session_id": sess.id, "remote": r.RemoteAddr},
	})
	sess.logger.Info("session opened", "remote", r.RemoteAddr)

	err = sess.serve(r.Context())

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceBridge,
		Kind:      events.KindSessionClose,
		Data:      map[string]any{"session_id": sess.id, "remote": r.RemoteAddr},
	})
	if err != nil && !errors.Is(err, errSessionClosed) {
		sess.logger.Warn("session ended", "error", err)
		return
	}
	sess.logger.Info("session closed")
}

// serve runs the session until the client disconnects or ctx is
// cancelled. In-flight calls are cancelled and awaited before it returns.
func (sess *session) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	sess.ctx = gctx

	g.Go(func() error { return sess.writeLoop(gctx) })
	g.Go(sess.readLoop)

	err := g.Wait()
	sess.wg.Wait()
	return err
}

func (sess *session) readLoop() error {
	sess.conn.SetReadLimit(maxFrameBytes)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || sess.ctx.Err() != nil {
				return errSessionClosed
			}
			return fmt.Errorf("read frame: %w", err)
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.send(serverFrame{Type: frameError, Code: codeBadFrame, Error: err.Error()})
			continue
		}

		switch f.Type {
		case frameChat:
			sess.chat(f)
		case frameCancel:
			sess.cancel(f)
		default:
			sess.send(serverFrame{Type: frameError, Code: codeBadFrame, Error: fmt.Sprintf("unknown frame type %q", f.Type)})
		}
	}
}

// writeLoop owns all writes and closes the connection on return, which
// also unblocks readLoop.
func (sess *session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer sess.conn.Close()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = sess.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return nil
		case f := <-sess.out:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteJSON(f); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// send queues f for the writer. Frames are dropped once the session is
// closing.
func (sess *session) send(f serverFrame) {
	select {
	case sess.out <- f:
	case <-sess.ctx.Done():
	}
}

// supersede advances the conversation's generation and returns the new
// value. Calls holding an older generation stop delivering callbacks.
func (sess *session) supersede(conv string) uint64 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.generations[conv]++
	return sess.generations[conv]
}

func (sess *session) generation(conv string) uint64 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.generations[conv]
}

func (sess *session) chat(f clientFrame) {
	conv := f.ConversationID
	if conv == "" {
		conv = defaultConversation
	}

	p, err := llm.ParseProvider(f.Provider)
	if err != nil {
		sess.send(rejectionFrame(conv, "", err))
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		sess.send(serverFrame{Type: frameError, ConversationID: conv, Code: codeInternal, Error: err.Error()})
		return
	}
	callID := id.String()

	call := profile.Call{
		ID:        callID,
		Model:     f.Model,
		Mode:      llm.Mode(f.Mode),
		Messages:  f.Messages,
		MaxTokens: f.MaxTokens,
	}
	if f.Image != nil {
		call.Image = &llm.ImageRequest{Prompt: f.Image.Prompt, Size: f.Image.Size}
	}
	req := profile.Request(sess.srv.providers, p, call)

	gen := sess.supersede(conv)
	fence := func() bool { return sess.generation(conv) == gen }

	// Callbacks may fire before SendChat returns; ready holds them until
	// the accepted frame is queued.
	ready := make(chan struct{})
	frame := func(typ string) serverFrame {
		return serverFrame{Type: typ, CallID: callID, ConversationID: conv}
	}
	cb := llm.Callbacks{
		OnStart: func() {
			<-ready
			sess.send(frame(frameStart))
		},
		OnAppend: func(fragment string) {
			<-ready
			f := frame(frameAppend)
			f.Fragment = fragment
			sess.send(f)
		},
		OnImage: func(path string) {
			<-ready
			f := frame(frameImage)
			f.Path = path
			sess.send(f)
		},
		OnEnd: func(err error) {
			<-ready
			f := frame(frameEnd)
			if err != nil {
				f.Code = codeProvider
				if errors.Is(err, llm.ErrCallTimeout) {
					f.Code = codeTimeout
				}
				f.Error = err.Error()
			}
			sess.send(f)
		},
	}

	done, err := sess.srv.dispatcher.SendChat(sess.ctx, p, req, fence, cb)
	if err != nil {
		close(ready)
		sess.send(rejectionFrame(conv, callID, err))
		return
	}

	sess.track(callID, done)
	accepted := frame(frameAccepted)
	accepted.Provider = p.String()
	accepted.Model = req.Model
	sess.send(accepted)
	close(ready)
}

// track records an owned call until its done channel closes.
func (sess *session) track(id string, done <-chan struct{}) {
	sess.mu.Lock()
	sess.calls[id] = struct{}{}
	sess.mu.Unlock()

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		<-done
		sess.mu.Lock()
		delete(sess.calls, id)
		sess.mu.Unlock()
	}()
}

func (sess *session) cancel(f clientFrame) {
	sess.mu.Lock()
	_, owned := sess.calls[f.CallID]
	sess.mu.Unlock()

	if !owned || !sess.srv.dispatcher.Cancel(f.CallID) {
		sess.send(serverFrame{Type: frameError, CallID: f.CallID, Code: codeUnknownCall, Error: "no in-flight call with that id"})
		return
	}
	sess.logger.Debug("call cancelled by client", "call_id", f.CallID)
}

// rejectionFrame maps a synchronous SendChat error onto an error frame.
func rejectionFrame(conv, callID string, err error) serverFrame {
	f := serverFrame{Type: frameError, CallID: callID, ConversationID: conv, Error: err.Error()}

	var unsupported *llm.UnsupportedProviderError
	var invalid *llm.ValidationError
	switch {
	case errors.As(err, &unsupported):
		f.Code = codeUnsupportedProvider
	case errors.As(err, &invalid):
		f.Code = codeValidation
		f.Missing = invalid.Missing
	case errors.Is(err, llm.ErrTooManyCalls):
		f.Code = codeTooManyCalls
	case errors.Is(err, llm.ErrNoImageSaver):
		f.Code = codeNoImageSaver
	default:
		f.Code = codeInternal
	}
	return f
}
