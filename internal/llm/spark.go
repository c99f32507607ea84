package llm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	sparkDefaultEndpoint = "wss://spark-api.xf-yun.com"
	sparkDefaultTemp     = 0.5
	sparkDefaultTokens   = 4096
	// sparkUID is the fixed end-user id sent in every request header.
	sparkUID = "123456"
	// sparkFinalStatus marks the last frame of a response.
	sparkFinalStatus = 2
)

// sparkDomains maps versioned model paths to the chat domain parameter.
var sparkDomains = map[string]string{
	"v1.1": "general",
	"v2.1": "generalv2",
	"v3.1": "generalv3",
	"v3.5": "generalv3.5",
}

// sparkDomain resolves a model path such as "v3.1" to its domain. Unknown
// versions fall back to "generalv{major}".
func sparkDomain(model string) string {
	if d, ok := sparkDomains[model]; ok {
		return d
	}
	major, _, _ := strings.Cut(strings.TrimPrefix(model, "v"), ".")
	if _, err := strconv.Atoi(major); err != nil || major == "1" {
		return "general"
	}
	return "generalv" + major
}

// sparkAuthorization computes the base64 authorization value for a
// request line of "GET <path> HTTP/1.1".
func sparkAuthorization(host, path, date, apiKey, apiSecret string) string {
	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", host, date, path)
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	header := fmt.Sprintf(`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		apiKey, signature)
	return base64.StdEncoding.EncodeToString([]byte(header))
}

// sparkSignedURL returns the WebSocket URL for model with the
// authorization, date and host query parameters attached.
func sparkSignedURL(endpoint, model string, auth SparkAuth, now time.Time) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpointOr(endpoint, sparkDefaultEndpoint), "/") + "/" + model + "/chat")
	if err != nil {
		return "", fmt.Errorf("parse spark endpoint: %w", err)
	}
	date := now.UTC().Format(http.TimeFormat)
	q := url.Values{}
	q.Set("authorization", sparkAuthorization(u.Host, u.Path, date, auth.APIKey, auth.APISecret))
	q.Set("date", date)
	q.Set("host", u.Host)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type sparkRequest struct {
	Header    sparkHeader    `json:"header"`
	Parameter sparkParameter `json:"parameter"`
	Payload   sparkPayload   `json:"payload"`
}

type sparkHeader struct {
	AppID string `json:"app_id"`
	UID   string `json:"uid"`
}

type sparkParameter struct {
	Chat sparkChat `json:"chat"`
}

type sparkChat struct {
	Domain      string  `json:"domain"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type sparkPayload struct {
	Message struct {
		Text []Message `json:"text"`
	} `json:"message"`
}

type sparkAdapter struct {
	dialer *websocket.Dialer
	now    func() time.Time
	logger *slog.Logger
}

func newSparkAdapter(dialer *websocket.Dialer, now func() time.Time, logger *slog.Logger) *sparkAdapter {
	return &sparkAdapter{
		dialer: dialer,
		now:    now,
		logger: logger.With("provider", ProviderSpark.String()),
	}
}

func (s *sparkAdapter) stream(ctx context.Context, req *Request, a *assembler) error {
	auth := req.Auth.(SparkAuth)
	wsURL, err := sparkSignedURL(req.Endpoint, req.Model, auth, s.now())
	if err != nil {
		return err
	}

	conn, resp, err := s.dial(ctx, wsURL)
	if err != nil {
		te := &TransportError{Provider: ProviderSpark, Op: "dial", Err: err}
		if resp != nil {
			te.StatusCode = resp.StatusCode
		}
		return te
	}
	defer conn.Close()

	if err := a.live(); err != nil {
		return err
	}

	frame := sparkRequest{
		Header: sparkHeader{AppID: auth.AppID, UID: sparkUID},
		Parameter: sparkParameter{Chat: sparkChat{
			Domain:      sparkDomain(req.Model),
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}},
	}
	if frame.Parameter.Chat.Temperature == 0 {
		frame.Parameter.Chat.Temperature = sparkDefaultTemp
	}
	if frame.Parameter.Chat.MaxTokens <= 0 {
		frame.Parameter.Chat.MaxTokens = sparkDefaultTokens
	}
	frame.Payload.Message.Text = req.Messages

	s.logger.Debug("sending request frame",
		"model", req.Model,
		"domain", frame.Parameter.Chat.Domain,
		"messages", len(req.Messages),
	)
	if err := conn.WriteJSON(frame); err != nil {
		return &TransportError{Provider: ProviderSpark, Op: "write", Err: err}
	}

	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(readCtx)

	// Closing the connection is the only way to interrupt a blocked read.
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		defer stop()
		err := s.readLoop(ctx, conn, a)
		if err == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		return err
	})
	return g.Wait()
}

// dial opens the socket. The dialer only maps ctx onto a connection
// deadline, so the raw connection is closed on cancellation to abort a
// handshake that is still waiting for the upgrade response.
func (s *sparkAdapter) dial(ctx context.Context, wsURL string) (*websocket.Conn, *http.Response, error) {
	var (
		mu  sync.Mutex
		raw net.Conn
	)
	dialer := *s.dialer
	netDial := dialer.NetDialContext
	if netDial == nil {
		var nd net.Dialer
		netDial = nd.DialContext
	}
	dialer.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		c, err := netDial(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		raw = c
		mu.Unlock()
		if ctx.Err() != nil {
			_ = c.Close()
		}
		return c, nil
	}
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if raw != nil {
			_ = raw.Close()
		}
	})
	defer stop()
	return dialer.DialContext(ctx, wsURL, nil)
}

func (s *sparkAdapter) readLoop(ctx context.Context, conn *websocket.Conn, a *assembler) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if err := a.live(); err != nil {
				return err
			}
			return &TransportError{Provider: ProviderSpark, Op: "read", Err: err}
		}
		s.logger.Log(ctx, LevelTrace, "stream frame", "data", string(data))

		if code := intAt(data, "header.code"); code != 0 {
			return &TransportError{
				Provider: ProviderSpark,
				Op:       "stream",
				Code:     strconv.FormatInt(code, 10),
				Message:  stringAt(data, "header.message"),
			}
		}
		a.usage(intAt(data, "payload.usage.text.prompt_tokens"), intAt(data, "payload.usage.text.completion_tokens"))
		if err := a.append(textAt(data, pathSparkContent)); err != nil {
			return err
		}
		if intAt(data, "header.status") == sparkFinalStatus {
			return nil
		}
	}
}
