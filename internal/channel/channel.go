// Package channel maintains the push notification connection to the
// bookmark server: dial, authenticate, subscribe, heartbeat, dispatch
// inbound messages, and reconnect with exponential backoff.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// authTimeout bounds the wait for the server's connection message.
	authTimeout = 10 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// maxMessageBytes caps inbound frames. Change notifications carry a
	// single bookmark record.
	maxMessageBytes = 1024 * 1024

	// maxBackoffShift caps the exponent so the delay cannot overflow.
	maxBackoffShift = 20
)

// Message types on the wire.
const (
	TypeConnection     = "connection"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSubscribe      = "subscribe"
	TypeSubscribed     = "subscribed"
	TypeBookmarkChange = "bookmark_change"
	TypePasswordChange = "password_change"
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Message is an inbound envelope.
type Message struct {
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Handler receives inbound messages of one type. Handlers run on the
// reader goroutine and must not block for long.
type Handler func(Message)

// StateHandler is told about every state transition. err is set when the
// channel dropped to Disconnected because of a failure.
type StateHandler func(s State, err error)

// Session supplies the token and server URL at connect time.
type Session interface {
	Credentials() state.Credentials
}

// wsConn abstracts the WebSocket connection so Channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a connection to url.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

// Options configures a Channel.
type Options struct {
	// ServerURL is used when the session carries none.
	ServerURL string
	// Path is the channel endpoint, absolute from the server host.
	Path          string
	Subscriptions []string
	BaseDelay     time.Duration
	MaxAttempts   int
	Heartbeat     time.Duration
}

// Channel is the push notification connection.
//
// Each connection attempt runs on its own goroutine, tagged with a
// generation number. Disconnect and every new attempt bump the
// generation, so a stale goroutine can never touch the current state.
type Channel struct {
	opts    Options
	session Session
	logger  *slog.Logger
	dial    dialFunc

	mu            sync.Mutex
	state         State
	failures      int
	gen           int
	lastHeartbeat time.Time
	conn          wsConn
	cancelConn    context.CancelFunc
	retry         *time.Timer

	handlersMu    sync.RWMutex
	handlers      map[string][]Handler
	stateHandlers []StateHandler
}

// New creates a disconnected channel.
func New(opts Options, session Session, logger *slog.Logger) *Channel {
	if opts.Path == "" {
		opts.Path = "/ws"
	}

	return &Channel{
		opts:     opts,
		session:  session,
		logger:   logger,
		dial:     dialWebSocket,
		handlers: make(map[string][]Handler),
	}
}

func dialWebSocket(ctx context.Context, u string) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dialing websocket: %w", apperrors.ErrUnauthorized)
		}

		return nil, fmt.Errorf("dialing websocket: %w: %w", apperrors.ErrNetwork, err)
	}

	return conn, nil
}

// WebSocketURL derives the channel URL from the REST base URL: the
// scheme becomes ws or wss, the path is replaced, and the token is
// passed as a query parameter.
func WebSocketURL(serverURL, path, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}

	u.Path = path
	u.RawPath = ""
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// ReconnectDelay returns the wait before connection attempt number
// attempt (the first attempt is 1): base * 2^(attempt-1).
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	shift := max(attempt-1, 0)
	shift = min(shift, maxBackoffShift)

	return base * time.Duration(1<<shift)
}

// OnMessage registers h for inbound messages of type typ.
func (c *Channel) OnMessage(typ string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[typ] = append(c.handlers[typ], h)
	c.handlersMu.Unlock()
}

// OnStateChange registers h for state transitions.
func (c *Channel) OnStateChange(h StateHandler) {
	c.handlersMu.Lock()
	c.stateHandlers = append(c.stateHandlers, h)
	c.handlersMu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Failures returns the number of consecutive failed connection attempts.
func (c *Channel) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.failures
}

// LastHeartbeat returns when the server was last heard from.
func (c *Channel) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastHeartbeat
}

// Retrying reports whether a reconnect is scheduled.
func (c *Channel) Retrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.retry != nil
}

// Connect starts connecting in the background. It does nothing without
// a stored token, while a connection is up or being attempted, or while
// a reconnect is already scheduled. ctx bounds the connection's life.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()

	if c.state != Disconnected || c.retry != nil {
		c.mu.Unlock()
		return
	}

	if c.session.Credentials().Token == "" {
		c.mu.Unlock()
		c.logger.Debug("channel connect skipped, no token")

		return
	}

	if c.failures > c.opts.MaxAttempts {
		c.failures = 0
	}

	c.startLocked(ctx)
	c.mu.Unlock()

	c.notifyState(Connecting, nil)
}

// startLocked begins a new attempt. Callers hold mu and notify
// Connecting after unlocking.
func (c *Channel) startLocked(ctx context.Context) {
	c.gen++
	c.state = Connecting

	connCtx, cancel := context.WithCancel(ctx)
	c.cancelConn = cancel

	go c.run(connCtx, ctx, c.gen)
}

// Disconnect closes the connection and cancels any scheduled reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()

	c.gen++
	c.failures = 0

	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}

	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}

	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = Disconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}

	if prev != Disconnected {
		c.logger.Info("channel disconnected")
		c.notifyState(Disconnected, nil)
	}
}

// Send writes v as a text frame. It is best effort: when the channel is
// not connected the message is dropped and ErrChannelClosed returned.
func (c *Channel) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn, st := c.conn, c.state
	c.mu.Unlock()

	if st != Connected || conn == nil {
		return apperrors.ErrChannelClosed
	}

	return writeJSON(ctx, conn, v)
}

// run drives one connection from dial to close.
func (c *Channel) run(connCtx, parent context.Context, gen int) {
	conn, err := c.dialAndAuth(connCtx)
	if err != nil {
		c.fail(parent, gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")

		return
	}

	c.conn = conn
	c.state = Connected
	c.failures = 0
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	c.logger.Info("channel connected")
	c.notifyState(Connected, nil)

	if len(c.opts.Subscriptions) > 0 {
		sub := map[string]any{"type": TypeSubscribe, "subscriptions": c.opts.Subscriptions}
		if err := writeJSON(connCtx, conn, sub); err != nil {
			c.logger.Warn("sending subscribe", slog.String("error", err.Error()))
		}
	}

	go c.heartbeat(connCtx, conn)

	err = c.readLoop(connCtx, conn)
	_ = conn.Close(websocket.StatusNormalClosure, "")

	c.fail(parent, gen, err)
}

// dialAndAuth opens the connection and waits for the server's
// connection message.
func (c *Channel) dialAndAuth(ctx context.Context) (wsConn, error) {
	creds := c.session.Credentials()

	serverURL := creds.ServerURL
	if serverURL == "" {
		serverURL = c.opts.ServerURL
	}

	wsURL, err := WebSocketURL(serverURL, c.opts.Path, creds.Token)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("channel connecting", slog.String("path", c.opts.Path))

	conn, err := c.dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxMessageBytes)

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "auth read failed")
		return nil, classifyReadError("reading connection message", err)
	}

	if typ := gjson.GetBytes(data, "type").Str; typ != TypeConnection {
		_ = conn.Close(websocket.StatusProtocolError, "expected connection message")
		return nil, fmt.Errorf("unexpected first message type %q", typ)
	}

	if status := gjson.GetBytes(data, "status").Str; status != "" && status != "connected" {
		_ = conn.Close(websocket.StatusNormalClosure, "auth failed")
		return nil, fmt.Errorf("connection status %q: %w", status, apperrors.ErrUnauthorized)
	}

	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return classifyReadError("reading message", err)
		}

		c.mu.Lock()
		c.lastHeartbeat = time.Now()
		c.mu.Unlock()

		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	typ := gjson.GetBytes(data, "type").Str

	c.handlersMu.RLock()
	handlers := c.handlers[typ]
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		if typ != TypePong && typ != TypeSubscribed {
			c.logger.Debug("unhandled message", slog.String("type", typ))
		}

		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("decoding message", slog.String("type", typ), slog.String("error", err.Error()))
		return
	}

	for _, h := range handlers {
		c.invoke(h, msg)
	}
}

func (c *Channel) invoke(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked", slog.String("type", msg.Type), slog.Any("panic", r))
		}
	}()

	h(msg)
}

func (c *Channel) heartbeat(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, map[string]string{"type": TypePing}); err != nil {
				c.logger.Debug("sending ping", slog.String("error", err.Error()))
			}
		}
	}
}

// fail records the end of connection generation gen and schedules a
// reconnect when the failure is retryable.
func (c *Channel) fail(parent context.Context, gen int, err error) {
	c.mu.Lock()

	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}

	c.conn = nil
	c.state = Disconnected

	if parent.Err() != nil {
		c.mu.Unlock()
		c.notifyState(Disconnected, nil)

		return
	}

	if errors.Is(err, apperrors.ErrUnauthorized) {
		c.mu.Unlock()
		c.logger.Warn("channel rejected credentials", slog.String("error", err.Error()))
		c.notifyState(Disconnected, err)

		return
	}

	c.failures++

	if c.failures > c.opts.MaxAttempts {
		failures := c.failures
		c.mu.Unlock()
		c.logger.Warn("channel giving up after repeated failures",
			slog.Int("failures", failures),
			slog.String("error", err.Error()),
		)
		c.notifyState(Disconnected, err)

		return
	}

	delay := ReconnectDelay(c.opts.BaseDelay, c.failures+1)
	c.retry = time.AfterFunc(delay, func() { c.reconnect(parent, gen) })
	failures := c.failures
	c.mu.Unlock()

	c.logger.Warn("channel lost, reconnecting",
		slog.String("error", err.Error()),
		slog.Int("failures", failures),
		slog.Duration("backoff", delay),
	)
	c.notifyState(Disconnected, err)
}

func (c *Channel) reconnect(parent context.Context, gen int) {
	c.mu.Lock()

	if gen != c.gen || c.retry == nil || parent.Err() != nil {
		c.mu.Unlock()
		return
	}

	c.retry = nil
	c.startLocked(parent)
	c.mu.Unlock()

	c.notifyState(Connecting, nil)
}

func (c *Channel) notifyState(s State, err error) {
	c.handlersMu.RLock()
	handlers := append([]StateHandler(nil), c.stateHandlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(s, err)
	}
}

// classifyReadError maps a close with policy violation to ErrUnauthorized,
// the server's way of rejecting a token.
func classifyReadError(op string, err error) error {
	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		return fmt.Errorf("%s: %w: %w", op, apperrors.ErrUnauthorized, err)
	}

	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrNetwork, err)
}

func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(wctx, websocket.MessageText, data)
}
