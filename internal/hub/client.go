package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-hubsync/internal/mapping"
)

// Default timeouts and limits for hub communication.
const (
	// defaultLoginTimeout bounds the HTTP login request.
	defaultLoginTimeout = 10 * time.Second

	// defaultHandshakeTimeout bounds the wait for the hub's handshake message.
	defaultHandshakeTimeout = 5 * time.Second

	// defaultRequestTimeout is the per-request timeout for Call.
	defaultRequestTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single socket write.
	defaultWriteTimeout = 5 * time.Second

	// defaultMaxPending caps outstanding awaited requests.
	defaultMaxPending = 100
)

// ConnState is the connection state of a Client.
type ConnState int32

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateAuthenticating
	StateAwaitingHandshake
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the hub's HTTP base URL, e.g. "http://192.168.1.20".
	BaseURL string

	// EventsURL is the WebSocket URL of the push channel, e.g. "ws://192.168.1.20/events".
	EventsURL string

	Username string
	Secret   string

	// LoginTimeout bounds the login request. Default: 10 seconds.
	LoginTimeout time.Duration

	// HandshakeTimeout bounds the wait for the handshake. Default: 5 seconds.
	HandshakeTimeout time.Duration

	// RequestTimeout is the default per-request timeout. Default: 10 seconds.
	RequestTimeout time.Duration

	// MaxPending caps outstanding awaited requests. Default: 100.
	MaxPending int

	// Backoff computes reconnect delays. Default: NewBackoff(5s, 300s, true).
	Backoff *Backoff

	// HTTPClient is used for login and the sibling API.
	HTTPClient *http.Client

	// Dialer dials the push channel. Default: websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Stats holds operational statistics.
type Stats struct {
	State            ConnState `json:"state"`
	Connected        bool      `json:"connected"`
	FramesRx         uint64    `json:"frames_rx"`
	FramesTx         uint64    `json:"frames_tx"`
	EventsDispatched uint64    `json:"events_dispatched"`
	DecodeErrors     uint64    `json:"decode_errors"`
	Timeouts         uint64    `json:"timeouts"`
	Overloads        uint64    `json:"overloads"`
	Reconnects       uint64    `json:"reconnects"` // Successful connects after the first
	Pending          int       `json:"pending"`
	LastActivity     time.Time `json:"last_activity,omitzero"`
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// UpdateHandler receives the changed raw properties of one device.
type UpdateHandler func(deviceID string, changes map[string]any)

type callResult struct {
	values []json.RawMessage
	err    error
}

type pendingRequest struct {
	result chan callResult
}

func (p *pendingRequest) resolve(r callResult) {
	// Buffered by one; a request is resolved at most once because it is
	// removed from the table by whoever resolves it.
	p.result <- r
}

// Client is the push-channel client.
//
// Thread Safety: all exported methods are safe for concurrent use. Frames
// are read and dispatched by a single goroutine inside Run; the update
// handler is called from that goroutine.
type Client struct {
	cfg     Config
	api     *API
	backoff *Backoff
	dialer  *websocket.Dialer

	mu          sync.Mutex
	state       ConnState
	conn        *websocket.Conn
	token       string
	pending     map[uint64]*pendingRequest
	subs        []mapping.Subscription
	resubCancel context.CancelFunc
	resubWG     sync.WaitGroup
	everUp      bool

	// attempt identifies the current Connect call; Disconnect bumps it so
	// an in-flight attempt cannot install its socket afterwards.
	attempt       uint64
	attemptCancel context.CancelFunc

	writeMu sync.Mutex
	seq     atomic.Uint64

	cbMu         sync.RWMutex
	onUpdate     UpdateHandler
	onConnection func(connected bool)
	logger       Logger

	framesRx     atomic.Uint64
	framesTx     atomic.Uint64
	dispatched   atomic.Uint64
	decodeErrors atomic.Uint64
	timeouts     atomic.Uint64
	overloads    atomic.Uint64
	reconnects   atomic.Uint64
	lastActivity atomic.Int64
}

// NewClient returns a disconnected Client. Call Run to start it.
//
// Parameters:
//   - cfg: Hub endpoints, credentials and timeouts; zero values select defaults
//
// Returns:
//   - *Client: Disconnected client sharing its session with API()
//   - error: ErrTransport if the events URL or base URL is invalid
func NewClient(cfg Config) (*Client, error) {
	if cfg.EventsURL == "" {
		return nil, fmt.Errorf("%w: events URL is required", ErrTransport)
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(DefaultBackoffFloor, DefaultBackoffCeiling, true)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	api, err := NewAPI(APIConfig{
		BaseURL:        cfg.BaseURL,
		Username:       cfg.Username,
		Secret:         cfg.Secret,
		LoginTimeout:   cfg.LoginTimeout,
		RequestTimeout: cfg.RequestTimeout,
		HTTPClient:     cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		api:     api,
		backoff: cfg.Backoff,
		dialer:  dialer,
		pending: make(map[uint64]*pendingRequest),
		logger:  noopLogger{},
	}, nil
}

// API returns the sibling HTTP client sharing this client's credentials.
func (c *Client) API() *API {
	return c.api
}

// SetLogger sets the logger. Call before Run.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.cbMu.Lock()
	c.logger = logger
	c.cbMu.Unlock()
}

// SetOnUpdate registers the handler for device property changes.
func (c *Client) SetOnUpdate(handler UpdateHandler) {
	c.cbMu.Lock()
	c.onUpdate = handler
	c.cbMu.Unlock()
}

// SetOnConnectionState registers the connection state callback. It is
// called with true after each successful connect and with false on each
// connected→disconnected transition.
func (c *Client) SetOnConnectionState(callback func(connected bool)) {
	c.cbMu.Lock()
	c.onConnection = callback
	c.cbMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the push channel is up.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect performs one connection attempt: login, dial and handshake.
// Run calls it; frames are only read while Run is active.
//
// Parameters:
//   - ctx: Bounds the login and dial
//
// Returns:
//   - error: ErrAuthentication when credentials are rejected, ErrTransport on
//     network or handshake failure, ErrNotConnected when Disconnect cancelled it
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateAuthenticating, StateAwaitingHandshake:
		c.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress", ErrTransport)
	}
	c.state = StateAuthenticating
	c.attempt++
	gen := c.attempt
	ctx, cancel := context.WithCancel(ctx)
	c.attemptCancel = cancel
	c.mu.Unlock()
	defer cancel()

	token, err := c.api.Login(ctx)
	if err != nil {
		return c.abortAttempt(gen, err)
	}
	if !c.advanceAttempt(gen, StateAwaitingHandshake) {
		return c.abortAttempt(gen, nil)
	}

	conn, err := c.dial(ctx, token)
	if err != nil {
		return c.abortAttempt(gen, err)
	}

	// A Disconnect during the handshake closes the socket to unblock the read.
	stop := context.AfterFunc(ctx, func() {
		conn.Close() //nolint:errcheck,gosec // unblocks the handshake read
	})
	err = c.awaitHandshake(conn)
	stop()
	if err != nil {
		conn.Close() //nolint:errcheck,gosec // best-effort close on failed handshake
		return c.abortAttempt(gen, err)
	}

	c.mu.Lock()
	if c.attempt != gen {
		c.mu.Unlock()
		conn.Close() //nolint:errcheck,gosec // attempt was cancelled by Disconnect
		return c.abortAttempt(gen, nil)
	}
	c.attemptCancel = nil
	c.conn = conn
	c.token = token
	c.state = StateConnected
	if c.everUp {
		c.reconnects.Add(1)
	}
	c.everUp = true
	c.mu.Unlock()

	c.touch()
	c.log().Info("connected to hub", "url", c.cfg.EventsURL)
	c.notifyConnection(true)
	return nil
}

// advanceAttempt moves attempt gen to state s. It reports false when the
// attempt was cancelled by Disconnect.
func (c *Client) advanceAttempt(gen uint64, s ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != gen {
		return false
	}
	c.state = s
	return true
}

// abortAttempt ends a failed connection attempt and returns err. An attempt
// cancelled by Disconnect leaves the state to whoever owns it now and
// returns ErrNotConnected.
func (c *Client) abortAttempt(gen uint64, err error) error {
	c.mu.Lock()
	superseded := c.attempt != gen
	if !superseded {
		c.state = StateDisconnected
		c.attemptCancel = nil
	}
	// Login may have stored a session token after Disconnect cleared it.
	clearToken := superseded && c.state == StateDisconnected
	c.mu.Unlock()

	if clearToken {
		c.api.InvalidateToken()
	}
	if superseded {
		return fmt.Errorf("%w: connect cancelled by disconnect", ErrNotConnected)
	}
	return err
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(headerToken, token)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.EventsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck,gosec // handshake response body is unused
	}
	if err != nil {
		if resp != nil {
			if serr := statusError("dial", resp.StatusCode); errors.Is(serr, ErrAuthentication) {
				c.api.InvalidateToken()
				return nil, serr
			}
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, c.cfg.EventsURL, err)
	}
	return conn, nil
}

func (c *Client) awaitHandshake(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: awaiting handshake: %w", ErrTransport, err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		return fmt.Errorf("%w: handshake: %w", ErrTransport, err)
	}
	if _, ok := frame.(HandshakeFrame); !ok {
		return fmt.Errorf("%w: expected handshake, got %T", ErrTransport, frame)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Run connects and keeps the client connected until ctx is cancelled.
// It returns nil on cancellation and an ErrAuthentication error when the hub
// rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	defer c.Disconnect()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.Connect(ctx); err != nil {
			if errors.Is(err, ErrAuthentication) {
				c.log().Error("hub rejected credentials", "error", err)
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			delay := c.backoff.Next()
			c.log().Warn("hub connection failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		c.backoff.Reset()
		c.resubscribe(ctx)

		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log().Warn("hub connection lost", "error", err)
		c.Disconnect()
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// Closing the socket unblocks ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() {
		conn.Close() //nolint:errcheck,gosec // unblocks the reader
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		c.framesRx.Add(1)
		c.touch()
		c.dispatch(data)
	}
}

// dispatch handles one inbound frame. Failures are contained to the frame.
func (c *Client) dispatch(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		c.decodeErrors.Add(1)
		c.log().Warn("dropping undecodable frame", "error", err)
		return
	}

	switch f := frame.(type) {
	case ResponseFrame:
		c.resolve(f)
	case EventFrame:
		for _, u := range f.Updates {
			c.deliver(u)
		}
	case HandshakeFrame:
		c.log().Debug("ignoring repeated handshake")
	}
}

func (c *Client) resolve(f ResponseFrame) {
	c.mu.Lock()
	pr, ok := c.pending[f.SequenceID]
	delete(c.pending, f.SequenceID)
	c.mu.Unlock()

	if !ok {
		c.log().Debug("response for unknown request", "sequence_id", f.SequenceID)
		return
	}
	if f.Error != "" {
		pr.resolve(callResult{err: fmt.Errorf("%w: %s", ErrRemote, f.Error)})
		return
	}
	pr.resolve(callResult{values: f.Values})
}

func (c *Client) deliver(u DeviceUpdate) {
	c.cbMu.RLock()
	handler := c.onUpdate
	c.cbMu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log().Error("panic in update handler", "device_id", u.DeviceID, "panic", r)
		}
	}()
	handler(u.DeviceID, u.Changes)
	c.dispatched.Add(1)
}

// Call sends a request and waits for its response.
//
// Parameters:
//   - ctx: Cancels the wait; the pending entry is removed
//   - method: Hub verb, e.g. "setValue"
//   - target: "<deviceId>.<propertyOrMethod>"
//   - params: Call arguments; nil sends an empty list
//   - timeout: Per-request timeout; zero selects the configured default
//
// Returns:
//   - []json.RawMessage: The response values
//   - error: ErrNotConnected, ErrOverloaded, ErrTimeout or ErrRemote
func (c *Client) Call(ctx context.Context, method, target string, params []any, timeout time.Duration) ([]json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	return c.send(ctx, method, []any{target, paramsOrEmpty(params)}, timeout, true)
}

// Notify sends a request without waiting for or tracking its response.
func (c *Client) Notify(ctx context.Context, method, target string, params []any) error {
	_, err := c.send(ctx, method, []any{target, paramsOrEmpty(params)}, 0, false)
	return err
}

func paramsOrEmpty(params []any) []any {
	if params == nil {
		return []any{}
	}
	return params
}

func (c *Client) send(ctx context.Context, verb string, args []any, timeout time.Duration, await bool) ([]json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	seq := c.seq.Add(1)

	var pr *pendingRequest
	if await {
		if len(c.pending) >= c.cfg.MaxPending {
			c.mu.Unlock()
			c.overloads.Add(1)
			return nil, fmt.Errorf("%w: %d outstanding", ErrOverloaded, c.cfg.MaxPending)
		}
		pr = &pendingRequest{result: make(chan callResult, 1)}
		c.pending[seq] = pr
	}
	c.mu.Unlock()

	payload, err := EncodeRequest(seq, verb, args)
	if err == nil {
		err = c.write(conn, payload)
	}
	if err != nil {
		if await {
			c.removePending(seq)
		}
		return nil, err
	}
	if !await {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.result:
		return res.values, res.err
	case <-timer.C:
		c.removePending(seq)
		c.timeouts.Add(1)
		return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, verb, timeout)
	case <-ctx.Done():
		c.removePending(seq)
		return nil, ctx.Err()
	}
}

func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	c.framesTx.Add(1)
	c.touch()
	return nil
}

func (c *Client) removePending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// Subscribe stores subs, replacing any previous list, and sends one batched
// subscription request when connected. The list is replayed after every
// reconnect.
func (c *Client) Subscribe(ctx context.Context, subs []mapping.Subscription) error {
	c.mu.Lock()
	c.subs = slices.Clone(subs)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.sendSubscription(ctx, subs, true)
}

// Unsubscribe removes the given devices from the stored list and sends one
// batched unsubscribe request when connected.
func (c *Client) Unsubscribe(ctx context.Context, subs []mapping.Subscription) error {
	drop := make(map[string]bool, len(subs))
	for _, s := range subs {
		drop[s.DeviceID] = true
	}

	c.mu.Lock()
	c.subs = slices.DeleteFunc(c.subs, func(s mapping.Subscription) bool {
		return drop[s.DeviceID]
	})
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.sendSubscription(ctx, subs, false)
}

// subscriptions returns a copy of the stored subscription list.
func (c *Client) subscriptions() []mapping.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs)
}

func (c *Client) sendSubscription(ctx context.Context, subs []mapping.Subscription, enable bool) error {
	if len(subs) == 0 {
		return nil
	}
	_, err := c.send(ctx, VerbSetSubscription, []any{subs, enable}, c.cfg.RequestTimeout, true)
	if err != nil {
		return fmt.Errorf("set subscription for %d devices: %w", len(subs), err)
	}
	return nil
}

// resubscribe replays the stored subscriptions in the background.
func (c *Client) resubscribe(ctx context.Context) {
	c.mu.Lock()
	subs := slices.Clone(c.subs)
	if len(subs) == 0 || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.resubCancel = cancel
	c.resubWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.resubWG.Done()
		defer cancel()
		if err := c.sendSubscription(ctx, subs, true); err != nil {
			if ctx.Err() == nil {
				c.log().Warn("resubscribe failed", "error", err)
			}
			return
		}
		c.log().Debug("resubscribed", "devices", len(subs))
	}()
}

// Disconnect closes the push channel and cancels any connection attempt in
// flight. It is idempotent. Pending requests fail with ErrNotConnected, and
// it returns only after the resubscription task has finished.
func (c *Client) Disconnect() {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	inFlight := c.state == StateAuthenticating || c.state == StateAwaitingHandshake
	c.state = StateDisconnected
	c.token = ""
	c.attempt++
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	if c.resubCancel != nil {
		c.resubCancel()
		c.resubCancel = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	for _, pr := range pending {
		pr.resolve(callResult{err: ErrNotConnected})
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // peer may already be gone
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close() //nolint:errcheck,gosec // best-effort close
	}
	c.resubWG.Wait()

	if wasConnected || inFlight {
		c.api.InvalidateToken()
	}
	if wasConnected {
		c.log().Info("disconnected from hub")
		c.notifyConnection(false)
	}
}

// Stats returns a snapshot of the client statistics.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	state := c.state
	pending := len(c.pending)
	c.mu.Unlock()

	var last time.Time
	if ns := c.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		State:            state,
		Connected:        state == StateConnected,
		FramesRx:         c.framesRx.Load(),
		FramesTx:         c.framesTx.Load(),
		EventsDispatched: c.dispatched.Load(),
		DecodeErrors:     c.decodeErrors.Load(),
		Timeouts:         c.timeouts.Load(),
		Overloads:        c.overloads.Load(),
		Reconnects:       c.reconnects.Load(),
		Pending:          pending,
		LastActivity:     last,
	}
}

// HealthCheck returns ErrNotConnected when the push channel is down.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) log() Logger {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.logger
}

func (c *Client) notifyConnection(connected bool) {
	c.cbMu.RLock()
	cb := c.onConnection
	c.cbMu.RUnlock()
	if cb != nil {
		cb(connected)
	}
}
