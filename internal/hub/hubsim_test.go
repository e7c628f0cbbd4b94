package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	testUser   = "installer"
	testSecret = "s3cret"
)

// fakeHub is an in-process hub: HTTP login, device endpoints and the push socket.
type fakeHub struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	token         string
	devices       DeviceList
	details       map[string]DeviceDetail
	handshake     []byte
	skipHandshake bool
	autoReply     bool
	dialFailures  int
	conns         []*simConn

	// loginGate, when set, holds every login until it is closed.
	loginGate chan struct{}

	requests chan requestEnvelope
	logins   atomic.Int32
	dials    atomic.Int32
	accepted atomic.Int32
}

type simConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *simConn) writeJSON(v any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteJSON(v)
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		t:         t,
		token:     "tok-1",
		details:   make(map[string]DeviceDetail),
		handshake: []byte(`["Connected"]`),
		autoReply: true,
		requests:  make(chan requestEnvelope, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", h.handleLogin)
	mux.HandleFunc("GET /api/devices", h.handleDevices)
	mux.HandleFunc("GET /api/devices/{id}", h.handleDetail)
	mux.HandleFunc("/events", h.handleEvents)

	h.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		h.closeConns()
		h.srv.Close()
	})
	return h
}

func (h *fakeHub) eventsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/events"
}

func (h *fakeHub) currentToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *fakeHub) setToken(tok string) {
	h.mu.Lock()
	h.token = tok
	h.mu.Unlock()
}

func (h *fakeHub) handleLogin(w http.ResponseWriter, r *http.Request) {
	h.logins.Add(1)
	h.mu.Lock()
	gate := h.loginGate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if r.Header.Get(headerUsername) != testUser ||
		r.Header.Get(headerCredential) != Credential(testUser, testSecret) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set(headerToken, h.currentToken())
	w.WriteHeader(http.StatusOK)
}

func (h *fakeHub) authorised(r *http.Request) bool {
	return r.Header.Get(headerToken) == h.currentToken()
}

func (h *fakeHub) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !h.authorised(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h.mu.Lock()
	list := h.devices
	h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list) //nolint:errcheck,gosec // test server
}

func (h *fakeHub) handleDetail(w http.ResponseWriter, r *http.Request) {
	if !h.authorised(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h.mu.Lock()
	d, ok := h.details[r.PathValue("id")]
	h.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d) //nolint:errcheck,gosec // test server
}

func (h *fakeHub) handleEvents(w http.ResponseWriter, r *http.Request) {
	h.dials.Add(1)

	h.mu.Lock()
	fail := h.dialFailures > 0
	if fail {
		h.dialFailures--
	}
	h.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !h.authorised(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &simConn{conn: conn}

	h.mu.Lock()
	h.conns = append(h.conns, sc)
	handshake, skip, auto := h.handshake, h.skipHandshake, h.autoReply
	h.mu.Unlock()
	h.accepted.Add(1)

	if !skip {
		sc.wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, handshake)
		sc.wmu.Unlock()
		if err != nil {
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req requestEnvelope
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		h.requests <- req
		if auto {
			sc.writeJSON(response(req.Request.SequenceID, "", "ok")) //nolint:errcheck,gosec // test server
		}
	}
}

// send writes v to the most recent socket.
func (h *fakeHub) send(v any) {
	h.t.Helper()
	h.mu.Lock()
	if len(h.conns) == 0 {
		h.mu.Unlock()
		h.t.Fatal("send: no connection")
	}
	sc := h.conns[len(h.conns)-1]
	h.mu.Unlock()
	if err := sc.writeJSON(v); err != nil {
		h.t.Fatalf("send: %v", err)
	}
}

func (h *fakeHub) closeConns() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for _, sc := range conns {
		sc.conn.Close() //nolint:errcheck,gosec // test cleanup
	}
}

// nextRequest waits for the next request the hub received.
func (h *fakeHub) nextRequest() requestEnvelope {
	h.t.Helper()
	select {
	case req := <-h.requests:
		return req
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for request")
		return requestEnvelope{}
	}
}

func (h *fakeHub) expectNoRequest() {
	h.t.Helper()
	select {
	case req := <-h.requests:
		h.t.Fatalf("unexpected request %+v", req)
	case <-time.After(50 * time.Millisecond):
	}
}

func response(seq uint64, errMsg string, values ...any) map[string]any {
	body := map[string]any{"sequenceId": seq, "values": values}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return map[string]any{"methodName": methodReturn, "response": body}
}

func changes(entries map[string]any) map[string]any {
	wrapped := make(map[string]any, len(entries))
	for k, v := range entries {
		wrapped[k] = map[string]any{"value": v}
	}
	return map[string]any{"methodName": methodChanged, "changes": wrapped}
}

func newTestClient(t *testing.T, h *fakeHub, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:          h.srv.URL,
		EventsURL:        h.eventsURL(),
		Username:         testUser,
		Secret:           testSecret,
		HandshakeTimeout: time.Second,
		RequestTimeout:   2 * time.Second,
		Backoff:          NewBackoff(time.Second, time.Second, false),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stateRecorder records connection state callbacks.
type stateRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *stateRecorder) record(connected bool) {
	r.mu.Lock()
	r.states = append(r.states, connected)
	r.mu.Unlock()
}

func (r *stateRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}
