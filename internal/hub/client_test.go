package hub

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-hubsync/internal/mapping"
)

// updateLog records update handler calls.
type updateLog struct {
	mu      sync.Mutex
	updates []DeviceUpdate
}

func (l *updateLog) handle(deviceID string, changes map[string]any) {
	l.mu.Lock()
	l.updates = append(l.updates, DeviceUpdate{DeviceID: deviceID, Changes: changes})
	l.mu.Unlock()
}

func (l *updateLog) get() []DeviceUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeviceUpdate(nil), l.updates...)
}

// runClient starts Run in the background and waits until connected.
func runClient(t *testing.T, c *Client) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(cancelCtx)
	waitFor(t, "connected", c.IsConnected)
	return cancelCtx, errCh
}

func TestNewClient_RequiresEventsURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "http://hub"}); !errors.Is(err, ErrTransport) {
		t.Errorf("NewClient() error = %v, want ErrTransport", err)
	}
}

func TestConnState_String(t *testing.T) {
	tests := map[ConnState]string{
		StateDisconnected:      "disconnected",
		StateAuthenticating:    "authenticating",
		StateAwaitingHandshake: "awaiting_handshake",
		StateConnected:         "connected",
		ConnState(9):           "unknown(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int32(s), got, want)
		}
	}
}

func TestClient_ConnectAndDisconnect(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)
	rec := &stateRecorder{}
	c.SetOnConnectionState(rec.record)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	c.Disconnect()
	c.Disconnect()

	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if got := rec.get(); !reflect.DeepEqual(got, []bool{true, false}) {
		t.Errorf("connection callbacks = %v, want [true false]", got)
	}
	if !errors.Is(c.HealthCheck(context.Background()), ErrNotConnected) {
		t.Error("HealthCheck() should report ErrNotConnected")
	}
}

func TestClient_DisconnectWhileDownFiresNoCallback(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)
	rec := &stateRecorder{}
	c.SetOnConnectionState(rec.record)

	c.Disconnect()

	if got := rec.get(); len(got) != 0 {
		t.Errorf("connection callbacks = %v, want none", got)
	}
}

func TestClient_DisconnectCancelsConnectInFlight(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, h *fakeHub)
		wantState ConnState
		inFlight  func(h *fakeHub) bool
	}{
		{
			name: "authenticating",
			setup: func(t *testing.T, h *fakeHub) {
				gate := make(chan struct{})
				h.loginGate = gate
				t.Cleanup(func() { close(gate) })
			},
			wantState: StateAuthenticating,
			inFlight:  func(h *fakeHub) bool { return h.logins.Load() == 1 },
		},
		{
			name:      "awaiting handshake",
			setup:     func(_ *testing.T, h *fakeHub) { h.skipHandshake = true },
			wantState: StateAwaitingHandshake,
			inFlight:  func(h *fakeHub) bool { return h.accepted.Load() == 1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHub(t)
			tt.setup(t, h)
			c := newTestClient(t, h, func(cfg *Config) { cfg.HandshakeTimeout = 5 * time.Second })
			rec := &stateRecorder{}
			c.SetOnConnectionState(rec.record)

			errCh := make(chan error, 1)
			go func() { errCh <- c.Connect(context.Background()) }()
			waitFor(t, "attempt in flight", func() bool {
				return tt.inFlight(h) && c.State() == tt.wantState
			})

			c.Disconnect()

			select {
			case err := <-errCh:
				if !errors.Is(err, ErrNotConnected) {
					t.Errorf("Connect() error = %v, want ErrNotConnected", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Connect() did not return after Disconnect")
			}

			if c.State() != StateDisconnected {
				t.Errorf("State() = %v, want disconnected", c.State())
			}
			c.mu.Lock()
			conn, token := c.conn, c.token
			c.mu.Unlock()
			if conn != nil || token != "" {
				t.Error("cancelled attempt installed its connection")
			}
			if tok := c.API().Token(); tok != "" {
				t.Errorf("API().Token() = %q, want cleared", tok)
			}
			if got := rec.get(); len(got) != 0 {
				t.Errorf("connection callbacks = %v, want none", got)
			}
		})
	}
}

func TestClient_DisconnectStopsResubscription(t *testing.T) {
	h := newFakeHub(t)
	h.autoReply = false
	c := newTestClient(t, h, nil)

	subs := []mapping.Subscription{{DeviceID: "l1", Properties: []string{"isOn"}}}
	if err := c.Subscribe(context.Background(), subs); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.API().Token() == "" {
		t.Fatal("no session token after Connect()")
	}

	c.resubscribe(context.Background())
	if req := h.nextRequest(); req.Request.MethodName != VerbSetSubscription {
		t.Fatalf("request = %q, want resubscription", req.Request.MethodName)
	}
	waitFor(t, "resubscription pending", func() bool { return c.Stats().Pending == 1 })

	c.Disconnect()

	if n := c.Stats().Pending; n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
	c.mu.Lock()
	cancel, token := c.resubCancel, c.token
	c.mu.Unlock()
	if cancel != nil {
		t.Error("resubscription cancel func not cleared")
	}
	if token != "" {
		t.Errorf("token = %q, want cleared", token)
	}
	if tok := c.API().Token(); tok != "" {
		t.Errorf("API().Token() = %q, want cleared", tok)
	}

	done := make(chan struct{})
	go func() {
		c.resubWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("resubscription task still running after Disconnect()")
	}
}

func TestClient_ConnectFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *fakeHub)
		secret  string
		wantErr error
	}{
		{
			name:    "bad credentials",
			secret:  "wrong",
			wantErr: ErrAuthentication,
		},
		{
			name:    "no handshake",
			setup:   func(h *fakeHub) { h.skipHandshake = true },
			wantErr: ErrTransport,
		},
		{
			name:    "unexpected first message",
			setup:   func(h *fakeHub) { h.handshake = []byte(`{"methodName":"Return","response":{"sequenceId":1}}`) },
			wantErr: ErrTransport,
		},
		{
			name:    "socket refused",
			setup:   func(h *fakeHub) { h.dialFailures = 1 },
			wantErr: ErrTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHub(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			secret := testSecret
			if tt.secret != "" {
				secret = tt.secret
			}
			c := newTestClient(t, h, func(cfg *Config) {
				cfg.Secret = secret
				cfg.HandshakeTimeout = 100 * time.Millisecond
			})

			err := c.Connect(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Connect() error = %v, want %v", err, tt.wantErr)
			}
			if c.State() != StateDisconnected {
				t.Errorf("State() = %v, want disconnected", c.State())
			}
		})
	}
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)
	ctx := context.Background()

	if _, err := c.Call(ctx, "Set", "l1.isOn", []any{true}, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Call() error = %v, want ErrNotConnected", err)
	}
	if err := c.Notify(ctx, "Set", "l1.isOn", []any{true}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Notify() error = %v, want ErrNotConnected", err)
	}
	if h.dials.Load() != 0 {
		t.Errorf("dials = %d, nothing should reach the hub", h.dials.Load())
	}
}

func TestClient_CallCorrelatesInterleavedResponses(t *testing.T) {
	h := newFakeHub(t)
	h.autoReply = false
	c := newTestClient(t, h, nil)
	updates := &updateLog{}
	c.SetOnUpdate(updates.handle)
	runClient(t, c)

	type result struct {
		values []json.RawMessage
		err    error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		v, err := c.Call(context.Background(), "Get", "l1.isOn", nil, 0)
		first <- result{v, err}
	}()
	req1 := h.nextRequest()
	go func() {
		v, err := c.Call(context.Background(), "Get", "l2.isOn", nil, 0)
		second <- result{v, err}
	}()
	req2 := h.nextRequest()

	if req1.Request.SequenceID == req2.Request.SequenceID {
		t.Fatalf("sequence ids not unique: %d", req1.Request.SequenceID)
	}

	// Push event and out-of-order responses on the same socket.
	h.send(changes(map[string]any{"l3.isOn": true}))
	h.send(response(req2.Request.SequenceID, "", "second"))
	h.send(response(999, "", "stray"))
	h.send(response(req1.Request.SequenceID, "", "first"))

	for name, tc := range map[string]struct {
		ch   chan result
		want string
	}{
		"first":  {first, `"first"`},
		"second": {second, `"second"`},
	} {
		select {
		case r := <-tc.ch:
			if r.err != nil {
				t.Fatalf("%s Call() error = %v", name, r.err)
			}
			if len(r.values) != 1 || string(r.values[0]) != tc.want {
				t.Errorf("%s Call() = %s, want [%s]", name, r.values, tc.want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s Call() did not return", name)
		}
	}

	waitFor(t, "push event", func() bool { return len(updates.get()) == 1 })
	if got := updates.get()[0]; got.DeviceID != "l3" || got.Changes["isOn"] != true {
		t.Errorf("update = %+v", got)
	}
	if c.Stats().Pending != 0 {
		t.Errorf("Pending = %d, want 0", c.Stats().Pending)
	}
}

func TestClient_CallRemoteError(t *testing.T) {
	h := newFakeHub(t)
	h.autoReply = false
	c := newTestClient(t, h, nil)
	runClient(t, c)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "Set", "nope.isOn", []any{true}, 0)
		errCh <- err
	}()
	req := h.nextRequest()
	h.send(response(req.Request.SequenceID, "unknown device"))

	if err := <-errCh; !errors.Is(err, ErrRemote) {
		t.Errorf("Call() error = %v, want ErrRemote", err)
	}
}

func TestClient_CallTimeout(t *testing.T) {
	h := newFakeHub(t)
	h.autoReply = false
	c := newTestClient(t, h, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	start := time.Now()
	_, err := c.Call(context.Background(), "Get", "l1.isOn", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Call() took %v", time.Since(start))
	}

	stats := c.Stats()
	if stats.Pending != 0 {
		t.Errorf("Pending = %d, want entry deregistered", stats.Pending)
	}
	if stats.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", stats.Timeouts)
	}
}

func TestClient_CallContextCancelled(t *testing.T) {
	h := newFakeHub(t)
	h.autoReply = false
	c := newTestClient(t, h, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.requests
		cancel()
	}()

	_, err := c.Call(ctx, "Get", "l1.isOn", nil, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", err)
	}
	if c.Stats().Pending != 0 {
		t.Errorf("Pending = %d, want 0", c.Stats().Pending)
	}
}

func TestClient_OverloadFailsOnlyNewestCall(t *testing.T) {
	h := newFakeHub(t)
	h.autoReply = false
	c := newTestClient(t, h, func(cfg *Config) { cfg.MaxPending = 2 })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Call(context.Background(), "Get", "l1.isOn", nil, 5*time.Second)
			errs <- err
		}()
	}
	waitFor(t, "two pending", func() bool { return c.Stats().Pending == 2 })
	h.nextRequest()
	h.nextRequest()

	_, err := c.Call(context.Background(), "Get", "l1.isOn", nil, 5*time.Second)
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("third Call() error = %v, want ErrOverloaded", err)
	}
	h.expectNoRequest()
	if c.Stats().Pending != 2 {
		t.Errorf("Pending = %d, earlier requests must stay outstanding", c.Stats().Pending)
	}

	// Fire-and-forget sends are not capped.
	if err := c.Notify(context.Background(), "Set", "l1.isOn", []any{true}); err != nil {
		t.Errorf("Notify() at cap error = %v", err)
	}

	c.Disconnect()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrNotConnected) {
				t.Errorf("pending Call() error = %v, want ErrNotConnected", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending Call() not failed by Disconnect")
		}
	}
	if c.Stats().Overloads != 1 {
		t.Errorf("Overloads = %d, want 1", c.Stats().Overloads)
	}
}

func TestClient_NotifyIsNotTracked(t *testing.T) {
	h := newFakeHub(t)
	h.autoReply = false
	c := newTestClient(t, h, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := c.Notify(context.Background(), "Set", "s1.position", []any{50}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	req := h.nextRequest()
	if req.Request.MethodName != "Set" || req.Request.Args[0] != "s1.position" {
		t.Errorf("request = %+v", req)
	}
	if c.Stats().Pending != 0 {
		t.Errorf("Pending = %d, want 0", c.Stats().Pending)
	}
}

func TestClient_SubscribeSendsOneBatch(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)
	runClient(t, c)

	subs := []mapping.Subscription{
		{DeviceID: "l1", Properties: []string{"isOn", "brightness"}},
		{DeviceID: "b1", Properties: []string{"isPressed"}},
	}
	if err := c.Subscribe(context.Background(), subs); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	req := h.nextRequest()
	if req.Request.MethodName != VerbSetSubscription {
		t.Fatalf("verb = %q, want %q", req.Request.MethodName, VerbSetSubscription)
	}
	if len(req.Request.Args) != 2 {
		t.Fatalf("args = %#v", req.Request.Args)
	}
	list, ok := req.Request.Args[0].([]any)
	if !ok || len(list) != 2 {
		t.Errorf("subscription list = %#v, want 2 entries", req.Request.Args[0])
	}
	if req.Request.Args[1] != true {
		t.Errorf("enable flag = %#v, want true", req.Request.Args[1])
	}
	h.expectNoRequest()

	if err := c.Unsubscribe(context.Background(), subs[:1]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	req = h.nextRequest()
	if req.Request.Args[1] != false {
		t.Errorf("enable flag = %#v, want false", req.Request.Args[1])
	}
	if got := c.subscriptions(); len(got) != 1 || got[0].DeviceID != "b1" {
		t.Errorf("subscriptions() = %+v, want only b1", got)
	}
}

func TestClient_SubscribeWhileDisconnectedIsStored(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)

	subs := []mapping.Subscription{{DeviceID: "l1", Properties: []string{"isOn"}}}
	if err := c.Subscribe(context.Background(), subs); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if h.dials.Load() != 0 {
		t.Error("Subscribe() must not dial")
	}
	if got := c.subscriptions(); !reflect.DeepEqual(got, subs) {
		t.Errorf("subscriptions() = %+v", got)
	}
}

func TestClient_RunResubscribesAfterReconnect(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)
	rec := &stateRecorder{}
	c.SetOnConnectionState(rec.record)

	subs := []mapping.Subscription{{DeviceID: "l1", Properties: []string{"isOn"}}}
	if err := c.Subscribe(context.Background(), subs); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	runClient(t, c)
	if req := h.nextRequest(); req.Request.MethodName != VerbSetSubscription {
		t.Fatalf("first request = %q, want resubscription", req.Request.MethodName)
	}

	h.closeConns()

	if req := h.nextRequest(); req.Request.MethodName != VerbSetSubscription {
		t.Fatalf("request after reconnect = %q, want resubscription", req.Request.MethodName)
	}
	waitFor(t, "reconnected", func() bool { return c.Stats().Reconnects == 1 })
	if got := rec.get(); !reflect.DeepEqual(got, []bool{true, false, true}) {
		t.Errorf("connection callbacks = %v, want [true false true]", got)
	}
}

func TestClient_RunRetriesWithBackoff(t *testing.T) {
	h := newFakeHub(t)
	h.dialFailures = 1
	c := newTestClient(t, h, nil)

	start := time.Now()
	runClient(t, c)

	if h.dials.Load() != 2 {
		t.Errorf("dials = %d, want 2", h.dials.Load())
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("reconnected after %v, want backoff delay of 1s", elapsed)
	}
}

func TestClient_RunStopsOnRejectedCredentials(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, func(cfg *Config) { cfg.Secret = "wrong" })

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAuthentication) {
			t.Errorf("Run() error = %v, want ErrAuthentication", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() kept retrying rejected credentials")
	}
}

func TestClient_RunCancel(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)
	cancel, done := runClient(t, c)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if c.IsConnected() {
		t.Error("client still connected after Run returned")
	}
}

func TestClient_UpdateHandlerPanicIsContained(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)
	updates := &updateLog{}
	c.SetOnUpdate(func(deviceID string, ch map[string]any) {
		if deviceID == "bad" {
			panic("boom")
		}
		updates.handle(deviceID, ch)
	})
	runClient(t, c)

	h.send(changes(map[string]any{"bad.isOn": true}))
	h.send(map[string]any{"methodName": "Garbage"})
	h.send(changes(map[string]any{"good.isOn": false}))

	waitFor(t, "good update", func() bool { return len(updates.get()) == 1 })
	if !c.IsConnected() {
		t.Error("client disconnected by a failing event")
	}
	if c.Stats().DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", c.Stats().DecodeErrors)
	}
}

func TestClient_PerDeviceArrivalOrder(t *testing.T) {
	h := newFakeHub(t)
	c := newTestClient(t, h, nil)
	updates := &updateLog{}
	c.SetOnUpdate(updates.handle)
	runClient(t, c)

	for i := 0; i < 20; i++ {
		h.send(changes(map[string]any{"l1.brightness": i}))
	}

	waitFor(t, "all updates", func() bool { return len(updates.get()) == 20 })
	for i, u := range updates.get() {
		if u.Changes["brightness"] != float64(i) {
			t.Fatalf("update %d = %v, want %d", i, u.Changes["brightness"], i)
		}
	}
}
