package state

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-hubsync/internal/hub"
	"github.com/nerrad567/gray-logic-hubsync/internal/mapping"
	"github.com/nerrad567/gray-logic-hubsync/internal/press"
)

var errFetch = errors.New("fetch failed")

// mockFetcher serves a configurable device list and details.
type mockFetcher struct {
	mu        sync.Mutex
	list      hub.DeviceList
	details   map[string]map[string]any
	failIDs   map[string]bool
	listErr   error
	listCalls int

	// onDetail runs at the start of every detail fetch.
	onDetail func(id string)
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		details: make(map[string]map[string]any),
		failIDs: make(map[string]bool),
	}
}

func (m *mockFetcher) add(id, category string, props map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Devices = append(m.list.Devices, hub.DeviceSummary{ID: id, Category: category, Name: id})
	m.details[id] = props
}

func (m *mockFetcher) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	devs := m.list.Devices[:0:0]
	for _, d := range m.list.Devices {
		if d.ID != id {
			devs = append(devs, d)
		}
	}
	m.list.Devices = devs
	delete(m.details, id)
}

func (m *mockFetcher) set(id string, props map[string]any) {
	m.mu.Lock()
	m.details[id] = props
	m.mu.Unlock()
}

func (m *mockFetcher) setListErr(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

func (m *mockFetcher) ListDevices(_ context.Context) (hub.DeviceList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return hub.DeviceList{}, m.listErr
	}
	list := m.list
	list.Devices = append([]hub.DeviceSummary(nil), m.list.Devices...)
	return list, nil
}

func (m *mockFetcher) DeviceDetail(_ context.Context, id string) (hub.DeviceDetail, error) {
	if m.onDetail != nil {
		m.onDetail(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[id] {
		return hub.DeviceDetail{}, errFetch
	}
	props, ok := m.details[id]
	if !ok {
		return hub.DeviceDetail{}, errFetch
	}
	return hub.DeviceDetail{ID: id, Properties: maps.Clone(props)}, nil
}

func (m *mockFetcher) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

// recordingNotifier records every notification.
type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []*Snapshot
	changed   []*Record
	events    []Event
	health    []bool
}

func (n *recordingNotifier) SnapshotChanged(snap *Snapshot, changed *Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, snap)
	n.changed = append(n.changed, changed)
}

func (n *recordingNotifier) Event(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) HealthChanged(degraded bool, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health = append(n.health, degraded)
}

func (n *recordingNotifier) snapshotCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snapshots)
}

func (n *recordingNotifier) eventList() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

func (n *recordingNotifier) healthList() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bool(nil), n.health...)
}

// recordingSubscriber records subscription lists.
type recordingSubscriber struct {
	mu    sync.Mutex
	calls [][]mapping.Subscription
}

func (s *recordingSubscriber) Subscribe(_ context.Context, subs []mapping.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, subs)
	return nil
}

func (s *recordingSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// manualClock is a press.Clock advanced by hand.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) press.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &manualTimerHandle{clock: c, t: t}
}

type manualTimerHandle struct {
	clock *manualClock
	t     *manualTimer
}

func (h *manualTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

// Advance moves time forward and runs due timers in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// fixture is a reconciler over a mock fetcher with a standard device set.
type fixture struct {
	fetcher  *mockFetcher
	notifier *recordingNotifier
	clock    *manualClock
	rec      *Reconciler
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		fetcher:  newMockFetcher(),
		notifier: &recordingNotifier{},
		clock:    newManualClock(),
	}
	f.fetcher.list.Season = "heating"
	f.fetcher.add("l1", mapping.CategoryLight, map[string]any{"isOn": false, "brightness": 10.0})
	f.fetcher.add("l2", mapping.CategoryLight, map[string]any{"isOn": true, "brightness": 80.0})
	f.fetcher.add("c1", mapping.CategoryClimate, map[string]any{
		"actualTemperature": 20.5, "setpointTemperature": 21.0, "operationMode": "HEAT",
		"minHeatSetpoint": 5.0, "maxHeatSetpoint": 30.0,
		"minCoolSetpoint": 16.0, "maxCoolSetpoint": 32.0,
	})
	f.fetcher.add("e1", mapping.CategoryEnergyMeter, map[string]any{"powerL1": 100.0, "powerL2": 200.0, "powerL3": 300.0})
	f.fetcher.add("b1", mapping.CategoryButton, map[string]any{"isPressed": false})
	f.fetcher.add("d1", mapping.CategoryDoorbell, map[string]any{"isRinging": false})

	opts.Notifier = f.notifier
	opts.Press.Clock = f.clock
	f.rec = New(f.fetcher, opts)
	return f
}

func (f *fixture) mustPoll(t *testing.T) {
	t.Helper()
	if err := f.rec.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
}
