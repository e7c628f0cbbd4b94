package press

import (
	"sync"
	"time"
)

// Kind is a classified press type.
type Kind string

// Press kinds.
const (
	Single Kind = "single"
	Double Kind = "double"
	Long   Kind = "long"
)

// Default classification timings.
const (
	DefaultLongPress = 1500 * time.Millisecond
	DefaultWindow    = time.Second
)

// Event is a classified press for one device.
type Event[R any] struct {
	DeviceID string
	Kind     Kind
	// Record is the device record resolved at emit time.
	Record R
	At     time.Time
}

// Options configures a Detector.
type Options struct {
	// LongPress is the hold duration at or above which a release is a long press.
	LongPress time.Duration

	// Window is the disambiguation delay after the last short release.
	Window time.Duration

	// Clock defaults to SystemClock.
	Clock Clock
}

// Detector turns per-device press/release booleans into press events.
//
// Thread Safety: Signal, Reset and Stop are safe for concurrent use. Timer
// expiry for a device is serialised with Signal calls for the same device.
type Detector[R any] struct {
	longPress time.Duration
	window    time.Duration
	clock     Clock
	lookup    func(deviceID string) (R, bool)
	emit      func(Event[R])

	mu      sync.Mutex
	devices map[string]*deviceState
	stopped bool
}

// deviceState is the per-device press state. It is created lazily and
// reset, not removed, after each classification.
type deviceState struct {
	pressed    bool
	pressStart time.Time
	releases   int
	timer      Timer
	// gen invalidates callbacks of timers that were replaced or cancelled
	// after they had already started to fire.
	gen uint64
}

// NewDetector creates a detector. lookup resolves the current record for a
// device at emit time; events for devices it cannot resolve are dropped.
func NewDetector[R any](opts Options, lookup func(deviceID string) (R, bool), emit func(Event[R])) *Detector[R] {
	if opts.LongPress <= 0 {
		opts.LongPress = DefaultLongPress
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Detector[R]{
		longPress: opts.LongPress,
		window:    opts.Window,
		clock:     opts.Clock,
		lookup:    lookup,
		emit:      emit,
		devices:   make(map[string]*deviceState),
	}
}

// Signal feeds one raw boolean transition for a device.
func (d *Detector[R]) Signal(deviceID string, pressed bool) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	st := d.devices[deviceID]
	if st == nil {
		st = &deviceState{}
		d.devices[deviceID] = st
	}
	now := d.clock.Now()

	if pressed {
		if st.pressed {
			// Coalesced double press: the earlier press had no release.
			st.releases++
			st.cancelTimer()
		}
		st.pressed = true
		st.pressStart = now
		d.mu.Unlock()
		return
	}

	if !st.pressed {
		// Dropped press edge: count a completed short press.
		st.releases++
		d.startTimer(deviceID, st)
		d.mu.Unlock()
		return
	}

	held := now.Sub(st.pressStart)
	st.pressed = false
	st.pressStart = time.Time{}

	if held >= d.longPress {
		st.cancelTimer()
		st.releases = 0
		d.mu.Unlock()
		d.deliver(deviceID, Long, now)
		return
	}

	st.releases++
	d.startTimer(deviceID, st)
	d.mu.Unlock()
}

// Reset forgets the press state of a device and cancels its timer.
func (d *Detector[R]) Reset(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st := d.devices[deviceID]; st != nil {
		st.cancelTimer()
		delete(d.devices, deviceID)
	}
}

// Stop cancels every pending timer. Signals after Stop are ignored.
func (d *Detector[R]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for _, st := range d.devices {
		st.cancelTimer()
	}
}

// PendingTimers returns the number of devices with an active disambiguation timer.
func (d *Detector[R]) PendingTimers() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, st := range d.devices {
		if st.timer != nil {
			n++
		}
	}
	return n
}

// startTimer (re)starts the disambiguation timer. Caller holds d.mu.
func (d *Detector[R]) startTimer(deviceID string, st *deviceState) {
	st.cancelTimer()
	gen := st.gen
	st.timer = d.clock.AfterFunc(d.window, func() {
		d.expire(deviceID, gen)
	})
}

// expire classifies the releases counted since the last reset.
func (d *Detector[R]) expire(deviceID string, gen uint64) {
	d.mu.Lock()
	st := d.devices[deviceID]
	if d.stopped || st == nil || st.gen != gen {
		d.mu.Unlock()
		return
	}
	releases := st.releases
	st.releases = 0
	st.timer = nil
	st.gen++
	now := d.clock.Now()
	d.mu.Unlock()

	switch {
	case releases >= 2:
		d.deliver(deviceID, Double, now)
	case releases == 1:
		d.deliver(deviceID, Single, now)
	}
}

// deliver resolves the current record and emits the event.
func (d *Detector[R]) deliver(deviceID string, kind Kind, at time.Time) {
	if d.emit == nil {
		return
	}
	var rec R
	if d.lookup != nil {
		var ok bool
		rec, ok = d.lookup(deviceID)
		if !ok {
			return
		}
	}
	d.emit(Event[R]{DeviceID: deviceID, Kind: kind, Record: rec, At: at})
}

// cancelTimer stops any pending timer and invalidates its callback.
func (st *deviceState) cancelTimer() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
}
