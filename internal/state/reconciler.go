package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-hubsync/internal/hub"
	"github.com/nerrad567/gray-logic-hubsync/internal/mapping"
	"github.com/nerrad567/gray-logic-hubsync/internal/press"
)

// Reconciler defaults.
const (
	DefaultPollInterval     = 60 * time.Second
	DefaultFailureThreshold = 3
	DefaultFetchConcurrency = 8
)

// Fetcher is the full-state source. *hub.API implements it.
type Fetcher interface {
	ListDevices(ctx context.Context) (hub.DeviceList, error)
	DeviceDetail(ctx context.Context, deviceID string) (hub.DeviceDetail, error)
}

// Subscriber receives the subscription list after each poll that changes
// the device set. *hub.Client implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, subs []mapping.Subscription) error
}

// Event is a discrete named event: a rising edge or a classified press.
type Event struct {
	Name     string
	DeviceID string
	Category string
	// Kind is the press kind for press events, empty otherwise.
	Kind   string
	Record *Record
	At     time.Time
}

// Notifier receives reconciler notifications. Calls are synchronous and
// must not block.
type Notifier interface {
	// SnapshotChanged is called after every publish. changed is the updated
	// record for a push patch and nil for a full poll.
	SnapshotChanged(snap *Snapshot, changed *Record)

	// Event is called for named events.
	Event(ev Event)

	// HealthChanged is called when the degraded signal is raised or cleared.
	HealthChanged(degraded bool, cause error)
}

type noopNotifier struct{}

func (noopNotifier) SnapshotChanged(*Snapshot, *Record) {}
func (noopNotifier) Event(Event)                        {}
func (noopNotifier) HealthChanged(bool, error)          {}

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

// Options configures a Reconciler. Zero values select the defaults.
type Options struct {
	PollInterval     time.Duration
	FailureThreshold int
	FetchConcurrency int

	// Press configures button press classification.
	Press press.Options

	Notifier   Notifier
	Subscriber Subscriber
	Logger     Logger
}

// Health is the poll health of the reconciler.
type Health struct {
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
}

// Stats holds reconciler counters.
type Stats struct {
	Version          uint64 `json:"version"`
	Devices          int    `json:"devices"`
	Polls            uint64 `json:"polls"`
	PollFailures     uint64 `json:"poll_failures"`
	UpdatesApplied   uint64 `json:"updates_applied"`
	UpdatesDropped   uint64 `json:"updates_dropped"`
	ConversionErrors uint64 `json:"conversion_errors"`
	PendingPresses   int    `json:"pending_presses"`
}

// Reconciler maintains the canonical Snapshot.
//
// Thread Safety: all methods are safe for concurrent use. Readers never
// block; polls are serialised with each other.
type Reconciler struct {
	fetcher     Fetcher
	notifier    Notifier
	subscriber  Subscriber
	logger      Logger
	interval    time.Duration
	threshold   int
	concurrency int
	detector    *press.Detector[*Record]
	now         func() time.Time

	current atomic.Pointer[Snapshot]
	refresh chan struct{}

	pollMu  sync.Mutex
	subsKey string

	healthMu sync.Mutex
	health   Health

	polls            atomic.Uint64
	pollFailures     atomic.Uint64
	applied          atomic.Uint64
	dropped          atomic.Uint64
	conversionErrors atomic.Uint64

	// Test hooks for interleaving a poll with a push update.
	beforeRetarget func()
	beforeSwap     func()
}

// New creates a Reconciler with an empty snapshot.
//
// Parameters:
//   - fetcher: Full-state source, normally the hub's *hub.API
//   - opts: Intervals, thresholds, press timing and notification sinks
//
// Returns:
//   - *Reconciler: Ready for Run; Current returns version 0 until the first poll
func New(fetcher Fetcher, opts Options) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	r := &Reconciler{
		fetcher:     fetcher,
		notifier:    opts.Notifier,
		subscriber:  opts.Subscriber,
		logger:      opts.Logger,
		interval:    opts.PollInterval,
		threshold:   opts.FailureThreshold,
		concurrency: opts.FetchConcurrency,
		now:         time.Now,
		refresh:     make(chan struct{}, 1),
	}
	if opts.Press.Clock != nil {
		r.now = opts.Press.Clock.Now
	}
	r.current.Store(emptySnapshot())
	r.detector = press.NewDetector(opts.Press, r.Find, r.emitPress)
	return r
}

// Current returns the current snapshot. It is never nil.
func (r *Reconciler) Current() *Snapshot {
	return r.current.Load()
}

// Lookup returns a device by category and id from the current snapshot.
func (r *Reconciler) Lookup(category, id string) (*Record, bool) {
	return r.Current().Lookup(category, id)
}

// Find returns a device by id from the current snapshot.
func (r *Reconciler) Find(id string) (*Record, bool) {
	return r.Current().Find(id)
}

// RequestRefresh asks Run for an immediate poll. Requests made while one is
// already queued are coalesced. It never blocks.
func (r *Reconciler) RequestRefresh() {
	select {
	case r.refresh <- struct{}{}:
	default:
	}
}

// Run polls once, then on every interval tick and refresh request, until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.detector.Stop()

	r.pollAndLog(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pollAndLog(ctx)
		case <-r.refresh:
			r.pollAndLog(ctx)
		}
	}
}

func (r *Reconciler) pollAndLog(ctx context.Context) {
	if err := r.Poll(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("poll failed", "error", err)
	}
}

// Poll fetches the full device state and publishes a new snapshot.
func (r *Reconciler) Poll(ctx context.Context) error {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	r.polls.Add(1)
	start := time.Now()

	built, list, err := r.fetchAll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a hub failure.
			return fmt.Errorf("%w: %w", ErrPollFailed, err)
		}
		r.pollFailures.Add(1)
		r.recordFailure(err)
		return fmt.Errorf("%w: %w", ErrPollFailed, err)
	}

	// A poll always wins; retry the swap until no push lands in between.
	var prev, snap *Snapshot
	for {
		prev = r.current.Load()
		snap = built.withVersion(prev.Version() + 1)
		if r.current.CompareAndSwap(prev, snap) {
			break
		}
	}
	r.forgetRemoved(prev, snap)

	r.recordSuccess()
	r.logger.Debug("poll published",
		"version", snap.Version(),
		"devices", snap.Len(),
		"duration", time.Since(start))
	r.notifier.SnapshotChanged(snap, nil)
	r.syncSubscriptions(ctx, list)
	return nil
}

// fetchAll lists devices and fetches their details concurrently. Devices
// whose fetch or translation fails are omitted.
func (r *Reconciler) fetchAll(ctx context.Context) (*Snapshot, hub.DeviceList, error) {
	list, err := r.fetcher.ListDevices(ctx)
	if err != nil {
		return nil, hub.DeviceList{}, fmt.Errorf("listing devices: %w", err)
	}

	records := make([]*Record, len(list.Devices))
	var failed atomic.Int32
	attempted := 0
	seen := make(map[string]bool, len(list.Devices))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, dev := range list.Devices {
		if _, ok := mapping.Lookup(dev.Category); !ok || dev.ID == "" {
			r.logger.Debug("skipping unsupported device", "device_id", dev.ID, "category", dev.Category)
			continue
		}
		if seen[dev.ID] {
			r.logger.Warn("skipping duplicate device id", "device_id", dev.ID)
			continue
		}
		seen[dev.ID] = true
		attempted++
		g.Go(func() error {
			detail, err := r.fetcher.DeviceDetail(ctx, dev.ID)
			if err != nil {
				failed.Add(1)
				r.logger.Warn("device detail fetch failed", "device_id", dev.ID, "error", err)
				return nil
			}
			fields, err := Translate(dev.Category, detail.Properties, nil)
			if err != nil {
				failed.Add(1)
				r.conversionErrors.Add(1)
				r.logger.Warn("device translation failed", "device_id", dev.ID, "error", err)
				return nil
			}
			records[i] = NewRecord(dev.ID, dev.Category, dev.Name, fields)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	if err := ctx.Err(); err != nil {
		return nil, hub.DeviceList{}, err
	}
	if attempted > 0 && int(failed.Load()) == attempted {
		return nil, hub.DeviceList{}, fmt.Errorf("all %d device fetches failed", attempted)
	}

	records = slices.DeleteFunc(records, func(rec *Record) bool { return rec == nil })
	return NewSnapshot(0, r.now(), list.Season, records...), list, nil
}

// forgetRemoved drops press state of devices that left the snapshot.
func (r *Reconciler) forgetRemoved(prev, next *Snapshot) {
	for id := range prev.index {
		if _, ok := next.index[id]; !ok {
			r.detector.Reset(id)
		}
	}
}

func (r *Reconciler) recordFailure(err error) {
	r.healthMu.Lock()
	r.health.ConsecutiveFailures++
	r.health.LastError = err.Error()
	raise := !r.health.Degraded &&
		(r.health.ConsecutiveFailures >= r.threshold || r.Current().Version() == 0)
	if raise {
		r.health.Degraded = true
	}
	failures := r.health.ConsecutiveFailures
	r.healthMu.Unlock()

	if raise {
		r.logger.Error("reconciler degraded", "consecutive_failures", failures, "error", err)
		r.notifier.HealthChanged(true, err)
	}
}

func (r *Reconciler) recordSuccess() {
	r.healthMu.Lock()
	wasDegraded := r.health.Degraded
	r.health = Health{LastSuccess: r.now()}
	r.healthMu.Unlock()

	if wasDegraded {
		r.logger.Info("reconciler recovered")
		r.notifier.HealthChanged(false, nil)
	}
}

// Health returns the current poll health.
func (r *Reconciler) Health() Health {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	return r.health
}

// syncSubscriptions pushes the subscription list when the device set changed.
// Caller holds pollMu.
func (r *Reconciler) syncSubscriptions(ctx context.Context, list hub.DeviceList) {
	if r.subscriber == nil {
		return
	}
	refs := make([]mapping.DeviceRef, 0, len(list.Devices))
	for _, d := range list.Devices {
		refs = append(refs, mapping.DeviceRef{ID: d.ID, Category: d.Category})
	}
	subs := mapping.BuildSubscriptions(refs)

	key := subscriptionKey(subs)
	if key == r.subsKey {
		return
	}
	if err := r.subscriber.Subscribe(ctx, subs); err != nil {
		r.logger.Warn("subscription update failed", "devices", len(subs), "error", err)
		return
	}
	r.subsKey = key
}

func subscriptionKey(subs []mapping.Subscription) string {
	var b strings.Builder
	for _, s := range subs {
		b.WriteString(s.DeviceID)
		b.WriteByte('=')
		b.WriteString(strings.Join(s.Properties, ","))
		b.WriteByte(';')
	}
	return b.String()
}

// ApplyUpdate applies changed raw properties of one device from the push
// channel. It has the signature of hub.UpdateHandler. Failures are logged
// and never propagate.
func (r *Reconciler) ApplyUpdate(deviceID string, changes map[string]any) {
	err := r.Apply(deviceID, changes)
	switch {
	case err == nil, errors.Is(err, ErrUnknownDevice):
	case errors.Is(err, ErrConversion):
		r.logger.Warn("push update not convertible", "device_id", deviceID, "error", err)
	default:
		r.logger.Debug("push update dropped", "device_id", deviceID, "error", err)
	}
}

// Apply is ApplyUpdate reporting the outcome. Conversion failures and lost
// races schedule a corrective poll.
//
// Parameters:
//   - deviceID: Stable device id from the push event
//   - changes: Raw hub property name to value
//
// Returns:
//   - error: nil when published or when nothing changed; ErrUnknownDevice,
//     ErrConversion or ErrStaleUpdate otherwise
func (r *Reconciler) Apply(deviceID string, changes map[string]any) error {
	seen := r.current.Load()
	loc, target, ok := seen.locate(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}

	patch, err := Translate(target.Category(), changes, target)
	if err != nil {
		r.conversionErrors.Add(1)
		r.RequestRefresh()
		return err
	}
	if len(patch) == 0 {
		return nil
	}

	// Press edges reach the detector even if the publish below is dropped;
	// a lost edge would merge separate presses.
	r.routePress(target, patch)

	if r.beforeRetarget != nil {
		r.beforeRetarget()
	}

	// Retarget once if a poll replaced the snapshot since it was read.
	if now := r.current.Load(); now != seen {
		seen = now
		loc, target, ok = seen.locate(deviceID)
		if !ok {
			r.dropped.Add(1)
			return fmt.Errorf("%w: %s no longer present", ErrStaleUpdate, deviceID)
		}
		if patch, err = Translate(target.Category(), changes, target); err != nil {
			r.conversionErrors.Add(1)
			r.RequestRefresh()
			return err
		}
		if len(patch) == 0 {
			return nil
		}
	}

	updated := target.With(patch)
	next := seen.withRecord(loc, updated, r.now())
	if r.beforeSwap != nil {
		r.beforeSwap()
	}
	if !r.current.CompareAndSwap(seen, next) {
		r.dropped.Add(1)
		r.RequestRefresh()
		return fmt.Errorf("%w: %s", ErrStaleUpdate, deviceID)
	}
	r.applied.Add(1)

	r.fireEdges(target, updated, patch)
	r.notifier.SnapshotChanged(next, updated)
	return nil
}

// fireEdges emits named events for designated keys that rose from false to true.
func (r *Reconciler) fireEdges(before, after *Record, patch map[string]any) {
	table, ok := mapping.Lookup(after.Category())
	if !ok {
		return
	}
	for key := range patch {
		name, ok := table.EdgeEvent(key)
		if !ok || before.Bool(key) || !after.Bool(key) {
			continue
		}
		r.notifier.Event(Event{
			Name:     name,
			DeviceID: after.ID(),
			Category: after.Category(),
			Record:   after,
			At:       r.now(),
		})
	}
}

// routePress feeds raw press telemetry to the detector.
func (r *Reconciler) routePress(rec *Record, patch map[string]any) {
	table, ok := mapping.Lookup(rec.Category())
	if !ok {
		return
	}
	key, ok := table.PressKey()
	if !ok {
		return
	}
	if pressed, isBool := patch[key].(bool); isBool {
		r.detector.Signal(rec.ID(), pressed)
	}
}

func (r *Reconciler) emitPress(ev press.Event[*Record]) {
	r.notifier.Event(Event{
		Name:     mapping.EventPress,
		DeviceID: ev.DeviceID,
		Category: ev.Record.Category(),
		Kind:     string(ev.Kind),
		Record:   ev.Record,
		At:       ev.At,
	})
}

// Stats returns reconciler counters.
func (r *Reconciler) Stats() Stats {
	snap := r.Current()
	return Stats{
		Version:          snap.Version(),
		Devices:          snap.Len(),
		Polls:            r.polls.Load(),
		PollFailures:     r.pollFailures.Load(),
		UpdatesApplied:   r.applied.Load(),
		UpdatesDropped:   r.dropped.Load(),
		ConversionErrors: r.conversionErrors.Load(),
		PendingPresses:   r.detector.PendingTimers(),
	}
}
