package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-hubsync/internal/history"
	"github.com/nerrad567/gray-logic-hubsync/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hubsync/internal/state"
)

const (
	defaultQueueSize = 1024

	// drainTimeout bounds the flush of queued notifications on shutdown.
	drainTimeout = 5 * time.Second
)

// Publisher is the MQTT side of the dispatcher (satisfied by *mqtt.Client).
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// Telemetry is the time-series side (satisfied by *influxdb.Client).
type Telemetry interface {
	WriteDeviceState(deviceID, category string, fields map[string]any, at time.Time)
	WriteEvent(name, deviceID, category, kind string, at time.Time)
}

// EventStore persists named events (satisfied by history.Repository).
type EventStore interface {
	Record(ctx context.Context, e history.Entry) error
}

// Logger interface for optional logging.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Options configures a Dispatcher. Every sink is optional.
type Options struct {
	Publisher Publisher
	Telemetry Telemetry
	Store     EventStore
	QueueSize int
	Logger    Logger

	// NewID generates event IDs. Defaults to random UUIDs.
	NewID func() string
}

// StateMessage is the retained payload on hubsync/state/{category}/{id}.
type StateMessage struct {
	Version   uint64        `json:"version"`
	Device    *state.Record `json:"device"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// HealthMessage is the retained payload on hubsync/health.
type HealthMessage struct {
	Degraded  bool      `json:"degraded"`
	Cause     string    `json:"cause,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Stats counts dispatcher activity. Health updates bypass the queue and
// are not counted.
type Stats struct {
	Queued    uint64 `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failures  uint64 `json:"failures"`
}

// job is one unit of sink I/O.
type job func(ctx context.Context)

// Dispatcher implements state.Notifier.
type Dispatcher struct {
	publisher Publisher
	telemetry Telemetry
	store     EventStore
	logger    Logger
	newID     func() string
	topics    mqtt.Topics

	queue chan job
	// health holds the latest undelivered health message; a newer one
	// replaces it, so the retained signal is never dropped.
	health chan HealthMessage

	queued    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
}

var _ state.Notifier = (*Dispatcher)(nil)

// New creates a dispatcher. Nothing is delivered until Run is started.
func New(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Dispatcher{
		publisher: opts.Publisher,
		telemetry: opts.Telemetry,
		store:     opts.Store,
		logger:    opts.Logger,
		newID:     opts.NewID,
		queue:     make(chan job, opts.QueueSize),
		health:    make(chan HealthMessage, 1),
	}
}

// Run delivers queued notifications until ctx is cancelled, then drains
// what is left under a short deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-d.health:
			d.publishHealth(msg)
		case j := <-d.queue:
			d.deliver(ctx, j)
		case <-ctx.Done():
			d.drain(ctx)
			return nil
		}
	}
}

func (d *Dispatcher) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), drainTimeout)
	defer cancel()

	select {
	case msg := <-d.health:
		d.publishHealth(msg)
	default:
	}
	for {
		select {
		case j := <-d.queue:
			d.deliver(ctx, j)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	j(ctx)
	d.delivered.Add(1)
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
		d.queued.Add(1)
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping")
	}
}

// SnapshotChanged publishes the changed record, or every record after a
// full poll.
func (d *Dispatcher) SnapshotChanged(snap *state.Snapshot, changed *state.Record) {
	if d.publisher == nil && d.telemetry == nil {
		return
	}
	version, at := snap.Version(), snap.BuiltAt()

	var records []*state.Record
	if changed != nil {
		records = []*state.Record{changed}
	} else {
		for _, cat := range snap.Categories() {
			records = append(records, snap.Records(cat)...)
		}
	}
	if len(records) == 0 {
		return
	}

	d.enqueue(func(context.Context) {
		for _, rec := range records {
			d.publishState(version, at, rec)
		}
	})
}

func (d *Dispatcher) publishState(version uint64, at time.Time, rec *state.Record) {
	if d.publisher != nil {
		msg := StateMessage{Version: version, Device: rec, UpdatedAt: at}
		if err := d.publisher.PublishJSON(d.topics.DeviceState(rec.Category(), rec.ID()), msg, true); err != nil {
			d.fail("publishing device state", err, "device_id", rec.ID())
		}
	}
	if d.telemetry != nil {
		d.telemetry.WriteDeviceState(rec.ID(), rec.Category(), rec.Fields(), at)
	}
}

// Event publishes a named event and persists it with a fresh ID.
func (d *Dispatcher) Event(ev state.Event) {
	entry := history.Entry{
		ID:         d.newID(),
		Name:       ev.Name,
		DeviceID:   ev.DeviceID,
		Category:   ev.Category,
		Kind:       ev.Kind,
		OccurredAt: ev.At,
	}
	if ev.Record != nil {
		entry.Fields = ev.Record.Fields()
	}

	d.enqueue(func(ctx context.Context) {
		if d.publisher != nil {
			if err := d.publisher.PublishJSON(d.topics.Event(entry.Name, entry.DeviceID), entry, false); err != nil {
				d.fail("publishing event", err, "event", entry.Name, "device_id", entry.DeviceID)
			}
		}
		if d.telemetry != nil {
			d.telemetry.WriteEvent(entry.Name, entry.DeviceID, entry.Category, entry.Kind, entry.OccurredAt)
		}
		if d.store != nil {
			if err := d.store.Record(ctx, entry); err != nil {
				d.fail("recording event", err, "event", entry.Name, "device_id", entry.DeviceID)
			}
		}
	})
}

// HealthChanged publishes the degraded signal retained. Only the latest
// undelivered value is kept.
func (d *Dispatcher) HealthChanged(degraded bool, cause error) {
	if d.publisher == nil {
		return
	}
	msg := HealthMessage{Degraded: degraded, ChangedAt: time.Now().UTC()}
	if cause != nil {
		msg.Cause = cause.Error()
	}

	for {
		select {
		case d.health <- msg:
			return
		default:
		}
		select {
		case <-d.health:
		default:
		}
	}
}

func (d *Dispatcher) publishHealth(msg HealthMessage) {
	if err := d.publisher.PublishJSON(d.topics.Health(), msg, true); err != nil {
		d.fail("publishing health", err)
	}
}

func (d *Dispatcher) fail(msg string, err error, args ...any) {
	d.failures.Add(1)
	d.logger.Warn(msg, append(args, "error", err)...)
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    d.queued.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Failures:  d.failures.Load(),
	}
}
