// Package notify fans reconciler notifications out to the optional sinks:
// the MQTT broker (retained device state, events, retained health), InfluxDB
// telemetry, and the SQLite event history.
//
// The reconciler calls its Notifier synchronously on the push path, so the
// Dispatcher only enqueues; a single worker started with Run performs the
// sink I/O. When the queue is full the notification is dropped and counted
// rather than stalling the reconciler.
package notify
