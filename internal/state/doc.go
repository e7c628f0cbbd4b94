// Package state keeps the canonical view of all hub devices.
//
// The Reconciler merges two unordered sources into one immutable Snapshot:
// periodic full polls through the hub's HTTP API and incremental property
// changes from the push channel. Snapshots and Records are never mutated;
// every change publishes a new Snapshot through a single atomic pointer, so
// readers need no locks and never observe a half-applied update.
//
// A full poll always wins. A push patch is published by compare-and-swap
// against the snapshot it was computed from; if a poll lands in between, the
// patch is retargeted onto the new snapshot once and dropped (with a
// corrective poll scheduled) if the pointer moves again.
//
// Button telemetry is routed through a press.Detector and surfaces as named
// "press" events; designated rising edges (doorbell ringing) surface as their
// own named events.
package state
