// Package hub is the transport client for the smart-home hub.
//
// A Client owns one persistent WebSocket push channel. It logs in over HTTP,
// dials the event socket with the session token, waits for the hub's
// handshake and then multiplexes request/response calls and unsolicited
// property-change events over the same socket.
//
// Requests are correlated by a monotonically increasing sequence number.
// Each outstanding request has its own timeout and the number of outstanding
// requests is capped; calls past the cap fail immediately with ErrOverloaded.
//
// Run drives the connection: it reconnects with jittered exponential backoff,
// replays the stored subscription list after every successful connect and
// dispatches frames one at a time, so events for a device are delivered in
// arrival order.
//
// API is the sibling HTTP client used for full-state polling (device list
// and per-device detail). It shares the login procedure with Client.
package hub
