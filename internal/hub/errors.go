package hub

import "errors"

// Domain errors for the hub package.
var (
	// ErrTransport is returned for network failures, unexpected status codes
	// and malformed handshakes.
	ErrTransport = errors.New("hub: transport failure")

	// ErrAuthentication is returned when the hub rejects the credentials.
	// Run does not retry after this error.
	ErrAuthentication = errors.New("hub: authentication rejected")

	// ErrTimeout is returned when a request receives no response in time.
	ErrTimeout = errors.New("hub: request timed out")

	// ErrOverloaded is returned when the outstanding request cap is reached.
	ErrOverloaded = errors.New("hub: too many pending requests")

	// ErrNotConnected is returned when an operation needs the push channel
	// and it is down. Pending requests fail with it on disconnect.
	ErrNotConnected = errors.New("hub: not connected")

	// ErrRemote is returned when the hub answers a request with an error.
	ErrRemote = errors.New("hub: remote call failed")

	// ErrInvalidFrame is returned when an inbound frame cannot be decoded.
	ErrInvalidFrame = errors.New("hub: invalid frame")
)
