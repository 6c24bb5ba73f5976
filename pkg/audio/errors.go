package audio

import "errors"

// Error kinds shared by the graph, endpoint, device and registry packages.
// Callers should match them with [errors.Is]; the returned errors are usually
// wrapped with additional context.
var (
	// ErrAlreadyLinked is returned when subscribing a side that already has a
	// neighbour.
	ErrAlreadyLinked = errors.New("audio: already linked")

	// ErrNotLinked is returned when unsubscribing a side that has no neighbour.
	ErrNotLinked = errors.New("audio: not linked")

	// ErrInvalidArgument is returned for malformed formats, stale handles and
	// similar caller mistakes.
	ErrInvalidArgument = errors.New("audio: invalid argument")

	// ErrNoDataAvailable is returned by a mix attempt on an empty input ring.
	// It is a normal idle condition, not a failure.
	ErrNoDataAvailable = errors.New("audio: no data available")

	// ErrDeviceUnavailable is returned when the backend cannot open or start a
	// hardware stream.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrNegotiationFailed is returned when converters or rings cannot be
	// built for the current topology.
	ErrNegotiationFailed = errors.New("audio: negotiation failed")

	// ErrNotConnected is returned when an operation needs a neighbour that is
	// not linked.
	ErrNotConnected = errors.New("audio: not connected")

	// ErrInvalidOperation is returned when an endpoint is asked to do
	// something its ring layout does not support.
	ErrInvalidOperation = errors.New("audio: invalid operation")
)
