// Package coreerr classifies the error kinds the audio core must
// distinguish (spec.md §7) so that callers across rclient, iodev, and
// audiothread can apply the right recovery policy without string
// matching.
package coreerr

import "github.com/pkg/errors"

// Kind is one of the six error categories the core recognizes.
type Kind int

const (
	// InvalidMessage: bad length, bad id for direction, fd count
	// mismatch. The connection is torn down.
	InvalidMessage Kind = iota
	// InvalidParam: stream id not owned by client, direction not
	// allowed, format invalid, shm size paradox. Reply with a non-zero
	// error; the connection stays open.
	InvalidParam
	// ResourceExhausted: shm allocation failure, fd exhaustion. Reply
	// with an error; no state change.
	ResourceExhausted
	// DeviceTransient: EAGAIN/ESTRPIPE from the device or socket.
	// Retried locally with bounded backoff.
	DeviceTransient
	// DeviceFatal: unrecoverable device error, non-EAGAIN socket send
	// error, or BT link loss. All streams on the device are detached
	// and the device is closed.
	DeviceFatal
	// StreamLost: audio fd EPIPE or client EOF. The stream is removed
	// silently.
	StreamLost
)

func (k Kind) String() string {
	switch k {
	case InvalidMessage:
		return "invalid_message"
	case InvalidParam:
		return "invalid_param"
	case ResourceExhausted:
		return "resource_exhausted"
	case DeviceTransient:
		return "device_transient"
	case DeviceFatal:
		return "device_fatal"
	case StreamLost:
		return "stream_lost"
	default:
		return "unknown"
	}
}

// CoreError wraps an underlying error with the Kind that determines
// how its caller must react.
type CoreError struct {
	Kind Kind
	err  error
}

func (e *CoreError) Error() string {
	if e.err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.err.Error()
}

func (e *CoreError) Unwrap() error { return e.err }

// Wrap attaches kind to err, adding msg as context via pkg/errors so
// the original call stack survives across the rclient/iodev/audiothread
// boundary.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &CoreError{Kind: kind, err: errors.Wrap(err, msg)}
}

// New creates a CoreError of kind carrying msg with no underlying
// cause, for validation failures that originate in this package.
func New(kind Kind, msg string) error {
	return &CoreError{Kind: kind, err: errors.New(msg)}
}

// As reports whether err (or something it wraps) is a CoreError, and
// if so returns its Kind.
func As(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}

// TornDown reports whether kind requires the connection/stream/device
// it belongs to be torn down rather than merely replied to.
func (k Kind) TornDown() bool {
	switch k {
	case InvalidMessage, DeviceFatal, StreamLost:
		return true
	default:
		return false
	}
}
