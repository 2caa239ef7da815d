package interfaces

import (
	"context"
	"fmt"
	"time"
)

// Operation names a remote operation issued through the gateway.
type Operation string

const (
	OpMount    Operation = "Mount"
	OpUnmount  Operation = "Unmount"
	OpUnlock   Operation = "Unlock"
	OpLock     Operation = "Lock"
	OpEject    Operation = "Eject"
	OpPowerOff Operation = "PowerOff"
)

const (
	// DefaultCallTimeout bounds gateway calls that do not specify their
	// own timeout.
	DefaultCallTimeout = 25 * time.Second

	// UnmountTimeout is deliberately much longer than the default: an
	// unmount may need to flush large write-back buffers to slow media.
	UnmountTimeout = 30 * time.Minute
)

// Request describes a single gateway call.
type Request struct {
	// Target is the device id the operation is issued against.
	Target DeviceID

	// Op is the operation name.
	Op Operation

	// Passphrase is set for OpUnlock only.
	Passphrase string

	// Options carries operation options, e.g. mount options.
	Options map[string]string

	// Timeout overrides DefaultCallTimeout when non-zero.
	Timeout time.Duration
}

// Gateway issues asynchronous operations against the external
// device-management service.
//
// Call returns immediately; the returned channel delivers exactly one value
// when the operation completes: nil on success, a *ServiceError when the
// service returned a structured failure, or another error for transport
// problems (including context.DeadlineExceeded when the per-call timeout
// elapsed). The channel is buffered, so the result may be discarded.
type Gateway interface {
	Call(ctx context.Context, req Request) <-chan error
}

// ServiceError is a structured failure returned by the external service. It
// carries the vendor error name (e.g. "org.freedesktop.UDisks2.Error.Failed")
// and the human-readable message supplied by the service.
type ServiceError struct {
	Name    string
	Message string
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
