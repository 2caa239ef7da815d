package interfaces

// ErrorKind classifies the failure carried by a completion event.
//
// Rejection of a setup/teardown request while another operation is in flight
// is not part of this taxonomy: it is reported synchronously through the
// boolean acceptance of Setup/Teardown and never broadcast as a completion
// event, so UIs can tell a double-click from a real failure.
type ErrorKind int

const (
	// NoError marks a successful completion.
	NoError ErrorKind = iota

	// UserCancelled marks a credential prompt that was declined by the
	// user or could not be shown at all.
	UserCancelled

	// ServiceFailure marks a structured failure returned by the external
	// device-management service.
	ServiceFailure

	// CallTimeout marks an operation that exceeded its deadline, typically
	// an unmount that could not flush in time.
	CallTimeout
)

// String returns the error kind name.
func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "none"
	case UserCancelled:
		return "user-cancelled"
	case ServiceFailure:
		return "service-error"
	case CallTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// EventKind discriminates lifecycle events.
type EventKind int

const (
	// EventSetupRequested is emitted when a setup request was accepted.
	EventSetupRequested EventKind = iota
	// EventSetupDone is emitted when a setup completed, successfully or not.
	EventSetupDone
	// EventTeardownRequested is emitted when a teardown request was accepted.
	EventTeardownRequested
	// EventTeardownDone is emitted when a teardown completed.
	EventTeardownDone
	// EventAccessibilityChanged is emitted when the device's accessibility
	// flag flipped.
	EventAccessibilityChanged
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventSetupRequested:
		return "setup-requested"
	case EventSetupDone:
		return "setup-done"
	case EventTeardownRequested:
		return "teardown-requested"
	case EventTeardownDone:
		return "teardown-done"
	case EventAccessibilityChanged:
		return "accessibility-changed"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification emitted by the storage access controller
// and consumed by UIs and the HTTP control surface.
type Event struct {
	Kind   EventKind `json:"kind"`
	Device DeviceID  `json:"device"`

	// Accessible is meaningful for EventAccessibilityChanged.
	Accessible bool `json:"accessible,omitempty"`

	// Error and Message are meaningful for the *Done kinds.
	Error   ErrorKind `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
}
