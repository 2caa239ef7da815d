package storageaccess

import (
	"context"
	"errors"

	"github.com/JingOS-team/storaged/interfaces"
)

// Vendor error names returned by the device-management service.
const (
	errPrefix = "org.freedesktop.UDisks2.Error."

	errFailed                 = errPrefix + "Failed"
	errCancelled              = errPrefix + "Cancelled"
	errAlreadyCancelled       = errPrefix + "AlreadyCancelled"
	errNotAuthorized          = errPrefix + "NotAuthorized"
	errNotAuthorizedCanObtain = errPrefix + "NotAuthorizedCanObtain"
	errNotAuthorizedDismissed = errPrefix + "NotAuthorizedDismissed"
	errAlreadyMounted         = errPrefix + "AlreadyMounted"
	errNotMounted             = errPrefix + "NotMounted"
	errOptionNotPermitted     = errPrefix + "OptionNotPermitted"
	errMountedByOtherUser     = errPrefix + "MountedByOtherUser"
	errAlreadyUnmounting      = errPrefix + "AlreadyUnmounting"
	errNotSupported           = errPrefix + "NotSupported"
	errTimedout               = errPrefix + "Timedout"
	errWouldWakeup            = errPrefix + "WouldWakeup"
	errDeviceBusy             = errPrefix + "DeviceBusy"

	errDBusNoReply  = "org.freedesktop.DBus.Error.NoReply"
	errDBusTimeout  = "org.freedesktop.DBus.Error.Timeout"
	errDBusTimedOut = "org.freedesktop.DBus.Error.TimedOut"
)

// vendorMessages translates vendor error names into human-readable strings.
var vendorMessages = map[string]string{
	errFailed:                 "the operation failed",
	errCancelled:              "the operation was cancelled",
	errAlreadyCancelled:       "the operation was already cancelled",
	errNotAuthorized:          "not authorized to perform the operation",
	errNotAuthorizedCanObtain: "not authorized to perform the operation",
	errNotAuthorizedDismissed: "authorization was dismissed",
	errAlreadyMounted:         "the device is already mounted",
	errNotMounted:             "the device is not mounted",
	errOptionNotPermitted:     "a mount option is not permitted",
	errMountedByOtherUser:     "the device is mounted by another user",
	errAlreadyUnmounting:      "the device is already being unmounted",
	errNotSupported:           "the operation is not supported by the device",
	errTimedout:               "the operation timed out",
	errWouldWakeup:            "the operation would wake up the device",
	errDeviceBusy:             "the device is busy",
}

// Translate collapses a gateway call failure into the domain error taxonomy
// and a human-readable message. Structured service failures keep their
// vendor message appended after the translated description.
func Translate(err error) (interfaces.ErrorKind, string) {
	if err == nil {
		return interfaces.NoError, ""
	}

	var svcErr *interfaces.ServiceError
	if errors.As(err, &svcErr) {
		kind := interfaces.ServiceFailure
		switch svcErr.Name {
		case errCancelled, errAlreadyCancelled:
			kind = interfaces.UserCancelled
		case errTimedout, errDBusNoReply, errDBusTimeout, errDBusTimedOut:
			kind = interfaces.CallTimeout
		}

		msg, ok := vendorMessages[svcErr.Name]
		if !ok {
			msg = svcErr.Name
		}
		if svcErr.Message != "" {
			msg = msg + ": " + svcErr.Message
		}
		return kind, msg
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return interfaces.CallTimeout, "the operation timed out"
	}

	return interfaces.ServiceFailure, err.Error()
}
