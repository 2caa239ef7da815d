// Package storageaccess makes removable and encrypted storage volumes usable
// and releases them again, by orchestrating asynchronous calls to the
// external device-management service and, for encrypted containers, the
// interactive credential-prompt service.
//
// # Controller
//
// Controller is a per-device state machine exposing Setup and Teardown. Both
// return a boolean acceptance, not the eventual result: false means another
// operation is already in flight for the device, true means the request was
// accepted and its completion is delivered later as a lifecycle event. At
// most one top-level operation runs per device at any time.
//
// All controller state is owned by a single run loop fed by a mailbox.
// Gateway completions, credential replies and directory change notifications
// are posted as messages; external-service calls and directory enumerations
// happen in helper goroutines so the loop itself never blocks.
//
// Setup of a plain volume issues a mount. Setup of a locked encrypted
// container first obtains a passphrase (stored source, then interactive
// prompt), unlocks the container and mounts the resulting cleartext view.
// Teardown unmounts, then locks the encrypted side when one is involved, or
// otherwise attempts a best-effort eject or power-off of the parent drive.
//
// # Manager
//
// Manager owns one controller per device, routes directory notifications to
// them, and fans lifecycle events out to subscribers such as the HTTP
// control surface.
package storageaccess
