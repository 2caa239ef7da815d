// Package interfaces defines the core interfaces and types shared by the
// storaged components, separating the contracts from their implementations.
//
// The package provides the boundary types for the three external
// collaborators of the storage access controller:
//
// # Device directory
//
// DeviceDirectory: lookup of read-only device property snapshots
// (DeviceView) by device id, enumeration of known devices, property cache
// invalidation, and a change-notification stream.
//
// # Async operation gateway
//
// Gateway: issues a named remote operation (Mount, Unmount, Unlock, Lock,
// Eject, PowerOff) against a target device id and resolves asynchronously to
// success or a ServiceError carrying the vendor error name and message.
//
// # Credential prompting
//
// Prompter: asks the external interactive service to prompt the user for a
// passphrase and delivers exactly one reply. CredentialSource: optional
// stored-passphrase lookup consulted before prompting interactively.
//
// # Lifecycle events
//
// Event: the lifecycle notifications emitted by the controller and consumed
// by UIs and the HTTP control surface (setup/teardown requested and done,
// accessibility changes), together with the ErrorKind taxonomy used in
// completion events.
package interfaces
