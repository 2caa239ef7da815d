package interfaces

import (
	"context"
)

// ChannelID identifies a transient single-shot credential reply channel.
type ChannelID string

// String returns the raw channel id.
func (id ChannelID) String() string {
	return string(id)
}

// PromptRequest describes one interactive passphrase request.
type PromptRequest struct {
	// Device is the device the passphrase is requested for.
	Device DeviceID

	// Channel is the reply-channel id the interactive service must answer
	// on. Each request gets a fresh id.
	Channel ChannelID

	// CallerApp identifies the requesting application to the prompt UI.
	CallerApp string

	// WindowHint is a best-effort, platform-dependent identifier of the
	// currently focused UI surface, 0 when unknown.
	WindowHint uint64
}

// Prompter is the transport to the external interactive credential service.
//
// PromptPassphrase asks the service to show a passphrase dialog for the
// request. It returns an error when the service cannot be reached or refuses
// synchronously; otherwise deliver is invoked later, exactly once, with the
// user's reply. An empty passphrase means the user cancelled the dialog.
type Prompter interface {
	PromptPassphrase(ctx context.Context, req PromptRequest, deliver func(passphrase string)) error
}

// CredentialReply is the resolution of a credential request. An empty
// passphrase means the request was cancelled, either by the user or because
// the interactive service was unreachable.
type CredentialReply struct {
	Passphrase string
}

// Cancelled reports whether the reply denies the request.
func (r CredentialReply) Cancelled() bool {
	return r.Passphrase == ""
}

// CredentialSource is a non-interactive passphrase store consulted before
// prompting the user. Lookup returns found=false when the source has no
// entry for the device; that is a normal outcome, not an error.
type CredentialSource interface {
	Lookup(ctx context.Context, device DeviceID) (passphrase string, found bool, err error)
	Store(ctx context.Context, device DeviceID, passphrase string) error
}
