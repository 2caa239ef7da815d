package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/JingOS-team/storaged/interfaces"

	"github.com/google/uuid"
)

// ErrNoPrompter is returned by Request when no prompt transport is
// configured.
var ErrNoPrompter = errors.New("no credential prompter configured")

// Broker requests passphrases from the external interactive service and
// delivers each reply exactly once on a transient, per-request channel.
type Broker struct {
	prompter  interfaces.Prompter
	callerApp string
	log       *slog.Logger

	mu      sync.Mutex
	pending map[interfaces.ChannelID]chan interfaces.CredentialReply
}

// NewBroker creates a broker that prompts through the given transport.
// prompter may be nil, in which case every request fails with ErrNoPrompter.
func NewBroker(prompter interfaces.Prompter, callerApp string, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		prompter:  prompter,
		callerApp: callerApp,
		log:       log,
		pending:   make(map[interfaces.ChannelID]chan interfaces.CredentialReply),
	}
}

// Request asks the interactive service to prompt for the device's
// passphrase. On success it returns the single-shot reply channel; an error
// means the service was unreachable or refused, which callers treat as a
// cancellation. Each request registers a fresh random reply-channel id.
func (b *Broker) Request(ctx context.Context, device interfaces.DeviceID, windowHint uint64) (<-chan interfaces.CredentialReply, error) {
	if b.prompter == nil {
		return nil, ErrNoPrompter
	}

	channel := interfaces.ChannelID(uuid.NewString())
	replies := make(chan interfaces.CredentialReply, 1)

	b.mu.Lock()
	b.pending[channel] = replies
	b.mu.Unlock()

	req := interfaces.PromptRequest{
		Device:     device,
		Channel:    channel,
		CallerApp:  b.callerApp,
		WindowHint: windowHint,
	}
	err := b.prompter.PromptPassphrase(ctx, req, func(passphrase string) {
		b.Deliver(channel, passphrase)
	})
	if err != nil {
		b.mu.Lock()
		delete(b.pending, channel)
		b.mu.Unlock()
		return nil, fmt.Errorf("prompting for passphrase: %w", err)
	}

	b.log.Debug("passphrase requested", "device", device, "channel", channel)
	return replies, nil
}

// Deliver resolves the reply channel with the user's answer; an empty
// passphrase means cancellation. The channel is unregistered before the
// reply is forwarded, so a second delivery on the same id is ignored.
// It reports whether the reply was accepted.
func (b *Broker) Deliver(channel interfaces.ChannelID, passphrase string) bool {
	b.mu.Lock()
	replies, ok := b.pending[channel]
	delete(b.pending, channel)
	b.mu.Unlock()

	if !ok {
		b.log.Debug("ignoring reply on unknown channel", "channel", channel)
		return false
	}
	replies <- interfaces.CredentialReply{Passphrase: passphrase}
	return true
}

// Pending reports the number of unresolved requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
