package storageaccess

import (
	"context"
	"errors"
	"log/slog"

	"github.com/JingOS-team/storaged/interfaces"
)

// CredentialBroker requests a passphrase from the interactive credential
// service. Request returns a single-shot reply channel; an error means the
// service was unreachable or refused synchronously, which callers treat the
// same as a user cancellation.
type CredentialBroker interface {
	Request(ctx context.Context, device interfaces.DeviceID, windowHint uint64) (<-chan interfaces.CredentialReply, error)
}

// State is the controller's top-level state. Exactly one in-flight
// operation is allowed per device: any state other than StateIdle rejects
// new Setup/Teardown requests.
type State int

const (
	StateIdle State = iota
	// StateResolvingCleartextView covers the asynchronous reverse lookup
	// performed before the first call of a setup or teardown.
	StateResolvingCleartextView
	StateAwaitingPassphrase
	StateSettingUp
	StateTearingDown
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingCleartextView:
		return "resolving-cleartext-view"
	case StateAwaitingPassphrase:
		return "awaiting-passphrase"
	case StateSettingUp:
		return "setting-up"
	case StateTearingDown:
		return "tearing-down"
	default:
		return "unknown"
	}
}

type phase int

const (
	phaseNone phase = iota
	phaseSetup
	phaseTeardown
)

type step int

const (
	stepNone step = iota
	stepUnlock
	stepMount
	stepUnmount
	stepLock
)

// ControllerConfig wires a Controller to its collaborators.
type ControllerConfig struct {
	// Device is the id of the device this controller manages.
	Device interfaces.DeviceID

	// Directory and Gateway are required.
	Directory interfaces.DeviceDirectory
	Gateway   interfaces.Gateway

	// Broker is optional; without one, setup of a locked encrypted
	// container completes as user-cancelled.
	Broker CredentialBroker

	// Passphrases is an optional stored-passphrase source consulted
	// before prompting interactively.
	Passphrases interfaces.CredentialSource

	// RememberPassphrases stores an interactively obtained passphrase in
	// Passphrases after a successful unlock.
	RememberPassphrases bool

	// CallerApp identifies this process to the prompt UI.
	CallerApp string

	// WindowHint supplies a best-effort focused-surface hint for the
	// prompt UI; may be nil.
	WindowHint func() uint64

	// Events receives lifecycle events; may be nil.
	Events func(interfaces.Event)

	Log *slog.Logger
}

// Controller is the per-device storage access state machine. Create one with
// NewController and drive it with Run; it persists for the device's
// lifetime.
type Controller struct {
	device interfaces.DeviceID
	dir    interfaces.DeviceDirectory
	gw     interfaces.Gateway
	broker CredentialBroker
	creds  interfaces.CredentialSource
	caller string
	log    *slog.Logger

	remember bool
	winHint  func() uint64
	events   func(interfaces.Event)

	mailbox chan any
	stopped chan struct{}

	// Everything below is owned by the run loop.
	state           State
	phase           phase
	step            step
	accessible      bool
	secret          string
	secretFromStore bool
	resolveSeq      uint64
	accessSeq       uint64
	credSeq         uint64
}

// Mailbox message variants.
type (
	requestMsg struct {
		teardown bool
		resp     chan bool
	}
	resolvedMsg struct {
		seq       uint64
		self      interfaces.DeviceView
		cleartext interfaces.DeviceView // zero ID when no cleartext view exists
		err       error
	}
	callDoneMsg struct {
		op  interfaces.Operation
		err error
	}
	credentialMsg struct {
		seq       uint64
		fromStore bool
		reply     interfaces.CredentialReply
	}
	changedMsg struct{}
	accessMsg  struct {
		seq        uint64
		accessible bool
	}
	stateQueryMsg struct {
		resp chan State
	}
)

// NewController creates a controller for cfg.Device. Run must be started for
// the controller to make progress.
func NewController(cfg ControllerConfig) *Controller {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		device:   cfg.Device,
		dir:      cfg.Directory,
		gw:       cfg.Gateway,
		broker:   cfg.Broker,
		creds:    cfg.Passphrases,
		remember: cfg.RememberPassphrases,
		caller:   cfg.CallerApp,
		winHint:  cfg.WindowHint,
		events:   cfg.Events,
		log:      log.With("device", cfg.Device),
		mailbox:  make(chan any, 16),
		stopped:  make(chan struct{}),
	}
}

// Device returns the id of the managed device.
func (c *Controller) Device() interfaces.DeviceID {
	return c.device
}

// Run executes the controller loop until ctx is cancelled. It seeds the
// cached accessibility flag before processing messages, so the first real
// transition is always emitted.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.stopped)

	if ok, err := Accessible(ctx, c.dir, c.device); err == nil {
		c.accessible = ok
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.mailbox:
			c.handle(ctx, m)
		}
	}
}

// Setup makes the device's data accessible. It returns true when the
// request was accepted; completion is delivered later as an EventSetupDone.
// False means another operation is already in progress for this device.
func (c *Controller) Setup(ctx context.Context) bool {
	return c.request(ctx, false)
}

// Teardown releases the device. Acceptance semantics match Setup; completion
// is delivered as an EventTeardownDone.
func (c *Controller) Teardown(ctx context.Context) bool {
	return c.request(ctx, true)
}

// NotifyChanged tells the controller that device properties may have
// changed. It only triggers an accessibility re-check and never interferes
// with an in-flight operation.
func (c *Controller) NotifyChanged(ctx context.Context) {
	c.post(ctx, changedMsg{})
}

// State reports the controller's current state.
func (c *Controller) State(ctx context.Context) State {
	resp := make(chan State, 1)
	if !c.post(ctx, stateQueryMsg{resp: resp}) {
		return StateIdle
	}
	select {
	case s := <-resp:
		return s
	case <-ctx.Done():
		return StateIdle
	case <-c.stopped:
		return StateIdle
	}
}

func (c *Controller) request(ctx context.Context, teardown bool) bool {
	resp := make(chan bool, 1)
	if !c.post(ctx, requestMsg{teardown: teardown, resp: resp}) {
		return false
	}
	select {
	case ok := <-resp:
		return ok
	case <-ctx.Done():
		return false
	case <-c.stopped:
		return false
	}
}

func (c *Controller) post(ctx context.Context, m any) bool {
	select {
	case c.mailbox <- m:
		return true
	case <-c.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) emit(ev interfaces.Event) {
	if c.events != nil {
		c.events(ev)
	}
}

func (c *Controller) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case requestMsg:
		m.resp <- c.handleRequest(ctx, m.teardown)
	case resolvedMsg:
		c.handleResolved(ctx, m)
	case callDoneMsg:
		c.handleCallDone(ctx, m)
	case credentialMsg:
		c.handleCredential(ctx, m)
	case changedMsg:
		c.checkAccessibility(ctx)
	case accessMsg:
		c.handleAccess(m)
	case stateQueryMsg:
		m.resp <- c.state
	}
}

// handleRequest applies the exclusivity guard and, when accepted, starts the
// asynchronous cleartext-view resolution. The guard state is set before any
// asynchronous work is issued, so two requests arriving back to back cannot
// both be accepted.
func (c *Controller) handleRequest(ctx context.Context, teardown bool) bool {
	if c.state != StateIdle {
		c.log.Debug("request rejected, operation in progress",
			"state", c.state, "teardown", teardown)
		return false
	}

	c.state = StateResolvingCleartextView
	if teardown {
		c.phase = phaseTeardown
		c.emit(interfaces.Event{Kind: interfaces.EventTeardownRequested, Device: c.device})
	} else {
		c.phase = phaseSetup
		c.emit(interfaces.Event{Kind: interfaces.EventSetupRequested, Device: c.device})
	}
	c.startResolve(ctx)
	return true
}

// startResolve fetches the device view and its cleartext view, if any, off
// the loop and posts the result back. Stale results are discarded by
// sequence number.
func (c *Controller) startResolve(ctx context.Context) {
	c.resolveSeq++
	seq := c.resolveSeq
	go func() {
		var msg resolvedMsg
		msg.seq = seq
		msg.self, msg.err = c.dir.Device(ctx, c.device)
		if msg.err == nil {
			var ct interfaces.DeviceID
			ct, msg.err = ResolveCleartext(ctx, c.dir, c.device)
			if msg.err == nil && !ct.IsZero() {
				// A cleartext view that vanished between the scan
				// and the fetch counts as absent.
				msg.cleartext, _ = c.dir.Device(ctx, ct)
			}
		}
		c.post(ctx, msg)
	}()
}

func (c *Controller) handleResolved(ctx context.Context, m resolvedMsg) {
	if m.seq != c.resolveSeq || c.phase == phaseNone {
		return
	}
	if m.err != nil {
		kind, errMsg := Translate(m.err)
		c.finish(ctx, kind, errMsg)
		return
	}

	ct := m.cleartext.ID

	switch {
	case c.state == StateResolvingCleartextView && c.phase == phaseSetup:
		if m.self.IsEncryptedContainer && ct.IsZero() {
			c.requestCredential(ctx)
			return
		}
		c.issueMount(ctx, m.self, ct)

	case c.state == StateResolvingCleartextView && c.phase == phaseTeardown:
		c.issueUnmount(ctx, ct)

	case c.state == StateSettingUp && c.step == stepUnlock:
		// Unlock completed; the cleartext view may already be mounted.
		if !ct.IsZero() && m.cleartext.IsMounted() {
			c.finish(ctx, interfaces.NoError, "")
			return
		}
		c.issueMount(ctx, m.self, ct)

	case c.state == StateTearingDown && c.step == stepUnmount:
		// Lock is always issued against the encrypted side.
		switch {
		case m.self.IsEncryptedContainer && !ct.IsZero():
			c.issueLock(ctx, c.device)
		case !m.self.BackingDevice.IsZero():
			c.issueLock(ctx, m.self.BackingDevice)
		default:
			go releaseDrive(ctx, c.dir, c.gw, m.self, c.log)
			c.finish(ctx, interfaces.NoError, "")
		}
	}
}

// requestCredential obtains a passphrase: first from the stored source, then
// interactively through the broker. A store hit is posted as if the user had
// replied, so the unlock path is identical either way.
func (c *Controller) requestCredential(ctx context.Context) {
	c.state = StateAwaitingPassphrase
	c.credSeq++
	seq := c.credSeq

	go func() {
		if c.creds != nil {
			pass, found, err := c.creds.Lookup(ctx, c.device)
			if err != nil {
				c.log.Warn("stored passphrase lookup failed", "err", err)
			} else if found {
				c.post(ctx, credentialMsg{seq: seq, fromStore: true,
					reply: interfaces.CredentialReply{Passphrase: pass}})
				return
			}
		}

		if c.broker == nil {
			c.log.Warn("no credential broker configured, cancelling setup")
			c.post(ctx, credentialMsg{seq: seq})
			return
		}

		var hint uint64
		if c.winHint != nil {
			hint = c.winHint()
		}
		replies, err := c.broker.Request(ctx, c.device, hint)
		if err != nil {
			c.log.Warn("credential service unreachable", "err", err)
			c.post(ctx, credentialMsg{seq: seq})
			return
		}

		select {
		case reply := <-replies:
			c.post(ctx, credentialMsg{seq: seq, reply: reply})
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) handleCredential(ctx context.Context, m credentialMsg) {
	if m.seq != c.credSeq || c.state != StateAwaitingPassphrase {
		c.log.Debug("dropping stale credential reply")
		return
	}

	if m.reply.Cancelled() {
		c.finish(ctx, interfaces.UserCancelled, "passphrase request was cancelled")
		return
	}

	c.secret = m.reply.Passphrase
	c.secretFromStore = m.fromStore
	c.state = StateSettingUp
	c.step = stepUnlock
	c.issueCall(ctx, interfaces.Request{
		Target:     c.device,
		Op:         interfaces.OpUnlock,
		Passphrase: m.reply.Passphrase,
	})
}

// issueMount mounts the cleartext view when one exists, the device itself
// otherwise. FAT-family volumes get the flush option so slow media is not
// left with unwritten buffers on surprise removal.
func (c *Controller) issueMount(ctx context.Context, self interfaces.DeviceView, ct interfaces.DeviceID) {
	target := c.device
	if !ct.IsZero() {
		target = ct
	}

	var opts map[string]string
	if self.FilesystemType == "vfat" {
		opts = map[string]string{"options": "flush"}
	}

	c.state = StateSettingUp
	c.step = stepMount
	c.issueCall(ctx, interfaces.Request{
		Target:  target,
		Op:      interfaces.OpMount,
		Options: opts,
	})
}

func (c *Controller) issueUnmount(ctx context.Context, ct interfaces.DeviceID) {
	target := c.device
	if !ct.IsZero() {
		target = ct
	}

	c.state = StateTearingDown
	c.step = stepUnmount
	c.issueCall(ctx, interfaces.Request{
		Target:  target,
		Op:      interfaces.OpUnmount,
		Timeout: interfaces.UnmountTimeout,
	})
}

func (c *Controller) issueLock(ctx context.Context, target interfaces.DeviceID) {
	c.step = stepLock
	c.issueCall(ctx, interfaces.Request{
		Target: target,
		Op:     interfaces.OpLock,
	})
}

func (c *Controller) issueCall(ctx context.Context, req interfaces.Request) {
	c.log.Debug("issuing call", "op", req.Op, "target", req.Target)
	results := c.gw.Call(ctx, req)
	op := req.Op
	go func() {
		select {
		case err := <-results:
			c.post(ctx, callDoneMsg{op: op, err: err})
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) handleCallDone(ctx context.Context, m callDoneMsg) {
	if c.state != StateSettingUp && c.state != StateTearingDown {
		c.log.Debug("dropping completion with no operation in flight", "op", m.op)
		return
	}

	if m.err != nil {
		kind, msg := Translate(m.err)
		c.log.Debug("call failed", "op", m.op, "kind", kind, "err", m.err)
		c.finish(ctx, kind, msg)
		return
	}

	switch c.step {
	case stepUnlock:
		c.rememberSecret(ctx)
		c.dir.Invalidate(c.device)
		c.startResolve(ctx)
	case stepMount:
		c.finish(ctx, interfaces.NoError, "")
	case stepUnmount:
		c.log.Debug("successfully unmounted")
		c.dir.Invalidate(c.device)
		c.startResolve(ctx)
	case stepLock:
		c.finish(ctx, interfaces.NoError, "")
	}
}

// rememberSecret stores an interactively obtained passphrase after a
// successful unlock, when configured to do so.
func (c *Controller) rememberSecret(ctx context.Context) {
	if !c.remember || c.secretFromStore || c.creds == nil || c.secret == "" {
		return
	}
	secret := c.secret
	go func() {
		if err := c.creds.Store(ctx, c.device, secret); err != nil {
			c.log.Warn("storing passphrase failed", "err", err)
		}
	}()
}

// finish resolves the in-flight operation: state returns to idle, cached
// properties are invalidated, the completion event is emitted exactly once
// and the accessibility flag is re-checked.
func (c *Controller) finish(ctx context.Context, kind interfaces.ErrorKind, msg string) {
	done := interfaces.EventSetupDone
	if c.phase == phaseTeardown {
		done = interfaces.EventTeardownDone
	}

	c.state = StateIdle
	c.phase = phaseNone
	c.step = stepNone
	c.secret = ""
	c.secretFromStore = false

	c.dir.Invalidate(c.device)
	c.emit(interfaces.Event{Kind: done, Device: c.device, Error: kind, Message: msg})
	c.checkAccessibility(ctx)
}

// checkAccessibility recomputes the accessibility flag off the loop. Only
// the most recently started check is applied; a device that cannot be looked
// up counts as inaccessible.
func (c *Controller) checkAccessibility(ctx context.Context) {
	c.accessSeq++
	seq := c.accessSeq
	go func() {
		ok, err := Accessible(ctx, c.dir, c.device)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Debug("accessibility check failed", "err", err)
		}
		c.post(ctx, accessMsg{seq: seq, accessible: ok && err == nil})
	}()
}

func (c *Controller) handleAccess(m accessMsg) {
	if m.seq != c.accessSeq {
		return
	}
	if m.accessible == c.accessible {
		return
	}
	c.accessible = m.accessible
	c.emit(interfaces.Event{
		Kind:       interfaces.EventAccessibilityChanged,
		Device:     c.device,
		Accessible: m.accessible,
	})
}
