package storageaccess

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/JingOS-team/storaged/devicedir"
	"github.com/JingOS-team/storaged/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventWait = 2 * time.Second

type gatewayCall struct {
	req    interfaces.Request
	result chan error
}

// fakeGateway records issued calls and lets the test resolve each one
// explicitly.
type fakeGateway struct {
	mu    sync.Mutex
	calls []*gatewayCall
	taken int
}

func (g *fakeGateway) Call(_ context.Context, req interfaces.Request) <-chan error {
	ch := make(chan error, 1)
	g.mu.Lock()
	g.calls = append(g.calls, &gatewayCall{req: req, result: ch})
	g.mu.Unlock()
	return ch
}

func (g *fakeGateway) next(t *testing.T) *gatewayCall {
	t.Helper()
	var call *gatewayCall
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.taken < len(g.calls) {
			call = g.calls[g.taken]
			g.taken++
			return true
		}
		return false
	}, eventWait, 5*time.Millisecond, "expected a gateway call")
	return call
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// fakeBroker answers every prompt with a fixed reply.
type fakeBroker struct {
	mu       sync.Mutex
	requests int
	reply    interfaces.CredentialReply
	err      error
}

func (b *fakeBroker) Request(_ context.Context, _ interfaces.DeviceID, _ uint64) (<-chan interfaces.CredentialReply, error) {
	b.mu.Lock()
	b.requests++
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	ch := make(chan interfaces.CredentialReply, 1)
	ch <- b.reply
	return ch, nil
}

func (b *fakeBroker) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

type fakeCredStore struct {
	mu     sync.Mutex
	data   map[interfaces.DeviceID]string
	stored int
}

func (s *fakeCredStore) Lookup(_ context.Context, id interfaces.DeviceID) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pass, ok := s.data[id]
	return pass, ok, nil
}

func (s *fakeCredStore) Store(_ context.Context, id interfaces.DeviceID, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[interfaces.DeviceID]string)
	}
	s.data[id] = passphrase
	s.stored++
	return nil
}

func (s *fakeCredStore) storeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}

type ctlFixture struct {
	dir    *devicedir.Directory
	gw     *fakeGateway
	events chan interfaces.Event
	ctrl   *Controller
}

func newFixture(t *testing.T, cfg ControllerConfig) *ctlFixture {
	t.Helper()
	f := &ctlFixture{
		dir:    cfg.Directory.(*devicedir.Directory),
		gw:     cfg.Gateway.(*fakeGateway),
		events: make(chan interfaces.Event, 32),
	}
	cfg.Events = func(ev interfaces.Event) { f.events <- ev }
	cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	f.ctrl = NewController(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.ctrl.Run(ctx)
	return f
}

func (f *ctlFixture) nextEvent(t *testing.T) interfaces.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(eventWait):
		t.Fatal("timed out waiting for an event")
		return interfaces.Event{}
	}
}

func (f *ctlFixture) requireNoEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %v for %s", ev.Kind, ev.Device)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetupPlainDevice(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sdb1", FilesystemType: "vfat"})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sdb1", Directory: dir, Gateway: gw})

	require.True(t, f.ctrl.Setup(context.Background()))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)

	call := gw.next(t)
	assert.Equal(t, interfaces.OpMount, call.req.Op)
	assert.Equal(t, interfaces.DeviceID("sdb1"), call.req.Target)
	assert.Equal(t, map[string]string{"options": "flush"}, call.req.Options)

	dir.SetMountPoints("sdb1", []string{"/run/media/alice/Disk"})
	call.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventSetupDone, done.Kind)
	assert.Equal(t, interfaces.NoError, done.Error)

	flip := f.nextEvent(t)
	assert.Equal(t, interfaces.EventAccessibilityChanged, flip.Kind)
	assert.True(t, flip.Accessible)

	// Further property notifications must not repeat the flip.
	f.ctrl.NotifyChanged(context.Background())
	f.ctrl.NotifyChanged(context.Background())
	f.requireNoEvent(t)
	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))
}

func TestSetupNonFATOmitsFlush(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sdb1", FilesystemType: "ext4"})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sdb1", Directory: dir, Gateway: gw})

	require.True(t, f.ctrl.Setup(context.Background()))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)

	call := gw.next(t)
	assert.Equal(t, interfaces.OpMount, call.req.Op)
	assert.Nil(t, call.req.Options)
}

func TestRequestRejectedWhileBusy(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sdb1"})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sdb1", Directory: dir, Gateway: gw})

	ctx := context.Background()
	require.True(t, f.ctrl.Setup(ctx))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)
	gw.next(t) // Mount pending

	assert.False(t, f.ctrl.Setup(ctx))
	assert.False(t, f.ctrl.Teardown(ctx))
	assert.Equal(t, 1, gw.callCount())
	f.requireNoEvent(t)
}

func TestSetupEncryptedPromptsAndUnlocks(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sda2", IsEncryptedContainer: true})
	gw := &fakeGateway{}
	broker := &fakeBroker{reply: interfaces.CredentialReply{Passphrase: "hunter2"}}
	f := newFixture(t, ControllerConfig{Device: "sda2", Directory: dir, Gateway: gw, Broker: broker})

	require.True(t, f.ctrl.Setup(context.Background()))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)

	unlock := gw.next(t)
	assert.Equal(t, interfaces.OpUnlock, unlock.req.Op)
	assert.Equal(t, interfaces.DeviceID("sda2"), unlock.req.Target)
	assert.Equal(t, "hunter2", unlock.req.Passphrase)

	// The unlock materializes a cleartext view; the mount must target it.
	dir.SetDevice(interfaces.DeviceView{ID: "dm-0", BackingDevice: "sda2", FilesystemType: "ext4"})
	unlock.result <- nil

	mount := gw.next(t)
	assert.Equal(t, interfaces.OpMount, mount.req.Op)
	assert.Equal(t, interfaces.DeviceID("dm-0"), mount.req.Target)

	dir.SetMountPoints("dm-0", []string{"/run/media/alice/secret"})
	mount.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventSetupDone, done.Kind)
	assert.Equal(t, interfaces.NoError, done.Error)

	flip := f.nextEvent(t)
	assert.Equal(t, interfaces.EventAccessibilityChanged, flip.Kind)
	assert.True(t, flip.Accessible)
}

func TestSetupEncryptedAlreadyMountedAfterUnlock(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sda2", IsEncryptedContainer: true})
	gw := &fakeGateway{}
	broker := &fakeBroker{reply: interfaces.CredentialReply{Passphrase: "hunter2"}}
	f := newFixture(t, ControllerConfig{Device: "sda2", Directory: dir, Gateway: gw, Broker: broker})

	require.True(t, f.ctrl.Setup(context.Background()))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)

	unlock := gw.next(t)
	dir.SetDevice(interfaces.DeviceView{ID: "dm-0", BackingDevice: "sda2", MountPoints: []string{"/mnt/secret"}})
	unlock.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventSetupDone, done.Kind)
	assert.Equal(t, interfaces.NoError, done.Error)
	assert.Equal(t, 1, gw.callCount(), "no mount call expected")
}

func TestSetupEncryptedCancelled(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sda2", IsEncryptedContainer: true})
	gw := &fakeGateway{}
	broker := &fakeBroker{} // empty reply means the prompt was dismissed
	f := newFixture(t, ControllerConfig{Device: "sda2", Directory: dir, Gateway: gw, Broker: broker})

	require.True(t, f.ctrl.Setup(context.Background()))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventSetupDone, done.Kind)
	assert.Equal(t, interfaces.UserCancelled, done.Error)
	assert.Equal(t, 0, gw.callCount())
	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))
}

func TestSetupEncryptedBrokerUnavailable(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sda2", IsEncryptedContainer: true})
	gw := &fakeGateway{}
	broker := &fakeBroker{err: errors.New("prompt service unreachable")}
	f := newFixture(t, ControllerConfig{Device: "sda2", Directory: dir, Gateway: gw, Broker: broker})

	require.True(t, f.ctrl.Setup(context.Background()))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventSetupDone, done.Kind)
	assert.Equal(t, interfaces.UserCancelled, done.Error)
}

func TestSetupStoredPassphraseSkipsPrompt(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sda2", IsEncryptedContainer: true})
	gw := &fakeGateway{}
	broker := &fakeBroker{reply: interfaces.CredentialReply{Passphrase: "wrong"}}
	creds := &fakeCredStore{data: map[interfaces.DeviceID]string{"sda2": "stored-secret"}}
	f := newFixture(t, ControllerConfig{
		Device: "sda2", Directory: dir, Gateway: gw,
		Broker: broker, Passphrases: creds,
	})

	require.True(t, f.ctrl.Setup(context.Background()))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)

	unlock := gw.next(t)
	assert.Equal(t, interfaces.OpUnlock, unlock.req.Op)
	assert.Equal(t, "stored-secret", unlock.req.Passphrase)
	assert.Equal(t, 0, broker.requestCount())
}

func TestSetupRemembersPromptedPassphrase(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sda2", IsEncryptedContainer: true})
	gw := &fakeGateway{}
	broker := &fakeBroker{reply: interfaces.CredentialReply{Passphrase: "hunter2"}}
	creds := &fakeCredStore{}
	f := newFixture(t, ControllerConfig{
		Device: "sda2", Directory: dir, Gateway: gw,
		Broker: broker, Passphrases: creds, RememberPassphrases: true,
	})

	require.True(t, f.ctrl.Setup(context.Background()))
	f.nextEvent(t)

	unlock := gw.next(t)
	dir.SetDevice(interfaces.DeviceView{ID: "dm-0", BackingDevice: "sda2"})
	unlock.result <- nil

	require.Eventually(t, func() bool { return creds.storeCount() == 1 },
		eventWait, 5*time.Millisecond)
	pass, found, err := creds.Lookup(context.Background(), "sda2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hunter2", pass)
}

func TestTeardownEncryptedUnmountsThenLocks(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sda2", IsEncryptedContainer: true, Drive: "card-reader"})
	dir.SetDevice(interfaces.DeviceView{ID: "card-reader", MediaRemovable: true, MediaAvailable: true})
	dir.SetDevice(interfaces.DeviceView{ID: "dm-0", BackingDevice: "sda2", MountPoints: []string{"/mnt/secret"}})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sda2", Directory: dir, Gateway: gw})

	// Let the accessibility seed settle before mutating the directory.
	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))

	require.True(t, f.ctrl.Teardown(context.Background()))
	assert.Equal(t, interfaces.EventTeardownRequested, f.nextEvent(t).Kind)

	unmount := gw.next(t)
	assert.Equal(t, interfaces.OpUnmount, unmount.req.Op)
	assert.Equal(t, interfaces.DeviceID("dm-0"), unmount.req.Target)
	assert.Equal(t, interfaces.UnmountTimeout, unmount.req.Timeout)

	dir.SetMountPoints("dm-0", nil)
	unmount.result <- nil

	lock := gw.next(t)
	assert.Equal(t, interfaces.OpLock, lock.req.Op)
	assert.Equal(t, interfaces.DeviceID("sda2"), lock.req.Target)
	lock.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventTeardownDone, done.Kind)
	assert.Equal(t, interfaces.NoError, done.Error)

	flip := f.nextEvent(t)
	assert.Equal(t, interfaces.EventAccessibilityChanged, flip.Kind)
	assert.False(t, flip.Accessible)

	// Locking the container already released it; no drive call follows.
	f.requireNoEvent(t)
	assert.Equal(t, 2, gw.callCount())
}

func TestTeardownCleartextViewLocksBackingDevice(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sda2", IsEncryptedContainer: true})
	dir.SetDevice(interfaces.DeviceView{ID: "dm-0", BackingDevice: "sda2", MountPoints: []string{"/mnt/secret"}})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "dm-0", Directory: dir, Gateway: gw})

	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))
	require.True(t, f.ctrl.Teardown(context.Background()))
	f.nextEvent(t)

	unmount := gw.next(t)
	assert.Equal(t, interfaces.OpUnmount, unmount.req.Op)
	assert.Equal(t, interfaces.DeviceID("dm-0"), unmount.req.Target)

	dir.SetMountPoints("dm-0", nil)
	unmount.result <- nil

	lock := gw.next(t)
	assert.Equal(t, interfaces.OpLock, lock.req.Op)
	assert.Equal(t, interfaces.DeviceID("sda2"), lock.req.Target)
	lock.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventTeardownDone, done.Kind)
	assert.Equal(t, interfaces.NoError, done.Error)
}

func TestTeardownPlainEjectsRemovableDrive(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{
		ID: "sdb1", Drive: "usb-stick",
		MountPoints: []string{"/run/media/alice/Disk"},
	})
	dir.SetDevice(interfaces.DeviceView{ID: "usb-stick", MediaRemovable: true, MediaAvailable: true})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sdb1", Directory: dir, Gateway: gw})

	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))
	require.True(t, f.ctrl.Teardown(context.Background()))
	f.nextEvent(t)

	unmount := gw.next(t)
	assert.Equal(t, interfaces.OpUnmount, unmount.req.Op)
	assert.Equal(t, interfaces.DeviceID("sdb1"), unmount.req.Target)

	dir.SetMountPoints("sdb1", nil)
	unmount.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventTeardownDone, done.Kind)
	assert.Equal(t, interfaces.NoError, done.Error)

	// The eject is best effort and must not have gated the completion.
	eject := gw.next(t)
	assert.Equal(t, interfaces.OpEject, eject.req.Op)
	assert.Equal(t, interfaces.DeviceID("usb-stick"), eject.req.Target)
	eject.result <- nil
}

func TestTeardownPlainPowersOffDrive(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{
		ID: "sdb1", Drive: "ssd",
		MountPoints: []string{"/mnt/data"},
	})
	dir.SetDevice(interfaces.DeviceView{ID: "ssd", CanPowerOff: true})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sdb1", Directory: dir, Gateway: gw})

	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))
	require.True(t, f.ctrl.Teardown(context.Background()))
	f.nextEvent(t)

	unmount := gw.next(t)
	dir.SetMountPoints("sdb1", nil)
	unmount.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventTeardownDone, done.Kind)

	poweroff := gw.next(t)
	assert.Equal(t, interfaces.OpPowerOff, poweroff.req.Op)
}

func TestTeardownOpticalSkipsDriveRelease(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{
		ID: "sr0", Drive: "dvd-drive", IsOpticalDisc: true,
		MountPoints: []string{"/run/media/alice/DVD"},
	})
	dir.SetDevice(interfaces.DeviceView{ID: "dvd-drive", MediaRemovable: true, MediaAvailable: true, CanPowerOff: true})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sr0", Directory: dir, Gateway: gw})

	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))
	require.True(t, f.ctrl.Teardown(context.Background()))
	f.nextEvent(t)

	unmount := gw.next(t)
	dir.SetMountPoints("sr0", nil)
	unmount.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventTeardownDone, done.Kind)
	assert.Equal(t, interfaces.NoError, done.Error)

	f.nextEvent(t) // accessibility flip
	f.requireNoEvent(t)
	assert.Equal(t, 1, gw.callCount(), "optical drives are never ejected or powered off")
}

func TestTeardownUnmountFailure(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sdb1", MountPoints: []string{"/mnt/data"}})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sdb1", Directory: dir, Gateway: gw})

	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))
	require.True(t, f.ctrl.Teardown(context.Background()))
	f.nextEvent(t)

	unmount := gw.next(t)
	unmount.result <- &interfaces.ServiceError{
		Name:    "org.freedesktop.UDisks2.Error.DeviceBusy",
		Message: "target is busy",
	}

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventTeardownDone, done.Kind)
	assert.Equal(t, interfaces.ServiceFailure, done.Error)
	assert.Contains(t, done.Message, "target is busy")

	// Still mounted, so the seeded flag is unchanged and no flip fires.
	f.requireNoEvent(t)
	assert.Equal(t, 1, gw.callCount())
	assert.Equal(t, StateIdle, f.ctrl.State(context.Background()))
}

func TestPropertyChangeDoesNotInterfere(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sdb1"})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sdb1", Directory: dir, Gateway: gw})

	ctx := context.Background()
	require.True(t, f.ctrl.Setup(ctx))
	f.nextEvent(t)
	call := gw.next(t)

	f.ctrl.NotifyChanged(ctx)
	assert.Equal(t, StateSettingUp, f.ctrl.State(ctx))

	dir.SetMountPoints("sdb1", []string{"/mnt/data"})
	call.result <- nil

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventSetupDone, done.Kind)
	assert.Equal(t, interfaces.NoError, done.Error)
}

func TestExternalUnmountFlipsAccessibility(t *testing.T) {
	dir := devicedir.New(nil)
	dir.SetDevice(interfaces.DeviceView{ID: "sdb1", MountPoints: []string{"/mnt/data"}})
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "sdb1", Directory: dir, Gateway: gw})

	// Seeded as accessible; same-state notifications stay quiet.
	ctx := context.Background()
	assert.Equal(t, StateIdle, f.ctrl.State(ctx))
	f.ctrl.NotifyChanged(ctx)
	f.requireNoEvent(t)

	dir.SetMountPoints("sdb1", nil)
	f.ctrl.NotifyChanged(ctx)

	flip := f.nextEvent(t)
	assert.Equal(t, interfaces.EventAccessibilityChanged, flip.Kind)
	assert.False(t, flip.Accessible)

	f.ctrl.NotifyChanged(ctx)
	f.requireNoEvent(t)
}

func TestSetupUnknownDeviceFails(t *testing.T) {
	dir := devicedir.New(nil)
	gw := &fakeGateway{}
	f := newFixture(t, ControllerConfig{Device: "ghost", Directory: dir, Gateway: gw})

	require.True(t, f.ctrl.Setup(context.Background()))
	assert.Equal(t, interfaces.EventSetupRequested, f.nextEvent(t).Kind)

	done := f.nextEvent(t)
	assert.Equal(t, interfaces.EventSetupDone, done.Kind)
	assert.Equal(t, interfaces.ServiceFailure, done.Error)
	assert.Equal(t, 0, gw.callCount())
}
