package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/JingOS-team/storaged/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	data      map[interfaces.DeviceID]string
	lookupErr error
	stored    map[interfaces.DeviceID]string
}

func (s *stubSource) Lookup(_ context.Context, device interfaces.DeviceID) (string, bool, error) {
	if s.lookupErr != nil {
		return "", false, s.lookupErr
	}
	pass, ok := s.data[device]
	return pass, ok, nil
}

func (s *stubSource) Store(_ context.Context, device interfaces.DeviceID, passphrase string) error {
	if s.stored == nil {
		s.stored = make(map[interfaces.DeviceID]string)
	}
	s.stored[device] = passphrase
	return nil
}

func TestChainFirstHitWins(t *testing.T) {
	first := &stubSource{data: map[interfaces.DeviceID]string{"sda2": "from-first"}}
	second := &stubSource{data: map[interfaces.DeviceID]string{
		"sda2": "from-second",
		"sdb1": "only-second",
	}}
	chain := NewChain(testLogger(), first, second)

	ctx := context.Background()

	pass, found, err := chain.Lookup(ctx, "sda2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "from-first", pass)

	pass, found, err = chain.Lookup(ctx, "sdb1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "only-second", pass)

	_, found, err = chain.Lookup(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestChainSkipsFailingSource(t *testing.T) {
	broken := &stubSource{lookupErr: errors.New("vault sealed")}
	working := &stubSource{data: map[interfaces.DeviceID]string{"sda2": "hunter2"}}
	chain := NewChain(testLogger(), broken, working)

	pass, found, err := chain.Lookup(context.Background(), "sda2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hunter2", pass)
}

func TestChainStoresToFirstSource(t *testing.T) {
	first := &stubSource{}
	second := &stubSource{}
	chain := NewChain(testLogger(), first, second)

	require.NoError(t, chain.Store(context.Background(), "sda2", "hunter2"))
	assert.Equal(t, "hunter2", first.stored["sda2"])
	assert.Empty(t, second.stored)
}

func TestEmptyChain(t *testing.T) {
	chain := NewChain(testLogger())

	_, found, err := chain.Lookup(context.Background(), "sda2")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, chain.Store(context.Background(), "sda2", "hunter2"))
}
