package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBundleID_RoundTripsThroughString(t *testing.T) {
	id := NewBundleID()
	parsed, err := ParseBundleID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestBundleID_ScanAcceptsStringAndBytes(t *testing.T) {
	id := NewBundleID()

	var fromString BundleID
	require.NoError(t, fromString.Scan(id.String()))
	require.Equal(t, id, fromString)

	var fromBytes BundleID
	require.NoError(t, fromBytes.Scan([]byte(id.String())))
	require.Equal(t, id, fromBytes)
}

func TestBundle_MinMaxTargetBlock(t *testing.T) {
	b := Bundle{TargetBlocks: []uint64{105, 101, 110, 103}}
	require.Equal(t, uint64(101), b.MinTargetBlock())
	require.Equal(t, uint64(110), b.MaxTargetBlock())
}

func TestBundle_HasTx2(t *testing.T) {
	b := Bundle{}
	require.False(t, b.HasTx2())
	b.Tx2Raw = []byte{0x01}
	require.True(t, b.HasTx2())
}

func TestBundleState_IsTerminal(t *testing.T) {
	require.False(t, StateQueued.IsTerminal())
	require.False(t, StateSent.IsTerminal())
	require.True(t, StateLanded.IsTerminal())
	require.True(t, StateExpired.IsTerminal())
	require.True(t, StateFailed.IsTerminal())
}
