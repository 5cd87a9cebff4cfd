package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIDRoundTrip(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.Hex())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseIDRejectsWrongLength(t *testing.T) {
	_, err := ParseID("abcd")
	require.Error(t, err)
}

func TestShardSplit(t *testing.T) {
	id := NewID()
	require.Len(t, id.ShardPrefix(), 2)
	require.Len(t, id.ShardRemainder(), 30)
	require.Equal(t, id.Hex(), id.ShardPrefix()+id.ShardRemainder())
}

func TestIsZero(t *testing.T) {
	var zero ID
	require.True(t, zero.IsZero())
	require.False(t, NewID().IsZero())
}
