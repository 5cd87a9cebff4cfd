package crypt

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbfs/vbfs/block"
)

type memStore struct {
	data map[block.ID][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[block.ID][]byte)} }

func (m *memStore) Exists(_ context.Context, id block.ID) (bool, error) {
	_, ok := m.data[id]
	return ok, nil
}
func (m *memStore) Load(_ context.Context, id block.ID) ([]byte, bool, error) {
	v, ok := m.data[id]
	return v, ok, nil
}
func (m *memStore) Store(_ context.Context, id block.ID, data []byte) error {
	m.data[id] = append([]byte(nil), data...)
	return nil
}
func (m *memStore) TryCreate(_ context.Context, id block.ID, data []byte) (block.TryCreateResult, error) {
	if _, ok := m.data[id]; ok {
		return block.AlreadyExists, nil
	}
	m.data[id] = append([]byte(nil), data...)
	return block.Created, nil
}
func (m *memStore) Remove(_ context.Context, id block.ID) (block.RemoveResult, error) {
	if _, ok := m.data[id]; !ok {
		return block.NotFound, nil
	}
	delete(m.data, id)
	return block.Removed, nil
}
func (m *memStore) NumBlocks(context.Context) (uint64, error)         { return uint64(len(m.data)), nil }
func (m *memStore) EstimateFreeBytes(context.Context) (uint64, error) { return 1 << 30, nil }
func (m *memStore) BlockSizeFromPhysicalBlockSize(p uint32) uint32    { return p }
func (m *memStore) AllBlocks(context.Context) block.Iterator          { return nil }

func randomKey(n int) []byte {
	k := make([]byte, n)
	rand.Read(k)
	return k
}

func TestCryptSealOpenRoundTrip(t *testing.T) {
	for _, c := range []Cipher{AES256GCM, AES128GCM, XChaCha20Poly1305} {
		s, err := New(newMemStore(), c, randomKey(c.KeySize()))
		require.NoError(t, err)

		id := block.NewID()
		ctx := context.Background()
		require.NoError(t, s.Store(ctx, id, []byte("plaintext payload")))

		data, ok, err := s.Load(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("plaintext payload"), data)
	}
}

func TestCryptDetectsTampering(t *testing.T) {
	inner := newMemStore()
	s, err := New(inner, AES256GCM, randomKey(AES256GCM.KeySize()))
	require.NoError(t, err)

	id := block.NewID()
	ctx := context.Background()
	require.NoError(t, s.Store(ctx, id, []byte("secret")))

	inner.data[id][len(inner.data[id])-1] ^= 0xFF

	_, _, err = s.Load(ctx, id)
	require.ErrorIs(t, err, ErrTamperedBlock)
}

func TestCryptBindsBlockID(t *testing.T) {
	inner := newMemStore()
	s, err := New(inner, AES256GCM, randomKey(AES256GCM.KeySize()))
	require.NoError(t, err)

	idA := block.NewID()
	idB := block.NewID()
	ctx := context.Background()
	require.NoError(t, s.Store(ctx, idA, []byte("data")))

	inner.data[idB] = inner.data[idA]

	_, _, err = s.Load(ctx, idB)
	require.ErrorIs(t, err, ErrTamperedBlock)
}
