package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebahmer/akaros/kernel/proc"
	"github.com/ebahmer/akaros/kernel/threads/arena"
	"github.com/ebahmer/akaros/kernel/utils"
)

var _ proc.AddressSpace = (*Spaces)(nil)

func TestSpaces_CreateDestroy(t *testing.T) {
	s := NewSpaces(DefaultBase, 64*arena.PGSIZE, nil)

	a, err := s.Create()
	require.NoError(t, err)
	b, err := s.Create()
	require.NoError(t, err)

	assert.NotEqual(t, a.Root, b.Root)
	for _, l := range []proc.Layout{a, b} {
		assert.Zero(t, l.Root%arena.PGSIZE)
		assert.NotEqual(t, l.Root, l.ProcInfo)
		assert.NotEqual(t, l.ProcInfo, l.ProcData)
	}

	st := s.Stats()
	assert.Equal(t, 2, st.Live)
	assert.Equal(t, uint64(6), st.PagesUsed)
	assert.Equal(t, uint64(58), st.PagesFree)

	got, ok := s.Lookup(a.Root)
	require.True(t, ok)
	assert.Equal(t, a, got)

	require.NoError(t, s.Destroy(a))
	require.NoError(t, s.Destroy(b))
	assert.Error(t, s.Destroy(a), "already destroyed")

	st = s.Stats()
	assert.Zero(t, st.Live)
	assert.Equal(t, uint64(2), st.Created)
	assert.Equal(t, uint64(2), st.Destroyed)
	assert.Zero(t, st.PagesUsed)
}

func TestSpaces_OutOfMemoryUndoes(t *testing.T) {
	var logs bytes.Buffer
	s := NewSpaces(DefaultBase, 4*arena.PGSIZE, utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR, Output: &logs}))

	_, err := s.Create()
	require.NoError(t, err)

	_, err = s.Create()
	assert.ErrorIs(t, err, utils.ErrNoMemory)

	st := s.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, uint64(3), st.PagesUsed, "partial allocation returned")
	assert.Empty(t, logs.String(), "rollback freed every page cleanly")
}
