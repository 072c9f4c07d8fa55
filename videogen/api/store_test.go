package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOutput(t *testing.T, root, id string) *Output {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("x"), 0o644))
	return &Output{ID: id, Files: []string{"video.mp4"}, dir: dir}
}

func TestStoreEvictsOldest(t *testing.T) {
	root := t.TempDir()
	s := NewStore(2)

	assert.Empty(t, s.Add(newOutput(t, root, "a")))
	assert.Empty(t, s.Add(newOutput(t, root, "b")))

	evicted := s.Add(newOutput(t, root, "c"))
	require.Len(t, evicted, 1)
	assert.Equal(t, "a", evicted[0].ID)
	assert.NoDirExists(t, filepath.Join(root, "a"))
	assert.DirExists(t, filepath.Join(root, "b"))

	var ids []string
	for _, o := range s.List() {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"c", "b"}, ids)
}

func TestStoreDelete(t *testing.T) {
	root := t.TempDir()
	s := NewStore(2)
	s.Add(newOutput(t, root, "a"))
	s.Add(newOutput(t, root, "b"))

	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.NoDirExists(t, filepath.Join(root, "a"))
	assert.Equal(t, 1, s.Len())

	// the stale heap entry for a is skipped, so b is the one evicted
	assert.Empty(t, s.Add(newOutput(t, root, "c")))
	evicted := s.Add(newOutput(t, root, "d"))
	require.Len(t, evicted, 1)
	assert.Equal(t, "b", evicted[0].ID)

	_, ok := s.Get("b")
	assert.False(t, ok)
	o, ok := s.Get("d")
	require.True(t, ok)
	assert.Equal(t, "d", o.ID)
}

func TestStoreReplacesID(t *testing.T) {
	s := NewStore(1)
	first := &Output{ID: "a"}
	second := &Output{ID: "a"}

	s.Add(first)
	assert.Empty(t, s.Add(second))

	o, _ := s.Get("a")
	assert.Same(t, second, o)
}
