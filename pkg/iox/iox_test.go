package iox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))
	old := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, old, old))

	dst := filepath.Join(dir, "b.jpg")
	require.NoError(t, CopyFile(src, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
	st, err := os.Stat(dst)
	require.NoError(t, err)
	require.True(t, old.Equal(st.ModTime()))

	require.Error(t, CopyFile(filepath.Join(dir, "missing"), dst))
}
