package blobstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	log := logs.NewTestingLog(t)
	root := filepath.Join(t.TempDir(), "cache")
	fs, err := NewStorageFS(log, root)
	require.NoError(t, err)

	// Listing a store that hasn't been written to yet is not an error
	infos, err := fs.List("")
	require.NoError(t, err)
	require.Len(t, infos, 0)
	_, err = os.Stat(root)
	require.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, WriteFile(fs, "embeddings_b.json", bytes.NewReader([]byte("{}"))))
	require.NoError(t, WriteFile(fs, "embeddings_a.f32", bytes.NewReader([]byte("12345"))))
	require.NoError(t, WriteFile(fs, "other.txt", bytes.NewReader([]byte("x"))))

	infos, err = fs.List("embeddings_")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "embeddings_a.f32", infos[0].Name)
	require.Equal(t, int64(5), infos[0].Size)
	require.Equal(t, "embeddings_b.json", infos[1].Name)

	b, err := ReadFile(fs, "embeddings_a.f32")
	require.NoError(t, err)
	require.Equal(t, "12345", string(b))

	fi, err := Exists(fs, "embeddings_a.f32")
	require.NoError(t, err)
	require.NotNil(t, fi)
	fi, err = Exists(fs, "embeddings_a")
	require.NoError(t, err)
	require.Nil(t, fi)

	require.NoError(t, fs.DeleteFile("embeddings_a.f32"))
	_, err = fs.ReadFile("embeddings_a.f32")
	require.True(t, errors.Is(err, os.ErrNotExist))

	_, err = fs.WriteFile("../escape")
	require.True(t, errors.Is(err, ErrInvalidName))
}

func TestStorageFSNoPartialWrites(t *testing.T) {
	fs, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	w, err := fs.WriteFile("big.f32")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	// Not visible under its final name until Close
	fi, err := Exists(fs, "big.f32")
	require.NoError(t, err)
	require.Nil(t, fi)

	require.NoError(t, w.Close())
	fi, err = Exists(fs, "big.f32")
	require.NoError(t, err)
	require.NotNil(t, fi)
}

func TestCache(t *testing.T) {
	log := logs.NewTestingLog(t)
	upstream, err := NewStorageFS(log, t.TempDir())
	require.NoError(t, err)
	cache, err := NewCache(log, upstream, filepath.Join(t.TempDir(), "local"), 10)
	require.NoError(t, err)

	require.NoError(t, WriteFile(cache, "a", bytes.NewReader([]byte("aaaaaaaa"))))
	require.NoError(t, WriteFile(cache, "b", bytes.NewReader([]byte("bbbbbbbb"))))

	b, err := ReadFile(cache, "a")
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaa", string(b))
	require.Equal(t, int64(8), cache.BytesUsed())

	// Reading b pushes us over the limit on the next acquire, so 'a' gets evicted
	_, err = ReadFile(cache, "b")
	require.NoError(t, err)
	_, err = ReadFile(cache, "a")
	require.NoError(t, err)
	require.LessOrEqual(t, cache.BytesUsed(), int64(16))

	// Overwriting invalidates the local copy
	require.NoError(t, WriteFile(cache, "a", bytes.NewReader([]byte("new"))))
	b, err = ReadFile(cache, "a")
	require.NoError(t, err)
	require.Equal(t, "new", string(b))

	infos, err := cache.List("")
	require.NoError(t, err)
	require.Len(t, infos, 2)
}
