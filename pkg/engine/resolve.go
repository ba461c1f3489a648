package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/embedstore"
	"github.com/cyclopcam/frameselect/pkg/framecat"
)

var ErrNoCache = errors.New("No embedding cache found")
var ErrBrokenCache = errors.New("Embedding cache is broken")
var ErrCacheMismatch = errors.New("Embedding cache does not match the frames")

// ResolveEntry picks one entry from a cache listing.
// If key is given, that entry is required. Otherwise a single entry is used directly,
// and of several, the most recent one wins.
// A broken entry is reported as ErrBrokenCache, which is distinct from ErrNoCache,
// because the remedy is to regenerate, not to pick a different entry.
func ResolveEntry(entries []*embedstore.Entry, key string) (*embedstore.Entry, error) {
	if key != "" {
		for _, e := range entries {
			if e.Key == key {
				if e.Broken {
					return nil, fmt.Errorf("%w: %v has metadata but no array", ErrBrokenCache, key)
				}
				return e, nil
			}
		}
		return nil, fmt.Errorf("%w with key %v", ErrNoCache, key)
	}
	if len(entries) == 0 {
		return nil, ErrNoCache
	}
	if best := embedstore.MostRecent(entries); best != nil {
		return best, nil
	}
	return nil, fmt.Errorf("%w: all %v entries are missing their arrays", ErrBrokenCache, len(entries))
}

// Candidates filters a cache listing down to the entries whose key was derived from
// exactly these filenames. The filename hash is the only thing that ties an entry to a
// catalog. An entry with the same frame count but a different key (renamed frames, or
// another directory sharing the store) can only be opened by naming its key.
func Candidates(entries []*embedstore.Entry, frames []framecat.Frame) []*embedstore.Entry {
	filenames := framecat.Filenames(frames)
	exact := []*embedstore.Entry{}
	for _, e := range entries {
		if e.Meta.FrameCount == len(frames) && embedcfg.CacheKey(e.Meta.Config, filenames) == e.Key {
			exact = append(exact, e)
		}
	}
	return exact
}

// LoadCached opens existing embeddings for frames, without computing anything.
// If key is empty, the entry is chosen by Candidates and ResolveEntry.
// An explicit key is read directly, so an unsupported version surfaces as
// embedstore.ErrUnsupportedVersion.
func (e *Engine) LoadCached(frames []framecat.Frame, key string) (*Embeddings, error) {
	if len(frames) < 2 {
		return nil, framecat.ErrEmptyCatalog
	}
	store, err := e.Store(filepath.Dir(frames[0].Path))
	if err != nil {
		return nil, err
	}
	var entry *embedstore.Entry
	if key != "" {
		entry, err = store.Find(key)
		if errors.Is(err, embedstore.ErrNotFound) {
			return nil, fmt.Errorf("%w with key %v", ErrNoCache, key)
		} else if err != nil {
			return nil, err
		}
		if entry.Broken {
			return nil, fmt.Errorf("%w: %v has metadata but no array", ErrBrokenCache, key)
		}
	} else {
		entries, err := store.List()
		if err != nil {
			return nil, err
		}
		entry, err = ResolveEntry(Candidates(entries, frames), "")
		if err != nil {
			return nil, err
		}
	}
	if entry.Meta.FrameCount != len(frames) {
		return nil, fmt.Errorf("%w: cache %v has %v frames, but there are %v", ErrCacheMismatch, entry.Key, entry.Meta.FrameCount, len(frames))
	}
	t := store.Load(entry)
	if t == nil {
		return nil, fmt.Errorf("%w: array of %v could not be read", ErrBrokenCache, entry.Key)
	}
	e.log.Infof("Loaded embeddings %v from cache %v", t.Shape, entry.Key)
	return &Embeddings{Tensor: t, Key: entry.Key, Config: entry.Meta.Config, FromCache: true}, nil
}
