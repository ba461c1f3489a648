// Package engine orchestrates the frame selection pipeline:
// catalog -> embeddings (cached) -> change signals -> selection -> diversity pruning.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cyclopcam/frameselect/pkg/blobstore"
	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/embedder"
	"github.com/cyclopcam/frameselect/pkg/embedstore"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/frameselect/pkg/tensor"
	"github.com/cyclopcam/logs"
)

var ErrCacheRequired = errors.New("Embedding cache is not usable, and recomputation is disabled")
var ErrCancelled = errors.New("Embedding generation was cancelled")
var ErrNoBackend = errors.New("No embedding backend is configured")

// Options control cache policy for one LoadOrCompute call
type Options struct {
	Force       bool // Ignore any existing cache entry, and recompute
	NoRecompute bool // A cache miss is an error (ErrCacheRequired)
	ClearOthers bool // Delete other cache entries after saving
	BatchSize   int  // Zero means embedder.DefaultBatchSize
	Progress    embedder.ProgressFunc
}

// Embeddings is the output of LoadOrCompute
type Embeddings struct {
	Tensor    *tensor.Tensor3
	Key       string
	Config    embedcfg.EmbeddingConfig
	FromCache bool
}

// Engine owns the backend handle, and decides where embedding caches live.
// The backend may be nil, in which case only cached embeddings can be used.
type Engine struct {
	log     logs.Log
	backend embedder.Backend

	// If cacheDir is empty and shared is nil, every frames directory keeps its own cache
	// at <framesDir>/.embedding_cache
	cacheDir string
	shared   *embedstore.Store
}

func New(log logs.Log, backend embedder.Backend) *Engine {
	return &Engine{
		log:     logs.NewPrefixLogger(log, "Engine"),
		backend: backend,
	}
}

// SetCacheDir puts every cache in dir, instead of inside the frames directory
func (e *Engine) SetCacheDir(dir string) {
	e.cacheDir = dir
	e.shared = nil
}

// SetSharedStore puts every cache in store (eg a GCS or S3 bucket). Cache keys include the
// frame filenames, so different directories don't collide unless their filenames are identical.
func (e *Engine) SetSharedStore(store *embedstore.Store) {
	e.shared = store
	e.cacheDir = ""
}

func (e *Engine) Backend() embedder.Backend {
	return e.backend
}

// Returns the local directory of the cache for framesDir, or empty if the cache is remote
func (e *Engine) localCacheDir(framesDir string) string {
	if e.shared != nil {
		return ""
	}
	if e.cacheDir != "" {
		return e.cacheDir
	}
	return filepath.Join(framesDir, embedstore.DirName)
}

// Store returns the embedding store for a frames directory
func (e *Engine) Store(framesDir string) (*embedstore.Store, error) {
	if e.shared != nil {
		return e.shared, nil
	}
	fs, err := blobstore.NewStorageFS(e.log, e.localCacheDir(framesDir))
	if err != nil {
		return nil, err
	}
	return embedstore.NewStore(e.log, fs), nil
}

// LoadOrCompute returns embeddings for frames, from the cache if possible
func (e *Engine) LoadOrCompute(ctx context.Context, frames []framecat.Frame, cfg embedcfg.EmbeddingConfig, opts Options) (*Embeddings, error) {
	if len(frames) < 2 {
		return nil, framecat.ErrEmptyCatalog
	}
	framesDir := filepath.Dir(frames[0].Path)
	store, err := e.Store(framesDir)
	if err != nil {
		return nil, err
	}
	key := embedcfg.CacheKey(cfg, framecat.Filenames(frames))

	if !opts.Force {
		t, status := store.LoadKey(cfg, key)
		if status == embedstore.LoadHit {
			if t.Frames() == len(frames) {
				e.log.Infof("Loaded embeddings %v from cache %v", t.Shape, key)
				return &Embeddings{Tensor: t, Key: key, Config: cfg, FromCache: true}, nil
			}
			status = embedstore.LoadBroken
		}
		if opts.NoRecompute {
			return nil, fmt.Errorf("%w (cache %v is %v)", ErrCacheRequired, key, status)
		}
		e.log.Infof("Cache %v is %v, computing embeddings", key, status)
	} else if opts.NoRecompute {
		return nil, fmt.Errorf("%w (force and no-recompute are mutually exclusive)", ErrCacheRequired)
	}

	if e.backend == nil {
		return nil, ErrNoBackend
	}
	res := embedder.Generate(ctx, e.backend, frames, cfg, embedder.Options{
		BatchSize: opts.BatchSize,
		Progress:  opts.Progress,
		Log:       e.log,
	})
	switch res.Status {
	case embedder.StatusCancelled:
		return nil, fmt.Errorf("%w: %w", ErrCancelled, res.Err)
	case embedder.StatusFailed:
		return nil, res.Err
	}

	clearOthers := opts.ClearOthers
	if dir := e.localCacheDir(framesDir); !clearOthers && dir != "" {
		if LowDiskSpace(dir, tensor.SizeBytes(res.Embeddings.Shape)) {
			e.log.Warnf("Free disk space is low, so other embedding caches will be deleted")
			clearOthers = true
		}
	}
	if err := store.Save(key, cfg, res.Embeddings, clearOthers); err != nil {
		// The embeddings are still good, so we carry on without a cache
		e.log.Errorf("Failed to save embedding cache: %v", err)
	}
	return &Embeddings{Tensor: res.Embeddings, Key: key, Config: cfg}, nil
}
