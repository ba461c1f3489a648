package embedder

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/frameselect/pkg/imgxform"
	"github.com/cyclopcam/frameselect/pkg/perfstats"
	"github.com/cyclopcam/frameselect/pkg/tensor"
	"github.com/cyclopcam/logs"
	"golang.org/x/sync/errgroup"
)

const DefaultBatchSize = 8

// Status is the terminal state of a generation run
type Status int

const (
	StatusSuccess Status = iota
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the single outcome of Generate. Embeddings is only populated on success.
type Result struct {
	Status     Status
	Embeddings *tensor.Tensor3
	Err        error
	Elapsed    time.Duration
}

// ProgressFunc is called after each batch. It must not block for long.
type ProgressFunc func(done, total int)

type Options struct {
	BatchSize int          // If zero, DefaultBatchSize
	Workers   int          // Image decoders per batch. If zero, runtime.NumCPU()
	Progress  ProgressFunc // Optional
	Log       logs.Log     // Optional
}

// Generate embeds every frame, in catalog order.
// ctx is checked between batches, so an in-flight batch always completes before cancellation
// is observed. A cancelled run returns no embeddings, and must not be persisted.
func Generate(ctx context.Context, backend Backend, frames []framecat.Frame, cfg embedcfg.EmbeddingConfig, opts Options) Result {
	start := time.Now()
	res := generate(ctx, backend, frames, cfg, opts)
	res.Elapsed = time.Since(start)
	return res
}

func generate(ctx context.Context, backend Backend, frames []framecat.Frame, cfg embedcfg.EmbeddingConfig, opts Options) Result {
	info := backend.Info()
	if info.InputSize != cfg.InputSize {
		return Result{Status: StatusFailed, Err: fmt.Errorf("Backend input size %v does not match config input size %v", info.InputSize, cfg.InputSize)}
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	out := tensor.New(len(frames), info.Patches, info.Dim)
	var batchTime perfstats.TimeAccumulator

	for i := 0; i < len(frames); i += batchSize {
		if err := ctx.Err(); err != nil {
			if opts.Log != nil {
				opts.Log.Infof("Embedding cancelled after %v/%v frames", i, len(frames))
			}
			return Result{Status: StatusCancelled, Err: err}
		}
		batchStart := time.Now()
		batch := frames[i:min(i+batchSize, len(frames))]
		images, err := prepareBatch(batch, cfg, workers)
		if err != nil {
			return Result{Status: StatusFailed, Err: err}
		}
		emb, err := backend.Embed(ctx, images, cfg.Normalize)
		if err == nil {
			err = checkBatch(info, len(images), emb)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Result{Status: StatusCancelled, Err: err}
			}
			return Result{Status: StatusFailed, Err: fmt.Errorf("Failed to embed frames %v..%v: %w", batch[0].Filename(), batch[len(batch)-1].Filename(), err)}
		}
		for j, img := range emb {
			dst := out.Frame(i + j)
			for p, patch := range img {
				copy(dst[p*info.Dim:(p+1)*info.Dim], patch)
			}
		}
		batchTime.Since(batchStart)
		if opts.Progress != nil {
			opts.Progress(i+len(batch), len(frames))
		}
	}
	// A cancel that arrives during the last batch still counts
	if err := ctx.Err(); err != nil {
		if opts.Log != nil {
			opts.Log.Infof("Embedding cancelled after all %v frames were embedded", len(frames))
		}
		return Result{Status: StatusCancelled, Err: err}
	}
	if opts.Log != nil {
		perBatch := float64(len(frames)) / float64(max(batchTime.Samples, 1))
		opts.Log.Infof("Embedded %v frames, %.1f frames/second", len(frames), batchTime.Throughput(perBatch))
	}
	return Result{Status: StatusSuccess, Embeddings: out}
}

// Decode and transform a batch of frames, in parallel
func prepareBatch(batch []framecat.Frame, cfg embedcfg.EmbeddingConfig, workers int) ([][]float32, error) {
	images := make([][]float32, len(batch))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, f := range batch {
		g.Go(func() error {
			img, err := imgxform.LoadImage(f.Path)
			if err != nil {
				return err
			}
			x, err := imgxform.Prepare(img, cfg.InputSize, cfg.Transform)
			if err != nil {
				return fmt.Errorf("Failed to transform %v: %w", f.Filename(), err)
			}
			images[i] = x
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}
