package engine

import (
	"context"
	"sync/atomic"

	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/google/uuid"
)

// JobResult is delivered exactly once when a Job finishes
type JobResult struct {
	Embeddings *Embeddings
	Err        error
}

// Job runs LoadOrCompute in the background
type Job struct {
	ID     string
	Total  int
	done   atomic.Int64
	cancel context.CancelFunc
	result chan JobResult
}

// Start runs LoadOrCompute on a goroutine. opts.Progress is still called, from that goroutine.
func (e *Engine) Start(frames []framecat.Frame, cfg embedcfg.EmbeddingConfig, opts Options) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:     uuid.NewString(),
		Total:  len(frames),
		cancel: cancel,
		result: make(chan JobResult, 1),
	}
	userProgress := opts.Progress
	opts.Progress = func(done, total int) {
		j.done.Store(int64(done))
		if userProgress != nil {
			userProgress(done, total)
		}
	}
	go func() {
		defer cancel()
		emb, err := e.LoadOrCompute(ctx, frames, cfg, opts)
		if err == nil {
			j.done.Store(int64(j.Total))
		}
		j.result <- JobResult{Embeddings: emb, Err: err}
	}()
	return j
}

// Progress returns (frames done, frames total)
func (j *Job) Progress() (int, int) {
	return int(j.done.Load()), j.Total
}

// Cancel requests cancellation. The current batch completes first.
// Cancelling a finished job has no effect.
func (j *Job) Cancel() {
	j.cancel()
}

// Result delivers the single JobResult
func (j *Job) Result() <-chan JobResult {
	return j.result
}

// Wait blocks until the job is finished
func (j *Job) Wait() JobResult {
	return <-j.result
}
