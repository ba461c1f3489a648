package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/embedder"
	"github.com/cyclopcam/frameselect/pkg/embedstore"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/frameselect/pkg/selector"
	"github.com/cyclopcam/frameselect/pkg/tensor"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func writeFrames(t *testing.T, dir string, n int) []framecat.Frame {
	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				c := color.NRGBA{R: 30, G: 90, B: 30, A: 255}
				if x >= (i%4)*8 && x < (i%4)*8+8 && y < 16 {
					c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
				}
				img.SetNRGBA(x, y, c)
			}
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%04d.png", i)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	frames, err := framecat.Scan(dir)
	require.NoError(t, err)
	return frames
}

func testConfig() embedcfg.EmbeddingConfig {
	cfg := embedcfg.DefaultConfig()
	cfg.Model = embedder.PatchStatsModel
	cfg.InputSize = 32
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	backend, err := embedder.NewPatchStats(32)
	require.NoError(t, err)
	return New(logs.NewTestingLog(t), backend)
}

func TestLoadOrCompute(t *testing.T) {
	dir := t.TempDir()
	frames := writeFrames(t, dir, 6)
	e := newTestEngine(t)
	cfg := testConfig()

	// No cache yet
	_, err := e.LoadOrCompute(context.Background(), frames, cfg, Options{NoRecompute: true})
	require.ErrorIs(t, err, ErrCacheRequired)

	progress := 0
	first, err := e.LoadOrCompute(context.Background(), frames, cfg, Options{BatchSize: 4, Progress: func(done, total int) { progress = done }})
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.Equal(t, 6, progress)
	require.Equal(t, embedcfg.CacheKey(cfg, framecat.Filenames(frames)), first.Key)
	_, err = os.Stat(filepath.Join(dir, embedstore.DirName, embedstore.ArrayName(first.Key)))
	require.NoError(t, err)

	second, err := e.LoadOrCompute(context.Background(), frames, cfg, Options{NoRecompute: true})
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.True(t, first.Tensor.Equal(second.Tensor))

	forced, err := e.LoadOrCompute(context.Background(), frames, cfg, Options{Force: true})
	require.NoError(t, err)
	require.False(t, forced.FromCache)

	// A different transform is a different cache entry
	pad := cfg
	pad.Transform.Mode = embedcfg.ModePad
	_, err = e.LoadOrCompute(context.Background(), frames, pad, Options{NoRecompute: true})
	require.ErrorIs(t, err, ErrCacheRequired)
	padded, err := e.LoadOrCompute(context.Background(), frames, pad, Options{ClearOthers: true})
	require.NoError(t, err)
	store, err := e.Store(dir)
	require.NoError(t, err)
	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, padded.Key, entries[0].Key)

	// Without a backend, only the cache works
	offline := New(logs.NewTestingLog(t), nil)
	_, err = offline.LoadOrCompute(context.Background(), frames, cfg, Options{})
	require.ErrorIs(t, err, ErrNoBackend)
	_, err = offline.LoadOrCompute(context.Background(), frames, pad, Options{})
	require.NoError(t, err)
}

func TestSharedCacheDir(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(t.TempDir(), "cache")
	frames := writeFrames(t, dir, 3)
	e := newTestEngine(t)
	e.SetCacheDir(cacheDir)
	emb, err := e.LoadOrCompute(context.Background(), frames, testConfig(), Options{})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cacheDir, embedstore.MetaName(emb.Key)))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, embedstore.DirName))
	require.True(t, os.IsNotExist(err))
}

// Blocks inside Embed until released
type gatedBackend struct {
	*embedder.PatchStats
	entered chan bool
	release chan bool
}

func (g *gatedBackend) Embed(ctx context.Context, batch [][]float32, normalize bool) ([][][]float32, error) {
	g.entered <- true
	<-g.release
	return g.PatchStats.Embed(ctx, batch, normalize)
}

func TestJobCancel(t *testing.T) {
	dir := t.TempDir()
	frames := writeFrames(t, dir, 6)
	ps, _ := embedder.NewPatchStats(32)
	gate := &gatedBackend{PatchStats: ps, entered: make(chan bool, 10), release: make(chan bool, 10)}
	e := New(logs.NewTestingLog(t), gate)

	job := e.Start(frames, testConfig(), Options{BatchSize: 2})
	<-gate.entered
	job.Cancel()
	gate.release <- true

	select {
	case res := <-job.Result():
		require.ErrorIs(t, res.Err, ErrCancelled)
		require.Nil(t, res.Embeddings)
	case <-time.After(10 * time.Second):
		t.Fatal("job did not finish")
	}
	done, total := job.Progress()
	require.Equal(t, 2, done)
	require.Equal(t, 6, total)

	// Nothing was persisted
	store, _ := e.Store(dir)
	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

// Calls cancel during the given Embed call, and then lets that batch finish
type cancellingBackend struct {
	*embedder.PatchStats
	cancelOn int
	calls    int
	cancel   context.CancelFunc
}

func (c *cancellingBackend) Embed(ctx context.Context, batch [][]float32, normalize bool) ([][][]float32, error) {
	c.calls++
	if c.calls == c.cancelOn {
		c.cancel()
	}
	return c.PatchStats.Embed(ctx, batch, normalize)
}

func TestCancelDuringLastBatch(t *testing.T) {
	dir := t.TempDir()
	frames := writeFrames(t, dir, 8)
	ps, _ := embedder.NewPatchStats(32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := &cancellingBackend{PatchStats: ps, cancelOn: 2, cancel: cancel}
	e := New(logs.NewTestingLog(t), backend)

	emb, err := e.LoadOrCompute(ctx, frames, testConfig(), Options{BatchSize: 4})
	require.ErrorIs(t, err, ErrCancelled)
	require.Nil(t, emb)
	require.Equal(t, 2, backend.calls)

	store, err := e.Store(dir)
	require.NoError(t, err)
	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

func TestJobSuccess(t *testing.T) {
	frames := writeFrames(t, t.TempDir(), 4)
	job := newTestEngine(t).Start(frames, testConfig(), Options{})
	res := job.Wait()
	require.NoError(t, res.Err)
	require.Equal(t, 4, res.Embeddings.Tensor.Frames())
	done, total := job.Progress()
	require.Equal(t, total, done)
	job.Cancel()
}

func scenarioSession(t *testing.T) *Session {
	diffuse := []float32{0.5, 0.5, 0.5, 0.5, 0.5}
	focused := []float32{5, 0, 0, 0, 0}
	diffs := [][]float32{diffuse, focused, diffuse, diffuse, focused}
	E := tensor.New(6, 5, 1)
	frames := make([]framecat.Frame, 6)
	for i := range frames {
		frames[i] = framecat.Frame{Index: i, Path: fmt.Sprintf("/frames/%04d.jpg", i)}
	}
	for i, row := range diffs {
		for p, d := range row {
			E.Patch(i+1, p)[0] = E.Patch(i, p)[0] + d
		}
	}
	s, err := NewSession(frames, &Embeddings{Tensor: E, Config: testConfig()})
	require.NoError(t, err)
	return s
}

func TestSessionSelect(t *testing.T) {
	s := scenarioSession(t)
	require.Equal(t, "/frames", s.FramesDir)
	req := SelectRequest{Params: selector.Params{
		ConcentrationPercentile: 80,
		TotalChangePercentile:   60,
		EntropyPercentile:       100,
		TemporalWindow:          1,
		MinSpacing:              2,
	}}
	sel, err := s.Select(req)
	require.NoError(t, err)
	require.Equal(t, []int{2, 5}, sel.Frames)
	require.Equal(t, []int{2, 5}, sel.Added)
	require.Empty(t, sel.Removed)

	state, sel, err := s.ToggleForce(3)
	require.NoError(t, err)
	require.Equal(t, selector.ForceSelect, state)
	require.Equal(t, []int{2, 3, 5}, sel.Frames)
	require.Equal(t, []int{3}, sel.Added)
	require.Equal(t, []int{2, 5}, sel.Auto)

	_, sel, err = s.ToggleForce(5)
	require.NoError(t, err)
	_, sel, err = s.ToggleForce(5)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, sel.Frames)
	require.Equal(t, []int{5}, sel.Removed)

	// Overrides survive a new round
	req.Params.TemporalWindow = 3
	sel, err = s.Select(req)
	require.NoError(t, err)
	require.Contains(t, sel.Frames, 3)
	require.NotContains(t, sel.Frames, 5)
	require.Equal(t, 3, s.Signals().Window)

	_, _, err = s.ToggleForce(6)
	require.Error(t, err)

	req.Params.MinSpacing = 0
	_, err = s.Select(req)
	require.Error(t, err)
}

func TestSessionDiversity(t *testing.T) {
	s := scenarioSession(t)
	seed := uint64(3)
	sel, err := s.Select(SelectRequest{
		Params: selector.Params{
			ConcentrationPercentile: 80,
			TotalChangePercentile:   60,
			EntropyPercentile:       100,
			TemporalWindow:          1,
			MinSpacing:              2,
		},
		TargetCount: 1,
		Diversity:   true,
		Seed:        &seed,
	})
	require.NoError(t, err)
	require.Len(t, sel.Frames, 1)
	require.Contains(t, []int{2, 5}, sel.Frames[0])
	require.Len(t, s.SelectedFrames(), 1)
}

func TestResolveEntry(t *testing.T) {
	now := time.Now()
	a := &embedstore.Entry{Key: "a", ModifiedAt: now.Add(-time.Hour)}
	b := &embedstore.Entry{Key: "b", ModifiedAt: now}
	broken := &embedstore.Entry{Key: "c", ModifiedAt: now.Add(time.Hour), Broken: true}

	_, err := ResolveEntry(nil, "")
	require.ErrorIs(t, err, ErrNoCache)

	e, err := ResolveEntry([]*embedstore.Entry{a}, "")
	require.NoError(t, err)
	require.Equal(t, "a", e.Key)

	e, err = ResolveEntry([]*embedstore.Entry{a, b, broken}, "")
	require.NoError(t, err)
	require.Equal(t, "b", e.Key)

	e, err = ResolveEntry([]*embedstore.Entry{a, b}, "a")
	require.NoError(t, err)
	require.Equal(t, "a", e.Key)

	_, err = ResolveEntry([]*embedstore.Entry{a, broken}, "c")
	require.ErrorIs(t, err, ErrBrokenCache)
	_, err = ResolveEntry([]*embedstore.Entry{broken}, "")
	require.ErrorIs(t, err, ErrBrokenCache)
	_, err = ResolveEntry([]*embedstore.Entry{a}, "zzz")
	require.ErrorIs(t, err, ErrNoCache)
}

func TestDiskSpace(t *testing.T) {
	free, err := FreeDiskSpace(filepath.Join(t.TempDir(), "not", "yet"))
	require.NoError(t, err)
	require.Greater(t, free, int64(0))
	require.False(t, LowDiskSpace(t.TempDir(), 1))
	require.True(t, LowDiskSpace(t.TempDir(), 1<<62))
}

func TestLoadCached(t *testing.T) {
	dir := t.TempDir()
	frames := writeFrames(t, dir, 5)
	e := newTestEngine(t)

	_, err := e.LoadCached(frames, "")
	require.ErrorIs(t, err, ErrNoCache)

	cfg := testConfig()
	first, err := e.LoadOrCompute(context.Background(), frames, cfg, Options{})
	require.NoError(t, err)
	pad := cfg
	pad.Transform.Mode = embedcfg.ModePad
	second, err := e.LoadOrCompute(context.Background(), frames, pad, Options{})
	require.NoError(t, err)

	// An entry for a different catalog is never picked automatically
	store, err := e.Store(dir)
	require.NoError(t, err)
	_, err = store.SaveFrames([]string{"x.jpg", "y.jpg"}, cfg, tensor.New(2, 4, 8), false)
	require.NoError(t, err)

	// Make 'first' the most recent
	now := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, embedstore.DirName, embedstore.MetaName(first.Key)), now, now))
	emb, err := e.LoadCached(frames, "")
	require.NoError(t, err)
	require.Equal(t, first.Key, emb.Key)
	require.Equal(t, cfg, emb.Config)
	require.True(t, emb.FromCache)

	emb, err = e.LoadCached(frames, second.Key)
	require.NoError(t, err)
	require.Equal(t, pad, emb.Config)

	require.NoError(t, os.Remove(filepath.Join(dir, embedstore.DirName, embedstore.ArrayName(second.Key))))
	_, err = e.LoadCached(frames, second.Key)
	require.ErrorIs(t, err, ErrBrokenCache)

	_, err = e.LoadCached(frames[:3], first.Key)
	require.ErrorIs(t, err, ErrCacheMismatch)
}

func TestLoadCachedIgnoresOtherCatalogs(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	framesA := writeFrames(t, dirA, 5)
	framesB := writeFrames(t, dirB, 5)
	// Same count, different names
	for i, f := range framesB {
		renamed := filepath.Join(dirB, fmt.Sprintf("b_%04d.png", i))
		require.NoError(t, os.Rename(f.Path, renamed))
	}
	framesB, err := framecat.Scan(dirB)
	require.NoError(t, err)

	e := newTestEngine(t)
	e.SetCacheDir(filepath.Join(t.TempDir(), "shared"))
	embA, err := e.LoadOrCompute(context.Background(), framesA, testConfig(), Options{})
	require.NoError(t, err)

	_, err = e.LoadCached(framesB, "")
	require.ErrorIs(t, err, ErrNoCache)

	// Still reachable by naming the key
	emb, err := e.LoadCached(framesB, embA.Key)
	require.NoError(t, err)
	require.Equal(t, embA.Key, emb.Key)

	emb, err = e.LoadCached(framesA, "")
	require.NoError(t, err)
	require.Equal(t, embA.Key, emb.Key)
}

func TestLoadCachedUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	frames := writeFrames(t, dir, 3)
	e := newTestEngine(t)
	store, err := e.Store(dir)
	require.NoError(t, err)
	key := "abcdefabcdefabcd"
	require.NoError(t, store.Save(key, testConfig(), tensor.New(3, 4, 8), false))
	require.NoError(t, os.WriteFile(filepath.Join(dir, embedstore.DirName, embedstore.MetaName(key)), []byte(`{"version": 2}`), 0644))

	_, err = e.LoadCached(frames, key)
	require.ErrorIs(t, err, embedstore.ErrUnsupportedVersion)

	// Without a key, the entry is silently skipped
	_, err = e.LoadCached(frames, "")
	require.ErrorIs(t, err, ErrNoCache)

	_, err = e.LoadCached(frames, "0000000000000000")
	require.ErrorIs(t, err, ErrNoCache)
}
