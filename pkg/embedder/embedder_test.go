package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// Write n PNG frames with a bright square that moves one step per frame
func writeFrames(t *testing.T, n int) []framecat.Frame {
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 48, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 48; x++ {
				c := color.NRGBA{R: 40, G: 60, B: 80, A: 255}
				if x >= i*4 && x < i*4+8 && y >= 8 && y < 16 {
					c = color.NRGBA{R: 250, G: 240, B: 10, A: 255}
				}
				img.SetNRGBA(x, y, c)
			}
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%04d_frame.png", i)))
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
	cfg.Model = PatchStatsModel
	cfg.InputSize = 32
	return cfg
}

func TestGeneratePatchStats(t *testing.T) {
	frames := writeFrames(t, 5)
	backend, err := NewPatchStats(32)
	require.NoError(t, err)
	defer backend.Close()

	progress := [][2]int{}
	res := Generate(context.Background(), backend, frames, testConfig(), Options{
		BatchSize: 2,
		Progress:  func(done, total int) { progress = append(progress, [2]int{done, total}) },
		Log:       logs.NewTestingLog(t),
	})
	require.NoError(t, res.Err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, [3]int{5, 4, patchStatsDim}, res.Embeddings.Shape)
	require.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, progress)

	// normalized
	for i := 0; i < 5; i++ {
		for p := 0; p < 4; p++ {
			v := res.Embeddings.Patch(i, p)
			sum := float32(0)
			for _, x := range v {
				sum += x * x
			}
			require.InDelta(t, 1.0, math32.Sqrt(sum), 1e-4)
		}
	}

	// deterministic, independent of batch size
	again := Generate(context.Background(), backend, frames, testConfig(), Options{BatchSize: 3, Workers: 1})
	require.Equal(t, StatusSuccess, again.Status)
	require.True(t, res.Embeddings.Equal(again.Embeddings))
}

func TestGenerateCancel(t *testing.T) {
	frames := writeFrames(t, 6)
	backend, _ := NewPatchStats(32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	res := Generate(ctx, backend, frames, testConfig(), Options{
		BatchSize: 2,
		Progress: func(done, total int) {
			calls++
			cancel()
		},
	})
	require.Equal(t, StatusCancelled, res.Status)
	require.Nil(t, res.Embeddings)
	require.ErrorIs(t, res.Err, context.Canceled)
	// The in-flight batch completed, and nothing after it started
	require.Equal(t, 1, calls)
}

func TestGenerateCancelDuringLastBatch(t *testing.T) {
	frames := writeFrames(t, 4)
	backend, _ := NewPatchStats(32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := Generate(ctx, backend, frames, testConfig(), Options{
		BatchSize: 2,
		Progress: func(done, total int) {
			if done == total {
				cancel()
			}
		},
	})
	require.Equal(t, StatusCancelled, res.Status)
	require.Nil(t, res.Embeddings)
	require.ErrorIs(t, res.Err, context.Canceled)
}

type failingBackend struct {
	PatchStats
	err       error
	badShapes bool
}

func (f *failingBackend) Embed(ctx context.Context, batch [][]float32, normalize bool) ([][][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out, _ := f.PatchStats.Embed(ctx, batch, normalize)
	if f.badShapes {
		return out[:len(out)-1], nil
	}
	return out, nil
}

func TestGenerateFailures(t *testing.T) {
	frames := writeFrames(t, 3)
	ps, _ := NewPatchStats(32)

	boom := errors.New("GPU on fire")
	res := Generate(context.Background(), &failingBackend{PatchStats: *ps, err: boom}, frames, testConfig(), Options{})
	require.Equal(t, StatusFailed, res.Status)
	require.ErrorIs(t, res.Err, boom)
	require.Nil(t, res.Embeddings)

	res = Generate(context.Background(), &failingBackend{PatchStats: *ps, badShapes: true}, frames, testConfig(), Options{})
	require.Equal(t, StatusFailed, res.Status)

	cfg := testConfig()
	cfg.InputSize = 64
	res = Generate(context.Background(), ps, frames, cfg, Options{})
	require.Equal(t, StatusFailed, res.Status)

	missing := append([]framecat.Frame{}, frames...)
	missing[1].Path = filepath.Join(t.TempDir(), "gone.png")
	res = Generate(context.Background(), ps, missing, testConfig(), Options{})
	require.Equal(t, StatusFailed, res.Status)
}

func TestRemote(t *testing.T) {
	ps, _ := NewPatchStats(32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			if r.URL.Query().Get("model") != embedcfg.DefaultModel {
				http.Error(w, "unknown model", http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(ps.Info())
		case "/embed":
			var req embedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			out, err := ps.Embed(r.Context(), req.Images, req.Normalize)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(&embedResponse{Embeddings: out})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	log := logs.NewTestingLog(t)
	remote, err := NewRemote(context.Background(), log, srv.URL+"/", embedcfg.DefaultModel, 32)
	require.NoError(t, err)
	defer remote.Close()
	require.Equal(t, embedcfg.DefaultModel, remote.Info().Model)
	require.Equal(t, 4, remote.Info().Patches)

	frames := writeFrames(t, 3)
	cfg := testConfig()
	cfg.Model = embedcfg.DefaultModel
	viaRemote := Generate(context.Background(), remote, frames, cfg, Options{})
	require.NoError(t, viaRemote.Err)
	local := Generate(context.Background(), ps, frames, testConfig(), Options{})
	require.True(t, local.Embeddings.Equal(viaRemote.Embeddings))

	// Server side errors are fatal
	_, err = remote.Embed(context.Background(), [][]float32{{1, 2, 3}}, true)
	require.Error(t, err)

	_, err = NewRemote(context.Background(), log, srv.URL+"/nothing", "x", 32)
	require.Error(t, err)
}

func TestRemoteBatchSurvivesCancel(t *testing.T) {
	ps, _ := NewPatchStats(32)
	entered := make(chan bool, 1)
	release := make(chan bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			json.NewEncoder(w).Encode(ps.Info())
		case "/embed":
			var req embedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			entered <- true
			<-release
			out, err := ps.Embed(context.Background(), req.Images, req.Normalize)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(&embedResponse{Embeddings: out})
		}
	}))
	defer srv.Close()

	remote, err := NewRemote(context.Background(), logs.NewTestingLog(t), srv.URL, embedcfg.DefaultModel, 32)
	require.NoError(t, err)
	defer remote.Close()

	frames := writeFrames(t, 2)
	images, err := prepareBatch(frames, testConfig(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
		release <- true
	}()
	out, err := remote.Embed(ctx, images, true)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Error(t, ctx.Err())
}

func TestBatchSize(t *testing.T) {
	require.Equal(t, 1, batchSizeForMemory(0, 224))
	require.Equal(t, maxBatchSize, batchSizeForMemory(1<<50, 224))
	require.Equal(t, 37, batchSizeForMemory(4_300_000_000, 224))
	n := EstimateBatchSize(224)
	require.GreaterOrEqual(t, n, 1)
	require.LessOrEqual(t, n, maxBatchSize)
}

func TestPatchStatsInvalid(t *testing.T) {
	_, err := NewPatchStats(20)
	require.Error(t, err)
	ps, _ := NewPatchStats(16)
	_, err = ps.Embed(context.Background(), [][]float32{make([]float32, 10)}, false)
	require.Error(t, err)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	log := logs.NewTestingLog(t)
	b, err := OpenBackend(ctx, log, DefaultBackendConfig())
	require.NoError(t, err)
	require.Equal(t, PatchStatsModel, b.Info().Model)

	cfg := MakeConfig(b, false, embedcfg.DefaultTransform())
	require.Equal(t, PatchStatsModel, cfg.Model)
	require.Equal(t, embedcfg.DefaultInputSize, cfg.InputSize)
	require.False(t, cfg.Normalize)

	_, err = OpenBackend(ctx, log, BackendConfig{Kind: KindPatchStats, InputSize: 100})
	require.Error(t, err)
	_, err = OpenBackend(ctx, log, BackendConfig{Kind: "onnx"})
	require.Error(t, err)
}
