package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/frameselect/pkg/buildinfo"
	"github.com/cyclopcam/frameselect/pkg/diversity"
	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/embedder"
	"github.com/cyclopcam/frameselect/pkg/embedstore"
	"github.com/cyclopcam/frameselect/pkg/engine"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/frameselect/pkg/journal"
	"github.com/cyclopcam/frameselect/pkg/report"
	"github.com/cyclopcam/frameselect/pkg/selector"
	"github.com/cyclopcam/frameselect/pkg/vectorexport"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func main() {
	defaults := selector.NewParams()

	parser := argparse.NewParser("selectframes", "Select the frames of a video where something changed, using patch embeddings")
	inputDir := parser.String("i", "input-dir", &argparse.Options{Help: "Directory of frames (jpg or png, sorted by filename)", Required: true})
	outputDir := parser.String("o", "output-dir", &argparse.Options{Help: "Directory for the selected frames and metrics", Required: true})
	backendKind := parser.Selector("", "backend", []string{embedder.KindPatchStats, embedder.KindRemote}, &argparse.Options{Help: "Embedding backend", Default: embedder.KindPatchStats})
	backendURL := parser.String("", "backend-url", &argparse.Options{Help: "URL of the embedding service (remote backend)", Default: ""})
	model := parser.String("", "model", &argparse.Options{Help: "Model name (remote backend)", Default: embedcfg.DefaultModel})
	inputSize := parser.Int("", "input-size", &argparse.Options{Help: "Model input size", Default: embedcfg.DefaultInputSize})
	batchSize := parser.Int("", "batch-size", &argparse.Options{Help: "Frames per batch. 0 = estimate from free memory", Default: embedder.DefaultBatchSize})
	concentration := parser.Float("", "concentration-percentile", &argparse.Options{Help: "Percentile threshold for spatial concentration of change", Default: defaults.ConcentrationPercentile})
	totalChange := parser.Float("", "total-change-percentile", &argparse.Options{Help: "Percentile threshold for total change", Default: defaults.TotalChangePercentile})
	entropy := parser.Float("", "entropy-percentile", &argparse.Options{Help: "Percentile ceiling for change entropy", Default: defaults.EntropyPercentile})
	temporalWindow := parser.Int("", "temporal-window", &argparse.Options{Help: "Moving average window for the signals", Default: defaults.TemporalWindow})
	minSpacing := parser.Int("", "min-spacing", &argparse.Options{Help: "Minimum number of frames between selections", Default: defaults.MinSpacing})
	localMaxWindow := parser.Int("", "local-max-window", &argparse.Options{Help: "Half-width of the local maximum test. 0 = same as min-spacing", Default: 0})
	targetCount := parser.Int("", "target-count", &argparse.Options{Help: "Auto-calibrate to select at most this many frames. 0 = off", Default: 0})
	diversitySampling := parser.Flag("", "diversity-sampling", &argparse.Options{Help: "Prune candidates with farthest-point sampling", Default: false})
	seed := parser.Int("", "seed", &argparse.Options{Help: "Seed for diversity sampling. -1 = random", Default: -1})
	noNormalize := parser.Flag("", "no-l2-normalize", &argparse.Options{Help: "Don't L2 normalize patch embeddings", Default: false})
	transformMode := parser.Selector("", "transform", []string{"crop", "pad", "scale"}, &argparse.Options{Help: "How to make frames square", Default: "crop"})
	alignment := parser.Selector("", "alignment", []string{"center", "top", "bottom", "left", "right"}, &argparse.Options{Help: "Alignment for crop and pad", Default: "center"})
	overwrite := parser.Flag("", "overwrite", &argparse.Options{Help: "Replace the output of a previous run", Default: false})
	cacheDir := parser.String("", "cache-dir", &argparse.Options{Help: "Embedding cache directory. Default is <input-dir>/" + embedstore.DirName, Default: ""})
	force := parser.Flag("", "force", &argparse.Options{Help: "Recompute embeddings even if cached", Default: false})
	noRecompute := parser.Flag("", "no-recompute", &argparse.Options{Help: "Fail if the embeddings are not cached", Default: false})
	clearOthers := parser.Flag("", "clear-other-caches", &argparse.Options{Help: "Delete other embedding caches after saving", Default: false})
	journalPath := parser.String("", "journal", &argparse.Options{Help: "SQLite journal of runs. Reports the difference to the previous run", Default: ""})
	chart := parser.Flag("", "chart", &argparse.Options{Help: "Write a chart of the signals", Default: false})
	pgvectorDSN := parser.String("", "pgvector", &argparse.Options{Help: "Postgres DSN to export selected frame embeddings to", Default: ""})
	showVersion := parser.Flag("", "version", &argparse.Options{Help: "Print the version and exit", Default: false})
	// argparse fails on missing required arguments before we can see --version
	for _, a := range os.Args[1:] {
		if a == "--version" {
			*showVersion = true
		}
	}
	if *showVersion {
		fmt.Printf("selectframes %v\n", buildinfo.Describe())
		return
	}
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if *force && *noRecompute {
		check(errors.New("--force and --no-recompute are mutually exclusive"))
	}

	logger, err := logs.NewLog()
	check(err)

	params := selector.Params{
		ConcentrationPercentile: *concentration,
		TotalChangePercentile:   *totalChange,
		EntropyPercentile:       *entropy,
		TemporalWindow:          *temporalWindow,
		MinSpacing:              *minSpacing,
		LocalMaxWindow:          *localMaxWindow,
	}
	check(params.Validate())
	transform, err := embedcfg.NewTransformConfig(*transformMode, *alignment)
	check(err)

	frames, err := framecat.Scan(*inputDir)
	check(err)
	fmt.Printf("Found %v frames in %v\n", len(frames), *inputDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// With --no-recompute we never need the backend, so we don't require the service to be up
	backendCfg := embedder.BackendConfig{Kind: *backendKind, URL: *backendURL, Model: *model, InputSize: *inputSize}
	var backend embedder.Backend
	var cfg embedcfg.EmbeddingConfig
	if *noRecompute {
		cfg = embedcfg.EmbeddingConfig{Model: *model, InputSize: *inputSize, Normalize: !*noNormalize, Transform: transform}
		if *backendKind == embedder.KindPatchStats {
			cfg.Model = embedder.PatchStatsModel
		}
	} else {
		backend, err = embedder.OpenBackend(ctx, logger, backendCfg)
		check(err)
		defer backend.Close()
		cfg = embedder.MakeConfig(backend, !*noNormalize, transform)
	}

	eng := engine.New(logger, backend)
	if *cacheDir != "" {
		eng.SetCacheDir(*cacheDir)
	}
	if *batchSize == 0 {
		*batchSize = embedder.EstimateBatchSize(cfg.InputSize)
		fmt.Printf("Using batch size %v\n", *batchSize)
	}

	emb, err := eng.LoadOrCompute(ctx, frames, cfg, engine.Options{
		Force:       *force,
		NoRecompute: *noRecompute,
		ClearOthers: *clearOthers,
		BatchSize:   *batchSize,
		Progress: func(done, total int) {
			fmt.Printf("\rEmbedding frames %v/%v", done, total)
			if done == total {
				fmt.Printf("\n")
			}
		},
	})
	if errors.Is(err, engine.ErrCancelled) {
		fmt.Printf("\nCancelled. Nothing was saved.\n")
		os.Exit(1)
	}
	check(err)
	if emb.FromCache {
		fmt.Printf("Using cached embeddings %v\n", emb.Key)
	}

	sess, err := engine.NewSession(frames, emb)
	check(err)
	req := engine.SelectRequest{
		Params:      params,
		TargetCount: *targetCount,
		Diversity:   *diversitySampling,
	}
	if *seed >= 0 {
		s := uint64(*seed)
		req.Seed = &s
	}
	sel, err := sess.Select(req)
	check(err)

	fmt.Printf("Signals: %v\n", sess.Summary())
	fmt.Printf("Thresholds: concentration %.4f (p%v), total change %.4f, entropy %.4f\n",
		sel.Thresholds.Concentration, sel.ConcentrationPercentile, sel.Thresholds.TotalChange, sel.Thresholds.Entropy)
	fmt.Printf("Selected %v of %v frames\n", len(sel.Frames), len(frames))

	sig := sess.Signals()
	check(report.Write(*outputDir, frames, &sig.Smoothed, sel.Frames, report.WriteOptions{
		Overwrite: *overwrite,
		Chart:     *chart,
	}))
	fmt.Printf("Wrote %v\n", *outputDir)

	runUUID := ""
	if *journalPath != "" {
		j, err := journal.Open(logger, *journalPath)
		check(err)
		defer j.Close()
		prev, err := j.Latest(sess.FramesDir)
		check(err)
		run := journal.NewRun(sess.FramesDir, emb.Key, len(frames), journal.MakeRunParams(cfg, params, *targetCount, *diversitySampling), sel.Frames)
		check(j.Record(run))
		runUUID = run.UUID
		if prev != nil {
			added, removed := journal.Compare(prev, run)
			fmt.Printf("Compared to the previous run: %v added %v, %v removed %v\n", len(added), added, len(removed), removed)
		}
	}

	if *pgvectorDSN != "" {
		x, err := vectorexport.Connect(ctx, logger, *pgvectorDSN)
		check(err)
		defer x.Close()
		check(x.EnsureSchema(ctx, emb.Tensor.Dim()))
		check(x.Export(ctx, runUUID, sess.FramesDir, sess.SelectedFrames(), diversity.Representations(emb.Tensor, sel.Frames)))
		fmt.Printf("Exported %v vectors\n", len(sel.Frames))
	}
}
