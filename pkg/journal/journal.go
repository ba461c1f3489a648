// Package journal records every saved selection in SQLite, so that a later run on the same
// frames directory can be compared against the previous one.
package journal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/selector"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// SYNC-JOURNAL-RUN-PARAMS
type RunParams struct {
	Model       string          `json:"model"`
	Transform   string          `json:"transform"` // eg crop:center
	Selection   selector.Params `json:"selection"`
	TargetCount int             `json:"targetCount,omitempty"`
	Diversity   bool            `json:"diversity,omitempty"`
}

// MakeRunParams describes a selection that was made from embeddings with config cfg
func MakeRunParams(cfg embedcfg.EmbeddingConfig, selection selector.Params, targetCount int, diversity bool) RunParams {
	return RunParams{
		Model:       cfg.Model,
		Transform:   fmt.Sprintf("%v:%v", cfg.Transform.Mode, cfg.Transform.Alignment),
		Selection:   selection,
		TargetCount: targetCount,
		Diversity:   diversity,
	}
}

// A Run is one saved selection
type Run struct {
	BaseModel
	UUID          string                    `json:"uuid"`
	Time          dbh.IntTime               `json:"time"`
	FramesDir     string                    `json:"framesDir"`
	CacheKey      string                    `json:"cacheKey"`
	FrameCount    int                       `json:"frameCount"`
	Params        *dbh.JSONField[RunParams] `json:"params"`
	SelectedCount int                       `json:"selectedCount"`
	Frames        []int                     `gorm:"-" json:"frames"` // Selected frame indices, ascending
}

type RunFrame struct {
	RunID      int64
	FrameIndex int
}

type Journal struct {
	log logs.Log
	db  *gorm.DB
}

// Open or create the journal database
func Open(log logs.Log, dbFilename string) (*Journal, error) {
	log = logs.NewPrefixLogger(log, "Journal")
	os.MkdirAll(filepath.Dir(dbFilename), 0777)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open journal database %v: %w", dbFilename, err)
	}
	return &Journal{
		log: log,
		db:  db,
	}, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewRun builds a Run that is ready to Record
func NewRun(framesDir, cacheKey string, frameCount int, params RunParams, frames []int) *Run {
	return &Run{
		UUID:          uuid.NewString(),
		Time:          dbh.MakeIntTime(time.Now()),
		FramesDir:     filepath.Clean(framesDir),
		CacheKey:      cacheKey,
		FrameCount:    frameCount,
		Params:        dbh.MakeJSONField(params),
		SelectedCount: len(frames),
		Frames:        frames,
	}
}

// Record inserts run and its frames. run.ID is populated.
func (j *Journal) Record(run *Run) error {
	err := j.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(run.Frames) == 0 {
			return nil
		}
		rows := make([]RunFrame, len(run.Frames))
		for i, f := range run.Frames {
			rows[i] = RunFrame{RunID: run.ID, FrameIndex: f}
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return fmt.Errorf("Failed to record run: %w", err)
	}
	j.log.Infof("Recorded run %v: %v of %v frames in %v", run.ID, run.SelectedCount, run.FrameCount, run.FramesDir)
	return nil
}

// Latest returns the most recent run for framesDir, or nil if there is none
func (j *Journal) Latest(framesDir string) (*Run, error) {
	run := Run{}
	err := j.db.Where("frames_dir = ?", filepath.Clean(framesDir)).Order("time DESC, id DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err := j.loadFrames(&run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Runs returns the most recent runs for framesDir, newest first, without their frames
func (j *Journal) Runs(framesDir string, limit int) ([]Run, error) {
	runs := []Run{}
	err := j.db.Where("frames_dir = ?", filepath.Clean(framesDir)).Order("time DESC, id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

func (j *Journal) loadFrames(run *Run) error {
	run.Frames = []int{}
	return j.db.Model(&RunFrame{}).Where("run_id = ?", run.ID).Order("frame_index").Pluck("frame_index", &run.Frames).Error
}

// Compare returns the frames that next selected and prev did not (added), and vice versa.
// A nil prev means everything in next was added.
func Compare(prev, next *Run) (added, removed []int) {
	var before []int
	if prev != nil {
		before = prev.Frames
	}
	return selector.Diff(before, next.Frames)
}
