package server

import (
	"errors"
	"net/http"

	"github.com/cyclopcam/frameselect/pkg/diversity"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/frameselect/pkg/journal"
	"github.com/cyclopcam/frameselect/pkg/report"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Save the current selection of a session: copy frames, write metrics (and optionally a chart),
// record the run in the journal, and optionally export vectors.
func (s *Server) httpSave(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type request struct {
		OutputDir     string `json:"outputDir"`
		Overwrite     bool   `json:"overwrite"`
		Chart         bool   `json:"chart"`
		ExportVectors bool   `json:"exportVectors"`
	}
	type response struct {
		OutputDir string `json:"outputDir"`
		Count     int    `json:"count"`
		RunID     int64  `json:"runId,omitempty"`
		// Relative to the previous journaled run of this frames directory
		AddedSinceLastRun   []int `json:"addedSinceLastRun"`
		RemovedSinceLastRun []int `json:"removedSinceLastRun"`
		Exported            int   `json:"exported"`
	}
	sess := s.getSession(params)
	req := request{}
	www.ReadJSON(w, r, &req, maxBodyBytes)
	if req.OutputDir == "" {
		www.PanicBadRequestf("Must specify outputDir")
	}
	if req.ExportVectors && s.vectors == nil {
		www.PanicBadRequestf("Vector export is not configured on this server")
	}

	selected := sess.Selected()
	sig := sess.Signals()
	err := report.Write(req.OutputDir, sess.Frames, &sig.Smoothed, selected, report.WriteOptions{
		Overwrite: req.Overwrite,
		Chart:     req.Chart,
	})
	if errors.Is(err, report.ErrOutputNotEmpty) {
		www.Panic(http.StatusConflict, err.Error())
	}
	www.Check(err)

	resp := response{
		OutputDir:           req.OutputDir,
		Count:               len(selected),
		AddedSinceLastRun:   []int{},
		RemovedSinceLastRun: []int{},
	}

	runUUID := ""
	if s.journal != nil {
		prev, err := s.journal.Latest(sess.FramesDir)
		www.Check(err)
		sreq := sess.Request()
		run := journal.NewRun(sess.FramesDir, sess.Embeddings.Key, len(sess.Frames),
			journal.MakeRunParams(sess.Embeddings.Config, sreq.Params, sreq.TargetCount, sreq.Diversity), selected)
		www.Check(s.journal.Record(run))
		runUUID = run.UUID
		resp.RunID = run.ID
		resp.AddedSinceLastRun, resp.RemovedSinceLastRun = journal.Compare(prev, run)
	}

	if req.ExportVectors {
		reps := diversity.Representations(sess.Embeddings.Tensor, selected)
		frames := make([]framecat.Frame, len(selected))
		for i, idx := range selected {
			frames[i] = sess.Frames[idx]
		}
		www.Check(s.vectors.Export(r.Context(), runUUID, sess.FramesDir, frames, reps))
		resp.Exported = len(reps)
	}

	s.Log.Infof("Saved %v frames from %v to %v", len(selected), sess.FramesDir, req.OutputDir)
	www.SendJSON(w, &resp)
}

func (s *Server) httpListRuns(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.journal == nil {
		www.PanicBadRequestf("The journal is not configured on this server")
	}
	dir := www.RequiredQueryValue(r, "dir")
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = 20
	}
	runs, err := s.journal.Runs(dir, limit)
	www.Check(err)
	www.SendJSON(w, runs)
}
