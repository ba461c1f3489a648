package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/embedder"
	"github.com/cyclopcam/frameselect/pkg/engine"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/julienschmidt/httprouter"
)

// SYNC-GENERATE-REQUEST
type generateRequest struct {
	Dir         string                    `json:"dir"`
	Force       bool                      `json:"force"`       // Recompute even if a cache exists
	ClearOthers bool                      `json:"clearOthers"` // Delete other caches after saving
	BatchSize   int                       `json:"batchSize"`   // Zero means estimate from free memory
	Normalize   *bool                     `json:"normalize"`   // nil means the server default
	Transform   *embedcfg.TransformConfig `json:"transform"`   // nil means the server default
}

// SYNC-GENERATE-MESSAGE
type generateMessage struct {
	Status  string       `json:"status"` // progress, done, cancelled, error
	Done    int          `json:"done,omitempty"`
	Total   int          `json:"total,omitempty"`
	Error   string       `json:"error,omitempty"`
	Session *sessionJSON `json:"session,omitempty"`
}

const generateProgressInterval = 250 * time.Millisecond

// Compute (or load) embeddings for a frames directory, and open a session on them.
// We use a websocket so that we can stream progress, and so that the client can cancel by
// sending any message, or by closing the socket.
func (s *Server) httpGenerate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpGenerate websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	req := generateRequest{}
	if err := c.ReadJSON(&req); err != nil {
		s.Log.Errorf("Client sent invalid generate request: %v", err)
		return
	}
	fail := func(err error) {
		c.WriteJSON(generateMessage{Status: "error", Error: err.Error()})
	}

	frames, err := framecat.Scan(req.Dir)
	if err != nil {
		fail(err)
		return
	}
	backend := s.engine.Backend()
	if backend == nil {
		fail(engine.ErrNoBackend)
		return
	}
	normalize := s.config.Normalize
	if req.Normalize != nil {
		normalize = *req.Normalize
	}
	transform := s.config.Transform
	if req.Transform != nil {
		transform = *req.Transform
	}
	cfg := embedder.MakeConfig(backend, normalize, transform)
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = embedder.EstimateBatchSize(cfg.InputSize)
	}

	s.Log.Infof("Generating embeddings for %v frames in %v (%v)", len(frames), req.Dir, cfg)
	job := s.engine.Start(frames, cfg, engine.Options{
		Force:       req.Force,
		ClearOthers: req.ClearOthers,
		BatchSize:   batchSize,
	})

	// Any message from the client, or the client going away, cancels the job.
	// Cancelling a finished job has no effect, so this is harmless when we close the socket ourselves.
	go func() {
		c.ReadMessage()
		job.Cancel()
	}()

	ticker := time.NewTicker(generateProgressInterval)
	defer ticker.Stop()
	lastDone := -1
	for {
		select {
		case res := <-job.Result():
			if errors.Is(res.Err, engine.ErrCancelled) {
				s.Log.Infof("Generation for %v cancelled", req.Dir)
				c.WriteJSON(generateMessage{Status: "cancelled"})
				return
			} else if res.Err != nil {
				s.Log.Errorf("Generation for %v failed: %v", req.Dir, res.Err)
				fail(res.Err)
				return
			}
			sess, sel, err := s.addSession(frames, res.Embeddings)
			if err != nil {
				fail(err)
				return
			}
			js := s.sessionToJSON(sess, sel)
			c.WriteJSON(generateMessage{Status: "done", Done: len(frames), Total: len(frames), Session: &js})
			return
		case <-ticker.C:
			done, total := job.Progress()
			if done == lastDone {
				continue
			}
			lastDone = done
			if err := c.WriteJSON(generateMessage{Status: "progress", Done: done, Total: total}); err != nil {
				s.Log.Infof("Generate client went away: %v", err)
				job.Cancel()
			}
		}
	}
}
