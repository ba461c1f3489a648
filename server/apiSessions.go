package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cyclopcam/frameselect/pkg/buildinfo"
	"github.com/cyclopcam/frameselect/pkg/changestats"
	"github.com/cyclopcam/frameselect/pkg/embedcfg"
	"github.com/cyclopcam/frameselect/pkg/embedstore"
	"github.com/cyclopcam/frameselect/pkg/engine"
	"github.com/cyclopcam/frameselect/pkg/framecat"
	"github.com/cyclopcam/frameselect/pkg/imgxform"
	"github.com/cyclopcam/frameselect/pkg/report"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

const maxBodyBytes = 1024 * 1024

// SYNC-SESSION-JSON
type sessionJSON struct {
	ID        string                   `json:"id"`
	FramesDir string                   `json:"framesDir"`
	NumFrames int                      `json:"numFrames"`
	CacheKey  string                   `json:"cacheKey"`
	Config    embedcfg.EmbeddingConfig `json:"config"`
	Summary   changestats.Summary      `json:"summary"`
	Request   engine.SelectRequest     `json:"request"`
	Overrides map[int]string           `json:"overrides"`
	Selection *engine.Selection        `json:"selection,omitempty"`
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time    int64  `json:"time"`
		Version string `json:"version"`
	}
	ping := &pingJSON{
		Time:    time.Now().Unix(),
		Version: buildinfo.Describe(),
	}
	www.SendJSON(w, ping)
}

func (s *Server) httpListCaches(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type cacheJSON struct {
		Key        string    `json:"key"`
		Info       string    `json:"info"`
		Broken     bool      `json:"broken"`
		FrameCount int       `json:"frameCount"`
		ModifiedAt time.Time `json:"modifiedAt"`
	}
	dir := www.RequiredQueryValue(r, "dir")
	store, err := s.engine.Store(dir)
	www.Check(err)
	entries, err := store.List()
	www.Check(err)
	out := []cacheJSON{}
	for _, e := range entries {
		out = append(out, cacheJSON{
			Key:        e.Key,
			Info:       embedstore.FormatInfo(e),
			Broken:     e.Broken,
			FrameCount: e.Meta.FrameCount,
			ModifiedAt: e.ModifiedAt,
		})
	}
	www.SendJSON(w, out)
}

// Open a frames directory from its embedding cache
func (s *Server) httpCreateSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type request struct {
		Dir string `json:"dir"`
		Key string `json:"key"` // Optional. If empty, the most recent matching cache is used.
	}
	req := request{}
	www.ReadJSON(w, r, &req, maxBodyBytes)
	if req.Dir == "" {
		www.PanicBadRequestf("Must specify dir")
	}
	frames, err := framecat.Scan(req.Dir)
	www.CheckClient(err)

	emb, err := s.engine.LoadCached(frames, req.Key)
	if errors.Is(err, engine.ErrNoCache) {
		www.Panic(http.StatusNotFound, err.Error()+". Use /api/generate to compute embeddings.")
	} else if errors.Is(err, engine.ErrBrokenCache) || errors.Is(err, engine.ErrCacheMismatch) || errors.Is(err, embedstore.ErrUnsupportedVersion) {
		www.Panic(http.StatusConflict, err.Error())
	}
	www.Check(err)

	sess, sel, err := s.addSession(frames, emb)
	if err != nil {
		www.Panic(http.StatusConflict, err.Error())
	}
	www.SendJSON(w, s.sessionToJSON(sess, sel))
}

func (s *Server) httpListSessions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.sessionsLock.Lock()
	out := []sessionJSON{}
	for _, sess := range s.sessions {
		out = append(out, s.sessionToJSON(sess, nil))
	}
	s.sessionsLock.Unlock()
	www.SendJSON(w, out)
}

func (s *Server) httpDeleteSession(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSession(params)
	s.sessionsLock.Lock()
	delete(s.sessions, sess.ID)
	s.sessionsLock.Unlock()
	www.SendOK(w)
}

func (s *Server) httpGetSignals(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type signalsJSON struct {
		Raw      changestats.Series  `json:"raw"`
		Smoothed changestats.Series  `json:"smoothed"`
		Window   int                 `json:"window"`
		Summary  changestats.Summary `json:"summary"`
		Selected []int               `json:"selected"`
	}
	sess := s.getSession(params)
	sig := sess.Signals()
	www.SendJSON(w, &signalsJSON{
		Raw:      sig.Raw,
		Smoothed: sig.Smoothed,
		Window:   sig.Window,
		Summary:  sess.Summary(),
		Selected: sess.Selected(),
	})
}

func (s *Server) httpSelect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSession(params)
	req := sess.Request()
	www.ReadJSON(w, r, &req, maxBodyBytes)
	sel, err := sess.Select(req)
	www.CheckClient(err)
	www.SendJSON(w, sel)
}

func (s *Server) httpToggleForce(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type response struct {
		Frame     int               `json:"frame"`
		State     string            `json:"state"`
		Selection *engine.Selection `json:"selection"`
	}
	sess := s.getSession(params)
	frame := parseFrame(params)
	state, sel, err := sess.ToggleForce(frame)
	www.CheckClient(err)
	www.SendJSON(w, &response{
		Frame:     frame,
		State:     state.String(),
		Selection: sel,
	})
}

func (s *Server) httpFrameImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSession(params)
	frame := parseFrame(params)
	if frame < 0 || frame >= len(sess.Frames) {
		www.PanicNotFound()
	}
	path := sess.Frames[frame].Path
	width := www.QueryInt(r, "width")
	if width <= 0 {
		www.SendFile(w, r, path, "")
		return
	}
	img, err := imgxform.LoadImage(path)
	www.Check(err)
	jpg, err := imgxform.EncodeJPEG(imgxform.Thumbnail(img, width))
	www.Check(err)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Write(jpg)
}

func (s *Server) httpChart(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSession(params)
	width := www.QueryInt(r, "width")
	height := www.QueryInt(r, "height")
	if width <= 0 {
		width = 1200
	}
	if height <= 0 {
		height = 500
	}
	sig := sess.Signals()
	w.Header().Set("Content-Type", "image/png")
	www.Check(report.RenderChart(w, &sig.Smoothed, sess.Selected(), width, height))
}

func parseFrame(params httprouter.Params) int {
	frame, err := strconv.Atoi(params.ByName("frame"))
	if err != nil {
		www.PanicBadRequestf("Invalid frame '%v'", params.ByName("frame"))
	}
	return frame
}

func (s *Server) getSession(params httprouter.Params) *engine.Session {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	sess := s.sessions[params.ByName("id")]
	if sess == nil {
		www.PanicNotFound()
	}
	return sess
}

// addSession registers a new session, and runs the initial selection with the configured defaults
func (s *Server) addSession(frames []framecat.Frame, emb *engine.Embeddings) (*engine.Session, *engine.Selection, error) {
	sess, err := engine.NewSession(frames, emb)
	if err != nil {
		return nil, nil, err
	}
	sel, err := sess.Select(engine.SelectRequest{Params: s.config.Selection})
	if err != nil {
		return nil, nil, err
	}

	s.sessionsLock.Lock()
	s.sessions[sess.ID] = sess
	s.sessionsLock.Unlock()
	s.Log.Infof("Opened session %v on %v (%v frames, cache %v, %v selected)", sess.ID, sess.FramesDir, len(frames), emb.Key, len(sel.Frames))
	return sess, sel, nil
}

func (s *Server) sessionToJSON(sess *engine.Session, sel *engine.Selection) sessionJSON {
	overrides := map[int]string{}
	for frame, state := range sess.Overrides() {
		overrides[frame] = state.String()
	}
	return sessionJSON{
		ID:        sess.ID,
		FramesDir: sess.FramesDir,
		NumFrames: len(sess.Frames),
		CacheKey:  sess.Embeddings.Key,
		Config:    sess.Embeddings.Config,
		Summary:   sess.Summary(),
		Request:   sess.Request(),
		Overrides: overrides,
		Selection: sel,
	}
}
