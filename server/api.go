package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() error {
	router := httprouter.New()

	handle := func(method, route string, handler httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handler)
	}

	// We create a unique rate limiter for each endpoint, so we don't need httprate.KeyByEndpoint
	ratelimited := func(method, route string, handler httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handler(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/caches", s.httpListCaches)
	handle("GET", "/api/runs", s.httpListRuns)

	handle("POST", "/api/sessions", s.httpCreateSession)
	handle("GET", "/api/sessions", s.httpListSessions)
	handle("DELETE", "/api/sessions/:id", s.httpDeleteSession)
	handle("GET", "/api/sessions/:id/signals", s.httpGetSignals)
	handle("POST", "/api/sessions/:id/select", s.httpSelect)
	handle("POST", "/api/sessions/:id/force/:frame", s.httpToggleForce)
	handle("POST", "/api/sessions/:id/save", s.httpSave)
	handle("GET", "/api/sessions/:id/frames/:frame/image", s.httpFrameImage)
	handle("GET", "/api/sessions/:id/chart.png", s.httpChart)

	ratelimited("GET", "/api/generate", s.httpGenerate, s.config.GenerateRateLimit, time.Minute)

	s.httpRouter = router
	return nil
}
