package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/frameselect/pkg/blobstore"
	"github.com/cyclopcam/frameselect/pkg/buildinfo"
	"github.com/cyclopcam/frameselect/pkg/embedder"
	"github.com/cyclopcam/frameselect/pkg/embedstore"
	"github.com/cyclopcam/frameselect/pkg/engine"
	"github.com/cyclopcam/frameselect/pkg/journal"
	"github.com/cyclopcam/frameselect/pkg/kibi"
	"github.com/cyclopcam/frameselect/pkg/vectorexport"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Server is the review server. It holds one Session per opened frames directory, and
// lets a client tune the selection parameters, override individual frames, and save the result.
type Server struct {
	Log logs.Log

	config     Config
	engine     *engine.Engine
	journal    *journal.Journal       // nil if disabled
	vectors    *vectorexport.Exporter // nil if disabled
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader

	shutdownOnce sync.Once
	sessionsLock sync.Mutex
	sessions     map[string]*engine.Session
}

func NewServer(logger logs.Log, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	backend, err := embedder.OpenBackend(ctx, logger, cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("Failed to open embedding backend: %w", err)
	}
	eng := engine.New(logger, backend)

	// Open blob store
	if cfg.CacheStorage.Filesystem != nil {
		eng.SetCacheDir(cfg.CacheStorage.Filesystem.Root)
	} else if remote, err := openRemoteStorage(ctx, logger, cfg); err != nil {
		backend.Close()
		return nil, err
	} else if remote != nil {
		eng.SetSharedStore(embedstore.NewStore(logger, remote))
	}

	s := &Server{
		Log:      logger,
		config:   cfg,
		engine:   eng,
		sessions: map[string]*engine.Session{},
	}

	if cfg.Journal != "" {
		if s.journal, err = journal.Open(logger, cfg.Journal); err != nil {
			s.closeResources()
			return nil, err
		}
	}
	if cfg.VectorDB != "" {
		if s.vectors, err = vectorexport.Connect(ctx, logger, cfg.VectorDB); err != nil {
			s.closeResources()
			return nil, err
		}
		if err := s.vectors.EnsureSchema(ctx, backend.Info().Dim); err != nil {
			s.closeResources()
			return nil, err
		}
	}

	logger.Infof("frameserver %v, backend %v", buildinfo.Describe(), backend.Info().Model)
	if err := s.setupHttpRoutes(); err != nil {
		s.closeResources()
		return nil, err
	}
	return s, nil
}

// Returns nil if the cache is not remote
func openRemoteStorage(ctx context.Context, log logs.Log, cfg Config) (blobstore.Storage, error) {
	var upstream blobstore.Storage
	if cfg.CacheStorage.GCS != nil {
		// Google Cloud Storage
		gcs, err := blobstore.NewStorageGCS(log, cfg.CacheStorage.GCS.Bucket, cfg.CacheStorage.GCS.Folder)
		if err != nil {
			return nil, err
		}
		upstream = gcs
	} else if cfg.CacheStorage.S3 != nil {
		// S3 or any compatible store, such as minio
		s3, err := blobstore.NewStorageS3(log, *cfg.CacheStorage.S3)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		upstream = s3
	} else {
		return nil, nil
	}
	if cfg.LocalCache == "" {
		return upstream, nil
	}
	// Embedding arrays are large, and we re-read them every time a session is opened
	maxBytes, err := cfg.localCacheBytes()
	if err != nil {
		return nil, err
	}
	log.Infof("Keeping up to %v of remote cache blobs in %v", kibi.Format(maxBytes), cfg.LocalCache)
	return blobstore.NewCache(log, upstream, cfg.LocalCache, maxBytes)
}

func (s *Server) closeResources() {
	if b := s.engine.Backend(); b != nil {
		if err := b.Close(); err != nil {
			s.Log.Warnf("Failed to close embedding backend: %v", err)
		}
	}
	if s.journal != nil {
		s.journal.Close()
	}
	if s.vectors != nil {
		s.vectors.Close()
	}
}

// Handler returns the HTTP router, for embedding the server in tests
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// port example: ":8090"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.httpServer.Shutdown(ctx)
		cancel()
		if err != nil {
			s.Log.Warnf("HTTP shutdown error: %v", err)
		}
	}
	s.closeResources()
	s.Log.Infof("Shutdown complete")
}
