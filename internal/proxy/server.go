package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"languagepal-offline/internal/config"
	"languagepal-offline/internal/offline"
	"languagepal-offline/pkg/cache"
	"languagepal-offline/pkg/expstore"
	"languagepal-offline/pkg/health"
	"languagepal-offline/pkg/janitor"
	"languagepal-offline/pkg/logger"
	"languagepal-offline/pkg/ratelimit"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
)

type Server struct {
	config        *config.Config
	logger        *logger.Logger
	server        *http.Server
	db            *leveldb.DB
	controller    *offline.Controller
	store         *expstore.Store
	healthChecker *health.Checker
	limiter       *ratelimit.Limiter
	janitors      []*janitor.Janitor
	middleware    *Middleware
	handler       *Handler
	api           *API

	deployMu     sync.Mutex
	cancelDeploy context.CancelFunc
	deployWg     sync.WaitGroup
	shutdownOnce sync.Once
}

func NewServer(cfg *config.Config, log *logger.Logger) (*Server, error) {
	origin, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin url: %w", err)
	}

	s := &Server{
		config: cfg,
		logger: log,
	}

	var (
		caches  cache.Storage
		backend expstore.Backend
	)
	switch cfg.Storage.Backend {
	case "leveldb":
		db, err := leveldb.OpenFile(cfg.Storage.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage at %s: %w", cfg.Storage.Path, err)
		}
		s.db = db
		caches = cache.NewLevelDBStorage(db)
		backend = expstore.NewLevelDBBackend(db)
	default:
		caches = cache.NewMemoryStorage()
		backend = expstore.NewMemoryBackend()
	}
	log.Info("Storage opened",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("path", cfg.Storage.Path))

	network := http.DefaultTransport.(*http.Transport).Clone()
	network.ResponseHeaderTimeout = cfg.Origin.Timeout

	controller, err := offline.NewController(offline.Config{
		Origin:             origin,
		Manifest:           cfg.Offline.Manifest,
		OfflinePath:        cfg.Offline.OfflinePath,
		APIMarker:          cfg.Offline.APIMarker,
		OfflineMessage:     cfg.Offline.OfflineMessage,
		InstallConcurrency: cfg.Offline.InstallConcurrency,
		InstallMaxElapsed:  cfg.Offline.InstallMaxElapsed,
	}, caches, network, log)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	s.controller = controller

	s.store = expstore.New(backend)
	if cfg.Storage.SweepInterval > 0 {
		s.janitors = append(s.janitors, s.store.Sweeper(cfg.Storage.SweepInterval, s.logJanitorRun))
	}

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
		s.janitors = append(s.janitors, s.limiter.Janitor(cfg.RateLimit.IdleTimeout, cfg.RateLimit.IdleTimeout))
	}

	if cfg.HealthCheck.Enabled {
		s.healthChecker = health.NewChecker(
			strings.TrimRight(origin.String(), "/"),
			cfg.HealthCheck.Endpoint,
			cfg.HealthCheck.Interval,
			cfg.HealthCheck.Timeout,
			cfg.HealthCheck.FailureThreshold,
			log.Zap(),
		)
	}

	s.handler = NewHandler(origin, controller, log)
	s.middleware = NewMiddleware(log, s.limiter)
	s.api = NewAPI(controller, s.healthChecker, s.store, log)

	return s, nil
}

// Handler returns the full request pipeline: local endpoints first, then the
// offline-aware proxy for everything else.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.api.Register(mux)
	mux.Handle("/", s.handler)
	return s.middleware.Chain(mux)
}

// Deploy brings the configured cache generation into service.
func (s *Server) Deploy(ctx context.Context) error {
	generation := s.config.Offline.Version
	log := s.logger.WithGeneration(generation)

	start := time.Now()
	if err := s.controller.Deploy(ctx, generation); err != nil {
		log.Error("Deploy failed", zap.Error(err))
		return err
	}
	log.Info("Generation active", zap.Duration("duration", time.Since(start)))
	return nil
}

// startDeploy runs keepDeploying in the background until it succeeds, ctx is
// done or the server shuts down.
func (s *Server) startDeploy(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.deployMu.Lock()
	s.cancelDeploy = cancel
	s.deployMu.Unlock()

	s.deployWg.Add(1)
	go func() {
		defer s.deployWg.Done()
		defer cancel()
		s.keepDeploying(ctx)
	}()
}

// keepDeploying retries Deploy every RetryInterval until it succeeds or ctx
// is done.
func (s *Server) keepDeploying(ctx context.Context) {
	interval := s.config.Offline.RetryInterval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if err := s.Deploy(ctx); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("Deploy will be retried", zap.Duration("in", interval))

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	// Serve immediately; requests pass through uncached until deploy finishes.
	s.startDeploy(ctx)

	if s.healthChecker != nil {
		s.healthChecker.Start(ctx)
	}
	for _, j := range s.janitors {
		j.Start()
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting HTTP server",
			zap.String("address", s.server.Addr),
			zap.String("origin", s.config.Origin.URL))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server")
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops background work, drains in-flight cache writes and closes
// storage. It is safe to call more than once.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup

	if s.healthChecker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.healthChecker.Stop()
		}()
	}

	for _, j := range s.janitors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Stop()
		}()
	}

	var serverErr error
	if s.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serverErr = s.server.Shutdown(ctx)
		}()
	}

	wg.Wait()

	s.deployMu.Lock()
	if s.cancelDeploy != nil {
		s.cancelDeploy()
	}
	s.deployMu.Unlock()
	s.deployWg.Wait()
	s.controller.Close()

	if errors.Is(serverErr, context.DeadlineExceeded) {
		// handlers still running may read the cache; leave storage open for them
		s.logger.Warn("Server shutdown timed out, storage left open", zap.Error(serverErr))
		return serverErr
	}
	return errors.Join(serverErr, s.closeDB())
}

func (s *Server) closeDB() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

func (s *Server) logJanitorRun(name string, removed int, err error) {
	if err != nil {
		s.logger.Warn("Cleanup failed", zap.String("janitor", name), zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Debug("Cleanup completed", zap.String("janitor", name), zap.Int("removed", removed))
	}
}
