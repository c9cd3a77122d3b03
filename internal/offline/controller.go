// Package offline intercepts the page's outbound requests, serves cached
// assets and substitutes offline fallbacks when the network is unreachable.
//
// Cached assets live in named generations. Install seeds a new generation from
// a fixed manifest; Activate makes it current and deletes every other one.
package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"languagepal-offline/pkg/cache"
	"languagepal-offline/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotInstalled = errors.New("offline: no installed generation to activate")
	ErrBusy         = errors.New("offline: lifecycle transition already in progress")
	ErrNoFallback   = errors.New("offline: network unavailable and no fallback cached")
)

type State int

const (
	StateIdle State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Config struct {
	// Origin is the server relative manifest entries and the offline page resolve against.
	Origin *url.URL
	// Manifest lists the assets seeded into every new generation.
	Manifest []string
	// OfflinePath is the page served for failed navigations. It should be in Manifest.
	OfflinePath    string
	APIMarker      string
	OfflineMessage string
	// InstallConcurrency bounds parallel manifest fetches.
	InstallConcurrency int
	// InstallMaxElapsed bounds how long Deploy keeps retrying a failed install.
	InstallMaxElapsed time.Duration
}

type Controller struct {
	cfg     Config
	rules   Rules
	caches  cache.Storage
	network http.RoundTripper
	logger  *logger.Logger
	stats   stats

	mu      sync.RWMutex
	state   State
	current cache.Generation
	pending string

	// background cache writes; closed stops new ones
	wg     sync.WaitGroup
	closed bool
}

// Status is a point-in-time view of the controller.
type Status struct {
	State   State  `json:"state"`
	Current string `json:"current_generation,omitempty"`
	Pending string `json:"pending_generation,omitempty"`
	Stats   Stats  `json:"stats"`
}

func NewController(cfg Config, caches cache.Storage, network http.RoundTripper, log *logger.Logger) (*Controller, error) {
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, fmt.Errorf("offline: origin must be an absolute URL")
	}
	if cfg.OfflinePath == "" {
		cfg.OfflinePath = "/offline"
	}
	if cfg.OfflineMessage == "" {
		cfg.OfflineMessage = DefaultOfflineMessage
	}
	if cfg.InstallConcurrency <= 0 {
		cfg.InstallConcurrency = 4
	}
	if cfg.InstallMaxElapsed <= 0 {
		cfg.InstallMaxElapsed = 5 * time.Minute
	}
	if network == nil {
		network = http.DefaultTransport
	}

	return &Controller{
		cfg:     cfg,
		rules:   Rules{APIMarker: cfg.APIMarker},
		caches:  caches,
		network: network,
		logger:  log.WithComponent("offline"),
	}, nil
}

// Install fetches every manifest asset and stores them in the named
// generation. Either every asset is stored or none is.
func (c *Controller) Install(ctx context.Context, generation string) error {
	c.mu.Lock()
	if c.state == StateInstalling || c.state == StateActivating {
		c.mu.Unlock()
		return ErrBusy
	}
	prev, prevPending := c.state, c.pending
	c.state = StateInstalling
	c.pending = generation
	c.mu.Unlock()

	log := c.logger.WithGeneration(generation)
	log.Info("Installing generation", zap.Int("assets", len(c.cfg.Manifest)))

	err := c.install(ctx, generation, log)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state, c.pending = prev, prevPending
		log.Warn("Install failed", zap.Error(err))
		return fmt.Errorf("install %s: %w", generation, err)
	}
	c.state = StateInstalled
	return nil
}

func (c *Controller) install(ctx context.Context, generation string, log *logger.Logger) error {
	items, err := c.fetchManifest(ctx)
	if err != nil {
		return err
	}

	existed, err := c.caches.Has(generation)
	if err != nil {
		return err
	}
	gen, err := c.caches.Open(generation)
	if err != nil {
		return err
	}
	if err := gen.PutAll(items); err != nil {
		if !existed {
			if _, derr := c.caches.Delete(generation); derr != nil {
				log.Warn("Failed to discard partial generation", zap.Error(derr))
			}
		}
		return err
	}

	var size uint64
	for _, it := range items {
		size += uint64(len(it.Entry.Body))
	}
	log.Info("Generation installed",
		zap.Int("assets", len(items)),
		zap.String("size", humanize.Bytes(size)))
	return nil
}

func (c *Controller) fetchManifest(ctx context.Context) ([]cache.Item, error) {
	items := make([]cache.Item, len(c.cfg.Manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.InstallConcurrency)
	for i, asset := range c.cfg.Manifest {
		g.Go(func() error {
			item, err := c.fetchAsset(gctx, asset)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Controller) fetchAsset(ctx context.Context, asset string) (cache.Item, error) {
	u, err := c.resolve(asset)
	if err != nil {
		return cache.Item{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return cache.Item{}, err
	}

	resp, err := c.network.RoundTrip(req)
	if err != nil {
		return cache.Item{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cache.Item{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Item{}, err
	}
	return cache.Item{
		Method: http.MethodGet,
		URL:    u,
		Entry:  cache.NewEntry(resp.StatusCode, resp.Header, body),
	}, nil
}

// Activate makes the installed generation current and deletes all others.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInstalled {
		c.mu.Unlock()
		return ErrNotInstalled
	}
	name := c.pending
	gen, err := c.caches.Open(name)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("activate %s: %w", name, err)
	}
	c.state = StateActivating
	c.current = gen
	c.mu.Unlock()

	log := c.logger.WithGeneration(name)
	err = c.purgeExcept(ctx, name, log)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateActive
	c.pending = ""
	if err != nil {
		return fmt.Errorf("activate %s: %w", name, err)
	}
	log.Info("Generation activated")
	return nil
}

func (c *Controller) purgeExcept(ctx context.Context, keep string, log *logger.Logger) error {
	names, err := c.caches.Keys()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == keep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.caches.Delete(name); err != nil {
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
		log.Info("Stale generation deleted", zap.String("stale", name))
	}
	return nil
}

// Deploy brings the named generation into service. A generation already
// present in storage is adopted without touching the network; otherwise it is
// installed, retrying with backoff, and then activated.
func (c *Controller) Deploy(ctx context.Context, generation string) error {
	c.mu.RLock()
	active := c.state == StateActive && c.current != nil && c.current.Name() == generation
	c.mu.RUnlock()
	if active {
		return nil
	}

	adopted, err := c.adopt(generation)
	if err != nil {
		return err
	}
	if !adopted {
		if err := c.servePersisted(generation); err != nil {
			c.logger.Warn("Failed to restore persisted generation", zap.Error(err))
		}
		b := backoff.NewExponentialBackOff()
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := c.Install(ctx, generation)
			if errors.Is(err, ErrBusy) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(c.cfg.InstallMaxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn("Retrying install",
					zap.String("generation", generation),
					zap.Duration("next", next),
					zap.Error(err))
			}),
		)
		if err != nil {
			return err
		}
	}
	return c.Activate(ctx)
}

// adopt marks a previously persisted, non-empty generation as installed.
func (c *Controller) adopt(generation string) (bool, error) {
	has, err := c.caches.Has(generation)
	if err != nil || !has {
		return false, err
	}
	gen, err := c.caches.Open(generation)
	if err != nil {
		return false, err
	}
	n, err := gen.Len()
	if err != nil || n == 0 {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInstalling || c.state == StateActivating {
		return false, ErrBusy
	}
	c.state = StateInstalled
	c.pending = generation
	c.logger.WithGeneration(generation).Info("Adopted persisted generation", zap.Int("entries", n))
	return true, nil
}

// servePersisted puts the newest non-empty persisted generation other than
// target in service while target is installed. The old generation stays until
// Activate of target purges it.
func (c *Controller) servePersisted(target string) error {
	if c.currentGeneration() != nil {
		return nil
	}
	names, err := c.caches.Keys()
	if err != nil {
		return err
	}
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if name == target {
			continue
		}
		gen, err := c.caches.Open(name)
		if err != nil {
			return err
		}
		n, err := gen.Len()
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		c.mu.Lock()
		restored := c.current == nil && c.state == StateIdle
		if restored {
			c.current = gen
			c.state = StateActive
		}
		c.mu.Unlock()
		if restored {
			c.logger.WithGeneration(name).Info("Serving persisted generation until install completes",
				zap.String("target", target),
				zap.Int("entries", n))
		}
		return nil
	}
	return nil
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		State:   c.state,
		Pending: c.pending,
		Stats:   c.stats.snapshot(),
	}
	if c.current != nil {
		s.Current = c.current.Name()
	}
	return s
}

// Close waits for in-flight background cache writes. Pages fetched after
// Close are still served but no longer stored.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) currentGeneration() cache.Generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Controller) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return c.cfg.Origin.ResolveReference(u).String(), nil
}

func (c *Controller) sameOrigin(u *url.URL) bool {
	return u.Scheme == c.cfg.Origin.Scheme && u.Host == c.cfg.Origin.Host
}
