// Package health checks the origin server so the proxy can report whether the
// network path to it is currently usable.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Checker struct {
	url              string
	interval         time.Duration
	failureThreshold int
	client           *http.Client
	logger           *zap.Logger
	mu               sync.RWMutex
	online           bool
	failures         int
	lastCheck        time.Time
	stopCh           chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup
}

// Status is a point-in-time view of the origin's reachability.
type Status struct {
	URL       string    `json:"url"`
	Online    bool      `json:"online"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check"`
}

func NewChecker(
	origin string,
	endpoint string,
	interval time.Duration,
	timeout time.Duration,
	failureThreshold int,
	logger *zap.Logger,
) *Checker {
	return &Checker{
		url:              origin + endpoint,
		interval:         interval,
		failureThreshold: failureThreshold,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
		online: true,
		stopCh: make(chan struct{}),
	}
}

func (c *Checker) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *Checker) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check requests the origin once and returns the resulting online state.
// Any response below 500 counts as reachable.
func (c *Checker) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return c.record(false, zap.Error(err))
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return c.record(false, zap.Error(err), zap.Duration("duration", duration))
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return c.record(false, zap.Int("status_code", resp.StatusCode), zap.Duration("duration", duration))
	}
	return c.record(true, zap.Duration("duration", duration))
}

func (c *Checker) record(ok bool, fields ...zap.Field) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCheck = time.Now()
	fields = append(fields, zap.String("origin", c.url))

	if ok {
		c.failures = 0
		if !c.online {
			c.online = true
			c.logger.Info("Origin reachable again", fields...)
		} else {
			c.logger.Debug("Origin health check passed", fields...)
		}
		return true
	}

	c.failures++
	c.logger.Warn("Origin health check failed", append(fields, zap.Int("failures", c.failures))...)
	if c.online && c.failures >= c.failureThreshold {
		c.online = false
		c.logger.Error("Origin marked offline", zap.String("origin", c.url), zap.Int("failures", c.failures))
	}
	return c.online
}

func (c *Checker) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		URL:       c.url,
		Online:    c.online,
		Failures:  c.failures,
		LastCheck: c.lastCheck,
	}
}
