package offline

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"languagepal-offline/pkg/cache"

	"go.uber.org/zap"
)

// HeaderCache reports how a response was produced.
const HeaderCache = "X-Offline-Cache"

const (
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeBypass      = "bypass"
	outcomeOfflinePage = "offline-page"
	outcomePlaceholder = "placeholder"
	outcomeAPIFallback = "api-fallback"
)

// Fetch resolves one outbound request. req.URL must be absolute.
//
// Scripts always go to the network. Everything else is served from the
// current generation when present. On a miss the network is tried, and a
// network failure is replaced by the offline page, a placeholder image or a
// JSON error depending on what was requested. Failures with no applicable
// fallback are returned unchanged.
func (c *Controller) Fetch(req *http.Request) (*http.Response, error) {
	if c.rules.IsScript(req.URL) {
		c.stats.bypassed.Add(1)
		resp, err := c.network.RoundTrip(req)
		if err != nil {
			c.stats.networkErrors.Add(1)
			return nil, err
		}
		return tag(resp, outcomeBypass), nil
	}

	gen := c.currentGeneration()
	if resp, ok := c.match(gen, req); ok {
		return resp, nil
	}
	c.stats.misses.Add(1)

	if c.rules.IsNavigation(req) {
		return c.fetchNavigation(req, gen)
	}

	resp, err := c.network.RoundTrip(req)
	if err == nil {
		return tag(resp, outcomeMiss), nil
	}
	c.stats.networkErrors.Add(1)
	c.logger.Warn("Fetch failed",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Error(err))

	switch {
	case c.rules.IsImage(req.URL):
		c.stats.placeholders.Add(1)
		return tag(placeholderImage(req), outcomePlaceholder), nil
	case c.rules.IsAPI(req.URL):
		c.stats.apiFallbacks.Add(1)
		return tag(offlineJSON(req, c.cfg.OfflineMessage), outcomeAPIFallback), nil
	}
	return nil, err
}

func (c *Controller) match(gen cache.Generation, req *http.Request) (*http.Response, bool) {
	if gen == nil || req.Method != http.MethodGet {
		return nil, false
	}
	e, ok, err := gen.Match(http.MethodGet, req.URL.String())
	if err != nil {
		c.logger.Warn("Cache lookup failed",
			zap.String("url", req.URL.String()),
			zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	c.stats.hits.Add(1)
	c.stats.hitBytes.Add(uint64(len(e.Body)))
	return tag(e.Response(req), outcomeHit), true
}

func (c *Controller) fetchNavigation(req *http.Request, gen cache.Generation) (*http.Response, error) {
	resp, err := c.network.RoundTrip(req)
	if err != nil {
		c.stats.networkErrors.Add(1)
		c.logger.Warn("Navigation failed, serving offline page",
			zap.String("url", req.URL.String()),
			zap.Error(err))
		return c.offlinePage(req, gen, err)
	}

	if resp.StatusCode != http.StatusOK || req.Method != http.MethodGet || !c.sameOrigin(req.URL) || gen == nil {
		return tag(resp, outcomeMiss), nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	c.storeAsync(gen, req.URL.String(), cache.NewEntry(resp.StatusCode, resp.Header, body))
	return tag(resp, outcomeMiss), nil
}

// storeAsync writes a copy of a fresh page into gen. Failures are logged only.
func (c *Controller) storeAsync(gen cache.Generation, url string, e cache.Entry) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := gen.Put(http.MethodGet, url, e); err != nil {
			c.stats.storeFailures.Add(1)
			c.logger.Warn("Failed to cache page",
				zap.String("generation", gen.Name()),
				zap.String("url", url),
				zap.Error(err))
			return
		}
		c.stats.stored.Add(1)
	}()
}

func (c *Controller) offlinePage(req *http.Request, gen cache.Generation, cause error) (*http.Response, error) {
	if gen != nil {
		u, err := c.resolve(c.cfg.OfflinePath)
		if err != nil {
			return nil, err
		}
		e, ok, err := gen.Match(http.MethodGet, u)
		if err == nil && ok {
			c.stats.offlinePages.Add(1)
			return tag(e.Response(req), outcomeOfflinePage), nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrNoFallback, cause)
}

func tag(resp *http.Response, outcome string) *http.Response {
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(HeaderCache, outcome)
	return resp
}

// Transport returns a RoundTripper that routes every request through Fetch,
// so an http.Client built on it is intercepted transparently.
func (c *Controller) Transport() http.RoundTripper {
	return transport{c}
}

type transport struct {
	c *Controller
}

func (t transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.c.Fetch(req)
}
