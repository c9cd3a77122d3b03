package proxy

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"languagepal-offline/internal/offline"
	"languagepal-offline/pkg/logger"

	"go.uber.org/zap"
)

// Fetcher resolves an outbound request, possibly without touching the network.
type Fetcher interface {
	Fetch(req *http.Request) (*http.Response, error)
}

// Handler forwards page requests through the offline controller.
type Handler struct {
	origin  *url.URL
	fetcher Fetcher
	logger  *logger.Logger
}

func NewHandler(origin *url.URL, fetcher Fetcher, logger *logger.Logger) *Handler {
	return &Handler{
		origin:  origin,
		fetcher: fetcher,
		logger:  logger,
	}
}

// hop-by-hop headers are meaningful only for a single connection.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := h.targetURL(r)
	log := h.logger
	if id, ok := requestIDFromContext(r.Context()); ok {
		log = log.WithRequestID(id)
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		log.Error("Failed to create outbound request",
			zap.String("url", target.String()),
			zap.Error(err))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	outReq.ContentLength = r.ContentLength

	copyHeader(outReq.Header, r.Header)
	removeHopHeaders(outReq.Header)
	// cached bodies are shared between clients, so keep them unencoded
	outReq.Header.Set("Accept-Encoding", "identity")
	h.setProxyHeaders(r, outReq)

	resp, err := h.fetcher.Fetch(outReq)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, offline.ErrNoFallback) {
			status = http.StatusServiceUnavailable
		}
		log.Warn("Request failed",
			zap.String("method", r.Method),
			zap.String("url", target.String()),
			zap.Int("status", status),
			zap.Error(err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug("Failed to write response body",
			zap.String("url", target.String()),
			zap.Error(err))
	}
}

// targetURL keeps absolute-form request targets (forward proxy use) and
// resolves origin-form paths against the origin.
func (h *Handler) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	return h.origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
}

func (h *Handler) setProxyHeaders(originalReq *http.Request, outReq *http.Request) {
	if ip := getClientIP(originalReq); ip != "" {
		outReq.Header.Set("X-Forwarded-For", ip)
	}
	outReq.Header.Set("X-Forwarded-Host", originalReq.Host)
	outReq.Header.Set("X-Forwarded-Proto", getScheme(originalReq))
}

func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func getClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
