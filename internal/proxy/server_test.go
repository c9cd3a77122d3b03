package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"languagepal-offline/internal/config"
	"languagepal-offline/internal/offline"
	"languagepal-offline/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<h1>LanguagePal</h1>")
	})
	mux.HandleFunc("/offline", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<h1>You are offline</h1>")
	})
	mux.HandleFunc("/static/css/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, "body{}")
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"response":"Bonjour"}`)
	})
	mux.HandleFunc("/echo-forwarded", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("X-Forwarded-Host")+"|"+r.Header.Get("Accept-Encoding"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(originURL string) *config.Config {
	return &config.Config{
		Origin: config.OriginConfig{URL: originURL, Timeout: 5 * time.Second},
		Offline: config.OfflineConfig{
			Version:            "languagepal-v1",
			Manifest:           []string{"/", "/offline", "/static/css/style.css"},
			OfflinePath:        "/offline",
			APIMarker:          "/api/",
			InstallConcurrency: 2,
			InstallMaxElapsed:  time.Second,
		},
		Storage: config.StorageConfig{Backend: "memory"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })

	front := httptest.NewServer(s.Handler())
	t.Cleanup(front.Close)
	return s, front
}

func get(t *testing.T, url, accept string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServer_ServesCachedAssetsWhenOriginDown(t *testing.T) {
	origin := newOrigin(t)
	s, front := newTestServer(t, testConfig(origin.URL))
	require.NoError(t, s.Deploy(context.Background()))

	resp, body := get(t, front.URL+"/static/css/style.css", "text/css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(offline.HeaderCache))
	assert.Equal(t, "body{}", body)

	origin.Close()

	resp, body = get(t, front.URL+"/static/css/style.css", "text/css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", body)

	resp, body = get(t, front.URL+"/vocabulary", "text/html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "offline-page", resp.Header.Get(offline.HeaderCache))
	assert.Contains(t, body, "You are offline")

	resp, body = get(t, front.URL+"/api/chat", "application/json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "api-fallback", resp.Header.Get(offline.HeaderCache))
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, offline.DefaultOfflineMessage, payload["error"])

	resp, _ = get(t, front.URL+"/static/css/other.css", "text/css")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_NoOfflinePageIsUnavailable(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(origin.URL)
	cfg.Offline.Manifest = []string{"/static/css/style.css"}
	s, front := newTestServer(t, cfg)
	require.NoError(t, s.Deploy(context.Background()))

	origin.Close()

	resp, _ := get(t, front.URL+"/chat", "text/html")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_ForwardsBeforeDeploy(t *testing.T) {
	origin := newOrigin(t)
	_, front := newTestServer(t, testConfig(origin.URL))

	resp, body := get(t, front.URL+"/echo-forwarded", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "miss", resp.Header.Get(offline.HeaderCache))

	host, encoding, _ := strings.Cut(body, "|")
	assert.Equal(t, strings.TrimPrefix(front.URL, "http://"), host)
	assert.Equal(t, "identity", encoding)
}

func TestServer_StorageEndpoints(t *testing.T) {
	origin := newOrigin(t)
	_, front := newTestServer(t, testConfig(origin.URL))
	client := front.Client()

	do := func(method, path, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, front.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	messages := `[{"role":"user","content":"Hola"}]`

	resp := do(http.MethodPut, "/_storage/chat_messages", messages)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "ttl is required")

	resp = do(http.MethodPut, "/_storage/chat_messages?ttl=24h", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(http.MethodPut, "/_storage/chat_messages?ttl=24h", messages)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := get(t, front.URL+"/_storage/chat_messages", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, messages, body)

	resp = do(http.MethodDelete, "/_storage/chat_messages", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = get(t, front.URL+"/_storage/chat_messages", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SessionEndpoints(t *testing.T) {
	origin := newOrigin(t)
	_, front := newTestServer(t, testConfig(origin.URL))

	req, err := http.NewRequest(http.MethodPut, front.URL+"/_session",
		strings.NewReader(`{"language":"French","vocabulary_id":"list-1"}`))
	require.NoError(t, err)
	resp, err := front.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := get(t, front.URL+"/_session", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"language":"French","vocabulary_id":"list-1"}`, body)

	req, err = http.NewRequest(http.MethodDelete, front.URL+"/_storage", nil)
	require.NoError(t, err)
	resp, err = front.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, body = get(t, front.URL+"/_session", "")
	assert.JSONEq(t, `{"language":"French","vocabulary_id":""}`, body)
}

func TestServer_Status(t *testing.T) {
	origin := newOrigin(t)
	s, front := newTestServer(t, testConfig(origin.URL))

	resp, body := get(t, front.URL+"/_offline/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"state":"idle"`)

	require.NoError(t, s.Deploy(context.Background()))

	var status struct {
		Offline struct {
			State   string `json:"state"`
			Current string `json:"current_generation"`
		} `json:"offline"`
		Origin json.RawMessage `json:"origin"`
	}
	_, body = get(t, front.URL+"/_offline/status", "")
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "active", status.Offline.State)
	assert.Equal(t, "languagepal-v1", status.Offline.Current)
	assert.Nil(t, status.Origin, "health checking is disabled")
}

func TestServer_RateLimit(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(origin.URL)
	cfg.RateLimit = config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             1,
		IdleTimeout:       time.Minute,
	}
	_, front := newTestServer(t, cfg)

	resp, _ := get(t, front.URL+"/_offline/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get(t, front.URL+"/_offline/status", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_RequestID(t *testing.T) {
	origin := newOrigin(t)
	_, front := newTestServer(t, testConfig(origin.URL))

	resp, _ := get(t, front.URL+"/_offline/status", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	req, err := http.NewRequest(http.MethodGet, front.URL+"/_offline/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-Id"))
}

func TestServer_ShutdownIsIdempotent(t *testing.T) {
	origin := newOrigin(t)
	s, err := NewServer(testConfig(origin.URL), logger.NewNop())
	require.NoError(t, err)

	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())
}

func TestServer_RetriesDeployUntilOriginRecovers(t *testing.T) {
	var ready atomic.Bool
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer origin.Close()

	cfg := testConfig(origin.URL)
	cfg.Offline.InstallMaxElapsed = 50 * time.Millisecond
	cfg.Offline.RetryInterval = 20 * time.Millisecond
	s, _ := newTestServer(t, cfg)

	s.startDeploy(context.Background())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, s.controller.Status().Current)

	ready.Store(true)
	assert.Eventually(t, func() bool {
		return s.controller.Status().Current == "languagepal-v1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownStopsDeployRetries(t *testing.T) {
	origin := newOrigin(t)
	cfg := testConfig(origin.URL)
	cfg.Offline.InstallMaxElapsed = 50 * time.Millisecond
	cfg.Offline.RetryInterval = time.Hour
	origin.Close()

	s, err := NewServer(cfg, logger.NewNop())
	require.NoError(t, err)
	s.startDeploy(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Shutdown() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown blocked on the deploy loop")
	}
}
