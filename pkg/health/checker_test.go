package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestChecker_StartsOnline(t *testing.T) {
	checker := NewChecker("http://127.0.0.1:1", "/", time.Second, time.Second, 3, zap.NewNop())

	if !checker.Online() {
		t.Error("Checker should assume the origin is online before the first check")
	}
}

func TestChecker_OriginHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(server.URL, "/", time.Second, time.Second, 3, zap.NewNop())

	if !checker.Check(context.Background()) {
		t.Error("Origin should be online")
	}
	if status := checker.Status(); status.Failures != 0 || status.LastCheck.IsZero() {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestChecker_MarksOfflineAfterThreshold(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	checker := NewChecker(server.URL, "/", time.Second, time.Second, 2, zap.NewNop())

	if !checker.Check(context.Background()) {
		t.Error("One failure should not mark the origin offline")
	}
	if checker.Check(context.Background()) {
		t.Error("Origin should be offline after reaching the threshold")
	}

	healthy.Store(true)
	if !checker.Check(context.Background()) {
		t.Error("Origin should recover after a successful check")
	}
	if checker.Status().Failures != 0 {
		t.Error("Failures should reset after recovery")
	}
}

func TestChecker_UnreachableOrigin(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	checker := NewChecker(url, "/", time.Second, 200*time.Millisecond, 1, zap.NewNop())

	if checker.Check(context.Background()) {
		t.Error("Closed origin should be reported offline")
	}
}

func TestChecker_Stop(t *testing.T) {
	var checks atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewChecker(server.URL, "/", 20*time.Millisecond, time.Second, 3, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	checker.Stop()
	checker.Stop()

	if checks.Load() == 0 {
		t.Error("Expected at least one check before stop")
	}
	if !checker.Online() {
		t.Error("Origin should still be online after stop")
	}
}
