package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPChecker_AnyResponseCountsAsHealthy(t *testing.T) {
	// A 500 still proves the process is alive
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if !result.Healthy {
		t.Errorf("Expected healthy for any response, got unhealthy: %s", result.Message)
	}
}

func TestHTTPChecker_ConnectionRefusedIsUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listens anymore

	checker := NewHTTPChecker(server.URL)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Error("Expected unhealthy when nothing listens")
	}
}

func TestHTTPChecker_StrictStatusRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithStatusRange(200, 399)
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("Expected unhealthy for 500 with strict range: %s", result.Message)
	}
}

func TestWaitHealthyEventuallySucceeds(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			// simulate the server not accepting yet by hijacking + closing
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	if !WaitHealthy(context.Background(), checker, 5*time.Second, 50*time.Millisecond) {
		t.Error("Expected WaitHealthy to succeed once the server answers")
	}
}

func TestWaitHealthyTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	checker := NewHTTPChecker(server.URL)
	start := time.Now()
	if WaitHealthy(context.Background(), checker, 300*time.Millisecond, 50*time.Millisecond) {
		t.Error("Expected WaitHealthy to fail")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("WaitHealthy exceeded its budget")
	}
}
