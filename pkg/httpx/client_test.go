package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestJSONRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("status=%d body=%q", status, body)
	}
	if hits.Load() != 3 {
		t.Fatalf("server hit %d times", hits.Load())
	}
}

func TestRequestJSONNoRetryOn4xx(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
	if hits.Load() != 1 {
		t.Fatalf("4xx retried, server hit %d times", hits.Load())
	}
}

func TestRequestJSONGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d", status)
	}
	if hits.Load() != 3 {
		t.Fatalf("server hit %d times, want 3", hits.Load())
	}
}

func TestRequestJSONSetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("cache control = %q", r.Header.Get("Cache-Control"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	_, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL,
		[]byte(`{}`), map[string]string{"Cache-Control": "no-cache"}, 0, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
}
