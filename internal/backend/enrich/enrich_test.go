// SPDX-License-Identifier: MIT

package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/jobs"
)

func newJob() *jobs.Job {
	return jobs.New("j1", "T1", jobs.ModalityEnrichment, nil, jobs.PriorityNormal)
}

func TestProcessSuccess(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		gotPrompt, _ = req["prompt"].(string)
		if req["stream"] != false {
			t.Error("stream should be false")
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "Three facts."})
	}))
	defer srv.Close()

	e := New(Config{Host: srv.URL, Model: "llama3"})
	result, err := e.Process(context.Background(), newJob(), func(float64) {})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result["enrichment"] != "Three facts." {
		t.Errorf("enrichment = %v", result["enrichment"])
	}
	if result["model"] != "llama3" {
		t.Errorf("model = %v", result["model"])
	}
	if !strings.Contains(gotPrompt, "T1") {
		t.Errorf("prompt does not reference subject: %q", gotPrompt)
	}
}

func TestProcessUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New(Config{Host: srv.URL, Model: "llama3"})
	_, err := e.Process(context.Background(), newJob(), func(float64) {})
	if backend.KindOf(err) != backend.KindUpstreamError {
		t.Fatalf("kind = %q, want upstream-error (%v)", backend.KindOf(err), err)
	}
}

func TestProcessRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := New(Config{Host: srv.URL, Model: "llama3"})
	_, err := e.Process(context.Background(), newJob(), func(float64) {})
	if backend.KindOf(err) != backend.KindRateLimited {
		t.Fatalf("kind = %q, want rate-limited (%v)", backend.KindOf(err), err)
	}
}

func TestProcessTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	e := New(Config{Host: srv.URL, Model: "llama3", Timeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Process(ctx, newJob(), func(float64) {})
	if backend.KindOf(err) != backend.KindTimeout {
		t.Fatalf("kind = %q, want timeout (%v)", backend.KindOf(err), err)
	}
}

func TestReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Config{Host: srv.URL, Model: "llama3"})
	if err := e.Ready(context.Background()); err != nil {
		t.Fatalf("ready: %v", err)
	}

	srv.Close()
	if err := e.Ready(context.Background()); err == nil {
		t.Error("ready should fail against a dead upstream")
	}
}
