// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/sonantica/workers/internal/jobs"
)

func setupDownloads(t *testing.T, identify IdentifyFunc) *testServer {
	t.Helper()
	ts := setupServer(t, nil)
	ts.srv.Extend(DownloadRoutes{Server: ts.srv, Identify: identify}.Mount)
	ts.handler = ts.srv.Router()
	return ts
}

type listResponse struct {
	Downloads []jobs.Envelope `json:"downloads"`
	Count     int             `json:"count"`
}

func seedDownload(t *testing.T, ts *testServer, id string, status jobs.Status) {
	t.Helper()
	job := jobs.New(id, "url-"+id, jobs.ModalityDownload, map[string]any{"url": "https://x/" + id}, jobs.PriorityNormal)
	switch status {
	case jobs.StatusProcessing:
		if err := job.MarkProcessing(); err != nil {
			t.Fatal(err)
		}
	case jobs.StatusPaused:
		if err := job.MarkProcessing(); err != nil {
			t.Fatal(err)
		}
		if err := job.MarkPaused(); err != nil {
			t.Fatal(err)
		}
	}
	if err := ts.store.Save(context.Background(), job); err != nil {
		t.Fatal(err)
	}
}

func TestDownloadsListAndFilter(t *testing.T) {
	ts := setupDownloads(t, nil)
	seedDownload(t, ts, "d1", jobs.StatusPending)
	seedDownload(t, ts, "d2", jobs.StatusProcessing)
	seedDownload(t, ts, "d3", jobs.StatusPaused)

	rec := ts.do(t, http.MethodGet, "/downloads", nil, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	var resp listResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 3 {
		t.Errorf("count = %d, want 3", resp.Count)
	}

	rec = ts.do(t, http.MethodGet, "/downloads?status=paused", nil, testSecret)
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Downloads[0].ID != "d3" {
		t.Errorf("paused filter: %+v", resp)
	}

	if rec := ts.do(t, http.MethodGet, "/downloads?status=bogus", nil, testSecret); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter: got %d, want 400", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/downloads?limit=0", nil, testSecret); rec.Code != http.StatusBadRequest {
		t.Errorf("limit 0: got %d, want 400", rec.Code)
	}
}

func TestDownloadPauseResume(t *testing.T) {
	ts := setupDownloads(t, nil)
	seedDownload(t, ts, "d1", jobs.StatusProcessing)

	rec := ts.do(t, http.MethodPost, "/downloads/d1/pause", nil, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: got %d: %s", rec.Code, rec.Body)
	}
	if env := decodeEnvelope(t, rec); env.Status != jobs.StatusPaused {
		t.Fatalf("status after pause = %s", env.Status)
	}

	rec = ts.do(t, http.MethodPost, "/downloads/d1/resume", nil, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: got %d: %s", rec.Code, rec.Body)
	}
	if env := decodeEnvelope(t, rec); env.Status != jobs.StatusPending {
		t.Fatalf("status after resume = %s", env.Status)
	}
	if ts.sched.Len() != 1 {
		t.Errorf("scheduler depth = %d, want 1 after resume", ts.sched.Len())
	}
}

func TestDownloadPausePendingIsConflict(t *testing.T) {
	ts := setupDownloads(t, nil)
	seedDownload(t, ts, "d1", jobs.StatusPending)

	rec := ts.do(t, http.MethodPost, "/downloads/d1/pause", nil, testSecret)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("pause pending: got %d, want 400", rec.Code)
	}
}

func TestDownloadResumeNonPausedIsConflict(t *testing.T) {
	ts := setupDownloads(t, nil)
	seedDownload(t, ts, "d1", jobs.StatusProcessing)

	rec := ts.do(t, http.MethodPost, "/downloads/d1/resume", nil, testSecret)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("resume processing: got %d, want 400", rec.Code)
	}
	if p := decodeProblem(t, rec); p.Kind != KindConflict {
		t.Errorf("kind = %s, want conflict", p.Kind)
	}
}

type identifyBody struct {
	Query   string           `json:"query"`
	Results []IdentifyResult `json:"results"`
}

func TestIdentifyOfflineFallback(t *testing.T) {
	ts := setupDownloads(t, nil)

	rec := ts.do(t, http.MethodGet, "/identify?q=daft+punk", nil, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var body identifyBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 1 || body.Results[0].Source != "offline" {
		t.Errorf("offline fallback: %+v", body)
	}

	if rec := ts.do(t, http.MethodGet, "/identify", nil, testSecret); rec.Code != http.StatusBadRequest {
		t.Errorf("missing q: got %d, want 400", rec.Code)
	}
}

func TestIdentifyUsesResolver(t *testing.T) {
	resolver := func(_ context.Context, query string) ([]IdentifyResult, error) {
		return []IdentifyResult{{Title: "One More Time", Artist: "Daft Punk", Source: "spotify"}}, nil
	}
	ts := setupDownloads(t, resolver)

	rec := ts.do(t, http.MethodGet, "/identify?q=one+more+time", nil, testSecret)
	var body identifyBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 1 || body.Results[0].Source != "spotify" {
		t.Errorf("resolver results: %+v", body)
	}
}

func TestIdentifyResolverErrorFallsBack(t *testing.T) {
	resolver := func(_ context.Context, _ string) ([]IdentifyResult, error) {
		return nil, errors.New("upstream down")
	}
	ts := setupDownloads(t, resolver)

	rec := ts.do(t, http.MethodGet, "/identify?q=x", nil, testSecret)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 fallback", rec.Code)
	}
	var body identifyBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 1 || body.Results[0].Source != "offline" {
		t.Errorf("fallback results: %+v", body)
	}
}
