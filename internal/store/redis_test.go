// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/jobs"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(client, "demucs", 7*24*time.Hour, zerolog.Nop())
}

func TestSaveAndGet(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	job := jobs.New("j1", "T1", jobs.ModalitySeparation,
		map[string]any{"path": "a.flac", "model": "htdemucs"}, jobs.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SubjectID != "T1" || got.Status != jobs.StatusPending {
		t.Errorf("got %+v", got)
	}
	if got.Input["model"] != "htdemucs" {
		t.Errorf("input lost: %v", got.Input)
	}
}

func TestGetMissing(t *testing.T) {
	_, s := setupStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubjectIndexAndActiveSet(t *testing.T) {
	mr, s := setupStore(t)
	ctx := context.Background()

	job := jobs.New("j1", "T1", jobs.ModalitySeparation, nil, jobs.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}

	found, err := s.FindBySubject(ctx, "T1")
	if err != nil {
		t.Fatalf("find by subject: %v", err)
	}
	if found.ID != "j1" {
		t.Errorf("subject index resolved %q, want j1", found.ID)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != "j1" {
		t.Errorf("active set = %v, want [j1]", active)
	}

	// Terminal save removes the job from the active set.
	if err := job.MarkProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := job.MarkCompleted(nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	active, _ = s.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("active set after completion = %v, want empty", active)
	}

	// Completed jobs keep their subject mapping (dedup returns them).
	if _, err := s.FindBySubject(ctx, "T1"); err != nil {
		t.Errorf("completed job should stay indexed: %v", err)
	}

	if !mr.Exists("demucs:job:j1:status") {
		t.Error("status shadow key missing")
	}
}

func TestFailedJobReleasesSubject(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	job := jobs.New("j1", "T1", jobs.ModalitySeparation, nil, jobs.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := job.MarkProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := job.MarkFailed("inference failed"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}

	if _, err := s.FindBySubject(ctx, "T1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed job should release subject index, got %v", err)
	}
}

func TestSaveProgressLeavesStatusAlone(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	job := jobs.New("j1", "T1", jobs.ModalitySeparation, nil, jobs.PriorityNormal)
	if err := job.MarkProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := job.MarkCancelled(); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}

	// A worker still holding its processing-era copy reports progress.
	if err := s.SaveProgress(ctx, "j1", 0.5); err != nil {
		t.Fatalf("save progress: %v", err)
	}

	got, err := s.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobs.StatusCancelled {
		t.Errorf("status = %s, progress write touched status", got.Status)
	}
	if got.Progress != 0.5 {
		t.Errorf("progress = %v, want 0.5", got.Progress)
	}
	active, _ := s.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("progress write re-added %v to the active set", active)
	}
}

func TestSaveProgressMissingJob(t *testing.T) {
	mr, s := setupStore(t)

	if err := s.SaveProgress(context.Background(), "nope", 0.5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if mr.Exists("demucs:job:nope") {
		t.Error("progress write created a stray hash")
	}
}

func TestClaimSubject(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	owner, err := s.ClaimSubject(ctx, "T1", "j1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if owner != "j1" {
		t.Fatalf("fresh claim owner = %q, want j1", owner)
	}
	job := jobs.New("j1", "T1", jobs.ModalitySeparation, nil, jobs.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}

	// A live owner wins against any later claim.
	owner, err = s.ClaimSubject(ctx, "T1", "j2")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "j1" {
		t.Errorf("claim against live job: owner = %q, want j1", owner)
	}

	// Cancelled owners release the subject.
	if err := job.MarkCancelled(); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	owner, err = s.ClaimSubject(ctx, "T1", "j3")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "j3" {
		t.Errorf("claim against cancelled job: owner = %q, want j3", owner)
	}
}

func TestClaimSubjectExpiredHash(t *testing.T) {
	mr, s := setupStore(t)
	ctx := context.Background()

	job := jobs.New("j1", "T1", jobs.ModalitySeparation, nil, jobs.PriorityNormal)
	if err := s.Save(ctx, job); err != nil {
		t.Fatal(err)
	}
	// Hash gone, index still pointing at it.
	mr.Del("demucs:job:j1")

	owner, err := s.ClaimSubject(ctx, "T1", "j2")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "j2" {
		t.Errorf("claim against expired hash: owner = %q, want j2", owner)
	}
}

func TestCountByStatus(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	for i, st := range []jobs.Status{jobs.StatusPending, jobs.StatusPending, jobs.StatusProcessing} {
		job := jobs.New(string(rune('a'+i)), "T"+string(rune('a'+i)), jobs.ModalitySeparation, nil, jobs.PriorityNormal)
		if st == jobs.StatusProcessing {
			if err := job.MarkProcessing(); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Save(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CountByStatus(ctx, jobs.StatusPending, jobs.StatusProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	n, _ = s.CountByStatus(ctx, jobs.StatusProcessing)
	if n != 1 {
		t.Errorf("processing count = %d, want 1", n)
	}
}

func TestListOrdersAndFilters(t *testing.T) {
	_, s := setupStore(t)
	ctx := context.Background()

	older := jobs.New("j1", "T1", jobs.ModalitySeparation, nil, jobs.PriorityNormal)
	older.CreatedAt = older.CreatedAt.Add(-2 * time.Minute)
	older.UpdatedAt = older.CreatedAt
	if err := s.Save(ctx, older); err != nil {
		t.Fatal(err)
	}

	newer := jobs.New("j2", "T2", jobs.ModalitySeparation, nil, jobs.PriorityNormal)
	if err := newer.MarkProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, newer); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "j2" || list[1].ID != "j1" {
		t.Fatalf("list order wrong: %v", ids(list))
	}

	list, err = s.List(ctx, jobs.StatusProcessing, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "j2" {
		t.Errorf("status filter: %v", ids(list))
	}

	list, err = s.List(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "j2" {
		t.Errorf("limit: %v", ids(list))
	}
}

func ids(list []*jobs.Job) []string {
	out := make([]string, len(list))
	for i, j := range list {
		out[i] = j.ID
	}
	return out
}

func TestCooldown(t *testing.T) {
	mr, s := setupStore(t)
	ctx := context.Background()

	in, err := s.InCooldown(ctx)
	if err != nil || in {
		t.Fatalf("fresh store in cooldown: %v %v", in, err)
	}
	if err := s.SetCooldown(ctx, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	in, _ = s.InCooldown(ctx)
	if !in {
		t.Error("cooldown flag not visible")
	}

	mr.FastForward(31 * time.Second)
	in, _ = s.InCooldown(ctx)
	if in {
		t.Error("cooldown should expire with its TTL")
	}
}

func TestStoreUnavailable(t *testing.T) {
	mr, s := setupStore(t)
	mr.Close()

	job := jobs.New("j1", "T1", jobs.ModalitySeparation, nil, jobs.PriorityNormal)
	err := s.Save(context.Background(), job)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
