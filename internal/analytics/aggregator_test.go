// SPDX-License-Identifier: MIT

package analytics

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records Exec calls and can fail selectively.
type fakeDB struct {
	calls   []execCall
	failOn  string
	genre   string
	noTrack bool
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.failOn != "" && strings.Contains(sql, f.failOn) {
		return pgconn.CommandTag{}, errors.New("forced failure")
	}
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, nil
}

type fakeRow struct {
	genre string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*string); ok {
		*p = r.genre
	}
	return nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if f.noTrack {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{genre: f.genre}
}

func (f *fakeDB) callsContaining(fragment string) []execCall {
	var out []execCall
	for _, c := range f.calls {
		if strings.Contains(c.sql, fragment) {
			out = append(out, c)
		}
	}
	return out
}

func TestProcessPlaybackStart(t *testing.T) {
	db := &fakeDB{genre: "Jazz"}
	a := NewAggregator(db)

	ev := Event{
		Type: EventPlaybackStart, SubjectID: "T1", SessionID: "s1",
		Timestamp: 1700000000000,
	}
	if err := a.Process(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	stats := db.callsContaining("track_statistics")
	if len(stats) != 1 {
		t.Fatalf("track stats calls = %d", len(stats))
	}
	// play=1, complete=0, skip=0, play_time=0
	args := stats[0].args
	if args[1] != 1 || args[2] != 0 || args[3] != 0 || args[4] != 0 {
		t.Errorf("start counters = %v", args[1:5])
	}
	if args[7] != false {
		t.Errorf("start must not set average_completion")
	}

	if n := len(db.callsContaining("listening_heatmap")); n != 1 {
		t.Errorf("heatmap calls = %d", n)
	}
	if n := len(db.callsContaining("genre_statistics")); n != 1 {
		t.Errorf("genre calls = %d", n)
	}

	streaks := db.callsContaining("listening_streaks")
	if len(streaks) != 1 {
		t.Fatalf("streak calls = %d", len(streaks))
	}
	if !strings.Contains(streaks[0].sql, "GREATEST") {
		t.Error("streak upsert must compute max_streak via GREATEST in-statement")
	}
	if streaks[0].args[0] != "s1" {
		t.Errorf("streak actor = %v, want session fallback", streaks[0].args[0])
	}
}

func TestProcessSkipCompletion(t *testing.T) {
	db := &fakeDB{noTrack: true}
	a := NewAggregator(db)

	ev := Event{
		Type: EventPlaybackSkip, SubjectID: "T1", UserID: "u1",
		Data: EventData{Duration: 200, Position: 50},
	}
	if err := a.Process(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	stats := db.callsContaining("track_statistics")[0]
	if stats.args[3] != 1 {
		t.Errorf("skip_count arg = %v", stats.args[3])
	}
	if stats.args[4] != 50 {
		t.Errorf("play time = %v, want skip position", stats.args[4])
	}
	if avg := stats.args[5].(float64); avg != 25.0 {
		t.Errorf("average_completion = %v, want 25", avg)
	}
	if stats.args[7] != true {
		t.Error("skip must set average_completion")
	}
}

func TestProcessCompleteSetsFullCompletion(t *testing.T) {
	db := &fakeDB{noTrack: true}
	a := NewAggregator(db)

	ev := Event{
		Type: EventPlaybackComplete, SubjectID: "T1",
		Data: EventData{Duration: 180},
	}
	if err := a.Process(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	stats := db.callsContaining("track_statistics")[0]
	if avg := stats.args[5].(float64); avg != 100.0 {
		t.Errorf("average_completion = %v, want 100", avg)
	}
	if stats.args[4] != 180 {
		t.Errorf("play time = %v, want full duration", stats.args[4])
	}
}

func TestProcessRejectsInvalid(t *testing.T) {
	a := NewAggregator(&fakeDB{})
	if err := a.Process(context.Background(), Event{Type: "bogus", SubjectID: "T1"}); err == nil {
		t.Error("unknown event type accepted")
	}
	if err := a.Process(context.Background(), Event{Type: EventPlaybackStart}); err == nil {
		t.Error("missing subject accepted")
	}
}

func TestProcessBatchTolerance(t *testing.T) {
	db := &fakeDB{noTrack: true, failOn: "track_statistics"}
	a := NewAggregator(db)

	events := []Event{
		{Type: EventPlaybackStart, SubjectID: "T1"},
		{Type: "bogus", SubjectID: "T2"},
		{Type: EventPlaybackStart, SubjectID: "T3"},
	}
	// Every durable upsert fails, yet the batch completes.
	if applied := a.ProcessBatch(context.Background(), events); applied != 0 {
		t.Errorf("applied = %d, want 0", applied)
	}

	db.failOn = ""
	if applied := a.ProcessBatch(context.Background(), events); applied != 2 {
		t.Errorf("applied = %d, want 2 (invalid row skipped)", applied)
	}
}

func TestGenreSkippedWithoutCatalogRow(t *testing.T) {
	db := &fakeDB{noTrack: true}
	a := NewAggregator(db)
	ev := Event{Type: EventPlaybackStart, SubjectID: "T1"}
	if err := a.Process(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if n := len(db.callsContaining("genre_statistics")); n != 0 {
		t.Errorf("genre upserted for unknown track (%d calls)", n)
	}
}

func TestEnsureSessionIdempotentSQL(t *testing.T) {
	db := &fakeDB{}
	a := NewAggregator(db)
	if err := a.EnsureSession(context.Background(), "s1", 0); err != nil {
		t.Fatal(err)
	}
	calls := db.callsContaining("analytics_sessions")
	if len(calls) != 1 || !strings.Contains(calls[0].sql, "DO NOTHING") {
		t.Fatalf("session insert must be ON CONFLICT DO NOTHING: %+v", calls)
	}
}
