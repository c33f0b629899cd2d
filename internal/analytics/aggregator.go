// SPDX-License-Identifier: MIT

package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/log"
)

var eventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sonantica",
		Name:      "analytics_events_total",
		Help:      "Ingested analytics events by type and outcome",
	},
	[]string{"type", "outcome"},
)

// Querier is the subset of pgxpool.Pool the aggregator needs; tests supply a
// fake.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Aggregator turns events into atomic statistic upserts. Every counter
// mutation is a single INSERT ... ON CONFLICT DO UPDATE with arithmetic on
// the existing row, so concurrent events on the same key interleave
// correctly without read-modify-write.
type Aggregator struct {
	db     Querier
	logger zerolog.Logger
}

func NewAggregator(db Querier) *Aggregator {
	return &Aggregator{db: db, logger: log.WithComponent("analytics")}
}

// Process applies one event to all four aggregate tables and records the raw
// event row.
func (a *Aggregator) Process(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		eventsProcessed.WithLabelValues(string(ev.Type), "invalid").Inc()
		return err
	}

	if err := a.storeRaw(ctx, ev); err != nil {
		eventsProcessed.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}
	if err := a.upsertTrackStats(ctx, ev); err != nil {
		eventsProcessed.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}
	if err := a.upsertHeatmap(ctx, ev); err != nil {
		eventsProcessed.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}
	if err := a.upsertGenreStats(ctx, ev); err != nil {
		eventsProcessed.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}
	if err := a.upsertStreak(ctx, ev); err != nil {
		eventsProcessed.WithLabelValues(string(ev.Type), "error").Inc()
		return err
	}

	eventsProcessed.WithLabelValues(string(ev.Type), "ok").Inc()
	return nil
}

// ProcessBatch applies events sequentially; a failed row logs and the batch
// proceeds. Returns the number of rows applied.
func (a *Aggregator) ProcessBatch(ctx context.Context, events []Event) int {
	applied := 0
	for i, ev := range events {
		if err := a.Process(ctx, ev); err != nil {
			a.logger.Warn().Err(err).
				Str("event", "analytics.row_failed").
				Int("row", i).
				Str("type", string(ev.Type)).
				Str("subject_id", ev.SubjectID).
				Msg("batch row failed, continuing")
			continue
		}
		applied++
	}
	return applied
}

// EnsureSession registers a session id once; replays are no-ops.
func (a *Aggregator) EnsureSession(ctx context.Context, sessionID string, startedAt int64) error {
	if sessionID == "" {
		return nil
	}
	ev := Event{Timestamp: startedAt}
	_, err := a.db.Exec(ctx, `
		INSERT INTO analytics_sessions (session_id, started_at)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, ev.Time(),
	)
	if err != nil {
		return fmt.Errorf("session upsert: %w", err)
	}
	return nil
}

func (a *Aggregator) storeRaw(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(ctx, `
		INSERT INTO analytics_events (event_id, session_id, event_type, track_id, timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), ev.SessionID, string(ev.Type), ev.SubjectID, ev.Time(), data,
	)
	if err != nil {
		return fmt.Errorf("event insert: %w", err)
	}
	return nil
}

func (a *Aggregator) upsertTrackStats(ctx context.Context, ev Event) error {
	isStart := btoi(ev.Type == EventPlaybackStart)
	isComplete := btoi(ev.Type == EventPlaybackComplete)
	isSkip := btoi(ev.Type == EventPlaybackSkip)
	avg, setAvg := ev.completion()

	_, err := a.db.Exec(ctx, `
		INSERT INTO track_statistics (
			track_id, play_count, complete_count, skip_count,
			total_play_time, average_completion, last_played_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (track_id) DO UPDATE SET
			play_count = track_statistics.play_count + EXCLUDED.play_count,
			complete_count = track_statistics.complete_count + EXCLUDED.complete_count,
			skip_count = track_statistics.skip_count + EXCLUDED.skip_count,
			total_play_time = track_statistics.total_play_time + EXCLUDED.total_play_time,
			average_completion = CASE WHEN $8 THEN EXCLUDED.average_completion
			                          ELSE track_statistics.average_completion END,
			last_played_at = EXCLUDED.last_played_at,
			updated_at = EXCLUDED.updated_at`,
		ev.SubjectID, isStart, isComplete, isSkip,
		ev.playTime(), avg, ev.Time(), setAvg,
	)
	if err != nil {
		return fmt.Errorf("track stats upsert: %w", err)
	}
	return nil
}

func (a *Aggregator) upsertHeatmap(ctx context.Context, ev Event) error {
	t := ev.Time()
	isStart := btoi(ev.Type == EventPlaybackStart)

	_, err := a.db.Exec(ctx, `
		INSERT INTO listening_heatmap (date, hour, play_count, unique_tracks, total_duration)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT ON CONSTRAINT uq_date_hour DO UPDATE SET
			play_count = listening_heatmap.play_count + EXCLUDED.play_count,
			unique_tracks = listening_heatmap.unique_tracks + EXCLUDED.unique_tracks,
			total_duration = listening_heatmap.total_duration + EXCLUDED.total_duration`,
		t.Format("2006-01-02"), t.Hour(), isStart, ev.playTime(),
	)
	if err != nil {
		return fmt.Errorf("heatmap upsert: %w", err)
	}
	return nil
}

func (a *Aggregator) upsertGenreStats(ctx context.Context, ev Event) error {
	genre := ev.Data.Genre
	if genre == "" {
		// Fall back to the catalog genre; tracks without one are not
		// aggregated.
		err := a.db.QueryRow(ctx,
			`SELECT COALESCE(genre, '') FROM tracks WHERE id = $1`, ev.SubjectID,
		).Scan(&genre)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("genre lookup: %w", err)
		}
	}
	if genre == "" || genre == "Unknown" {
		return nil
	}

	isStart := btoi(ev.Type == EventPlaybackStart)
	_, err := a.db.Exec(ctx, `
		INSERT INTO genre_statistics (genre, play_count, total_play_time, unique_tracks, last_played_at, updated_at)
		VALUES ($1, $2, $3, $2, $4, $4)
		ON CONFLICT (genre) DO UPDATE SET
			play_count = genre_statistics.play_count + EXCLUDED.play_count,
			total_play_time = genre_statistics.total_play_time + EXCLUDED.total_play_time,
			last_played_at = EXCLUDED.last_played_at,
			updated_at = EXCLUDED.updated_at`,
		genre, isStart, ev.playTime(), ev.Time(),
	)
	if err != nil {
		return fmt.Errorf("genre stats upsert: %w", err)
	}
	return nil
}

// upsertStreak bumps the actor's current streak on start and keeps
// max_streak >= current_streak inside the same statement.
func (a *Aggregator) upsertStreak(ctx context.Context, ev Event) error {
	inc := btoi(ev.Type == EventPlaybackStart)
	_, err := a.db.Exec(ctx, `
		INSERT INTO listening_streaks (user_id, current_streak, max_streak, total_play_time, last_played_at, updated_at)
		VALUES ($1, $2, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			current_streak = listening_streaks.current_streak + EXCLUDED.current_streak,
			max_streak = GREATEST(listening_streaks.max_streak,
			                      listening_streaks.current_streak + EXCLUDED.current_streak),
			total_play_time = listening_streaks.total_play_time + EXCLUDED.total_play_time,
			last_played_at = EXCLUDED.last_played_at,
			updated_at = EXCLUDED.updated_at`,
		ev.Actor(), inc, ev.playTime(), ev.Time(),
	)
	if err != nil {
		return fmt.Errorf("streak upsert: %w", err)
	}
	return nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
