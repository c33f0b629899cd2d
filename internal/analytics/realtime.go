// SPDX-License-Identifier: MIT

package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/log"
)

const (
	// counterTTL bounds the minute-bucketed counters.
	counterTTL = time.Hour
	// trendingTTL bounds per-minute trending sets.
	trendingTTL = 10 * time.Minute
	// sessionWindow is how far back a session still counts as active.
	sessionWindow = 300 * time.Second
	// sessionKeyTTL expires the whole active-session set when ingest stops.
	sessionKeyTTL = 10 * time.Minute
)

// Realtime maintains the dashboard counter surface in Redis. All writes are
// increments or sorted-set updates, so concurrent ingest needs no
// coordination.
type Realtime struct {
	client *redis.Client
	logger zerolog.Logger
	// now is swappable for tests.
	now func() time.Time
}

func NewRealtime(client *redis.Client) *Realtime {
	return &Realtime{client: client, logger: log.WithComponent("realtime"), now: time.Now}
}

func minuteBucket(t time.Time) int64 {
	return t.Unix() / 60 * 60
}

// Record mirrors one event onto the real-time counters. Failures here must
// not block the durable path, so callers treat the returned error as
// log-and-continue.
func (r *Realtime) Record(ctx context.Context, ev Event) error {
	now := r.now()
	bucket := minuteBucket(now)

	pipe := r.client.Pipeline()

	eventsKey := fmt.Sprintf("stats:realtime:events:%d", bucket)
	pipe.Incr(ctx, eventsKey)
	pipe.Expire(ctx, eventsKey, counterTTL)

	if ev.Type == EventPlaybackStart {
		playsKey := fmt.Sprintf("stats:realtime:plays:%d", bucket)
		pipe.Incr(ctx, playsKey)
		pipe.Expire(ctx, playsKey, counterTTL)

		trendingKey := fmt.Sprintf("stats:trending:tracks:%d", bucket)
		pipe.ZIncrBy(ctx, trendingKey, 1, ev.SubjectID)
		pipe.Expire(ctx, trendingKey, trendingTTL)
	}

	if ev.SessionID != "" {
		pipe.ZAdd(ctx, "stats:realtime:active_sessions", redis.Z{
			Score:  float64(now.Unix()),
			Member: ev.SessionID,
		})
		pipe.ZRemRangeByScore(ctx, "stats:realtime:active_sessions",
			"0", fmt.Sprintf("%d", now.Add(-sessionWindow).Unix()))
		pipe.Expire(ctx, "stats:realtime:active_sessions", sessionKeyTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("realtime counters: %w", err)
	}
	return nil
}

// ActiveSessions counts sessions seen within the activity window.
func (r *Realtime) ActiveSessions(ctx context.Context) (int64, error) {
	min := fmt.Sprintf("%d", r.now().Add(-sessionWindow).Unix())
	return r.client.ZCount(ctx, "stats:realtime:active_sessions", min, "+inf").Result()
}

// EventsThisMinute reads the current minute's ingest counter.
func (r *Realtime) EventsThisMinute(ctx context.Context) (int64, error) {
	key := fmt.Sprintf("stats:realtime:events:%d", minuteBucket(r.now()))
	n, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Trending returns the current minute's top subjects with their play scores.
func (r *Realtime) Trending(ctx context.Context, limit int) ([]redis.Z, error) {
	key := fmt.Sprintf("stats:trending:tracks:%d", minuteBucket(r.now()))
	return r.client.ZRevRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
}
