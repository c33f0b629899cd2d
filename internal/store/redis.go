// SPDX-License-Identifier: MIT

// Package store persists job records in Redis. Each plugin gets its own key
// namespace:
//
//	{plugin}:job:{id}         hash of envelope fields, TTL 7d
//	{plugin}:job:{id}:status  status shadow for count-by-status scans
//	{plugin}:track:{subject}  subject index -> latest non-failed job id
//	{plugin}:active_ids       set of ids in non-terminal states
//	{plugin}:cooldown         advisory back-pressure flag with TTL
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/jobs"
)

var (
	// ErrNotFound is returned when no job exists under the requested key.
	ErrNotFound = errors.New("job not found")
	// ErrUnavailable marks store reachability failures; callers classify it
	// as retriable.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the durable job state owner for one plugin namespace.
type Store struct {
	client *redis.Client
	plugin string
	ttl    time.Duration
	logger zerolog.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect dials Redis and verifies the connection before returning a client.
func Connect(ctx context.Context, opts Options, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("connected to Redis")
	return client, nil
}

// New creates a job store over an existing client. ttl bounds the lifetime
// of job hashes and the subject index (7 days in production).
func New(client *redis.Client, plugin string, ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{client: client, plugin: plugin, ttl: ttl, logger: logger}
}

func (s *Store) jobKey(id string) string    { return fmt.Sprintf("%s:job:%s", s.plugin, id) }
func (s *Store) statusKey(id string) string { return fmt.Sprintf("%s:job:%s:status", s.plugin, id) }
func (s *Store) subjectKey(sub string) string {
	return fmt.Sprintf("%s:track:%s", s.plugin, sub)
}
func (s *Store) activeKey() string   { return s.plugin + ":active_ids" }
func (s *Store) cooldownKey() string { return s.plugin + ":cooldown" }

// Save writes the job hash, refreshes TTLs, maintains the subject index and
// the active set. The sub-writes travel in a single pipeline so a crash
// cannot leave active-set membership inconsistent with status for longer
// than one round-trip; recovery re-reads status before enqueueing anyway.
func (s *Store) Save(ctx context.Context, job *jobs.Job) error {
	fields, err := job.Fields()
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID), fields)
	pipe.Expire(ctx, s.jobKey(job.ID), s.ttl)
	pipe.Set(ctx, s.statusKey(job.ID), string(job.Status), s.ttl)

	if job.Status == jobs.StatusFailed {
		// Failed jobs release the subject so upstream can re-issue a create.
		pipe.Del(ctx, s.subjectKey(job.SubjectID))
	} else {
		pipe.Set(ctx, s.subjectKey(job.SubjectID), job.ID, s.ttl)
	}

	if job.Status.Terminal() {
		pipe.SRem(ctx, s.activeKey(), job.ID)
	} else {
		pipe.SAdd(ctx, s.activeKey(), job.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap(err)
	}
	s.logger.Debug().
		Str("event", "store.saved").
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Msg("job persisted")
	return nil
}

// SaveProgress updates only the progress and updated_at fields of an
// existing job hash. Progress reports race external status writes (cancel,
// pause), so they must never touch status, the subject index or the active
// set; only Save does that. A missing hash is a no-op.
func (s *Store) SaveProgress(ctx context.Context, id string, progress float64) error {
	n, err := s.client.Exists(ctx, s.jobKey(id)).Result()
	if err != nil {
		return s.wrap(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	err = s.client.HSet(ctx, s.jobKey(id),
		"progress", strconv.FormatFloat(progress, 'f', -1, 64),
		"updated_at", time.Now().UTC().Format(jobs.TimeLayout),
	).Err()
	return s.wrap(err)
}

// claimScript reserves the subject index for a new job unless a live job
// (pending, processing or completed) already owns it. Failed, cancelled and
// paused owners, and owners whose hash expired, release the subject. Returns
// the owning job id after the call.
var claimScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner then
  local status = redis.call('HGET', KEYS[2] .. owner, 'status')
  if status == 'pending' or status == 'processing' or status == 'completed' then
    return owner
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ARGV[1]
`)

// ClaimSubject atomically claims the subject for jobID. The check and the
// write run in one script so two concurrent creates cannot both mint a job
// for the same subject. The returned id is the subject's owner: jobID when
// the claim won, the existing live job's id otherwise.
func (s *Store) ClaimSubject(ctx context.Context, subjectID, jobID string) (string, error) {
	keys := []string{s.subjectKey(subjectID), fmt.Sprintf("%s:job:", s.plugin)}
	owner, err := claimScript.Run(ctx, s.client, keys, jobID, s.ttl.Milliseconds()).Text()
	if err != nil {
		return "", s.wrap(err)
	}
	return owner, nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, s.wrap(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobs.FromFields(fields)
}

// FindBySubject resolves the latest indexed job for a subject, or
// ErrNotFound when the subject has no live mapping.
func (s *Store) FindBySubject(ctx context.Context, subjectID string) (*jobs.Job, error) {
	id, err := s.client.Get(ctx, s.subjectKey(subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	job, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Hash expired underneath the index; treat the subject as free.
		return nil, ErrNotFound
	}
	return job, err
}

// ListActive returns the ids currently in the active set.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, s.wrap(err)
	}
	return ids, nil
}

// List scans the namespace for job hashes, newest first by UpdatedAt. A
// non-empty status filters the result; limit 0 means no cap. The scan skips
// status shadow keys and tolerates hashes expiring mid-iteration.
func (s *Store) List(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	var out []*jobs.Job
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("%s:job:*", s.plugin), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, ":status") {
			continue
		}
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, s.wrap(err)
		}
		if len(fields) == 0 {
			continue
		}
		job, err := jobs.FromFields(fields)
		if err != nil {
			s.logger.Warn().
				Str("event", "store.decode_failed").
				Str("key", key).
				Err(err).
				Msg("skipping undecodable job hash")
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap(err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByStatus counts jobs whose status shadow matches any of the given
// statuses. Used for the health surface's active_jobs gauge.
func (s *Store) CountByStatus(ctx context.Context, statuses ...jobs.Status) (int, error) {
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[string(st)] = true
	}

	var count int
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("%s:job:*:status", s.plugin), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, s.wrap(err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, s.wrap(err)
	}
	for _, v := range vals {
		if st, ok := v.(string); ok && want[st] {
			count++
		}
	}
	return count, nil
}

// SetCooldown raises the advisory back-pressure flag for the given duration.
func (s *Store) SetCooldown(ctx context.Context, d time.Duration) error {
	if err := s.client.Set(ctx, s.cooldownKey(), "1", d).Err(); err != nil {
		return s.wrap(err)
	}
	s.logger.Info().
		Str("event", "store.cooldown_set").
		Dur("duration", d).
		Msg("cooldown flag raised")
	return nil
}

// InCooldown reports whether the cooldown flag is currently set.
func (s *Store) InCooldown(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.cooldownKey()).Result()
	if err != nil {
		return false, s.wrap(err)
	}
	return n > 0, nil
}

// Ping verifies store reachability, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrap(err)
	}
	return nil
}

// Plugin returns the namespace this store serves.
func (s *Store) Plugin() string { return s.plugin }

func (s *Store) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
