// SPDX-License-Identifier: MIT

package runtime

import (
	"context"
	"errors"

	"github.com/sonantica/workers/internal/jobs"
	"github.com/sonantica/workers/internal/store"
)

// Recover rebuilds the in-memory queue from the store's active set after a
// restart. Pending jobs are re-enqueued unconditionally. Processing jobs are
// normally left alone (another node may own them); with
// DemoteProcessingOnRecovery they are demoted to pending and re-enqueued,
// because this plugin's compute is a local subprocess that died with us.
// Paused jobs stay paused until a resume request arrives.
func (p *Pool) Recover(ctx context.Context) error {
	ids, err := p.store.ListActive(ctx)
	if err != nil {
		return err
	}

	var requeued, demoted, skipped int
	for _, id := range ids {
		job, err := p.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Hash expired but the set entry survived; nothing to recover.
			skipped++
			continue
		}
		if err != nil {
			return err
		}

		switch job.Status {
		case jobs.StatusPending:
			if err := p.sched.Enqueue(job.Priority, job.ID); err != nil {
				return err
			}
			requeued++
		case jobs.StatusProcessing:
			if !p.cfg.DemoteProcessingOnRecovery {
				skipped++
				continue
			}
			if err := job.MarkPending(); err != nil {
				return err
			}
			if err := p.store.Save(ctx, job); err != nil {
				return err
			}
			if err := p.sched.Enqueue(job.Priority, job.ID); err != nil {
				return err
			}
			demoted++
		default:
			skipped++
		}
	}

	p.logger.Info().
		Str("event", "recovery.done").
		Str("plugin", p.cfg.Plugin).
		Int("requeued", requeued).
		Int("demoted", demoted).
		Int("skipped", skipped).
		Msg("job recovery complete")
	return nil
}
