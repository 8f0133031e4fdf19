// Package scheduler runs periodic maintenance: expiring stale store
// sessions and logging presence statistics.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpcm/internal/store"
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	maintainer store.Maintainer
	ttl        time.Duration
	interval   time.Duration
	online     func() int
}

// NewScheduler prunes sessions older than ttl every interval. online
// reports the number of connected sessions for the periodic stats line and
// may be nil.
func NewScheduler(m store.Maintainer, ttl, interval time.Duration, online func() int) *Scheduler {
	return &Scheduler{
		maintainer: m,
		ttl:        ttl,
		interval:   interval,
		online:     online,
	}
}

// Start runs the tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		log.Info().Msg("session pruning disabled")
		<-ctx.Done()
		return
	}

	log.Info().
		Dur("interval", s.interval).
		Dur("ttl", s.ttl).
		Msg("scheduler started")

	s.PruneOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.PruneOnce(ctx)
		}
	}
}

// PruneOnce deletes expired sessions and returns how many were removed.
func (s *Scheduler) PruneOnce(ctx context.Context) int64 {
	removed, err := s.maintainer.PruneSessions(ctx, s.ttl)
	if err != nil {
		log.Warn().Err(err).Msg("session pruning failed")
		return 0
	}

	ev := log.Info().Int64("pruned_sessions", removed)
	if s.online != nil {
		ev = ev.Int("online", s.online())
	}
	ev.Msg("maintenance completed")
	return removed
}
