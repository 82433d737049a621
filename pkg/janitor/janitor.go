// Package janitor purges old COMPLETED sessions on a schedule. ACTIVE and
// PAUSED sessions are never touched: sessions only complete via explicit
// close.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/loopgate/loopgate/pkg/store"
)

// Janitor runs the retention schedule.
type Janitor struct {
	store    *store.Store
	logger   zerolog.Logger
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
}

// New creates a janitor that deletes COMPLETED sessions older than maxAge on
// the given cron schedule (e.g. "@hourly").
func New(s *store.Store, maxAge time.Duration, schedule string, logger zerolog.Logger) (*Janitor, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}
	if schedule == "" {
		return nil, fmt.Errorf("retention schedule is required")
	}

	j := &Janitor{
		store:    s,
		logger:   logger,
		maxAge:   maxAge,
		schedule: schedule,
		cron:     cron.New(),
	}

	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info().
		Str("schedule", j.schedule).
		Dur("max_age", j.maxAge).
		Msg("Session retention started")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info().Msg("Session retention stopped")
}

// Sweep runs one purge pass immediately.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	return j.store.PurgeCompleted(ctx, j.maxAge)
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	purged, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	if purged > 0 {
		j.logger.Info().Int("purged", purged).Msg("Retention sweep completed")
	}
}
