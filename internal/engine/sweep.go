package engine

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"settleline/internal/domain"
)

// SweepStats counts what one pass did.
type SweepStats struct {
	NoStartExpired int `json:"no_start_expired"`
	MarkedOverdue  int `json:"marked_overdue"`
	PausesAccepted int `json:"pauses_accepted"`
	Resumed        int `json:"resumed"`
	Errors         int `json:"errors"`
}

// Sweeper periodically advances deadline-driven transitions. Only one pass
// runs at a time; a tick that fires while a pass is still busy is skipped.
type Sweeper struct {
	Engine       Engine
	Interval     time.Duration
	InitialDelay time.Duration
	BatchSize    int

	running atomic.Bool
}

func NewSweeper(e Engine) *Sweeper {
	return &Sweeper{
		Engine:       e,
		Interval:     e.Config.SweepInterval(),
		InitialDelay: e.Config.SweepInitialDelay(),
		BatchSize:    e.Config.Sweep.BatchSize,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.InitialDelay > 0 {
		select {
		case <-time.After(s.InitialDelay):
		case <-ctx.Done():
			return
		}
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	if err := s.Engine.DB.PingContext(ctx); err != nil {
		s.Engine.logger().Printf("sweep: db unavailable: %v", err)
		return
	}
	stats, err := s.Engine.SweepOnce(ctx)
	if err != nil {
		s.Engine.logger().Printf("sweep: %v", err)
		return
	}
	if stats != (SweepStats{}) {
		s.Engine.logger().Printf("sweep: expired=%d overdue=%d auto_paused=%d resumed=%d errors=%d",
			stats.NoStartExpired, stats.MarkedOverdue, stats.PausesAccepted, stats.Resumed, stats.Errors)
	}
}

// SweepOnce runs all four duties of a single pass. Failures on one item are
// logged and never stop the rest of the batch.
func (e Engine) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := e.nowRFC3339()
	batch := e.Config.Sweep.BatchSize

	due, err := e.Repo.ListDueNoStart(ctx, now, batch)
	if err != nil {
		return stats, err
	}
	for _, a := range due {
		if _, err := e.ExpireNoStart(ctx, a.ID); err != nil {
			stats.Errors++
			e.logger().Printf("sweep: expire no-start %s: %v", a.ID, err)
			continue
		}
		stats.NoStartExpired++
	}

	due, err = e.Repo.ListDueOverdue(ctx, now, batch)
	if err != nil {
		return stats, err
	}
	for _, a := range due {
		if _, err := e.MarkOverdue(ctx, a.ID); err != nil {
			stats.Errors++
			e.logger().Printf("sweep: mark overdue %s: %v", a.ID, err)
			continue
		}
		stats.MarkedOverdue++
	}

	due, err = e.Repo.ListDuePauseAutoAccept(ctx, now, batch)
	if err != nil {
		return stats, err
	}
	for _, a := range due {
		if err := e.autoAcceptPause(ctx, a); err != nil {
			stats.Errors++
			e.logger().Printf("sweep: auto-accept pause %s: %v", a.ID, err)
			continue
		}
		stats.PausesAccepted++
	}

	due, err = e.Repo.ListDueResume(ctx, now, batch)
	if err != nil {
		return stats, err
	}
	for _, a := range due {
		if err := e.autoResume(ctx, a); err != nil {
			stats.Errors++
			e.logger().Printf("sweep: resume %s: %v", a.ID, err)
			continue
		}
		stats.Resumed++
	}
	return stats, nil
}

// autoAcceptPause grants an unanswered pause request. The extension is
// computed as if the customer had answered exactly at the auto-accept mark,
// so a late sweep does not inflate the deadline.
func (e Engine) autoAcceptPause(ctx context.Context, a domain.Assignment) error {
	if a.PauseAutoAcceptAt == nil {
		return nil
	}
	decidedAt, err := parseTime(*a.PauseAutoAcceptAt)
	if err != nil {
		return err
	}
	_, err = e.acceptPause(ctx, a, decidedAt, "sweep")
	return err
}

// autoResume puts a paused assignment back to work once paused_until passed.
func (e Engine) autoResume(ctx context.Context, a domain.Assignment) error {
	err := e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkResumedTx(ctx, tx, a.ID, e.nowRFC3339())
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "assignment.resumed", "assignment", a.ID, "sweep", nil)
	})
	if err == errGuardFailed {
		return nil
	}
	return err
}
