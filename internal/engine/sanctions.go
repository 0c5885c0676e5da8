package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"settleline/internal/domain"
	"settleline/internal/events"
)

// computeViolationLevel walks an executor's violations oldest first. Each
// violation raises the level by one; every full decay period without a new
// violation lowers it by one, never below zero.
func computeViolationLevel(violations []domain.Violation, now time.Time, decay time.Duration) (int, error) {
	level := 0
	var prev time.Time
	for i, v := range violations {
		t, err := parseTime(v.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("violation %s: %w", v.ID, err)
		}
		if i > 0 {
			level -= int(t.Sub(prev) / decay)
			if level < 0 {
				level = 0
			}
		}
		level++
		prev = t
	}
	if len(violations) > 0 {
		level -= int(now.Sub(prev) / decay)
		if level < 0 {
			level = 0
		}
	}
	return level, nil
}

// ViolationLevel returns the executor's current decayed level for one
// violation type. Levels are tracked per type: a no-start strike does not
// advance the no-submit ladder.
func (e Engine) ViolationLevel(ctx context.Context, executorID, vtype string) (int, error) {
	violations, err := e.Repo.ListViolations(ctx, executorID, vtype)
	if err != nil {
		return 0, err
	}
	return computeViolationLevel(violations, e.now(), e.Config.ViolationDecay())
}

// ViolationLevels returns the decayed level for every violation type.
func (e Engine) ViolationLevels(ctx context.Context, executorID string) (map[string]int, error) {
	levels := make(map[string]int, 2)
	for _, vtype := range []string{domain.ViolationNoStart12h, domain.ViolationNoSubmit24h} {
		level, err := e.ViolationLevel(ctx, executorID, vtype)
		if err != nil {
			return nil, err
		}
		levels[vtype] = level
	}
	return levels, nil
}

func (e Engine) ListViolations(ctx context.Context, executorID string) ([]domain.Violation, error) {
	return e.Repo.ListViolations(ctx, executorID, "")
}

func (e Engine) GetRestriction(ctx context.Context, executorID string) (domain.Restriction, error) {
	r, err := e.Repo.GetRestriction(ctx, executorID)
	if IsNotFound(err) {
		return domain.Restriction{ExecutorID: executorID, AccountStatus: "active"}, nil
	}
	return r, err
}

// CanExecutorRespond reports whether the executor may take new work. The
// second return carries the block horizon when one applies.
func (e Engine) CanExecutorRespond(ctx context.Context, executorID string) (bool, *string, error) {
	r, err := e.Repo.GetRestriction(ctx, executorID)
	if IsNotFound(err) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if r.AccountStatus == "banned" {
		return false, nil, nil
	}
	if r.RespondBlockedUntil != nil {
		until, err := parseTime(*r.RespondBlockedUntil)
		if err != nil {
			return false, nil, err
		}
		if e.now().Before(until) {
			return false, r.RespondBlockedUntil, nil
		}
	}
	return true, nil, nil
}

// recordViolationTx writes the violation and applies the sanction for the
// resulting level, all inside the caller's transaction. A violation already
// recorded for this (assignment, type) pair does nothing, so cascades stay
// idempotent.
func (e Engine) recordViolationTx(ctx context.Context, tx *sql.Tx, a domain.Assignment, vtype, now string) error {
	v := domain.Violation{
		ID:           uuid.NewString(),
		ExecutorID:   a.ExecutorID,
		Type:         vtype,
		TaskID:       a.TaskID,
		AssignmentID: a.ID,
		CreatedAt:    now,
	}
	inserted, err := e.Repo.InsertViolationTx(ctx, tx, v)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	if !inserted {
		return nil
	}
	if err := e.Repo.EnsureRestrictionTx(ctx, tx, a.ExecutorID, now); err != nil {
		return err
	}

	violations, err := e.Repo.ListViolationsTx(ctx, tx, a.ExecutorID, vtype)
	if err != nil {
		return err
	}
	nowT, err := parseTime(now)
	if err != nil {
		return err
	}
	level, err := computeViolationLevel(violations, nowT, e.Config.ViolationDecay())
	if err != nil {
		return err
	}
	if err := e.applySanctionTx(ctx, tx, a.ExecutorID, v.ID, level, nowT); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "violation.recorded", "violation", v.ID, "sweep",
		events.EventPayload{"executor_id": a.ExecutorID, "type": vtype, "level": level})
}

// applySanctionTx runs the ladder for the level just reached.
func (e Engine) applySanctionTx(ctx context.Context, tx *sql.Tx, executorID, violationID string, level int, now time.Time) error {
	nowStr := fmtTime(now)
	switch {
	case level <= 1:
		return e.notify().SendTx(ctx, tx, executorID, "Warning: a deadline violation was recorded against you",
			map[string]any{"level": level})
	case level == 2:
		adj := domain.RatingAdjustment{
			ID:           uuid.NewString(),
			ExecutorID:   executorID,
			DeltaPercent: -e.Config.Sanctions.RatingPenaltyPc,
			Reason:       "violation_level_2",
			ViolationID:  violationID,
			CreatedAt:    nowStr,
		}
		if err := e.Repo.InsertRatingAdjustmentTx(ctx, tx, adj); err != nil {
			return err
		}
		return e.notify().SendTx(ctx, tx, executorID,
			fmt.Sprintf("Your rating was reduced by %d%% for repeated violations", e.Config.Sanctions.RatingPenaltyPc),
			map[string]any{"level": level})
	case level == 3, level == 4:
		hours := e.Config.Sanctions.BlockHoursLvl3
		if level == 4 {
			hours = e.Config.Sanctions.BlockHoursLvl4
		}
		until := now.Add(time.Duration(hours) * time.Hour)
		if cur, err := e.Repo.GetRestrictionTx(ctx, tx, executorID); err == nil && cur.RespondBlockedUntil != nil {
			// The horizon only ever moves forward.
			if existing, perr := parseTime(*cur.RespondBlockedUntil); perr == nil && existing.After(until) {
				until = existing
			}
		}
		if err := e.Repo.SetRespondBlockedUntilTx(ctx, tx, executorID, fmtTime(until), nowStr); err != nil {
			return err
		}
		return e.notify().SendTx(ctx, tx, executorID,
			"You are blocked from taking new work until "+fmtTime(until),
			map[string]any{"level": level, "blocked_until": fmtTime(until)})
	default:
		if err := e.Repo.BanExecutorTx(ctx, tx, executorID, nowStr); err != nil {
			return err
		}
		return e.notify().SendTx(ctx, tx, executorID, "Your account was banned for repeated violations",
			map[string]any{"level": level})
	}
}
