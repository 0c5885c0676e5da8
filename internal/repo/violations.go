package repo

import (
	"context"
	"database/sql"

	"settleline/internal/domain"
)

// InsertViolationTx records a violation. Returns false when this
// (assignment, type) pair was already recorded, keeping cascades idempotent.
func (r Repo) InsertViolationTx(ctx context.Context, tx *sql.Tx, v domain.Violation) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO executor_violations(id,executor_id,type,task_id,assignment_id,created_at)
VALUES (?,?,?,?,?,?) ON CONFLICT(assignment_id,type) DO NOTHING`,
		v.ID, v.ExecutorID, v.Type, v.TaskID, v.AssignmentID, v.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// violationsQuery narrows to one type when vtype is set; empty means all.
func violationsQuery(executorID, vtype string) (string, []any) {
	q := `SELECT id,executor_id,type,task_id,assignment_id,created_at
FROM executor_violations WHERE executor_id=?`
	args := []any{executorID}
	if vtype != "" {
		q += ` AND type=?`
		args = append(args, vtype)
	}
	return q + ` ORDER BY created_at ASC, id ASC`, args
}

func (r Repo) ListViolationsTx(ctx context.Context, tx *sql.Tx, executorID, vtype string) ([]domain.Violation, error) {
	q, args := violationsQuery(executorID, vtype)
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectViolations(rows)
}

func (r Repo) ListViolations(ctx context.Context, executorID, vtype string) ([]domain.Violation, error) {
	q, args := violationsQuery(executorID, vtype)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectViolations(rows)
}

func collectViolations(rows *sql.Rows) ([]domain.Violation, error) {
	defer rows.Close()
	var res []domain.Violation
	for rows.Next() {
		var v domain.Violation
		if err := rows.Scan(&v.ID, &v.ExecutorID, &v.Type, &v.TaskID, &v.AssignmentID, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// --- restrictions ---

func scanRestriction(row scanner) (domain.Restriction, error) {
	var res domain.Restriction
	var blockedUntil sql.NullString
	err := row.Scan(&res.ExecutorID, &res.AccountStatus, &blockedUntil, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.RespondBlockedUntil = nullString(blockedUntil)
	return res, nil
}

func (r Repo) GetRestriction(ctx context.Context, executorID string) (domain.Restriction, error) {
	return scanRestriction(r.DB.QueryRowContext(ctx,
		`SELECT executor_id,account_status,respond_blocked_until,updated_at FROM executor_restrictions WHERE executor_id=?`, executorID))
}

func (r Repo) GetRestrictionTx(ctx context.Context, tx *sql.Tx, executorID string) (domain.Restriction, error) {
	return scanRestriction(tx.QueryRowContext(ctx,
		`SELECT executor_id,account_status,respond_blocked_until,updated_at FROM executor_restrictions WHERE executor_id=?`, executorID))
}

func (r Repo) EnsureRestrictionTx(ctx context.Context, tx *sql.Tx, executorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO executor_restrictions(executor_id,account_status,updated_at)
VALUES (?,'active',?) ON CONFLICT(executor_id) DO NOTHING`, executorID, now)
	return err
}

// SetRespondBlockedUntilTx writes the block horizon. Callers compute the max
// of the existing and new horizon before calling; this never shortens one.
func (r Repo) SetRespondBlockedUntilTx(ctx context.Context, tx *sql.Tx, executorID, until, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE executor_restrictions SET respond_blocked_until=?, updated_at=? WHERE executor_id=?`,
		until, now, executorID)
	return err
}

func (r Repo) BanExecutorTx(ctx context.Context, tx *sql.Tx, executorID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE executor_restrictions SET account_status='banned', updated_at=? WHERE executor_id=?`,
		now, executorID)
	return err
}

// --- rating adjustments ---

func (r Repo) InsertRatingAdjustmentTx(ctx context.Context, tx *sql.Tx, a domain.RatingAdjustment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rating_adjustments(id,executor_id,delta_percent,reason,violation_id,created_at)
VALUES (?,?,?,?,?,?)`,
		a.ID, a.ExecutorID, a.DeltaPercent, a.Reason, nullable(a.ViolationID), a.CreatedAt)
	return err
}

func (r Repo) ListRatingAdjustments(ctx context.Context, executorID string) ([]domain.RatingAdjustment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,executor_id,delta_percent,reason,violation_id,created_at
FROM rating_adjustments WHERE executor_id=? ORDER BY created_at ASC, id ASC`, executorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RatingAdjustment
	for rows.Next() {
		var a domain.RatingAdjustment
		var violationID sql.NullString
		if err := rows.Scan(&a.ID, &a.ExecutorID, &a.DeltaPercent, &a.Reason, &violationID, &a.CreatedAt); err != nil {
			return nil, err
		}
		if violationID.Valid {
			a.ViolationID = violationID.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
