package repo

import (
	"context"
	"database/sql"
	"strings"

	"settleline/internal/domain"
)

const assignmentColumns = `id,task_id,executor_id,contract_id,status,assigned_at,start_deadline_at,started_at,
execution_base_deadline_at,execution_extension_ms,execution_deadline_at,submitted_at,overdue_at,accepted_at,
pause_used,pause_reason_id,pause_requested_at,pause_requested_duration_ms,pause_auto_accept_at,pause_decision,
paused_at,paused_until,created_at,updated_at`

func scanAssignment(row scanner) (domain.Assignment, error) {
	var a domain.Assignment
	var contractID, startedAt, baseDeadline, deadline, submittedAt, overdueAt, acceptedAt sql.NullString
	var pauseReason, pauseRequestedAt, pauseAutoAcceptAt, pauseDecision, pausedAt, pausedUntil sql.NullString
	var pauseUsed int
	err := row.Scan(&a.ID, &a.TaskID, &a.ExecutorID, &contractID, &a.Status, &a.AssignedAt, &a.StartDeadlineAt, &startedAt,
		&baseDeadline, &a.ExecutionExtensionMs, &deadline, &submittedAt, &overdueAt, &acceptedAt,
		&pauseUsed, &pauseReason, &pauseRequestedAt, &a.PauseRequestedDurationMs, &pauseAutoAcceptAt, &pauseDecision,
		&pausedAt, &pausedUntil, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ContractID = nullString(contractID)
	a.StartedAt = nullString(startedAt)
	a.ExecutionBaseDeadlineAt = nullString(baseDeadline)
	a.ExecutionDeadlineAt = nullString(deadline)
	a.SubmittedAt = nullString(submittedAt)
	a.OverdueAt = nullString(overdueAt)
	a.AcceptedAt = nullString(acceptedAt)
	a.PauseUsed = pauseUsed != 0
	a.PauseReasonID = nullString(pauseReason)
	a.PauseRequestedAt = nullString(pauseRequestedAt)
	a.PauseAutoAcceptAt = nullString(pauseAutoAcceptAt)
	a.PauseDecision = nullString(pauseDecision)
	a.PausedAt = nullString(pausedAt)
	a.PausedUntil = nullString(pausedUntil)
	return a, nil
}

// InsertAssignmentTx inserts a new assignment. Returns false when the
// (task, executor) pair is already taken.
func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO assignments(id,task_id,executor_id,contract_id,status,assigned_at,start_deadline_at,
execution_extension_ms,pause_used,pause_requested_duration_ms,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,0,0,0,?,?) ON CONFLICT(task_id,executor_id) DO NOTHING`,
		a.ID, a.TaskID, a.ExecutorID, nullableStringPtr(a.ContractID), a.Status, a.AssignedAt, a.StartDeadlineAt,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
}

func (r Repo) GetAssignmentByPair(ctx context.Context, taskID, executorID string) (domain.Assignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE task_id=? AND executor_id=?`, taskID, executorID))
}

type AssignmentFilters struct {
	TaskID     string
	ExecutorID string
	Status     string
	Limit      int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.ExecutorID != "" {
		clauses = append(clauses, "executor_id=?")
		args = append(args, f.ExecutorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignments` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListTaskAssignments(ctx context.Context, taskID string) ([]domain.Assignment, error) {
	return r.ListAssignments(ctx, AssignmentFilters{TaskID: taskID})
}

// Guarded transitions. Each issues a single conditional UPDATE keyed on the
// current status and reports whether the row actually changed.

func (r Repo) MarkStartedTx(ctx context.Context, tx *sql.Tx, id, startedAt, baseDeadlineAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, started_at=?, execution_base_deadline_at=?,
execution_extension_ms=0, execution_deadline_at=?, updated_at=?
WHERE id=? AND status=?`,
		domain.AssignmentInProgress, startedAt, baseDeadlineAt, baseDeadlineAt, now,
		id, domain.AssignmentPendingStart)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkPauseRequestedTx(ctx context.Context, tx *sql.Tx, id, reasonID, requestedAt, autoAcceptAt string, durationMs int64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, pause_used=1, pause_reason_id=?, pause_requested_at=?,
pause_requested_duration_ms=?, pause_auto_accept_at=?, pause_decision=NULL, updated_at=?
WHERE id=? AND status=? AND pause_used=0`,
		domain.AssignmentPauseRequested, reasonID, requestedAt, durationMs, autoAcceptAt, now,
		id, domain.AssignmentInProgress)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkPauseAcceptedTx(ctx context.Context, tx *sql.Tx, id string, extensionMs int64, deadlineAt, pausedAt, pausedUntil, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, pause_decision='accepted',
execution_extension_ms=?, execution_deadline_at=?, paused_at=?, paused_until=?, updated_at=?
WHERE id=? AND status=?`,
		domain.AssignmentPaused, extensionMs, deadlineAt, pausedAt, pausedUntil, now,
		id, domain.AssignmentPauseRequested)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkPauseRejectedTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, pause_decision='rejected', updated_at=?
WHERE id=? AND status=?`,
		domain.AssignmentInProgress, now,
		id, domain.AssignmentPauseRequested)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkResumedTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.AssignmentInProgress, now,
		id, domain.AssignmentPaused)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkSubmittedTx(ctx context.Context, tx *sql.Tx, id, submittedAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, submitted_at=?, updated_at=?
WHERE id=? AND status IN (?,?)`,
		domain.AssignmentSubmitted, submittedAt, now,
		id, domain.AssignmentInProgress, domain.AssignmentOverdue)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkAcceptedTx(ctx context.Context, tx *sql.Tx, id, acceptedAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, accepted_at=?, updated_at=?
WHERE id=? AND status IN (?,?)`,
		domain.AssignmentAccepted, acceptedAt, now,
		id, domain.AssignmentSubmitted, domain.AssignmentDisputeOpened)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkDisputeOpenedTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, updated_at=?
WHERE id=? AND status IN (?,?)`,
		domain.AssignmentDisputeOpened, now,
		id, domain.AssignmentSubmitted, domain.AssignmentInProgress)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkRemovedAutoTx(ctx context.Context, tx *sql.Tx, id, deadline, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, updated_at=?
WHERE id=? AND status=? AND start_deadline_at<=?`,
		domain.AssignmentRemovedAuto, now,
		id, domain.AssignmentPendingStart, deadline)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkOverdueTx(ctx context.Context, tx *sql.Tx, id, overdueAt, deadline, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, overdue_at=?, updated_at=?
WHERE id=? AND status=? AND execution_deadline_at<=?`,
		domain.AssignmentOverdue, overdueAt, now,
		id, domain.AssignmentInProgress, deadline)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) MarkCancelledByCustomerTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, updated_at=?
WHERE id=? AND status IN (?,?,?,?,?,?,?)`,
		domain.AssignmentCancelledByCustomer, now,
		id, domain.AssignmentPendingStart, domain.AssignmentInProgress, domain.AssignmentPauseRequested,
		domain.AssignmentPaused, domain.AssignmentSubmitted, domain.AssignmentOverdue, domain.AssignmentDisputeOpened)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Sweep queries. Oldest deadline first, bounded batch.

func (r Repo) ListDueNoStart(ctx context.Context, now string, limit int) ([]domain.Assignment, error) {
	return r.listDue(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE status=? AND start_deadline_at<=? ORDER BY start_deadline_at ASC LIMIT ?`,
		domain.AssignmentPendingStart, now, limit)
}

func (r Repo) ListDueOverdue(ctx context.Context, now string, limit int) ([]domain.Assignment, error) {
	return r.listDue(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE status=? AND execution_deadline_at<=? ORDER BY execution_deadline_at ASC LIMIT ?`,
		domain.AssignmentInProgress, now, limit)
}

func (r Repo) ListDuePauseAutoAccept(ctx context.Context, now string, limit int) ([]domain.Assignment, error) {
	return r.listDue(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE status=? AND pause_auto_accept_at<=? ORDER BY pause_auto_accept_at ASC LIMIT ?`,
		domain.AssignmentPauseRequested, now, limit)
}

func (r Repo) ListDueResume(ctx context.Context, now string, limit int) ([]domain.Assignment, error) {
	return r.listDue(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE status=? AND paused_until<=? ORDER BY paused_until ASC LIMIT ?`,
		domain.AssignmentPaused, now, limit)
}

func (r Repo) listDue(ctx context.Context, query string, status, now string, limit int) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, query, status, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
