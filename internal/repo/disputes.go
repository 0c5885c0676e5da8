package repo

import (
	"context"
	"database/sql"

	"settleline/internal/domain"
)

const disputeColumns = `id,contract_id,opened_by,customer_id,executor_id,reason,status,assigned_arbiter_id,
sla_due_at,decision_json,locked_decision_at,version,created_at,updated_at`

func scanDispute(row scanner) (domain.Dispute, error) {
	var d domain.Dispute
	var arbiter, decision, lockedAt sql.NullString
	err := row.Scan(&d.ID, &d.ContractID, &d.OpenedBy, &d.CustomerID, &d.ExecutorID, &d.Reason, &d.Status, &arbiter,
		&d.SLADueAt, &decision, &lockedAt, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.AssignedArbiterID = nullString(arbiter)
	d.DecisionJSON = nullString(decision)
	d.LockedDecisionAt = nullString(lockedAt)
	return d, nil
}

// InsertDisputeTx opens a dispute. Returns false when the contract already
// has a dispute that is not closed.
func (r Repo) InsertDisputeTx(ctx context.Context, tx *sql.Tx, d domain.Dispute) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO disputes(id,contract_id,opened_by,customer_id,executor_id,reason,status,sla_due_at,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,1,?,?) ON CONFLICT(contract_id) WHERE status != 'closed' DO NOTHING`,
		d.ID, d.ContractID, d.OpenedBy, d.CustomerID, d.ExecutorID, d.Reason, d.Status, d.SLADueAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return scanDispute(r.DB.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
}

func (r Repo) GetDisputeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Dispute, error) {
	return scanDispute(tx.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
}

func (r Repo) GetActiveDisputeByContract(ctx context.Context, contractID string) (domain.Dispute, error) {
	return scanDispute(r.DB.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE contract_id=? AND status != ? ORDER BY created_at DESC LIMIT 1`,
		contractID, domain.DisputeClosed))
}

func (r Repo) ListDisputes(ctx context.Context, status, arbiterID string, limit int) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE 1=1`
	var args []any
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	if arbiterID != "" {
		query += ` AND assigned_arbiter_id=?`
		args = append(args, arbiterID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// TransitionDisputeTx moves a dispute between statuses under an optional
// optimistic version guard (expectedVersion 0 skips the check). Every change
// bumps version. A locked decision also freezes the status except towards
// closed. Returns false when any guard fails; callers re-read to diagnose.
func (r Repo) TransitionDisputeTx(ctx context.Context, tx *sql.Tx, id string, from []string, to string, expectedVersion int64, updatedAt string) (bool, error) {
	query := `UPDATE disputes SET status=?, version=version+1, updated_at=?
WHERE id=? AND status IN (` + placeholders(len(from)) + `) AND (?=0 OR version=?)`
	args := []any{to, updatedAt, id}
	for _, s := range from {
		args = append(args, s)
	}
	args = append(args, expectedVersion, expectedVersion)
	if to != domain.DisputeClosed {
		query += ` AND locked_decision_at IS NULL`
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AssignArbiterTx claims an open dispute for an arbiter. Returns false when
// the dispute is not open or another arbiter already holds it.
func (r Repo) AssignArbiterTx(ctx context.Context, tx *sql.Tx, id, arbiterID string, expectedVersion int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET status=?, assigned_arbiter_id=?, version=version+1, updated_at=?
WHERE id=? AND status IN (?,?) AND (assigned_arbiter_id IS NULL OR assigned_arbiter_id=?) AND (?=0 OR version=?) AND locked_decision_at IS NULL`,
		domain.DisputeInReview, arbiterID, updatedAt,
		id, domain.DisputeOpen, domain.DisputeNeedMoreInfo, arbiterID, expectedVersion, expectedVersion)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LockDecisionTx writes the decision and locks it. One-shot: only an unlocked
// in_review dispute held by this arbiter can be decided.
func (r Repo) LockDecisionTx(ctx context.Context, tx *sql.Tx, id, arbiterID, decisionJSON, lockedAt string, expectedVersion int64, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE disputes SET status=?, decision_json=?, locked_decision_at=?, version=version+1, updated_at=?
WHERE id=? AND status=? AND assigned_arbiter_id=? AND locked_decision_at IS NULL AND (?=0 OR version=?)`,
		domain.DisputeDecided, decisionJSON, lockedAt, updatedAt,
		id, domain.DisputeInReview, arbiterID, expectedVersion, expectedVersion)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- dispute messages ---

func (r Repo) InsertDisputeMessageTx(ctx context.Context, tx *sql.Tx, m domain.DisputeMessage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dispute_messages(id,dispute_id,author_id,kind,body,created_at)
VALUES (?,?,?,?,?,?)`,
		m.ID, m.DisputeID, m.AuthorID, m.Kind, m.Body, m.CreatedAt)
	return err
}

func (r Repo) ListDisputeMessages(ctx context.Context, disputeID string) ([]domain.DisputeMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,dispute_id,author_id,kind,body,created_at
FROM dispute_messages WHERE dispute_id=? ORDER BY created_at ASC, id ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DisputeMessage
	for rows.Next() {
		var m domain.DisputeMessage
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
