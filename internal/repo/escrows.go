package repo

import (
	"context"
	"database/sql"

	"settleline/internal/domain"
)

const escrowColumns = `id,task_id,executor_id,contract_id,customer_id,amount,status,executor_amount,customer_amount,created_at,resolved_at`

func scanEscrow(row scanner) (domain.Escrow, error) {
	var e domain.Escrow
	var contractID, resolvedAt sql.NullString
	var execAmt, custAmt sql.NullInt64
	err := row.Scan(&e.ID, &e.TaskID, &e.ExecutorID, &contractID, &e.CustomerID, &e.Amount, &e.Status,
		&execAmt, &custAmt, &e.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ContractID = nullString(contractID)
	e.ResolvedAt = nullString(resolvedAt)
	e.ExecutorAmount = nullInt64(execAmt)
	e.CustomerAmount = nullInt64(custAmt)
	return e, nil
}

// InsertEscrowTx inserts a frozen escrow. Returns false when the
// (task, executor) pair already carries one.
func (r Repo) InsertEscrowTx(ctx context.Context, tx *sql.Tx, e domain.Escrow) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO escrows(id,task_id,executor_id,contract_id,customer_id,amount,status,created_at)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(task_id,executor_id) DO NOTHING`,
		e.ID, e.TaskID, e.ExecutorID, nullableStringPtr(e.ContractID), e.CustomerID, e.Amount, e.Status, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetEscrow(ctx context.Context, id string) (domain.Escrow, error) {
	return scanEscrow(r.DB.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id=?`, id))
}

func (r Repo) GetEscrowByPair(ctx context.Context, taskID, executorID string) (domain.Escrow, error) {
	return scanEscrow(r.DB.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE task_id=? AND executor_id=?`, taskID, executorID))
}

func (r Repo) GetEscrowByPairTx(ctx context.Context, tx *sql.Tx, taskID, executorID string) (domain.Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE task_id=? AND executor_id=?`, taskID, executorID))
}

func (r Repo) GetEscrowByContractTx(ctx context.Context, tx *sql.Tx, contractID string) (domain.Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE contract_id=?`, contractID))
}

// ResolveEscrowTx flips a frozen escrow to its terminal status and records the
// split. Returns false when the escrow is no longer frozen, which makes the
// resolution a one-shot: whichever caller flips it first wins, everyone else
// observes the existing outcome.
func (r Repo) ResolveEscrowTx(ctx context.Context, tx *sql.Tx, id, status string, executorAmount, customerAmount int64, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE escrows SET status=?, executor_amount=?, customer_amount=?, resolved_at=?
WHERE id=? AND status=?`,
		status, executorAmount, customerAmount, resolvedAt,
		id, domain.EscrowFrozen)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
