package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"settleline/internal/domain"
	"settleline/internal/events"
)

func (e Engine) GetEscrowByPair(ctx context.Context, taskID, executorID string) (domain.Escrow, error) {
	return e.Repo.GetEscrowByPair(ctx, taskID, executorID)
}

// FreezeEscrow moves funds from the customer's balance into escrow for one
// (task, executor) pair. A zero or negative amount is a no-op. Repeating the
// call returns the existing escrow untouched.
func (e Engine) FreezeEscrow(ctx context.Context, taskID, executorID string, amount int64, actorID string) (domain.Escrow, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if task.CustomerID != actorID {
		return domain.Escrow{}, &ForbiddenError{Reason: "only the task customer freezes escrow"}
	}
	if amount == 0 {
		amount = task.Budget
	}
	if amount <= 0 {
		return domain.Escrow{}, nil
	}
	task.Budget = amount

	var esc domain.Escrow
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		var ferr error
		esc, ferr = e.freezeEscrowTx(ctx, tx, task, executorID, "", e.nowRFC3339())
		return ferr
	})
	return esc, err
}

// freezeEscrowTx debits the customer and creates the frozen record. When a
// concurrent freeze already holds the pair, the debit is reversed and the
// existing record returned.
func (e Engine) freezeEscrowTx(ctx context.Context, tx *sql.Tx, task domain.Task, executorID, contractID, now string) (domain.Escrow, error) {
	amount := task.Budget
	if amount <= 0 {
		return domain.Escrow{}, nil
	}
	if existing, err := e.Repo.GetEscrowByPairTx(ctx, tx, task.ID, executorID); err == nil {
		return existing, nil
	} else if !IsNotFound(err) {
		return domain.Escrow{}, err
	}

	ok, err := e.Repo.DebitIfAtLeastTx(ctx, tx, task.CustomerID, amount)
	if err != nil {
		return domain.Escrow{}, err
	}
	if !ok {
		var have int64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, task.CustomerID).Scan(&have); err != nil && err != sql.ErrNoRows {
			return domain.Escrow{}, err
		}
		return domain.Escrow{}, &InsufficientBalanceError{Need: amount, Have: have}
	}

	esc := domain.Escrow{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		ExecutorID: executorID,
		CustomerID: task.CustomerID,
		Amount:     amount,
		Status:     domain.EscrowFrozen,
		CreatedAt:  now,
	}
	if contractID != "" {
		esc.ContractID = &contractID
	}
	inserted, err := e.Repo.InsertEscrowTx(ctx, tx, esc)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("insert escrow: %w", err)
	}
	if !inserted {
		// Someone else froze first; give the debit back.
		if _, err := e.Repo.AdjustBalanceTx(ctx, tx, task.CustomerID, amount); err != nil {
			return domain.Escrow{}, err
		}
		return e.Repo.GetEscrowByPairTx(ctx, tx, task.ID, executorID)
	}
	if err := e.Events.Append(ctx, tx, "escrow.frozen", "escrow", esc.ID, task.CustomerID,
		events.EventPayload{"task_id": task.ID, "executor_id": executorID, "amount": amount}); err != nil {
		return domain.Escrow{}, err
	}
	return esc, nil
}

// ReleaseEscrow pays the frozen amount out to the executor.
func (e Engine) ReleaseEscrow(ctx context.Context, taskID, executorID, actorID string) (domain.Escrow, error) {
	return e.resolveEscrow(ctx, taskID, executorID, actorID, domain.EscrowReleased, -1, -1)
}

// RefundEscrow returns the frozen amount to the customer.
func (e Engine) RefundEscrow(ctx context.Context, taskID, executorID, actorID string) (domain.Escrow, error) {
	return e.resolveEscrow(ctx, taskID, executorID, actorID, domain.EscrowRefunded, -1, -1)
}

// SplitEscrow divides the frozen amount between both parties. The two shares
// must add up to the escrow amount exactly.
func (e Engine) SplitEscrow(ctx context.Context, taskID, executorID string, executorAmount, customerAmount int64, actorID string) (domain.Escrow, error) {
	if executorAmount < 0 || customerAmount < 0 {
		return domain.Escrow{}, &ValidationError{Msg: "split shares must not be negative"}
	}
	return e.resolveEscrow(ctx, taskID, executorID, actorID, domain.EscrowSplit, executorAmount, customerAmount)
}

// resolveEscrow applies one of the three terminal escrow outcomes. Exactly
// one resolution ever credits balances; a repeat with the same outcome is a
// no-op returning the record, a repeat with a different one is a conflict.
func (e Engine) resolveEscrow(ctx context.Context, taskID, executorID, actorID, outcome string, executorAmount, customerAmount int64) (domain.Escrow, error) {
	esc, err := e.Repo.GetEscrowByPair(ctx, taskID, executorID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if err := e.checkEscrowActor(ctx, esc, actorID); err != nil {
		return domain.Escrow{}, err
	}

	switch outcome {
	case domain.EscrowReleased:
		executorAmount, customerAmount = esc.Amount, 0
	case domain.EscrowRefunded:
		executorAmount, customerAmount = 0, esc.Amount
	case domain.EscrowSplit:
		if executorAmount+customerAmount != esc.Amount {
			return domain.Escrow{}, &ConflictError{Reason: ReasonAmountMismatch,
				Detail: fmt.Sprintf("shares %d+%d do not add up to %d", executorAmount, customerAmount, esc.Amount)}
		}
	}

	err = e.txDo(ctx, func(tx *sql.Tx) error {
		return e.resolveEscrowTx(ctx, tx, esc, outcome, executorAmount, customerAmount, e.nowRFC3339(), actorID)
	})
	if err == errGuardFailed {
		cur, rerr := e.Repo.GetEscrowByPair(ctx, taskID, executorID)
		if rerr != nil {
			return domain.Escrow{}, rerr
		}
		if cur.Status == outcome && sameShares(cur, executorAmount, customerAmount) {
			return cur, nil
		}
		return domain.Escrow{}, &ConflictError{Reason: ReasonInvalidStatus, Detail: "escrow is " + cur.Status}
	}
	if err != nil {
		return domain.Escrow{}, err
	}
	return e.Repo.GetEscrowByPair(ctx, taskID, executorID)
}

func sameShares(esc domain.Escrow, executorAmount, customerAmount int64) bool {
	if esc.ExecutorAmount == nil || esc.CustomerAmount == nil {
		return false
	}
	return *esc.ExecutorAmount == executorAmount && *esc.CustomerAmount == customerAmount
}

// resolveEscrowTx flips the record and credits the parties in the same
// transaction. Returns errGuardFailed when the escrow was not frozen anymore.
func (e Engine) resolveEscrowTx(ctx context.Context, tx *sql.Tx, esc domain.Escrow, outcome string, executorAmount, customerAmount int64, now, actorID string) error {
	changed, err := e.Repo.ResolveEscrowTx(ctx, tx, esc.ID, outcome, executorAmount, customerAmount, now)
	if err != nil {
		return err
	}
	if !changed {
		return errGuardFailed
	}
	if executorAmount > 0 {
		if _, err := e.Repo.AdjustBalanceTx(ctx, tx, esc.ExecutorID, executorAmount); err != nil {
			return err
		}
	}
	if customerAmount > 0 {
		if _, err := e.Repo.AdjustBalanceTx(ctx, tx, esc.CustomerID, customerAmount); err != nil {
			return err
		}
	}
	return e.Events.Append(ctx, tx, "escrow."+outcome, "escrow", esc.ID, actorID,
		events.EventPayload{"executor_amount": executorAmount, "customer_amount": customerAmount})
}

// releaseEscrowTx and refundEscrowTx are the cascade entry points used by
// lifecycle transitions. A missing escrow (zero-budget task) and an already
// resolved one are both fine.

func (e Engine) releaseEscrowTx(ctx context.Context, tx *sql.Tx, taskID, executorID, now, actorID string) error {
	esc, err := e.Repo.GetEscrowByPairTx(ctx, tx, taskID, executorID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	err = e.resolveEscrowTx(ctx, tx, esc, domain.EscrowReleased, esc.Amount, 0, now, actorID)
	if err == errGuardFailed {
		return nil
	}
	return err
}

func (e Engine) refundEscrowTx(ctx context.Context, tx *sql.Tx, taskID, executorID, now, actorID string) error {
	esc, err := e.Repo.GetEscrowByPairTx(ctx, tx, taskID, executorID)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	err = e.resolveEscrowTx(ctx, tx, esc, domain.EscrowRefunded, 0, esc.Amount, now, actorID)
	if err == errGuardFailed {
		return nil
	}
	return err
}

func (e Engine) checkEscrowActor(ctx context.Context, esc domain.Escrow, actorID string) error {
	if actorID == esc.CustomerID {
		return nil
	}
	actor, err := e.Repo.GetAccount(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Role == domain.RoleArbiter {
		return nil
	}
	return &ForbiddenError{Reason: "only the customer or an arbiter resolves escrow"}
}
