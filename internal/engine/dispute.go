package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"settleline/internal/domain"
	"settleline/internal/events"
	"settleline/internal/repo"
)

// Decision outcomes.
const (
	DecisionRelease = "release"
	DecisionRefund  = "refund"
	DecisionSplit   = "split"
)

// Decision is the arbiter's verdict, stored as JSON and locked on write.
type Decision struct {
	Outcome        string `json:"outcome" enum:"release,refund,split"`
	ExecutorAmount int64  `json:"executor_amount"`
	CustomerAmount int64  `json:"customer_amount"`
	Note           string `json:"note,omitempty"`
}

func (e Engine) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return e.Repo.GetDispute(ctx, id)
}

func (e Engine) ListDisputes(ctx context.Context, status, arbiterID string, limit int) ([]domain.Dispute, error) {
	return e.Repo.ListDisputes(ctx, status, arbiterID, limit)
}

func (e Engine) ListDisputeMessages(ctx context.Context, disputeID string) ([]domain.DisputeMessage, error) {
	return e.Repo.ListDisputeMessages(ctx, disputeID)
}

// OpenDispute raises a dispute over a contract. Either party may open one;
// a contract carries at most one dispute that is not closed, and a repeated
// open returns the existing case.
func (e Engine) OpenDispute(ctx context.Context, contractID, actorID, reason string) (domain.Dispute, error) {
	if reason == "" {
		return domain.Dispute{}, &ValidationError{Msg: "reason is required"}
	}
	contract, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if actorID != contract.CustomerID && actorID != contract.ExecutorID {
		return domain.Dispute{}, &ForbiddenError{Reason: "only a contract party opens a dispute"}
	}
	switch contract.Status {
	case domain.ContractActive, domain.ContractDisputed:
	default:
		return domain.Dispute{}, &ConflictError{Reason: ReasonInvalidStatus, Detail: "contract is " + contract.Status}
	}

	now := e.now()
	nowStr := fmtTime(now)
	d := domain.Dispute{
		ID:         uuid.NewString(),
		ContractID: contractID,
		OpenedBy:   actorID,
		CustomerID: contract.CustomerID,
		ExecutorID: contract.ExecutorID,
		Reason:     reason,
		Status:     domain.DisputeOpen,
		SLADueAt:   fmtTime(now.Add(e.Config.DisputeSLA())),
		Version:    1,
		CreatedAt:  nowStr,
		UpdatedAt:  nowStr,
	}

	err = e.txDo(ctx, func(tx *sql.Tx) error {
		inserted, err := e.Repo.InsertDisputeTx(ctx, tx, d)
		if err != nil {
			return fmt.Errorf("insert dispute: %w", err)
		}
		if !inserted {
			return errGuardFailed
		}
		if _, err := e.Repo.TransitionContractTx(ctx, tx, contractID,
			[]string{domain.ContractActive}, domain.ContractDisputed, nowStr); err != nil {
			return err
		}
		if a, aerr := e.assignmentOfContractTx(ctx, tx, contract); aerr == nil {
			if _, err := e.Repo.MarkDisputeOpenedTx(ctx, tx, a.ID, nowStr); err != nil {
				return err
			}
		}
		msg := domain.DisputeMessage{
			ID:        uuid.NewString(),
			DisputeID: d.ID,
			AuthorID:  actorID,
			Kind:      "party",
			Body:      reason,
			CreatedAt: nowStr,
		}
		if err := e.Repo.InsertDisputeMessageTx(ctx, tx, msg); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "dispute.opened", "dispute", d.ID, actorID,
			events.EventPayload{"contract_id": contractID, "sla_due_at": d.SLADueAt})
	})
	if err == errGuardFailed {
		return e.Repo.GetActiveDisputeByContract(ctx, contractID)
	}
	if err != nil {
		return domain.Dispute{}, err
	}

	other := contract.ExecutorID
	if actorID == contract.ExecutorID {
		other = contract.CustomerID
	}
	e.notify().Send(ctx, other, "A dispute was opened on your contract",
		map[string]any{"dispute_id": d.ID, "contract_id": contractID})
	e.recomputeTaskStatus(ctx, contract.TaskID)
	return e.Repo.GetDispute(ctx, d.ID)
}

// TakeInWork claims a dispute for an arbiter. The same arbiter re-claiming is
// a no-op; a dispute held by someone else is a conflict.
func (e Engine) TakeInWork(ctx context.Context, disputeID, arbiterID string, expectedVersion int64) (domain.Dispute, error) {
	arbiter, err := e.Repo.GetAccount(ctx, arbiterID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if arbiter.Role != domain.RoleArbiter {
		return domain.Dispute{}, &ForbiddenError{Reason: "only arbiters take disputes in work"}
	}
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.AssignArbiterTx(ctx, tx, disputeID, arbiterID, expectedVersion, e.nowRFC3339())
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "dispute.taken", "dispute", disputeID, arbiterID, nil)
	})
	if err == errGuardFailed {
		cur, rerr := e.Repo.GetDispute(ctx, disputeID)
		if rerr != nil {
			return domain.Dispute{}, rerr
		}
		if cur.Status == domain.DisputeInReview && cur.AssignedArbiterID != nil && *cur.AssignedArbiterID == arbiterID {
			return cur, nil
		}
		return domain.Dispute{}, e.disputeConflict(cur, expectedVersion, arbiterID)
	}
	if err != nil {
		return domain.Dispute{}, err
	}
	return e.Repo.GetDispute(ctx, disputeID)
}

// RequestMoreInfo moves an in_review dispute to need_more_info and records
// the arbiter's question.
func (e Engine) RequestMoreInfo(ctx context.Context, disputeID, arbiterID string, expectedVersion int64, question string) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if d.AssignedArbiterID == nil || *d.AssignedArbiterID != arbiterID {
		return domain.Dispute{}, &ForbiddenError{Reason: "only the assigned arbiter requests more info"}
	}
	now := e.nowRFC3339()
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.TransitionDisputeTx(ctx, tx, disputeID,
			[]string{domain.DisputeInReview}, domain.DisputeNeedMoreInfo, expectedVersion, now)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		if question != "" {
			msg := domain.DisputeMessage{
				ID:        uuid.NewString(),
				DisputeID: disputeID,
				AuthorID:  arbiterID,
				Kind:      "system",
				Body:      question,
				CreatedAt: now,
			}
			if err := e.Repo.InsertDisputeMessageTx(ctx, tx, msg); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, "dispute.more_info_requested", "dispute", disputeID, arbiterID, nil)
	})
	if err == errGuardFailed {
		cur, rerr := e.Repo.GetDispute(ctx, disputeID)
		if rerr != nil {
			return domain.Dispute{}, rerr
		}
		if cur.Status == domain.DisputeNeedMoreInfo {
			return cur, nil
		}
		return domain.Dispute{}, e.disputeConflict(cur, expectedVersion, arbiterID)
	}
	if err != nil {
		return domain.Dispute{}, err
	}
	e.notify().Send(ctx, d.CustomerID, "The arbiter needs more information", map[string]any{"dispute_id": disputeID})
	e.notify().Send(ctx, d.ExecutorID, "The arbiter needs more information", map[string]any{"dispute_id": disputeID})
	return e.Repo.GetDispute(ctx, disputeID)
}

// AddDisputeMessage posts a message. A party answering a need_more_info
// request moves the dispute back to in_review.
func (e Engine) AddDisputeMessage(ctx context.Context, disputeID, authorID, body string) (domain.DisputeMessage, error) {
	if body == "" {
		return domain.DisputeMessage{}, &ValidationError{Msg: "body is required"}
	}
	d, err := e.Repo.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.DisputeMessage{}, err
	}
	isParty := authorID == d.CustomerID || authorID == d.ExecutorID
	isArbiter := d.AssignedArbiterID != nil && *d.AssignedArbiterID == authorID
	if !isParty && !isArbiter {
		return domain.DisputeMessage{}, &ForbiddenError{Reason: "only dispute participants post messages"}
	}
	if d.Status == domain.DisputeClosed {
		return domain.DisputeMessage{}, &ConflictError{Reason: ReasonInvalidStatus, Detail: "dispute is closed"}
	}

	now := e.nowRFC3339()
	kind := "party"
	if isArbiter && !isParty {
		kind = "system"
	}
	msg := domain.DisputeMessage{
		ID:        uuid.NewString(),
		DisputeID: disputeID,
		AuthorID:  authorID,
		Kind:      kind,
		Body:      body,
		CreatedAt: now,
	}
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertDisputeMessageTx(ctx, tx, msg); err != nil {
			return err
		}
		if isParty && d.Status == domain.DisputeNeedMoreInfo {
			if _, err := e.Repo.TransitionDisputeTx(ctx, tx, disputeID,
				[]string{domain.DisputeNeedMoreInfo}, domain.DisputeInReview, 0, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.DisputeMessage{}, err
	}
	return msg, nil
}

// Decide locks the verdict, then settles the escrow and contract. The lock is
// its own transaction: once written it stands even if the settlement that
// follows fails, and the settlement is retried by hand from the audit trail.
func (e Engine) Decide(ctx context.Context, disputeID, arbiterID string, expectedVersion int64, decision Decision) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	// A locked verdict stands; any later decide returns it unchanged.
	if d.LockedDecisionAt != nil {
		return d, nil
	}
	contract, err := e.Repo.GetContract(ctx, d.ContractID)
	if err != nil {
		return domain.Dispute{}, err
	}
	esc, err := e.Repo.GetEscrowByPair(ctx, contract.TaskID, contract.ExecutorID)
	hasEscrow := err == nil
	if err != nil && !IsNotFound(err) {
		return domain.Dispute{}, err
	}

	switch decision.Outcome {
	case DecisionRelease:
		decision.ExecutorAmount, decision.CustomerAmount = esc.Amount, 0
	case DecisionRefund:
		decision.ExecutorAmount, decision.CustomerAmount = 0, esc.Amount
	case DecisionSplit:
		if decision.ExecutorAmount == 0 && decision.CustomerAmount == 0 && esc.Amount > 0 {
			decision.ExecutorAmount = esc.Amount / 2
			decision.CustomerAmount = esc.Amount - decision.ExecutorAmount
		}
		if decision.ExecutorAmount < 0 || decision.CustomerAmount < 0 {
			return domain.Dispute{}, &ValidationError{Msg: "decision shares must not be negative"}
		}
		if hasEscrow && decision.ExecutorAmount+decision.CustomerAmount != esc.Amount {
			return domain.Dispute{}, &ConflictError{Reason: ReasonAmountMismatch,
				Detail: fmt.Sprintf("shares %d+%d do not add up to %d", decision.ExecutorAmount, decision.CustomerAmount, esc.Amount)}
		}
	default:
		return domain.Dispute{}, &ValidationError{Msg: fmt.Sprintf("unknown outcome %q", decision.Outcome)}
	}

	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return domain.Dispute{}, err
	}
	now := e.nowRFC3339()

	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.LockDecisionTx(ctx, tx, disputeID, arbiterID, string(decisionJSON), now, expectedVersion, now)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "dispute.decided", "dispute", disputeID, arbiterID,
			events.EventPayload{"outcome": decision.Outcome,
				"executor_amount": decision.ExecutorAmount, "customer_amount": decision.CustomerAmount})
	})
	if err == errGuardFailed {
		cur, rerr := e.Repo.GetDispute(ctx, disputeID)
		if rerr != nil {
			return domain.Dispute{}, rerr
		}
		if cur.LockedDecisionAt != nil {
			return cur, nil
		}
		return domain.Dispute{}, e.disputeConflict(cur, expectedVersion, arbiterID)
	}
	if err != nil {
		return domain.Dispute{}, err
	}

	if err := e.settleDecision(ctx, contract, esc, hasEscrow, decision, arbiterID); err != nil {
		e.logger().Printf("dispute %s: decision locked but settlement failed: %v", disputeID, err)
	}

	e.notify().Send(ctx, d.CustomerID, "The dispute was decided", map[string]any{"dispute_id": disputeID, "outcome": decision.Outcome})
	e.notify().Send(ctx, d.ExecutorID, "The dispute was decided", map[string]any{"dispute_id": disputeID, "outcome": decision.Outcome})
	e.recomputeTaskStatus(ctx, contract.TaskID)
	return e.Repo.GetDispute(ctx, disputeID)
}

// settleDecision applies a locked decision to the escrow, contract and
// assignment. All steps are individually idempotent, so a retry after a
// partial failure is safe.
func (e Engine) settleDecision(ctx context.Context, contract domain.Contract, esc domain.Escrow, hasEscrow bool, decision Decision, actorID string) error {
	now := e.nowRFC3339()
	return e.txDo(ctx, func(tx *sql.Tx) error {
		if hasEscrow {
			outcome := domain.EscrowSplit
			switch decision.Outcome {
			case DecisionRelease:
				outcome = domain.EscrowReleased
			case DecisionRefund:
				outcome = domain.EscrowRefunded
			}
			err := e.resolveEscrowTx(ctx, tx, esc, outcome, decision.ExecutorAmount, decision.CustomerAmount, now, actorID)
			if err != nil && err != errGuardFailed {
				return err
			}
		}
		if _, err := e.Repo.TransitionContractTx(ctx, tx, contract.ID,
			[]string{domain.ContractDisputed, domain.ContractActive}, domain.ContractResolved, now); err != nil {
			return err
		}
		a, aerr := e.assignmentOfContractTx(ctx, tx, contract)
		if aerr != nil {
			if IsNotFound(aerr) {
				return nil
			}
			return aerr
		}
		if decision.Outcome == DecisionRefund {
			if _, err := e.Repo.MarkCancelledByCustomerTx(ctx, tx, a.ID, now); err != nil {
				return err
			}
			return e.Repo.RemoveTaskExecutorTx(ctx, tx, contract.TaskID, contract.ExecutorID)
		}
		_, err := e.Repo.MarkAcceptedTx(ctx, tx, a.ID, now, now)
		return err
	})
}

// CloseDispute retires a dispute. The assigned arbiter or either party may
// close; closing an already closed dispute is a no-op.
func (e Engine) CloseDispute(ctx context.Context, disputeID, actorID string, expectedVersion int64) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, disputeID)
	if err != nil {
		return domain.Dispute{}, err
	}
	isParty := actorID == d.CustomerID || actorID == d.ExecutorID
	isArbiter := d.AssignedArbiterID != nil && *d.AssignedArbiterID == actorID
	if !isParty && !isArbiter {
		return domain.Dispute{}, &ForbiddenError{Reason: "only dispute participants close it"}
	}
	if d.Status == domain.DisputeClosed {
		return d, nil
	}

	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.TransitionDisputeTx(ctx, tx, disputeID,
			[]string{domain.DisputeOpen, domain.DisputeInReview, domain.DisputeNeedMoreInfo, domain.DisputeDecided},
			domain.DisputeClosed, expectedVersion, e.nowRFC3339())
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "dispute.closed", "dispute", disputeID, actorID, nil)
	})
	if err == errGuardFailed {
		cur, rerr := e.Repo.GetDispute(ctx, disputeID)
		if rerr != nil {
			return domain.Dispute{}, rerr
		}
		if cur.Status == domain.DisputeClosed {
			return cur, nil
		}
		return domain.Dispute{}, e.disputeConflict(cur, expectedVersion, actorID)
	}
	if err != nil {
		return domain.Dispute{}, err
	}
	return e.Repo.GetDispute(ctx, disputeID)
}

// disputeConflict classifies a failed dispute guard against the current row.
func (e Engine) disputeConflict(cur domain.Dispute, expectedVersion int64, actorID string) error {
	if expectedVersion != 0 && cur.Version != expectedVersion {
		return &ConflictError{Reason: ReasonVersionMismatch,
			Detail: fmt.Sprintf("expected version %d, dispute is at %d", expectedVersion, cur.Version)}
	}
	if cur.AssignedArbiterID != nil && *cur.AssignedArbiterID != actorID {
		return &ConflictError{Reason: ReasonAssignedToAnother, Detail: "dispute is held by another arbiter"}
	}
	return &ConflictError{Reason: ReasonInvalidStatus, Detail: "dispute is " + cur.Status}
}

func (e Engine) assignmentOfContractTx(ctx context.Context, tx *sql.Tx, contract domain.Contract) (domain.Assignment, error) {
	return scanAssignmentRow(tx.QueryRowContext(ctx,
		`SELECT id, status FROM assignments WHERE task_id=? AND executor_id=?`,
		contract.TaskID, contract.ExecutorID))
}

func scanAssignmentRow(row *sql.Row) (domain.Assignment, error) {
	var a domain.Assignment
	err := row.Scan(&a.ID, &a.Status)
	if err == sql.ErrNoRows {
		return a, repo.ErrNotFound
	}
	return a, err
}
