package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"settleline/internal/domain"
	"settleline/internal/events"
)

func (e Engine) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return e.Repo.GetAssignment(ctx, id)
}

func (e Engine) GetAssignmentByPair(ctx context.Context, taskID, executorID string) (domain.Assignment, error) {
	return e.Repo.GetAssignmentByPair(ctx, taskID, executorID)
}

// StartAssignment moves pending_start to in_progress and fixes the execution
// window. Repeating the call after success is a no-op.
func (e Engine) StartAssignment(ctx context.Context, assignmentID, actorID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.ExecutorID != actorID {
		return domain.Assignment{}, &ForbiddenError{Reason: "only the assigned executor starts work"}
	}

	now := e.now()
	startedAt := fmtTime(now)
	deadline := fmtTime(now.Add(e.Config.ExecutionWindow()))

	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkStartedTx(ctx, tx, assignmentID, startedAt, deadline, startedAt)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "assignment.started", "assignment", assignmentID, actorID,
			events.EventPayload{"execution_deadline_at": deadline})
	})
	if err == errGuardFailed {
		return e.resolveGuardFailure(ctx, assignmentID, domain.AssignmentPendingStart,
			domain.AssignmentInProgress, domain.AssignmentPauseRequested, domain.AssignmentPaused,
			domain.AssignmentSubmitted, domain.AssignmentOverdue, domain.AssignmentAccepted, domain.AssignmentDisputeOpened)
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	return e.Repo.GetAssignment(ctx, assignmentID)
}

// RequestPause asks for a one-time pause. A second request is a no-op
// regardless of the assignment's current state.
func (e Engine) RequestPause(ctx context.Context, assignmentID, actorID, reasonID string, durationMs int64) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.ExecutorID != actorID {
		return domain.Assignment{}, &ForbiddenError{Reason: "only the assigned executor requests a pause"}
	}
	if a.PauseUsed {
		return a, nil
	}
	if _, ok := e.Config.Pause.Reasons[reasonID]; !ok {
		return domain.Assignment{}, &ValidationError{Msg: fmt.Sprintf("unknown pause reason %q", reasonID)}
	}
	// The requested duration is clamped to the configured bounds.
	d := time.Duration(durationMs) * time.Millisecond
	if d < e.Config.PauseMin() {
		d = e.Config.PauseMin()
	}
	if d > e.Config.PauseMax() {
		d = e.Config.PauseMax()
	}
	durationMs = d.Milliseconds()

	now := e.now()
	nowStr := fmtTime(now)
	autoAcceptAt := fmtTime(now.Add(e.Config.PauseAutoAccept()))

	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkPauseRequestedTx(ctx, tx, assignmentID, reasonID, nowStr, autoAcceptAt, durationMs, nowStr)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "assignment.pause_requested", "assignment", assignmentID, actorID,
			events.EventPayload{"reason_id": reasonID, "duration_ms": durationMs, "auto_accept_at": autoAcceptAt})
	})
	if err == errGuardFailed {
		// Lost a race: either the pause was already used or the status moved.
		cur, rerr := e.Repo.GetAssignment(ctx, assignmentID)
		if rerr != nil {
			return domain.Assignment{}, rerr
		}
		if cur.PauseUsed {
			return cur, nil
		}
		return domain.Assignment{}, &ConflictError{Reason: ReasonInvalidStatus, Detail: "assignment is " + cur.Status}
	}
	if err != nil {
		return domain.Assignment{}, err
	}

	contract, cerr := e.contractOf(ctx, a)
	if cerr == nil {
		e.notify().Send(ctx, contract.CustomerID, "Executor requested a pause",
			map[string]any{"assignment_id": assignmentID, "reason_id": reasonID, "duration_ms": durationMs})
	}
	return e.Repo.GetAssignment(ctx, assignmentID)
}

// DecidePause is the customer's answer to a pending pause request.
func (e Engine) DecidePause(ctx context.Context, assignmentID, actorID string, accept bool) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	contract, err := e.contractOf(ctx, a)
	if err != nil {
		return domain.Assignment{}, err
	}
	if contract.CustomerID != actorID {
		return domain.Assignment{}, &ForbiddenError{Reason: "only the task customer decides pause requests"}
	}
	if accept {
		return e.acceptPause(ctx, a, e.now(), actorID)
	}
	return e.rejectPause(ctx, a, actorID)
}

// acceptPause grants the pause and extends the execution deadline by the time
// already waited plus the requested duration, within the extension cap. The
// cap is the lesser of the configured maximum and half the execution window.
func (e Engine) acceptPause(ctx context.Context, a domain.Assignment, decidedAt time.Time, actorID string) (domain.Assignment, error) {
	if a.PauseRequestedAt == nil || a.ExecutionBaseDeadlineAt == nil || a.StartedAt == nil {
		return e.resolveGuardFailure(ctx, a.ID, domain.AssignmentPauseRequested,
			domain.AssignmentPaused, domain.AssignmentInProgress, domain.AssignmentSubmitted,
			domain.AssignmentOverdue, domain.AssignmentAccepted, domain.AssignmentDisputeOpened)
	}
	requestedAt, err := parseTime(*a.PauseRequestedAt)
	if err != nil {
		return domain.Assignment{}, err
	}
	base, err := parseTime(*a.ExecutionBaseDeadlineAt)
	if err != nil {
		return domain.Assignment{}, err
	}
	startedAt, err := parseTime(*a.StartedAt)
	if err != nil {
		return domain.Assignment{}, err
	}

	waitMs := decidedAt.Sub(requestedAt).Milliseconds()
	if waitMs < 0 {
		waitMs = 0
	}
	window := base.Sub(startedAt)
	capMs := e.Config.ExtensionCap().Milliseconds()
	if half := (window / 2).Milliseconds(); half < capMs {
		capMs = half
	}
	room := capMs - a.ExecutionExtensionMs
	if room < 0 {
		room = 0
	}
	add := waitMs + a.PauseRequestedDurationMs
	if add > room {
		add = room
	}
	extMs := a.ExecutionExtensionMs + add
	deadline := fmtTime(base.Add(time.Duration(extMs) * time.Millisecond))
	pausedAt := fmtTime(decidedAt)
	pausedUntil := fmtTime(decidedAt.Add(time.Duration(a.PauseRequestedDurationMs) * time.Millisecond))

	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkPauseAcceptedTx(ctx, tx, a.ID, extMs, deadline, pausedAt, pausedUntil, e.nowRFC3339())
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "assignment.pause_accepted", "assignment", a.ID, actorID,
			events.EventPayload{"paused_until": pausedUntil, "execution_deadline_at": deadline, "extension_ms": extMs})
	})
	if err == errGuardFailed {
		return e.resolveGuardFailure(ctx, a.ID, domain.AssignmentPauseRequested,
			domain.AssignmentPaused, domain.AssignmentInProgress, domain.AssignmentSubmitted,
			domain.AssignmentOverdue, domain.AssignmentAccepted, domain.AssignmentDisputeOpened)
	}
	if err != nil {
		return domain.Assignment{}, err
	}

	e.notify().Send(ctx, a.ExecutorID, "Pause accepted", map[string]any{"assignment_id": a.ID, "paused_until": pausedUntil})
	return e.Repo.GetAssignment(ctx, a.ID)
}

func (e Engine) rejectPause(ctx context.Context, a domain.Assignment, actorID string) (domain.Assignment, error) {
	err := e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkPauseRejectedTx(ctx, tx, a.ID, e.nowRFC3339())
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "assignment.pause_rejected", "assignment", a.ID, actorID, nil)
	})
	if err == errGuardFailed {
		return e.resolveGuardFailure(ctx, a.ID, domain.AssignmentPauseRequested,
			domain.AssignmentInProgress, domain.AssignmentPaused, domain.AssignmentSubmitted,
			domain.AssignmentOverdue, domain.AssignmentAccepted, domain.AssignmentDisputeOpened)
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	e.notify().Send(ctx, a.ExecutorID, "Pause rejected", map[string]any{"assignment_id": a.ID})
	return e.Repo.GetAssignment(ctx, a.ID)
}

// ResumeAssignment lets the executor return early from a pause. The extended
// deadline stays as granted.
func (e Engine) ResumeAssignment(ctx context.Context, assignmentID, actorID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.ExecutorID != actorID {
		return domain.Assignment{}, &ForbiddenError{Reason: "only the assigned executor resumes work"}
	}
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkResumedTx(ctx, tx, assignmentID, e.nowRFC3339())
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "assignment.resumed", "assignment", assignmentID, actorID, nil)
	})
	if err == errGuardFailed {
		return e.resolveGuardFailure(ctx, assignmentID, domain.AssignmentPaused,
			domain.AssignmentInProgress, domain.AssignmentSubmitted, domain.AssignmentOverdue,
			domain.AssignmentAccepted, domain.AssignmentDisputeOpened)
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	return e.Repo.GetAssignment(ctx, assignmentID)
}

// SubmitWork moves in_progress or overdue to submitted. Submitting while
// overdue is allowed; the violation already recorded stays.
func (e Engine) SubmitWork(ctx context.Context, assignmentID, actorID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.ExecutorID != actorID {
		return domain.Assignment{}, &ForbiddenError{Reason: "only the assigned executor submits work"}
	}
	now := e.nowRFC3339()
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkSubmittedTx(ctx, tx, assignmentID, now, now)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		return e.Events.Append(ctx, tx, "assignment.submitted", "assignment", assignmentID, actorID, nil)
	})
	if err == errGuardFailed {
		return e.resolveGuardFailure(ctx, assignmentID, domain.AssignmentInProgress,
			domain.AssignmentSubmitted, domain.AssignmentAccepted, domain.AssignmentDisputeOpened)
	}
	if err != nil {
		return domain.Assignment{}, err
	}

	if contract, cerr := e.contractOf(ctx, a); cerr == nil {
		e.notify().Send(ctx, contract.CustomerID, "Work submitted for review",
			map[string]any{"assignment_id": assignmentID, "task_id": a.TaskID})
	}
	e.recomputeTaskStatus(ctx, a.TaskID)
	return e.Repo.GetAssignment(ctx, assignmentID)
}

// AcceptWork is the customer accepting a submission: the assignment closes,
// the escrow pays out to the executor and the contract completes, all in one
// transaction. A dispute_opened assignment may be accepted too; the escrow's
// one-shot resolution keeps a concurrent arbiter decision from paying twice.
func (e Engine) AcceptWork(ctx context.Context, assignmentID, actorID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	contract, err := e.contractOf(ctx, a)
	if err != nil {
		return domain.Assignment{}, err
	}
	if contract.CustomerID != actorID {
		return domain.Assignment{}, &ForbiddenError{Reason: "only the task customer accepts work"}
	}
	if a.Status == domain.AssignmentAccepted {
		return a, nil
	}

	now := e.nowRFC3339()
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkAcceptedTx(ctx, tx, assignmentID, now, now)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		if err := e.releaseEscrowTx(ctx, tx, a.TaskID, a.ExecutorID, now, actorID); err != nil {
			return err
		}
		if _, err := e.Repo.TransitionContractTx(ctx, tx, contract.ID,
			[]string{domain.ContractActive, domain.ContractDisputed}, domain.ContractCompleted, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "assignment.accepted", "assignment", assignmentID, actorID,
			events.EventPayload{"contract_id": contract.ID})
	})
	if err == errGuardFailed {
		return e.resolveGuardFailure(ctx, assignmentID,
			domain.AssignmentSubmitted+" or "+domain.AssignmentDisputeOpened, domain.AssignmentAccepted)
	}
	if err != nil {
		return domain.Assignment{}, err
	}

	e.notify().Send(ctx, a.ExecutorID, "Your work was accepted", map[string]any{"assignment_id": assignmentID})
	e.recomputeTaskStatus(ctx, a.TaskID)
	return e.Repo.GetAssignment(ctx, assignmentID)
}

// ExpireNoStart is the sweep action for an assignment whose start deadline
// passed: the executor is removed, sanctioned and the escrow refunded.
func (e Engine) ExpireNoStart(ctx context.Context, assignmentID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	now := e.nowRFC3339()
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkRemovedAutoTx(ctx, tx, assignmentID, now, now)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		if err := e.recordViolationTx(ctx, tx, a, domain.ViolationNoStart12h, now); err != nil {
			return err
		}
		if err := e.Repo.RemoveTaskExecutorTx(ctx, tx, a.TaskID, a.ExecutorID); err != nil {
			return err
		}
		if a.ContractID != nil {
			if _, err := e.Repo.TransitionContractTx(ctx, tx, *a.ContractID,
				[]string{domain.ContractActive}, domain.ContractCancelled, now); err != nil {
				return err
			}
		}
		if err := e.refundEscrowTx(ctx, tx, a.TaskID, a.ExecutorID, now, "sweep"); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "assignment.removed_auto", "assignment", assignmentID, "sweep",
			events.EventPayload{"violation": domain.ViolationNoStart12h})
	})
	if err == errGuardFailed {
		return e.Repo.GetAssignment(ctx, assignmentID)
	}
	if err != nil {
		return domain.Assignment{}, err
	}

	e.notify().Send(ctx, a.ExecutorID, "You were removed from a task for not starting in time",
		map[string]any{"assignment_id": assignmentID, "task_id": a.TaskID})
	if contract, cerr := e.contractOf(ctx, a); cerr == nil {
		e.notify().Send(ctx, contract.CustomerID, "Executor removed for not starting in time",
			map[string]any{"assignment_id": assignmentID, "task_id": a.TaskID})
	}
	e.recomputeTaskStatus(ctx, a.TaskID)
	return e.Repo.GetAssignment(ctx, assignmentID)
}

// MarkOverdue is the sweep action for an in_progress assignment past its
// execution deadline. The assignment stays workable: a later submit from
// overdue is still accepted.
func (e Engine) MarkOverdue(ctx context.Context, assignmentID string) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	now := e.nowRFC3339()
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.MarkOverdueTx(ctx, tx, assignmentID, now, now, now)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		if err := e.recordViolationTx(ctx, tx, a, domain.ViolationNoSubmit24h, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "assignment.overdue", "assignment", assignmentID, "sweep",
			events.EventPayload{"violation": domain.ViolationNoSubmit24h})
	})
	if err == errGuardFailed {
		return e.Repo.GetAssignment(ctx, assignmentID)
	}
	if err != nil {
		return domain.Assignment{}, err
	}

	e.notify().Send(ctx, a.ExecutorID, "Your execution deadline passed",
		map[string]any{"assignment_id": assignmentID, "task_id": a.TaskID})
	return e.Repo.GetAssignment(ctx, assignmentID)
}

// CancelContract is the customer tearing a contract down: the assignment is
// cancelled, the escrow refunded and the executor removed from the task.
func (e Engine) CancelContract(ctx context.Context, contractID, actorID string) (domain.Contract, error) {
	contract, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if contract.CustomerID != actorID {
		return domain.Contract{}, &ForbiddenError{Reason: "only the contract customer cancels it"}
	}
	if contract.Status == domain.ContractCancelled {
		return contract, nil
	}

	a, err := e.Repo.GetAssignmentByPair(ctx, contract.TaskID, contract.ExecutorID)
	if err != nil && !IsNotFound(err) {
		return domain.Contract{}, err
	}

	now := e.nowRFC3339()
	err = e.txDo(ctx, func(tx *sql.Tx) error {
		changed, err := e.Repo.TransitionContractTx(ctx, tx, contractID,
			[]string{domain.ContractActive}, domain.ContractCancelled, now)
		if err != nil {
			return err
		}
		if !changed {
			return errGuardFailed
		}
		if a.ID != "" {
			if _, err := e.Repo.MarkCancelledByCustomerTx(ctx, tx, a.ID, now); err != nil {
				return err
			}
		}
		if err := e.Repo.RemoveTaskExecutorTx(ctx, tx, contract.TaskID, contract.ExecutorID); err != nil {
			return err
		}
		if err := e.refundEscrowTx(ctx, tx, contract.TaskID, contract.ExecutorID, now, actorID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "contract.cancelled", "contract", contractID, actorID, nil)
	})
	if err == errGuardFailed {
		cur, rerr := e.Repo.GetContract(ctx, contractID)
		if rerr != nil {
			return domain.Contract{}, rerr
		}
		if cur.Status == domain.ContractCancelled {
			return cur, nil
		}
		return domain.Contract{}, &ConflictError{Reason: ReasonInvalidStatus, Detail: "contract is " + cur.Status}
	}
	if err != nil {
		return domain.Contract{}, err
	}

	e.notify().Send(ctx, contract.ExecutorID, "Contract cancelled by customer",
		map[string]any{"contract_id": contractID, "task_id": contract.TaskID})
	e.recomputeTaskStatus(ctx, contract.TaskID)
	return e.Repo.GetContract(ctx, contractID)
}

// resolveGuardFailure re-reads an assignment after a failed guarded update.
// Statuses listed in okStatuses mean the work is already at or past the
// desired outcome, so the repeated call is a no-op success. Anything else is
// a real conflict.
func (e Engine) resolveGuardFailure(ctx context.Context, id, expectedFrom string, okStatuses ...string) (domain.Assignment, error) {
	cur, err := e.Repo.GetAssignment(ctx, id)
	if err != nil {
		return domain.Assignment{}, err
	}
	for _, s := range okStatuses {
		if cur.Status == s {
			return cur, nil
		}
	}
	return domain.Assignment{}, &ConflictError{Reason: ReasonInvalidStatus,
		Detail: fmt.Sprintf("expected %s, assignment is %s", expectedFrom, cur.Status)}
}

func (e Engine) contractOf(ctx context.Context, a domain.Assignment) (domain.Contract, error) {
	if a.ContractID != nil {
		return e.Repo.GetContract(ctx, *a.ContractID)
	}
	task, err := e.Repo.GetTask(ctx, a.TaskID)
	if err != nil {
		return domain.Contract{}, err
	}
	return domain.Contract{TaskID: a.TaskID, CustomerID: task.CustomerID, ExecutorID: a.ExecutorID}, nil
}
