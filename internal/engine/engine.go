// Package engine holds the settlement core: assignment lifecycle, escrow,
// sanctions, disputes and the status aggregation that ties them together.
// Every command runs in its own transaction; guarded conditional updates keep
// repeated and concurrent calls idempotent.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"settleline/internal/config"
	"settleline/internal/domain"
	"settleline/internal/events"
	"settleline/internal/notify"
	"settleline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Notify notify.Sink
	Config *config.Config
	Log    *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Notify: notify.Sink{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Log != nil {
		return e.Log
	}
	return log.Default()
}

// notify returns the sink stamped with the engine's clock and logger, so an
// overridden Now also moves notification timestamps.
func (e Engine) notify() notify.Sink {
	s := e.Notify
	if s.Now == nil {
		s.Now = e.Now
	}
	if s.Log == nil {
		s.Log = e.Log
	}
	return s
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// --- accounts ---

func (e Engine) CreateAccount(ctx context.Context, id, role, displayName string) (domain.Account, error) {
	switch role {
	case domain.RoleCustomer, domain.RoleExecutor, domain.RoleArbiter, domain.RolePending:
	default:
		return domain.Account{}, &ValidationError{Msg: fmt.Sprintf("unknown role %q", role)}
	}
	if id == "" {
		id = uuid.NewString()
	}
	a := domain.Account{
		ID:          id,
		Role:        role,
		DisplayName: displayName,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertAccount(ctx, a); err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

// TopUp credits an account balance. Amount must be positive.
func (e Engine) TopUp(ctx context.Context, accountID string, amount int64, actorID string) (int64, error) {
	if amount <= 0 {
		return 0, &ValidationError{Msg: "amount must be positive"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	balance, err := e.Repo.AdjustBalanceTx(ctx, tx, accountID, amount)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "account.topup", "account", accountID, actorID,
		events.EventPayload{"amount": amount, "balance": balance}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

func (e Engine) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return e.Repo.GetAccount(ctx, id)
}

// --- tasks ---

func (e Engine) CreateTask(ctx context.Context, customerID, title string, budget int64, slots int) (domain.Task, error) {
	if title == "" {
		return domain.Task{}, &ValidationError{Msg: "title is required"}
	}
	if budget < 0 {
		return domain.Task{}, &ValidationError{Msg: "budget must not be negative"}
	}
	if slots <= 0 {
		slots = 1
	}
	customer, err := e.Repo.GetAccount(ctx, customerID)
	if err != nil {
		return domain.Task{}, err
	}
	if customer.Role != domain.RoleCustomer {
		return domain.Task{}, &ForbiddenError{Reason: "only customers create tasks"}
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Title:      title,
		Budget:     budget,
		Slots:      slots,
		Status:     domain.TaskOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, customerID string, limit int) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, customerID, limit)
}

// SelectExecutor assigns an executor to a task: one transaction creates the
// assignment with its start deadline, the contract, and freezes the escrow.
func (e Engine) SelectExecutor(ctx context.Context, taskID, executorID, actorID string) (domain.Assignment, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if task.CustomerID != actorID {
		return domain.Assignment{}, &ForbiddenError{Reason: "only the task customer selects executors"}
	}
	executor, err := e.Repo.GetAccount(ctx, executorID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if executor.Role != domain.RoleExecutor {
		return domain.Assignment{}, &ValidationError{Msg: fmt.Sprintf("account %s is not an executor", executorID)}
	}
	ok, until, err := e.CanExecutorRespond(ctx, executorID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !ok {
		reason := "executor is banned"
		if until != nil {
			reason = "executor is blocked until " + *until
		}
		return domain.Assignment{}, &ForbiddenError{Reason: reason}
	}

	now := e.now()
	nowStr := fmtTime(now)
	contractID := uuid.NewString()
	a := domain.Assignment{
		ID:              uuid.NewString(),
		TaskID:          taskID,
		ExecutorID:      executorID,
		ContractID:      &contractID,
		Status:          domain.AssignmentPendingStart,
		AssignedAt:      nowStr,
		StartDeadlineAt: fmtTime(now.Add(e.Config.StartDeadline())),
		CreatedAt:       nowStr,
		UpdatedAt:       nowStr,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	inserted, err := e.Repo.InsertAssignmentTx(ctx, tx, a)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if !inserted {
		return domain.Assignment{}, &ConflictError{Reason: ReasonAlreadySelected}
	}
	c := domain.Contract{
		ID:         contractID,
		TaskID:     taskID,
		CustomerID: task.CustomerID,
		ExecutorID: executorID,
		Amount:     task.Budget,
		Status:     domain.ContractActive,
		CreatedAt:  nowStr,
		UpdatedAt:  nowStr,
	}
	if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
		return domain.Assignment{}, fmt.Errorf("insert contract: %w", err)
	}
	if err := e.Repo.AddTaskExecutorTx(ctx, tx, taskID, executorID, nowStr); err != nil {
		return domain.Assignment{}, err
	}
	if task.Budget > 0 {
		if _, err := e.freezeEscrowTx(ctx, tx, task, executorID, contractID, nowStr); err != nil {
			return domain.Assignment{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "assignment.created", "assignment", a.ID, actorID,
		events.EventPayload{"task_id": taskID, "executor_id": executorID, "start_deadline_at": a.StartDeadlineAt}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}

	e.notify().Send(ctx, executorID, "You were selected for task "+task.Title,
		map[string]any{"task_id": taskID, "assignment_id": a.ID})
	e.recomputeTaskStatus(ctx, taskID)
	return a, nil
}

// txDo wraps fn in a transaction.
func (e Engine) txDo(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsNotFound reports whether err is the repo's missing-row sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
