package repo

import (
	"context"
	"database/sql"
	"errors"

	"settleline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type scanner interface {
	Scan(dest ...any) error
}

// --- accounts ---

func (r Repo) InsertAccount(ctx context.Context, a domain.Account) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO accounts(id,role,display_name,balance,created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.Role, nullable(a.DisplayName), a.Balance, a.CreatedAt)
	return err
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,display_name,balance,created_at FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &a.Role, &name, &a.Balance, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if name.Valid {
		a.DisplayName = name.String
	}
	return a, err
}

// AdjustBalanceTx applies a signed delta to an account balance. This is the
// single primitive through which all subsystems mutate balances.
func (r Repo) AdjustBalanceTx(ctx context.Context, tx *sql.Tx, accountID string, delta int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance+? WHERE id=?`, delta, accountID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, accountID).Scan(&balance)
	return balance, err
}

// DebitIfAtLeastTx debits amount only if the balance covers it. Returns false
// without mutating when funds are insufficient.
func (r Repo) DebitIfAtLeastTx(ctx context.Context, tx *sql.Tx, accountID string, amount int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance-? WHERE id=? AND balance>=?`, amount, accountID, amount)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := r.DB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return balance, err
}

// --- tasks ---

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,customer_id,title,budget,slots,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.CustomerID, t.Title, t.Budget, t.Slots, t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.CustomerID, &t.Title, &t.Budget, &t.Slots, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT id,customer_id,title,budget,slots,status,created_at,updated_at FROM tasks WHERE id=?`, id))
}

func (r Repo) UpdateTaskStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, customerID string, limit int) ([]domain.Task, error) {
	query := `SELECT id,customer_id,title,budget,slots,status,created_at,updated_at FROM tasks`
	var args []any
	if customerID != "" {
		query += ` WHERE customer_id=?`
		args = append(args, customerID)
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
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- task executor set ---

func (r Repo) AddTaskExecutorTx(ctx context.Context, tx *sql.Tx, taskID, executorID, addedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_executors(task_id,executor_id,added_at) VALUES (?,?,?)`,
		taskID, executorID, addedAt)
	return err
}

func (r Repo) RemoveTaskExecutorTx(ctx context.Context, tx *sql.Tx, taskID, executorID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_executors WHERE task_id=? AND executor_id=?`, taskID, executorID)
	return err
}

func (r Repo) CountTaskExecutors(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM task_executors WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

// --- contracts ---

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(id,task_id,customer_id,executor_id,amount,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.TaskID, c.CustomerID, c.ExecutorID, c.Amount, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func scanContract(row scanner) (domain.Contract, error) {
	var c domain.Contract
	err := row.Scan(&c.ID, &c.TaskID, &c.CustomerID, &c.ExecutorID, &c.Amount, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	return scanContract(r.DB.QueryRowContext(ctx, `SELECT id,task_id,customer_id,executor_id,amount,status,created_at,updated_at FROM contracts WHERE id=?`, id))
}

// TransitionContractTx flips a contract's status only if the current status
// matches one of the expected pre-states. Returns false when the guard fails.
func (r Repo) TransitionContractTx(ctx context.Context, tx *sql.Tx, id string, from []string, to, updatedAt string) (bool, error) {
	query := `UPDATE contracts SET status=?, updated_at=? WHERE id=? AND status IN (` + placeholders(len(from)) + `)`
	args := []any{to, updatedAt, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- shared helpers ---

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ",?"
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
