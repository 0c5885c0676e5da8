package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"settleline/internal/config"
	"settleline/internal/db"
	"settleline/internal/domain"
	"settleline/internal/engine"
	"settleline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default("test-market"))
	eng.Now = func() time.Time { return env.now }
	eng.Log = log.New(io.Discard, "", 0)
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) at(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (env *testEnv) seedAccounts(t *testing.T) {
	t.Helper()
	for _, a := range []struct {
		id, role string
	}{
		{"cust", domain.RoleCustomer},
		{"exec", domain.RoleExecutor},
		{"arb", domain.RoleArbiter},
	} {
		if _, err := env.Engine.CreateAccount(env.Ctx, a.id, a.role, a.id); err != nil {
			t.Fatalf("create account %s: %v", a.id, err)
		}
	}
	if _, err := env.Engine.TopUp(env.Ctx, "cust", 1000, "cust"); err != nil {
		t.Fatalf("topup: %v", err)
	}
}

func (env *testEnv) seedAssignment(t *testing.T, budget int64) (domain.Task, domain.Assignment) {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, "cust", "Translate the manual", budget, 1)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	a, err := env.Engine.SelectExecutor(env.Ctx, task.ID, "exec", "cust")
	if err != nil {
		t.Fatalf("select executor: %v", err)
	}
	return task, a
}

func (env *testEnv) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := env.Engine.Repo.GetBalance(env.Ctx, accountID)
	if err != nil {
		t.Fatalf("balance %s: %v", accountID, err)
	}
	return b
}

func (env *testEnv) insertViolation(t *testing.T, id, executorID, vtype, assignmentID string, at time.Time) {
	t.Helper()
	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	v := domain.Violation{
		ID: id, ExecutorID: executorID, Type: vtype,
		TaskID: "seed-task", AssignmentID: assignmentID,
		CreatedAt: env.at(at),
	}
	if _, err := env.Engine.Repo.InsertViolationTx(env.Ctx, tx, v); err != nil {
		t.Fatalf("insert violation: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSelectExecutorFreezesEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 100)

	if a.Status != domain.AssignmentPendingStart {
		t.Fatalf("status %s", a.Status)
	}
	want := env.at(env.now.Add(12 * time.Hour))
	if a.StartDeadlineAt != want {
		t.Fatalf("start deadline %s, want %s", a.StartDeadlineAt, want)
	}
	if got := env.balance(t, "cust"); got != 900 {
		t.Fatalf("customer balance %d after freeze", got)
	}
	esc, err := env.Engine.GetEscrowByPair(env.Ctx, task.ID, "exec")
	if err != nil {
		t.Fatalf("get escrow: %v", err)
	}
	if esc.Status != domain.EscrowFrozen || esc.Amount != 100 {
		t.Fatalf("escrow %s amount %d", esc.Status, esc.Amount)
	}

	// Selecting the same executor again is a conflict, not a second freeze.
	_, err = env.Engine.SelectExecutor(env.Ctx, task.ID, "exec", "cust")
	var ce *engine.ConflictError
	if !errors.As(err, &ce) || ce.Reason != engine.ReasonAlreadySelected {
		t.Fatalf("expected already_selected, got %v", err)
	}
	if got := env.balance(t, "cust"); got != 900 {
		t.Fatalf("balance changed on conflicting select: %d", got)
	}
}

func TestSelectExecutorInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, err := env.Engine.CreateTask(env.Ctx, "cust", "Too rich for us", 5000, 1)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SelectExecutor(env.Ctx, task.ID, "exec", "cust")
	var ibe *engine.InsufficientBalanceError
	if !errors.As(err, &ibe) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if ibe.Need != 5000 || ibe.Have != 1000 {
		t.Fatalf("need %d have %d", ibe.Need, ibe.Have)
	}
	if got := env.balance(t, "cust"); got != 1000 {
		t.Fatalf("balance %d after failed freeze", got)
	}
}

func TestLifecycleAcceptReleasesEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 100)

	started, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.AssignmentInProgress {
		t.Fatalf("status %s", started.Status)
	}
	wantDeadline := env.at(env.now.Add(24 * time.Hour))
	if started.ExecutionDeadlineAt == nil || *started.ExecutionDeadlineAt != wantDeadline {
		t.Fatalf("execution deadline %v, want %s", started.ExecutionDeadlineAt, wantDeadline)
	}

	// Starting twice is a no-op.
	again, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec")
	if err != nil || again.Status != domain.AssignmentInProgress {
		t.Fatalf("second start: %v (%s)", err, again.Status)
	}

	if _, err := env.Engine.SubmitWork(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task, err = env.Engine.GetTask(env.Ctx, task.ID); err != nil || task.Status != domain.TaskReview {
		t.Fatalf("task status %s after submit (%v)", task.Status, err)
	}

	accepted, err := env.Engine.AcceptWork(env.Ctx, a.ID, "cust")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != domain.AssignmentAccepted {
		t.Fatalf("status %s", accepted.Status)
	}
	if got := env.balance(t, "exec"); got != 100 {
		t.Fatalf("executor balance %d after release", got)
	}
	esc, _ := env.Engine.GetEscrowByPair(env.Ctx, task.ID, "exec")
	if esc.Status != domain.EscrowReleased {
		t.Fatalf("escrow %s", esc.Status)
	}
	contract, err := env.Engine.Repo.GetContract(env.Ctx, *a.ContractID)
	if err != nil || contract.Status != domain.ContractCompleted {
		t.Fatalf("contract %s (%v)", contract.Status, err)
	}
	if task, _ = env.Engine.GetTask(env.Ctx, task.ID); task.Status != domain.TaskClosed {
		t.Fatalf("task status %s after accept", task.Status)
	}

	// Accept again: no-op, no double payout.
	if _, err := env.Engine.AcceptWork(env.Ctx, a.ID, "cust"); err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if got := env.balance(t, "exec"); got != 100 {
		t.Fatalf("executor balance %d after repeated accept", got)
	}
}

func TestEscrowResolvesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 100)
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AcceptWork(env.Ctx, a.ID, "cust"); err != nil {
		t.Fatal(err)
	}

	// Same outcome again: idempotent no-op.
	esc, err := env.Engine.ReleaseEscrow(env.Ctx, task.ID, "exec", "cust")
	if err != nil || esc.Status != domain.EscrowReleased {
		t.Fatalf("repeated release: %v (%s)", err, esc.Status)
	}
	// A different outcome is a conflict.
	_, err = env.Engine.RefundEscrow(env.Ctx, task.ID, "exec", "cust")
	var ce *engine.ConflictError
	if !errors.As(err, &ce) || ce.Reason != engine.ReasonInvalidStatus {
		t.Fatalf("expected invalid_status, got %v", err)
	}
	if got := env.balance(t, "cust")+env.balance(t, "exec"); got != 1000 {
		t.Fatalf("money not conserved: %d", got)
	}
}

func TestSplitEscrowSharesMustAddUp(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, _ := env.seedAssignment(t, 100)

	_, err := env.Engine.SplitEscrow(env.Ctx, task.ID, "exec", 60, 50, "cust")
	var ce *engine.ConflictError
	if !errors.As(err, &ce) || ce.Reason != engine.ReasonAmountMismatch {
		t.Fatalf("expected amount_mismatch, got %v", err)
	}

	esc, err := env.Engine.SplitEscrow(env.Ctx, task.ID, "exec", 60, 40, "cust")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if esc.Status != domain.EscrowSplit || *esc.ExecutorAmount != 60 || *esc.CustomerAmount != 40 {
		t.Fatalf("split record %s %v/%v", esc.Status, esc.ExecutorAmount, esc.CustomerAmount)
	}
	if env.balance(t, "exec") != 60 || env.balance(t, "cust") != 940 {
		t.Fatalf("balances exec=%d cust=%d", env.balance(t, "exec"), env.balance(t, "cust"))
	}
}

func TestPauseAcceptExtendsDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	_, a := env.seedAssignment(t, 100)
	start := env.now
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}

	env.advance(time.Hour)
	paused, err := env.Engine.RequestPause(env.Ctx, a.ID, "exec", "illness", (2 * time.Hour).Milliseconds())
	if err != nil {
		t.Fatalf("request pause: %v", err)
	}
	if paused.Status != domain.AssignmentPauseRequested || !paused.PauseUsed {
		t.Fatalf("status %s pause_used %v", paused.Status, paused.PauseUsed)
	}
	wantAuto := env.at(env.now.Add(12 * time.Hour))
	if paused.PauseAutoAcceptAt == nil || *paused.PauseAutoAcceptAt != wantAuto {
		t.Fatalf("auto accept %v, want %s", paused.PauseAutoAcceptAt, wantAuto)
	}

	// Customer answers two hours later: extension is the wait plus the
	// requested duration, within the cap.
	env.advance(2 * time.Hour)
	decided, err := env.Engine.DecidePause(env.Ctx, a.ID, "cust", true)
	if err != nil {
		t.Fatalf("accept pause: %v", err)
	}
	if decided.Status != domain.AssignmentPaused {
		t.Fatalf("status %s", decided.Status)
	}
	if decided.ExecutionExtensionMs != (4 * time.Hour).Milliseconds() {
		t.Fatalf("extension %dms", decided.ExecutionExtensionMs)
	}
	wantDeadline := env.at(start.Add(28 * time.Hour))
	if *decided.ExecutionDeadlineAt != wantDeadline {
		t.Fatalf("deadline %s, want %s", *decided.ExecutionDeadlineAt, wantDeadline)
	}
	wantUntil := env.at(env.now.Add(2 * time.Hour))
	if *decided.PausedUntil != wantUntil {
		t.Fatalf("paused until %s, want %s", *decided.PausedUntil, wantUntil)
	}

	resumed, err := env.Engine.ResumeAssignment(env.Ctx, a.ID, "exec")
	if err != nil || resumed.Status != domain.AssignmentInProgress {
		t.Fatalf("resume: %v (%s)", err, resumed.Status)
	}
	if *resumed.ExecutionDeadlineAt != wantDeadline {
		t.Fatalf("deadline changed on resume: %s", *resumed.ExecutionDeadlineAt)
	}

	// The pause is single-use: a second request is a quiet no-op.
	again, err := env.Engine.RequestPause(env.Ctx, a.ID, "exec", "illness", (time.Hour).Milliseconds())
	if err != nil || again.Status != domain.AssignmentInProgress {
		t.Fatalf("second pause request: %v (%s)", err, again.Status)
	}
}

func TestPauseExtensionCappedAtHalfWindow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	_, a := env.seedAssignment(t, 100)
	start := env.now
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	// Ask for the maximum; half the 24h window wins over the configured cap.
	if _, err := env.Engine.RequestPause(env.Ctx, a.ID, "exec", "other", (24 * time.Hour).Milliseconds()); err != nil {
		t.Fatal(err)
	}
	decided, err := env.Engine.DecidePause(env.Ctx, a.ID, "cust", true)
	if err != nil {
		t.Fatal(err)
	}
	if decided.ExecutionExtensionMs != (12 * time.Hour).Milliseconds() {
		t.Fatalf("extension %dms, want 12h", decided.ExecutionExtensionMs)
	}
	if *decided.ExecutionDeadlineAt != env.at(start.Add(36*time.Hour)) {
		t.Fatalf("deadline %s", *decided.ExecutionDeadlineAt)
	}
}

func TestPauseRejectKeepsDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	_, a := env.seedAssignment(t, 100)
	start := env.now
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestPause(env.Ctx, a.ID, "exec", "illness", (time.Hour).Milliseconds()); err != nil {
		t.Fatal(err)
	}
	rejected, err := env.Engine.DecidePause(env.Ctx, a.ID, "cust", false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.AssignmentInProgress || !rejected.PauseUsed {
		t.Fatalf("status %s pause_used %v", rejected.Status, rejected.PauseUsed)
	}
	if rejected.ExecutionExtensionMs != 0 {
		t.Fatalf("extension %dms after reject", rejected.ExecutionExtensionMs)
	}
	if *rejected.ExecutionDeadlineAt != env.at(start.Add(24*time.Hour)) {
		t.Fatalf("deadline %s", *rejected.ExecutionDeadlineAt)
	}
}

func TestRequestPauseValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	_, a := env.seedAssignment(t, 100)
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	var ve *engine.ValidationError
	_, err := env.Engine.RequestPause(env.Ctx, a.ID, "exec", "not-a-reason", (time.Hour).Milliseconds())
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unknown reason, got %v", err)
	}
	_, err = env.Engine.RequestPause(env.Ctx, a.ID, "cust", "illness", (time.Hour).Milliseconds())
	var fe *engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-executor, got %v", err)
	}
}

func TestRequestPauseClampsDuration(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	_, a := env.seedAssignment(t, 100)
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}

	// Too short is raised to the lower bound.
	short, err := env.Engine.RequestPause(env.Ctx, a.ID, "exec", "illness", (time.Minute).Milliseconds())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if short.PauseRequestedDurationMs != (5 * time.Minute).Milliseconds() {
		t.Fatalf("duration %dms, want clamped to 5m", short.PauseRequestedDurationMs)
	}

	// Too long is cut to the upper bound.
	task2, err := env.Engine.CreateTask(env.Ctx, "cust", "Second task", 50, 1)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := env.Engine.SelectExecutor(env.Ctx, task2.ID, "exec", "cust")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartAssignment(env.Ctx, a2.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	long, err := env.Engine.RequestPause(env.Ctx, a2.ID, "exec", "illness", (48 * time.Hour).Milliseconds())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if long.PauseRequestedDurationMs != (24 * time.Hour).Milliseconds() {
		t.Fatalf("duration %dms, want clamped to 24h", long.PauseRequestedDurationMs)
	}
}

func TestSweepExpiresNoStart(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 100)

	env.advance(13 * time.Hour)
	stats, err := env.Engine.SweepOnce(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.NoStartExpired != 1 || stats.Errors != 0 {
		t.Fatalf("stats %+v", stats)
	}
	cur, _ := env.Engine.GetAssignment(env.Ctx, a.ID)
	if cur.Status != domain.AssignmentRemovedAuto {
		t.Fatalf("status %s", cur.Status)
	}
	if got := env.balance(t, "cust"); got != 1000 {
		t.Fatalf("refund missing, balance %d", got)
	}
	esc, _ := env.Engine.GetEscrowByPair(env.Ctx, task.ID, "exec")
	if esc.Status != domain.EscrowRefunded {
		t.Fatalf("escrow %s", esc.Status)
	}
	contract, _ := env.Engine.Repo.GetContract(env.Ctx, *a.ContractID)
	if contract.Status != domain.ContractCancelled {
		t.Fatalf("contract %s", contract.Status)
	}
	violations, _ := env.Engine.ListViolations(env.Ctx, "exec")
	if len(violations) != 1 || violations[0].Type != domain.ViolationNoStart12h {
		t.Fatalf("violations %+v", violations)
	}

	// The slot is free again.
	if task, _ = env.Engine.GetTask(env.Ctx, task.ID); task.Status != domain.TaskOpen {
		t.Fatalf("task status %s", task.Status)
	}
	// A repeated sweep changes nothing.
	stats, err = env.Engine.SweepOnce(env.Ctx)
	if err != nil || stats.NoStartExpired != 0 {
		t.Fatalf("second sweep: %v %+v", err, stats)
	}
}

func TestSweepMarksOverdueAndSubmitStillWorks(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	_, a := env.seedAssignment(t, 100)
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}

	env.advance(25 * time.Hour)
	stats, err := env.Engine.SweepOnce(env.Ctx)
	if err != nil || stats.MarkedOverdue != 1 {
		t.Fatalf("sweep: %v %+v", err, stats)
	}
	cur, _ := env.Engine.GetAssignment(env.Ctx, a.ID)
	if cur.Status != domain.AssignmentOverdue {
		t.Fatalf("status %s", cur.Status)
	}
	violations, _ := env.Engine.ListViolations(env.Ctx, "exec")
	if len(violations) != 1 || violations[0].Type != domain.ViolationNoSubmit24h {
		t.Fatalf("violations %+v", violations)
	}

	// Overdue work may still be submitted; the violation stands.
	submitted, err := env.Engine.SubmitWork(env.Ctx, a.ID, "exec")
	if err != nil || submitted.Status != domain.AssignmentSubmitted {
		t.Fatalf("submit from overdue: %v (%s)", err, submitted.Status)
	}
	violations, _ = env.Engine.ListViolations(env.Ctx, "exec")
	if len(violations) != 1 {
		t.Fatalf("violation count changed: %d", len(violations))
	}
}

func TestSweepAutoAcceptsPauseThenResumes(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	_, a := env.seedAssignment(t, 100)
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestPause(env.Ctx, a.ID, "exec", "connectivity", (time.Hour).Milliseconds()); err != nil {
		t.Fatal(err)
	}
	autoAcceptAt := env.now.Add(12 * time.Hour)

	// The sweep answers as if the customer had decided exactly at the
	// auto-accept mark, not at the (later) sweep time.
	env.advance(12*time.Hour + 30*time.Minute)
	stats, err := env.Engine.SweepOnce(env.Ctx)
	if err != nil || stats.PausesAccepted != 1 {
		t.Fatalf("sweep: %v %+v", err, stats)
	}
	cur, _ := env.Engine.GetAssignment(env.Ctx, a.ID)
	if cur.Status != domain.AssignmentPaused {
		t.Fatalf("status %s", cur.Status)
	}
	if *cur.PausedUntil != env.at(autoAcceptAt.Add(time.Hour)) {
		t.Fatalf("paused until %s", *cur.PausedUntil)
	}
	// wait 12h + requested 1h, capped at half the 24h window.
	if cur.ExecutionExtensionMs != (12 * time.Hour).Milliseconds() {
		t.Fatalf("extension %dms", cur.ExecutionExtensionMs)
	}

	env.advance(time.Hour)
	stats, err = env.Engine.SweepOnce(env.Ctx)
	if err != nil || stats.Resumed != 1 {
		t.Fatalf("resume sweep: %v %+v", err, stats)
	}
	cur, _ = env.Engine.GetAssignment(env.Ctx, a.ID)
	if cur.Status != domain.AssignmentInProgress {
		t.Fatalf("status %s after resume", cur.Status)
	}
}

func TestViolationLevelDecays(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	base := env.now
	env.insertViolation(t, "v1", "exec", domain.ViolationNoStart12h, "seed-a1", base)
	env.insertViolation(t, "v2", "exec", domain.ViolationNoStart12h, "seed-a2", base.Add(24*time.Hour))

	env.now = base.Add(24 * time.Hour)
	level, err := env.Engine.ViolationLevel(env.Ctx, "exec", domain.ViolationNoStart12h)
	if err != nil || level != 2 {
		t.Fatalf("level %d (%v), want 2", level, err)
	}

	// One decay period after the last violation drops one level.
	env.now = base.Add(24*time.Hour + 90*24*time.Hour)
	if level, _ = env.Engine.ViolationLevel(env.Ctx, "exec", domain.ViolationNoStart12h); level != 1 {
		t.Fatalf("level %d after one decay period", level)
	}
	env.now = base.Add(24*time.Hour + 181*24*time.Hour)
	if level, _ = env.Engine.ViolationLevel(env.Ctx, "exec", domain.ViolationNoStart12h); level != 0 {
		t.Fatalf("level %d after two decay periods", level)
	}
}

func TestViolationLevelIsPerType(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	env.insertViolation(t, "v1", "exec", domain.ViolationNoStart12h, "seed-a1", env.now.Add(-2*time.Hour))
	env.insertViolation(t, "v2", "exec", domain.ViolationNoSubmit24h, "seed-a2", env.now.Add(-time.Hour))

	// One strike of each kind leaves both ladders at level 1.
	levels, err := env.Engine.ViolationLevels(env.Ctx, "exec")
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if levels[domain.ViolationNoStart12h] != 1 || levels[domain.ViolationNoSubmit24h] != 1 {
		t.Fatalf("levels %+v, want 1 per type", levels)
	}
}

func TestSanctionLadderBlocksExecutor(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	// Two no-start priors; the expiry below is the third strike of that type.
	env.insertViolation(t, "v1", "exec", domain.ViolationNoStart12h, "seed-a1", env.now.Add(-2*time.Hour))
	env.insertViolation(t, "v2", "exec", domain.ViolationNoStart12h, "seed-a2", env.now.Add(-time.Hour))

	_, a := env.seedAssignment(t, 100)
	env.advance(13 * time.Hour)
	if _, err := env.Engine.ExpireNoStart(env.Ctx, a.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	level, _ := env.Engine.ViolationLevel(env.Ctx, "exec", domain.ViolationNoStart12h)
	if level != 3 {
		t.Fatalf("level %d, want 3", level)
	}
	r, err := env.Engine.GetRestriction(env.Ctx, "exec")
	if err != nil || r.RespondBlockedUntil == nil {
		t.Fatalf("restriction %+v (%v)", r, err)
	}
	if *r.RespondBlockedUntil != env.at(env.now.Add(24*time.Hour)) {
		t.Fatalf("blocked until %s", *r.RespondBlockedUntil)
	}
	ok, until, err := env.Engine.CanExecutorRespond(env.Ctx, "exec")
	if err != nil || ok || until == nil {
		t.Fatalf("can respond %v until %v (%v)", ok, until, err)
	}

	// A blocked executor cannot be selected for new work.
	task, err := env.Engine.CreateTask(env.Ctx, "cust", "Another task", 50, 1)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SelectExecutor(env.Ctx, task.ID, "exec", "cust")
	var fe *engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	// Once the block lapses, selection works again.
	env.advance(25 * time.Hour)
	if ok, _, _ = env.Engine.CanExecutorRespond(env.Ctx, "exec"); !ok {
		t.Fatalf("still blocked after horizon")
	}
}

func TestSanctionLadderRatingAndBan(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	env.insertViolation(t, "v1", "exec", domain.ViolationNoStart12h, "seed-a1", env.now.Add(-time.Hour))

	// Second strike: rating penalty.
	_, a := env.seedAssignment(t, 0)
	env.advance(13 * time.Hour)
	if _, err := env.Engine.ExpireNoStart(env.Ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	adjs, err := env.Engine.Repo.ListRatingAdjustments(env.Ctx, "exec")
	if err != nil || len(adjs) != 1 || adjs[0].DeltaPercent != -5 {
		t.Fatalf("rating adjustments %+v (%v)", adjs, err)
	}

	// Pile on to level 5: ban.
	for i := 3; i <= 5; i++ {
		env.insertViolation(t, fmt.Sprintf("v%d", i), "exec2", domain.ViolationNoStart12h,
			fmt.Sprintf("seed-b%d", i), env.now.Add(-time.Duration(6-i)*time.Hour))
	}
	if _, err := env.Engine.CreateAccount(env.Ctx, "exec2", domain.RoleExecutor, ""); err != nil {
		t.Fatal(err)
	}
	env.insertViolation(t, "v6", "exec2", domain.ViolationNoStart12h, "seed-b6", env.now.Add(-time.Hour))
	task, err := env.Engine.CreateTask(env.Ctx, "cust", "Ban fodder", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := env.Engine.SelectExecutor(env.Ctx, task.ID, "exec2", "cust")
	if err != nil {
		t.Fatal(err)
	}
	env.advance(13 * time.Hour)
	if _, err := env.Engine.ExpireNoStart(env.Ctx, a2.ID); err != nil {
		t.Fatal(err)
	}
	r, _ := env.Engine.GetRestriction(env.Ctx, "exec2")
	if r.AccountStatus != "banned" {
		t.Fatalf("account status %s, want banned", r.AccountStatus)
	}
	ok, _, _ := env.Engine.CanExecutorRespond(env.Ctx, "exec2")
	if ok {
		t.Fatalf("banned executor can respond")
	}
}

func TestCancelContractRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 100)

	contract, err := env.Engine.CancelContract(env.Ctx, *a.ContractID, "cust")
	if err != nil || contract.Status != domain.ContractCancelled {
		t.Fatalf("cancel: %v (%s)", err, contract.Status)
	}
	if got := env.balance(t, "cust"); got != 1000 {
		t.Fatalf("balance %d after refund", got)
	}
	cur, _ := env.Engine.GetAssignment(env.Ctx, a.ID)
	if cur.Status != domain.AssignmentCancelledByCustomer {
		t.Fatalf("assignment %s", cur.Status)
	}
	esc, _ := env.Engine.GetEscrowByPair(env.Ctx, task.ID, "exec")
	if esc.Status != domain.EscrowRefunded {
		t.Fatalf("escrow %s", esc.Status)
	}

	// Cancelling again is a no-op.
	if _, err := env.Engine.CancelContract(env.Ctx, *a.ContractID, "cust"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got := env.balance(t, "cust"); got != 1000 {
		t.Fatalf("balance %d after repeated cancel", got)
	}
	_, err = env.Engine.CancelContract(env.Ctx, *a.ContractID, "exec")
	var fe *engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for executor, got %v", err)
	}
}

func TestDisputeFlow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 100)
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}

	d, err := env.Engine.OpenDispute(env.Ctx, *a.ContractID, "exec", "customer is unresponsive")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Status != domain.DisputeOpen || d.Version != 1 {
		t.Fatalf("dispute %s v%d", d.Status, d.Version)
	}
	if d.SLADueAt != env.at(env.now.Add(72*time.Hour)) {
		t.Fatalf("sla due %s", d.SLADueAt)
	}
	contract, _ := env.Engine.Repo.GetContract(env.Ctx, *a.ContractID)
	if contract.Status != domain.ContractDisputed {
		t.Fatalf("contract %s", contract.Status)
	}
	cur, _ := env.Engine.GetAssignment(env.Ctx, a.ID)
	if cur.Status != domain.AssignmentDisputeOpened {
		t.Fatalf("assignment %s", cur.Status)
	}
	if task, _ = env.Engine.GetTask(env.Ctx, task.ID); task.Status != domain.TaskDispute {
		t.Fatalf("task %s", task.Status)
	}

	// Opening again returns the same case.
	d2, err := env.Engine.OpenDispute(env.Ctx, *a.ContractID, "cust", "me too")
	if err != nil || d2.ID != d.ID {
		t.Fatalf("repeated open: %v (%s vs %s)", err, d2.ID, d.ID)
	}

	// Stale version is rejected.
	var ce *engine.ConflictError
	_, err = env.Engine.TakeInWork(env.Ctx, d.ID, "arb", 99)
	if !errors.As(err, &ce) || ce.Reason != engine.ReasonVersionMismatch {
		t.Fatalf("expected version_mismatch, got %v", err)
	}

	d, err = env.Engine.TakeInWork(env.Ctx, d.ID, "arb", d.Version)
	if err != nil || d.Status != domain.DisputeInReview {
		t.Fatalf("take: %v (%s)", err, d.Status)
	}
	// Re-taking by the same arbiter is a no-op; another arbiter conflicts.
	if _, err := env.Engine.TakeInWork(env.Ctx, d.ID, "arb", 0); err != nil {
		t.Fatalf("re-take: %v", err)
	}
	if _, err := env.Engine.CreateAccount(env.Ctx, "arb2", domain.RoleArbiter, ""); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.TakeInWork(env.Ctx, d.ID, "arb2", 0)
	if !errors.As(err, &ce) || ce.Reason != engine.ReasonAssignedToAnother {
		t.Fatalf("expected assigned_to_another, got %v", err)
	}

	d, err = env.Engine.RequestMoreInfo(env.Ctx, d.ID, "arb", d.Version, "please attach the delivery log")
	if err != nil || d.Status != domain.DisputeNeedMoreInfo {
		t.Fatalf("more info: %v (%s)", err, d.Status)
	}
	// A party's answer flips the dispute back into review.
	if _, err := env.Engine.AddDisputeMessage(env.Ctx, d.ID, "exec", "log attached"); err != nil {
		t.Fatalf("message: %v", err)
	}
	d, _ = env.Engine.GetDispute(env.Ctx, d.ID)
	if d.Status != domain.DisputeInReview {
		t.Fatalf("status %s after party answer", d.Status)
	}
	msgs, _ := env.Engine.ListDisputeMessages(env.Ctx, d.ID)
	if len(msgs) != 3 {
		t.Fatalf("message count %d", len(msgs))
	}

	decision := engine.Decision{Outcome: engine.DecisionSplit, ExecutorAmount: 70, CustomerAmount: 30}
	d, err = env.Engine.Decide(env.Ctx, d.ID, "arb", d.Version, decision)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Status != domain.DisputeDecided || d.LockedDecisionAt == nil {
		t.Fatalf("dispute %s locked %v", d.Status, d.LockedDecisionAt)
	}
	if env.balance(t, "exec") != 70 || env.balance(t, "cust") != 930 {
		t.Fatalf("balances exec=%d cust=%d", env.balance(t, "exec"), env.balance(t, "cust"))
	}
	contract, _ = env.Engine.Repo.GetContract(env.Ctx, *a.ContractID)
	if contract.Status != domain.ContractResolved {
		t.Fatalf("contract %s", contract.Status)
	}
	cur, _ = env.Engine.GetAssignment(env.Ctx, a.ID)
	if cur.Status != domain.AssignmentAccepted {
		t.Fatalf("assignment %s after split", cur.Status)
	}

	// Once locked, any decide is a no-op: the verdict stands and no money moves.
	if _, err := env.Engine.Decide(env.Ctx, d.ID, "arb", 0, decision); err != nil {
		t.Fatalf("repeated decide: %v", err)
	}
	d2, err = env.Engine.Decide(env.Ctx, d.ID, "arb", 0, engine.Decision{Outcome: engine.DecisionRelease})
	if err != nil || d2.Status != domain.DisputeDecided {
		t.Fatalf("decide after lock: %v (%s)", err, d2.Status)
	}
	if d2.DecisionJSON == nil || *d2.DecisionJSON != *d.DecisionJSON {
		t.Fatalf("locked decision changed: %v", d2.DecisionJSON)
	}
	if env.balance(t, "exec") != 70 {
		t.Fatalf("balance moved on repeated decide: %d", env.balance(t, "exec"))
	}

	d, err = env.Engine.CloseDispute(env.Ctx, d.ID, "cust", 0)
	if err != nil || d.Status != domain.DisputeClosed {
		t.Fatalf("close: %v (%s)", err, d.Status)
	}
	if _, err := env.Engine.CloseDispute(env.Ctx, d.ID, "cust", 0); err != nil {
		t.Fatalf("repeated close: %v", err)
	}
}

func TestAcceptWorkDuringDispute(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 100)
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.OpenDispute(env.Ctx, *a.ContractID, "exec", "customer went quiet"); err != nil {
		t.Fatal(err)
	}

	// The customer may still accept while the dispute stands.
	accepted, err := env.Engine.AcceptWork(env.Ctx, a.ID, "cust")
	if err != nil || accepted.Status != domain.AssignmentAccepted {
		t.Fatalf("accept during dispute: %v (%s)", err, accepted.Status)
	}
	esc, _ := env.Engine.GetEscrowByPair(env.Ctx, task.ID, "exec")
	if esc.Status != domain.EscrowReleased {
		t.Fatalf("escrow %s", esc.Status)
	}
	if env.balance(t, "exec") != 100 || env.balance(t, "cust") != 900 {
		t.Fatalf("balances exec=%d cust=%d", env.balance(t, "exec"), env.balance(t, "cust"))
	}
	contract, _ := env.Engine.Repo.GetContract(env.Ctx, *a.ContractID)
	if contract.Status != domain.ContractCompleted {
		t.Fatalf("contract %s", contract.Status)
	}
	// Repeating the accept stays a no-op.
	if _, err := env.Engine.AcceptWork(env.Ctx, a.ID, "cust"); err != nil {
		t.Fatalf("repeated accept: %v", err)
	}
	if env.balance(t, "exec") != 100 {
		t.Fatalf("double payout: %d", env.balance(t, "exec"))
	}
}

func TestNotificationsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	env.seedAssignment(t, 100)

	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "exec", 10)
	if err != nil || len(notes) == 0 {
		t.Fatalf("notifications: %v (%d)", err, len(notes))
	}
	if notes[0].CreatedAt != env.at(env.now) {
		t.Fatalf("created at %s, want %s", notes[0].CreatedAt, env.at(env.now))
	}
}

func TestDisputeRefundCancelsAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 100)
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.OpenDispute(env.Ctx, *a.ContractID, "cust", "nothing delivered")
	if err != nil {
		t.Fatal(err)
	}
	if d, err = env.Engine.TakeInWork(env.Ctx, d.ID, "arb", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, d.ID, "arb", d.Version, engine.Decision{Outcome: engine.DecisionRefund}); err != nil {
		t.Fatalf("decide refund: %v", err)
	}
	if got := env.balance(t, "cust"); got != 1000 {
		t.Fatalf("customer balance %d after refund", got)
	}
	cur, _ := env.Engine.GetAssignment(env.Ctx, a.ID)
	if cur.Status != domain.AssignmentCancelledByCustomer {
		t.Fatalf("assignment %s", cur.Status)
	}
	esc, _ := env.Engine.GetEscrowByPair(env.Ctx, task.ID, "exec")
	if esc.Status != domain.EscrowRefunded {
		t.Fatalf("escrow %s", esc.Status)
	}
}

func TestOpenDisputeRequiresParty(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	_, a := env.seedAssignment(t, 100)
	_, err := env.Engine.OpenDispute(env.Ctx, *a.ContractID, "arb", "not my contract")
	var fe *engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	var ve *engine.ValidationError
	_, err = env.Engine.OpenDispute(env.Ctx, *a.ContractID, "cust", "")
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTopUpRejectsNonPositive(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	var ve *engine.ValidationError
	if _, err := env.Engine.TopUp(env.Ctx, "cust", 0, "cust"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.TopUp(env.Ctx, "cust", -5, "cust"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestZeroBudgetTaskHasNoEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccounts(t)
	task, a := env.seedAssignment(t, 0)
	if _, err := env.Engine.GetEscrowByPair(env.Ctx, task.ID, "exec"); !engine.IsNotFound(err) {
		t.Fatalf("expected no escrow, got %v", err)
	}
	if _, err := env.Engine.StartAssignment(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, a.ID, "exec"); err != nil {
		t.Fatal(err)
	}
	accepted, err := env.Engine.AcceptWork(env.Ctx, a.ID, "cust")
	if err != nil || accepted.Status != domain.AssignmentAccepted {
		t.Fatalf("accept without escrow: %v (%s)", err, accepted.Status)
	}
}
