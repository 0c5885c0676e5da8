package domain

// Assignment statuses.
const (
	AssignmentPendingStart        = "pending_start"
	AssignmentInProgress          = "in_progress"
	AssignmentPauseRequested      = "pause_requested"
	AssignmentPaused              = "paused"
	AssignmentSubmitted           = "submitted"
	AssignmentOverdue             = "overdue"
	AssignmentAccepted            = "accepted"
	AssignmentDisputeOpened       = "dispute_opened"
	AssignmentRemovedAuto         = "removed_auto"
	AssignmentCancelledByCustomer = "cancelled_by_customer"
)

// Escrow statuses.
const (
	EscrowFrozen   = "frozen"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
	EscrowSplit    = "split"
)

// Violation types.
const (
	ViolationNoStart12h  = "no_start_12h"
	ViolationNoSubmit24h = "no_submit_24h"
)

// Contract statuses.
const (
	ContractActive    = "active"
	ContractDisputed  = "disputed"
	ContractResolved  = "resolved"
	ContractCancelled = "cancelled"
	ContractCompleted = "completed"
)

// Dispute statuses.
const (
	DisputeOpen         = "open"
	DisputeInReview     = "in_review"
	DisputeNeedMoreInfo = "need_more_info"
	DisputeDecided      = "decided"
	DisputeClosed       = "closed"
)

// Account roles.
const (
	RoleCustomer = "customer"
	RoleExecutor = "executor"
	RoleArbiter  = "arbiter"
	RolePending  = "pending"
)

// Task coarse statuses, recomputed from child assignments.
const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskDispute    = "dispute"
	TaskClosed     = "closed"
)

// AssignmentTerminal reports whether a status is terminal.
func AssignmentTerminal(status string) bool {
	switch status {
	case AssignmentAccepted, AssignmentRemovedAuto, AssignmentCancelledByCustomer:
		return true
	}
	return false
}

type Account struct {
	ID          string `json:"id"`
	Role        string `json:"role" enum:"customer,executor,arbiter,pending"`
	DisplayName string `json:"display_name,omitempty"`
	Balance     int64  `json:"balance"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Title      string `json:"title"`
	Budget     int64  `json:"budget"`
	Slots      int    `json:"slots"`
	Status     string `json:"status" enum:"open,in_progress,review,dispute,closed"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// Assignment is one executor's engagement on one task, unique per pair.
// ExecutionDeadlineAt is always ExecutionBaseDeadlineAt + ExecutionExtensionMs.
type Assignment struct {
	ID                       string  `json:"id"`
	TaskID                   string  `json:"task_id"`
	ExecutorID               string  `json:"executor_id"`
	ContractID               *string `json:"contract_id,omitempty"`
	Status                   string  `json:"status" enum:"pending_start,in_progress,pause_requested,paused,submitted,overdue,accepted,dispute_opened,removed_auto,cancelled_by_customer"`
	AssignedAt               string  `json:"assigned_at" format:"date-time"`
	StartDeadlineAt          string  `json:"start_deadline_at" format:"date-time"`
	StartedAt                *string `json:"started_at,omitempty" format:"date-time"`
	ExecutionBaseDeadlineAt  *string `json:"execution_base_deadline_at,omitempty" format:"date-time"`
	ExecutionExtensionMs     int64   `json:"execution_extension_ms"`
	ExecutionDeadlineAt      *string `json:"execution_deadline_at,omitempty" format:"date-time"`
	SubmittedAt              *string `json:"submitted_at,omitempty" format:"date-time"`
	OverdueAt                *string `json:"overdue_at,omitempty" format:"date-time"`
	AcceptedAt               *string `json:"accepted_at,omitempty" format:"date-time"`
	PauseUsed                bool    `json:"pause_used"`
	PauseReasonID            *string `json:"pause_reason_id,omitempty"`
	PauseRequestedAt         *string `json:"pause_requested_at,omitempty" format:"date-time"`
	PauseRequestedDurationMs int64   `json:"pause_requested_duration_ms"`
	PauseAutoAcceptAt        *string `json:"pause_auto_accept_at,omitempty" format:"date-time"`
	PauseDecision            *string `json:"pause_decision,omitempty" enum:"accepted,rejected"`
	PausedAt                 *string `json:"paused_at,omitempty" format:"date-time"`
	PausedUntil              *string `json:"paused_until,omitempty" format:"date-time"`
	CreatedAt                string  `json:"created_at" format:"date-time"`
	UpdatedAt                string  `json:"updated_at" format:"date-time"`
}

// Escrow is one frozen-funds record per (task, executor) pair. Amount is
// fixed at creation; exactly one resolving transition may ever succeed.
type Escrow struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"task_id"`
	ExecutorID     string  `json:"executor_id"`
	ContractID     *string `json:"contract_id,omitempty"`
	CustomerID     string  `json:"customer_id"`
	Amount         int64   `json:"amount"`
	Status         string  `json:"status" enum:"frozen,released,refunded,split"`
	ExecutorAmount *int64  `json:"executor_amount,omitempty"`
	CustomerAmount *int64  `json:"customer_amount,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Violation is an immutable record of one rule breach, at most one per
// (assignment, type).
type Violation struct {
	ID           string `json:"id"`
	ExecutorID   string `json:"executor_id"`
	Type         string `json:"type" enum:"no_start_12h,no_submit_24h"`
	TaskID       string `json:"task_id"`
	AssignmentID string `json:"assignment_id"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Restriction is the mutable per-executor sanctions state.
// RespondBlockedUntil only ever moves forward in time.
type Restriction struct {
	ExecutorID          string  `json:"executor_id"`
	AccountStatus       string  `json:"account_status" enum:"active,banned"`
	RespondBlockedUntil *string `json:"respond_blocked_until,omitempty" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

type Contract struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	CustomerID string `json:"customer_id"`
	ExecutorID string `json:"executor_id"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status" enum:"active,disputed,resolved,cancelled,completed"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// Dispute is an arbitration case over one contract. Once LockedDecisionAt is
// set the record is immutable except for status moving to closed.
type Dispute struct {
	ID                string  `json:"id"`
	ContractID        string  `json:"contract_id"`
	OpenedBy          string  `json:"opened_by"`
	CustomerID        string  `json:"customer_id"`
	ExecutorID        string  `json:"executor_id"`
	Reason            string  `json:"reason"`
	Status            string  `json:"status" enum:"open,in_review,need_more_info,decided,closed"`
	AssignedArbiterID *string `json:"assigned_arbiter_id,omitempty"`
	SLADueAt          string  `json:"sla_due_at" format:"date-time"`
	DecisionJSON      *string `json:"decision_json,omitempty"`
	LockedDecisionAt  *string `json:"locked_decision_at,omitempty" format:"date-time"`
	Version           int64   `json:"version"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type DisputeMessage struct {
	ID        string `json:"id"`
	DisputeID string `json:"dispute_id"`
	AuthorID  string `json:"author_id"`
	Kind      string `json:"kind" enum:"party,system"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RatingAdjustment is an audit row; nothing in this core enforces it.
type RatingAdjustment struct {
	ID           string `json:"id"`
	ExecutorID   string `json:"executor_id"`
	DeltaPercent int    `json:"delta_percent"`
	Reason       string `json:"reason"`
	ViolationID  string `json:"violation_id,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID        int64  `json:"id"`
	AccountID string `json:"account_id"`
	Text      string `json:"text"`
	MetaJSON  string `json:"meta_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
