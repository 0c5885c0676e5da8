package server

import "settleline/internal/domain"

// Request bodies. Responses reuse the domain types directly; their json and
// schema tags are authoritative.

type CreateAccountRequest struct {
	ID          string `json:"id,omitempty" doc:"Optional client-chosen id"`
	Role        string `json:"role" enum:"customer,executor,arbiter,pending"`
	DisplayName string `json:"display_name,omitempty"`
}

type TopUpRequest struct {
	Amount int64 `json:"amount" minimum:"1"`
}

type CreateTaskRequest struct {
	Title  string `json:"title" minLength:"1"`
	Budget int64  `json:"budget" minimum:"0"`
	Slots  int    `json:"slots,omitempty" minimum:"0"`
}

type SelectExecutorRequest struct {
	ExecutorID string `json:"executor_id" minLength:"1"`
}

type RequestPauseRequest struct {
	ReasonID   string `json:"reason_id" minLength:"1"`
	DurationMs int64  `json:"duration_ms" minimum:"1"`
}

type PauseDecisionRequest struct {
	Accept bool `json:"accept"`
}

type FreezeEscrowRequest struct {
	ExecutorID string `json:"executor_id" minLength:"1"`
	Amount     int64  `json:"amount,omitempty" minimum:"0" doc:"Defaults to the task budget"`
}

type SplitEscrowRequest struct {
	ExecutorAmount int64 `json:"executor_amount" minimum:"0"`
	CustomerAmount int64 `json:"customer_amount" minimum:"0"`
}

type OpenDisputeRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type VersionedRequest struct {
	ExpectedVersion int64 `json:"expected_version,omitempty" minimum:"0" doc:"Optimistic lock; 0 skips the check"`
}

type MoreInfoRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty" minimum:"0"`
	Question        string `json:"question,omitempty"`
}

type DecideRequest struct {
	ExpectedVersion int64  `json:"expected_version,omitempty" minimum:"0"`
	Outcome         string `json:"outcome" enum:"release,refund,split"`
	ExecutorAmount  int64  `json:"executor_amount,omitempty" minimum:"0"`
	CustomerAmount  int64  `json:"customer_amount,omitempty" minimum:"0"`
	Note            string `json:"note,omitempty"`
}

type DisputeMessageRequest struct {
	Body string `json:"body" minLength:"1"`
}

type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type CanRespondResponse struct {
	ExecutorID   string  `json:"executor_id"`
	CanRespond   bool    `json:"can_respond"`
	BlockedUntil *string `json:"blocked_until,omitempty" format:"date-time"`
}

type ViolationsResponse struct {
	ExecutorID string             `json:"executor_id"`
	Levels     map[string]int     `json:"levels" doc:"Current decayed level per violation type"`
	Violations []domain.Violation `json:"violations"`
}

type TaskStatusResponse struct {
	Task        domain.Task         `json:"task"`
	Assignments []domain.Assignment `json:"assignments"`
}

type DevLoginRequest struct {
	AccountID string `json:"account_id" minLength:"1"`
	Role      string `json:"role,omitempty" enum:"customer,executor,arbiter,pending,"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
