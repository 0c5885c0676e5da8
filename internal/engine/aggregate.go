package engine

import (
	"context"

	"settleline/internal/domain"
)

// RecomputeTaskStatus derives the task's coarse status from its assignments:
// any open dispute wins, then anything waiting for review, then anything
// still being worked, then closed once enough slots were accepted.
func (e Engine) RecomputeTaskStatus(ctx context.Context, taskID string) (string, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	assignments, err := e.Repo.ListTaskAssignments(ctx, taskID)
	if err != nil {
		return "", err
	}

	accepted := 0
	var anyDispute, anyReview, anyActive bool
	for _, a := range assignments {
		switch a.Status {
		case domain.AssignmentDisputeOpened:
			anyDispute = true
		case domain.AssignmentSubmitted:
			anyReview = true
		case domain.AssignmentPendingStart, domain.AssignmentInProgress,
			domain.AssignmentPauseRequested, domain.AssignmentPaused, domain.AssignmentOverdue:
			anyActive = true
		case domain.AssignmentAccepted:
			accepted++
		}
	}

	status := domain.TaskOpen
	switch {
	case anyDispute:
		status = domain.TaskDispute
	case anyReview:
		status = domain.TaskReview
	case anyActive:
		status = domain.TaskInProgress
	case accepted >= task.Slots:
		status = domain.TaskClosed
	}

	if status != task.Status {
		if err := e.Repo.UpdateTaskStatus(ctx, taskID, status, e.nowRFC3339()); err != nil {
			return "", err
		}
	}
	return status, nil
}

// recomputeTaskStatus is the fire-and-forget form used after commits. The
// aggregate is derived state; a missed update self-heals on the next change.
func (e Engine) recomputeTaskStatus(ctx context.Context, taskID string) {
	if _, err := e.RecomputeTaskStatus(ctx, taskID); err != nil {
		e.logger().Printf("task %s: recompute status: %v", taskID, err)
	}
}
