package updateassignmentstatuses

import "review-workers/internal/models"

type Input struct {
	ReviewAssignmentID int64               `json:"reviewAssignmentId"`
	Trigger            models.TriggerEvent `json:"trigger"`
}

type Output struct {
	Status            models.ActionStatus `json:"status"`
	ErrorLog          string              `json:"errorLog"`
	ErrorCode         string              `json:"errorCode,omitempty"`
	AssignmentUpdates []models.LockUpdate `json:"assignmentUpdates"`
}
