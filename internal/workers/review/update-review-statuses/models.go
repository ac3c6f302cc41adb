package updatereviewstatuses

import "review-workers/internal/models"

type Input struct {
	ApplicationID    int64                    `json:"applicationId"`
	ReviewID         *int64                   `json:"reviewId,omitempty"`
	StageID          int64                    `json:"stageId"`
	Level            int                      `json:"level"`
	LatestDecision   models.ReviewDecision    `json:"latestDecision,omitempty"`
	ChangedResponses []models.ChangedResponse `json:"changedResponses"`
	TriggeredBy      models.TriggeredBy       `json:"triggeredBy"`
}

type Output struct {
	Status         models.ActionStatus `json:"status"`
	ErrorLog       string              `json:"errorLog"`
	ErrorCode      string              `json:"errorCode,omitempty"`
	UpdatedReviews []UpdatedReview     `json:"updatedReviews"`
}

// UpdatedReview reports one status transition appended to history.
type UpdatedReview struct {
	models.Review
	NewStatus models.ReviewStatus `json:"newStatus"`
}
