// Package updatereviewstatuses propagates review-status transitions across
// levels when underlying answers change after a review has progressed.
package updatereviewstatuses

import (
	"context"
	"encoding/json"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/google/uuid"

	"review-workers/internal/common/errors"
	"review-workers/internal/common/logger"
	"review-workers/internal/common/metrics"
	"review-workers/internal/models"
	"review-workers/internal/store"
)

const (
	TaskType = "update-review-statuses"
)

type Handler struct {
	config *Config
	store  *store.Store
	logger logger.Logger
}

func NewHandler(config *Config, st *store.Store, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		store:  st,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	log := h.logger.WithFields(map[string]interface{}{
		"jobKey": job.Key,
		"runId":  uuid.NewString(),
	})
	log.Info("processing job", nil)

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.completeJob(client, job, failOutput(errors.NewInvalidTriggerInputError(err.Error())), log)
		return
	}
	if input.TriggeredBy == "" {
		input.TriggeredBy = models.TriggeredByApplication
	}
	if input.LatestDecision == "" {
		input.LatestDecision = models.DecisionNoDecision
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output := h.Execute(ctx, &input)
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	h.completeJob(client, job, output, log)
}

// Execute determines which sibling/adjacent-level reviews must transition
// status and appends the transitions to history. The review that caused the
// trigger is excluded from every target set.
func (h *Handler) Execute(ctx context.Context, input *Input) *Output {
	var toUpdate []UpdatedReview
	var err error

	if input.TriggeredBy == models.TriggeredByReview {
		if input.LatestDecision == models.DecisionChangesRequested {
			toUpdate, err = h.requestChangesFromLowerLevel(ctx, input)
		} else {
			toUpdate, err = h.restartUpperLevelReviews(ctx, input)
		}
	} else {
		toUpdate, err = h.restartFirstLevelReviews(ctx, input)
	}
	if err != nil {
		return failOutput(err)
	}

	for _, update := range toUpdate {
		if err := h.store.AppendReviewStatusHistory(ctx, update.ReviewID, update.NewStatus); err != nil {
			return failOutput(err)
		}
		metrics.ReviewStatusTransitions.WithLabelValues(string(update.NewStatus)).Inc()
	}

	if len(toUpdate) > 0 {
		h.logger.Info("review status transitions applied", map[string]interface{}{
			"applicationId": input.ApplicationID,
			"transitions":   len(toUpdate),
		})
	}

	return &Output{Status: models.ActionSuccess, UpdatedReviews: toUpdate}
}

// requestChangesFromLowerLevel handles an upper-level review submitted with
// changes requested: submitted reviews one level down whose assigned
// questions drew a Disagree move to ChangesRequested.
func (h *Handler) requestChangesFromLowerLevel(ctx context.Context, input *Input) ([]UpdatedReview, error) {
	reviews, err := h.reviewsByLevelAndStatus(ctx, input, input.Level-1, models.ReviewSubmitted)
	if err != nil {
		return nil, err
	}

	var toUpdate []UpdatedReview
	for _, review := range reviews {
		changed, err := h.haveAssignedResponsesChanged(ctx, review.ReviewAssignmentID, input)
		if err != nil {
			return nil, err
		}
		if changed {
			toUpdate = append(toUpdate, UpdatedReview{Review: review, NewStatus: models.ReviewChangesRequested})
		}
	}
	return toUpdate, nil
}

// restartUpperLevelReviews handles a lower-level review submitted upward:
// consolidation cannot be partial, so every submitted or draft review one
// level up moves to Pending with no relevance filter.
func (h *Handler) restartUpperLevelReviews(ctx context.Context, input *Input) ([]UpdatedReview, error) {
	reviews, err := h.reviewsByLevelAndStatus(ctx, input, input.Level+1, models.ReviewSubmitted, models.ReviewDraft)
	if err != nil {
		return nil, err
	}

	var toUpdate []UpdatedReview
	for _, review := range reviews {
		toUpdate = append(toUpdate, UpdatedReview{Review: review, NewStatus: models.ReviewPending})
	}
	return toUpdate, nil
}

// restartFirstLevelReviews handles application submission or resubmission:
// level-1 reviews whose assigned questions changed move to Pending, and a
// resubmission unconditionally releases a level-1 lock.
func (h *Handler) restartFirstLevelReviews(ctx context.Context, input *Input) ([]UpdatedReview, error) {
	reviews, err := h.reviewsByLevelAndStatus(ctx, input, 1)
	if err != nil {
		return nil, err
	}

	var toUpdate []UpdatedReview
	for _, review := range reviews {
		changed, err := h.haveAssignedResponsesChanged(ctx, review.ReviewAssignmentID, input)
		if err != nil {
			return nil, err
		}
		if changed || review.Status == models.ReviewLocked {
			toUpdate = append(toUpdate, UpdatedReview{Review: review, NewStatus: models.ReviewPending})
		}
	}
	return toUpdate, nil
}

// reviewsByLevelAndStatus fetches reviews at one level, excluding the
// triggering review, optionally filtered to a status set.
func (h *Handler) reviewsByLevelAndStatus(
	ctx context.Context,
	input *Input,
	level int,
	statuses ...models.ReviewStatus,
) ([]models.Review, error) {
	if level < 1 {
		return nil, nil
	}

	reviews, err := h.store.GetAssociatedReviews(ctx, input.ApplicationID, input.StageID, level)
	if err != nil {
		return nil, err
	}

	var filtered []models.Review
	for _, review := range reviews {
		if input.ReviewID != nil && review.ReviewID == *input.ReviewID {
			continue
		}
		if len(statuses) > 0 && !statusIn(review.Status, statuses) {
			continue
		}
		filtered = append(filtered, review)
	}
	return filtered, nil
}

// haveAssignedResponsesChanged reports whether any changed response touches a
// question assigned to the given assignment. When the trigger is a review,
// only responses the upper reviewer disagreed with count as changes.
func (h *Handler) haveAssignedResponsesChanged(ctx context.Context, reviewAssignmentID int64, input *Input) (bool, error) {
	elementIDs, err := h.store.GetReviewAssignedElementIDs(ctx, reviewAssignmentID)
	if err != nil {
		return false, err
	}

	assigned := make(map[int64]bool, len(elementIDs))
	for _, id := range elementIDs {
		assigned[id] = true
	}

	for _, response := range input.ChangedResponses {
		if !assigned[response.TemplateElementID] {
			continue
		}
		if input.TriggeredBy == models.TriggeredByReview {
			if response.Decision == models.ResponseDisagree {
				return true, nil
			}
			continue
		}
		return true, nil
	}
	return false, nil
}

func statusIn(status models.ReviewStatus, set []models.ReviewStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func failOutput(err error) *Output {
	stdErr := errors.Normalize(err)
	return &Output{
		Status:    models.ActionFail,
		ErrorCode: string(stdErr.Code),
		ErrorLog:  "problem updating review statuses: " + err.Error(),
	}
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output, log logger.Logger) {
	if output.Status == models.ActionFail {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, output.ErrorCode).Inc()
		log.Error("job finished with failure result", map[string]interface{}{
			"errorCode": output.ErrorCode,
			"errorLog":  output.ErrorLog,
		})
	} else {
		metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	}

	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		log.Error("failed to create complete job command", map[string]interface{}{"error": err})
		return
	}
	if _, err := cmd.Send(context.Background()); err != nil {
		log.Error("failed to send complete job command", map[string]interface{}{"error": err})
	}
}
