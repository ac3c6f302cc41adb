// Package updateassignmentstatuses locks and unlocks sibling self-assignable
// assignments when a reviewer claims or releases an assignment, so a level is
// claimed by at most one reviewer at a time.
package updateassignmentstatuses

import (
	"context"
	"encoding/json"
	"fmt"
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
	TaskType = "update-assignment-statuses"
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

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output := h.Execute(ctx, &input)
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	h.completeJob(client, job, output, log)
}

// Execute resolves the triggering assignment's scope and flips the lock on
// sibling self-assignable assignments. Only rows whose lock state actually
// changes are persisted.
func (h *Handler) Execute(ctx context.Context, input *Input) *Output {
	scope, err := h.store.GetAssignmentScope(ctx, input.ReviewAssignmentID)
	if err != nil {
		return failOutput(err)
	}

	siblings, err := h.store.GetSiblingSelfAssignable(
		ctx, input.ReviewAssignmentID, scope.ApplicationID, scope.StageNumber, scope.LevelNumber)
	if err != nil {
		return failOutput(err)
	}

	var updates []models.LockUpdate
	switch input.Trigger {
	case models.TriggerOnReviewAssign:
		// A full-application claim blocks every sibling that has claimed
		// nothing yet; partial claims leave siblings free.
		for _, sib := range siblings {
			locked := sib.AssignedSections == 0
			if sib.IsLocked != locked {
				updates = append(updates, models.LockUpdate{ID: sib.ID, IsLocked: locked})
			}
		}
	case models.TriggerOnReviewUnassign:
		for _, sib := range siblings {
			if sib.IsLocked {
				updates = append(updates, models.LockUpdate{ID: sib.ID, IsLocked: false})
			}
		}
	default:
		return &Output{
			Status:   models.ActionConditionNotMet,
			ErrorLog: fmt.Sprintf("trigger %q does not affect assignment locks", input.Trigger),
		}
	}

	if err := h.store.UpdateAssignmentLocks(ctx, updates); err != nil {
		return failOutput(err)
	}

	if len(updates) > 0 {
		h.logger.Info("assignment lock updates applied", map[string]interface{}{
			"reviewAssignmentId": input.ReviewAssignmentID,
			"updates":            len(updates),
		})
	}

	return &Output{Status: models.ActionSuccess, AssignmentUpdates: updates}
}

func failOutput(err error) *Output {
	stdErr := errors.Normalize(err)
	return &Output{
		Status:    models.ActionFail,
		ErrorCode: string(stdErr.Code),
		ErrorLog:  "problem updating review assignment statuses: " + err.Error(),
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
