package generatereviewassignments

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
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
	TaskType = "generate-review-assignments"
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

// Execute decides which level(s) need reconciliation for this trigger and
// drives it. Storage failures are converted to the Fail result here; nothing
// below this point downgrades an error.
func (h *Handler) Execute(ctx context.Context, input *Input) *Output {
	info, err := h.store.GetApplicationInfo(ctx, input.ApplicationID)
	if err != nil {
		return failOutput(err)
	}

	if input.IsRegeneration {
		// An administrative regeneration follows bulk permission or template
		// changes, so cached stage constants may be stale.
		h.store.InvalidateApplicationCache(ctx, input.ApplicationID, info.StageID)
	}

	numReviewLevels, err := h.store.GetNumReviewLevels(ctx, info.StageID)
	if err != nil {
		return failOutput(err)
	}

	var output *Output
	switch {
	case input.IsRegeneration:
		output, err = h.generateForAllLevels(ctx, input.ApplicationID, info, numReviewLevels)
	case input.ReviewID != nil:
		output, err = h.generateForNextLevel(ctx, input.ApplicationID, *input.ReviewID, info, numReviewLevels)
	default:
		output, err = h.generateForFirstLevel(ctx, input.ApplicationID, info, numReviewLevels)
	}
	if err != nil {
		return failOutput(err)
	}
	return output
}

// generateForFirstLevel handles application submission and resubmission.
func (h *Handler) generateForFirstLevel(
	ctx context.Context,
	applicationID int64,
	info *models.ApplicationInfo,
	numReviewLevels int,
) (*Output, error) {
	h.logger.Info("generating review assignments for application submission", map[string]interface{}{
		"applicationId": applicationID,
		"stageNumber":   info.StageNumber,
	})

	result, err := h.reconcileLevel(ctx, applicationID, info, 1, numReviewLevels)
	if err != nil {
		return nil, err
	}
	return &Output{Status: models.ActionSuccess, Levels: []LevelResult{*result}}, nil
}

// generateForNextLevel handles a review submission: reconcile the next level
// in the same stage, or level 1 when the submission crossed into a new stage.
func (h *Handler) generateForNextLevel(
	ctx context.Context,
	applicationID, reviewID int64,
	info *models.ApplicationInfo,
	numReviewLevels int,
) (*Output, error) {
	submittedStage, submittedLevel, err := h.store.GetReviewStageAndLevel(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	h.logger.Info("generating review assignments for review submission", map[string]interface{}{
		"applicationId":  applicationID,
		"reviewId":       reviewID,
		"submittedStage": submittedStage,
		"submittedLevel": submittedLevel,
	})

	if numReviewLevels == 0 {
		return &Output{
			Status:   models.ActionSuccess,
			ErrorLog: "no reviewer level configured for stage " + strconv.Itoa(info.StageNumber),
		}, nil
	}

	nextLevel := 1
	if submittedStage == info.StageNumber {
		nextLevel = submittedLevel + 1
		if nextLevel > numReviewLevels {
			return &Output{
				Status:   models.ActionSuccess,
				ErrorLog: "final review level reached for current stage",
			}, nil
		}
	}

	result, err := h.reconcileLevel(ctx, applicationID, info, nextLevel, numReviewLevels)
	if err != nil {
		return nil, err
	}
	return &Output{Status: models.ActionSuccess, Levels: []LevelResult{*result}}, nil
}

// generateForAllLevels reconciles every level from 1 up to the highest level
// that already has assignments. Levels touch disjoint rows, so they run
// concurrently; the aggregate always waits for every level before reporting.
func (h *Handler) generateForAllLevels(
	ctx context.Context,
	applicationID int64,
	info *models.ApplicationInfo,
	numReviewLevels int,
) (*Output, error) {
	currentLevel, err := h.store.GetLastReviewLevel(ctx, applicationID, info.StageNumber)
	if err != nil {
		return nil, err
	}
	if currentLevel == 0 {
		currentLevel = 1
	}

	h.logger.Info("regenerating review assignments", map[string]interface{}{
		"applicationId": applicationID,
		"stageNumber":   info.StageNumber,
		"currentLevel":  currentLevel,
	})

	results := make([]*LevelResult, currentLevel)
	errs := make([]error, currentLevel)

	var wg sync.WaitGroup
	for level := 1; level <= currentLevel; level++ {
		wg.Add(1)
		go func(level int) {
			defer wg.Done()
			results[level-1], errs[level-1] = h.reconcileLevel(ctx, applicationID, info, level, numReviewLevels)
		}(level)
	}
	wg.Wait()

	output := &Output{Status: models.ActionSuccess}
	for i, result := range results {
		if errs[i] != nil {
			// Committed levels stay committed; the re-run is idempotent.
			return nil, fmt.Errorf("regeneration failed at level %d: %w", i+1, errs[i])
		}
		output.Levels = append(output.Levels, *result)
	}
	return output, nil
}

// reconcileLevel brings the persisted assignment set for one level into
// agreement with current permissions, then derives assigner joins for the
// upserted assignments.
func (h *Handler) reconcileLevel(
	ctx context.Context,
	applicationID int64,
	info *models.ApplicationInfo,
	reviewLevel int,
	numReviewLevels int,
) (*LevelResult, error) {
	lastStageNumber, err := h.store.GetLastStageNumber(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	previous, err := h.store.GetExistingAssignments(ctx, applicationID, info.StageNumber, reviewLevel)
	if err != nil {
		return nil, err
	}

	reviewers, err := h.store.GetPersonnelForLevel(ctx, info.TemplateID, info.StageNumber, reviewLevel, models.PermissionReview)
	if err != nil {
		return nil, err
	}

	creates, deletes := planLevel(previous, reviewers, levelParams{
		ApplicationID:    applicationID,
		StageID:          info.StageID,
		StageNumber:      info.StageNumber,
		LevelNumber:      reviewLevel,
		IsLastLevel:      reviewLevel == numReviewLevels,
		IsLastStage:      info.StageNumber == lastStageNumber,
		TimeStageCreated: info.StageHistoryTimeCreated,
	})

	// Deletions are issued before creates so "no previous assignment" holds
	// as a precondition for the upserts that follow.
	removedIDs, err := h.store.DeleteAssignments(ctx, deletes)
	if err != nil {
		return nil, err
	}

	createdIDs, err := h.store.UpsertAssignments(ctx, creates)
	if err != nil {
		return nil, err
	}

	joins, joinIDs, err := h.buildAssignerJoins(ctx, createdIDs, info.TemplateID, info.StageNumber, reviewLevel)
	if err != nil {
		return nil, err
	}

	levelLabel := strconv.Itoa(reviewLevel)
	metrics.AssignmentsCreated.WithLabelValues(levelLabel).Add(float64(len(createdIDs)))
	metrics.AssignmentsDeleted.WithLabelValues(levelLabel).Add(float64(len(removedIDs)))

	return &LevelResult{
		StageNumber:          info.StageNumber,
		LevelNumber:          reviewLevel,
		ReviewAssignments:    creates,
		ReviewAssignmentIDs:  createdIDs,
		AssignerJoins:        joins,
		AssignerJoinIDs:      joinIDs,
		RemovedAssignmentIDs: removedIDs,
		OrphanedReferences:   removedIDs,
	}, nil
}

// buildAssignerJoins pairs every upserted assignment with every user holding
// Assign permission at the level. Assigners are assumed unrestricted by
// section.
func (h *Handler) buildAssignerJoins(
	ctx context.Context,
	assignmentIDs []int64,
	templateID int64,
	stageNumber, reviewLevel int,
) ([]models.AssignerJoin, []int64, error) {
	if len(assignmentIDs) == 0 {
		return nil, nil, nil
	}

	assigners, err := h.store.GetPersonnelForLevel(ctx, templateID, stageNumber, reviewLevel, models.PermissionAssign)
	if err != nil {
		return nil, nil, err
	}

	joins := make([]models.AssignerJoin, 0, len(assignmentIDs)*len(assigners))
	for _, assignmentID := range assignmentIDs {
		for _, assigner := range assigners {
			joins = append(joins, models.AssignerJoin{
				AssignerID:         assigner.UserID,
				OrganisationID:     assigner.OrgID,
				ReviewAssignmentID: assignmentID,
			})
		}
	}

	joinIDs, err := h.store.UpsertAssignerJoins(ctx, joins)
	if err != nil {
		return nil, nil, err
	}
	return joins, joinIDs, nil
}

func failOutput(err error) *Output {
	stdErr := errors.Normalize(err)
	return &Output{
		Status:    models.ActionFail,
		ErrorCode: string(stdErr.Code),
		ErrorLog:  "problem generating review assignment records: " + err.Error(),
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
