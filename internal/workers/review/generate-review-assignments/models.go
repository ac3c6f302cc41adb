package generatereviewassignments

import "review-workers/internal/models"

type Input struct {
	ApplicationID  int64  `json:"applicationId"`
	ReviewID       *int64 `json:"reviewId,omitempty"`
	IsRegeneration bool   `json:"isRegeneration"`
}

// Output follows the calling convention shared by every trigger-dispatched
// unit of work: a status, an explanatory error log, and structured output.
type Output struct {
	Status    models.ActionStatus `json:"status"`
	ErrorLog  string              `json:"errorLog"`
	ErrorCode string              `json:"errorCode,omitempty"`
	Levels    []LevelResult       `json:"levels,omitempty"`
}

// LevelResult reports one level's reconciliation. OrphanedReferences carries
// the ids of deleted assignments whose dependent reviews and assigner joins
// are left for the surrounding system to clean up.
type LevelResult struct {
	StageNumber          int                       `json:"stageNumber"`
	LevelNumber          int                       `json:"levelNumber"`
	ReviewAssignments    []models.ReviewAssignment `json:"reviewAssignments"`
	ReviewAssignmentIDs  []int64                   `json:"reviewAssignmentIds"`
	AssignerJoins        []models.AssignerJoin     `json:"assignerJoins"`
	AssignerJoinIDs      []int64                   `json:"assignerJoinIds"`
	RemovedAssignmentIDs []int64                   `json:"removedAssignmentIds"`
	OrphanedReferences   []int64                   `json:"orphanedReferences"`
}
