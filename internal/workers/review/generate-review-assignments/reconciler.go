package generatereviewassignments

import (
	"time"

	"review-workers/internal/models"
)

// levelParams is the fixed context of one level's reconciliation.
type levelParams struct {
	ApplicationID    int64
	StageID          int64
	StageNumber      int
	LevelNumber      int
	IsLastLevel      bool
	IsLastStage      bool
	TimeStageCreated time.Time
}

// assignmentState is the status/lock/self-assign target for one reviewer.
type assignmentState struct {
	Status           models.AssignmentStatus
	IsSelfAssignable bool
	IsLocked         bool
}

// planLevel computes the create and delete sets that bring persisted
// assignment state for one level into agreement with current permissions,
// preserving in-flight reviewer progress.
func planLevel(
	previous []models.ExistingAssignment,
	reviewers []models.Reviewer,
	p levelParams,
) (creates []models.ReviewAssignment, deletes []models.AssignmentKey) {
	authorized := make(map[int64]bool, len(reviewers))
	for _, r := range reviewers {
		authorized[r.UserID] = true
	}

	stillAuthorized := make(map[int64]models.ExistingAssignment)
	anyAssigned := false
	for _, prev := range previous {
		if !authorized[prev.ReviewerID] {
			deletes = append(deletes, models.AssignmentKey{
				ReviewerID:    prev.ReviewerID,
				ApplicationID: p.ApplicationID,
				StageNumber:   p.StageNumber,
				LevelNumber:   p.LevelNumber,
			})
			continue
		}
		stillAuthorized[prev.ReviewerID] = prev
		if prev.Status == models.AssignmentAssigned {
			anyAssigned = true
		}
	}

	// Two-phase fold keyed by (reviewer, organisation): the first permission
	// row for a key is authoritative for status/lock/self-assign; later rows
	// for the same key only union allowed sections.
	targets := make(map[models.ReviewerKey]*models.ReviewAssignment, len(reviewers))
	var order []models.ReviewerKey

	for _, reviewer := range reviewers {
		key := models.KeyFor(reviewer.UserID, reviewer.OrgID)

		if existing, ok := targets[key]; ok {
			existing.AllowedSections = mergeAllowedSections(existing.AllowedSections, reviewer.AllowedSections)
			continue
		}

		prev, hasPrev := stillAuthorized[reviewer.UserID]
		state := deriveAssignmentState(reviewer, prev, hasPrev, anyAssigned, p.LevelNumber)

		targets[key] = &models.ReviewAssignment{
			ReviewerID:       reviewer.UserID,
			OrganisationID:   reviewer.OrgID,
			Status:           state.Status,
			AllowedSections:  reviewer.AllowedSections,
			IsSelfAssignable: state.IsSelfAssignable,
			IsFinalDecision:  reviewer.CanMakeFinalDecision,
			IsLocked:         state.IsLocked,
			IsLastLevel:      p.IsLastLevel,
			IsLastStage:      p.IsLastStage,
			ApplicationID:    p.ApplicationID,
			StageID:          p.StageID,
			StageNumber:      p.StageNumber,
			LevelNumber:      p.LevelNumber,
			TimeStageCreated: p.TimeStageCreated,
		}
		order = append(order, key)
	}

	creates = make([]models.ReviewAssignment, 0, len(order))
	for _, key := range order {
		creates = append(creates, *targets[key])
	}
	return creates, deletes
}

// deriveAssignmentState resolves the target status, self-assignability and
// lock for one reviewer against their prior assignment, if any.
func deriveAssignmentState(
	reviewer models.Reviewer,
	prev models.ExistingAssignment,
	hasPrev bool,
	anyAssigned bool,
	levelNumber int,
) assignmentState {
	// A final-decision reviewer is never blocked by mutual exclusion.
	if reviewer.CanMakeFinalDecision {
		return assignmentState{
			Status:           models.AssignmentAssigned,
			IsSelfAssignable: true,
			IsLocked:         false,
		}
	}

	// Levels above 1 are always self-assignable: upper-level review requires
	// voluntary pickup regardless of explicit permission.
	selfAssignable := reviewer.CanSelfAssign || levelNumber > 1
	status := models.AssignmentAvailable

	if hasPrev {
		status = prev.Status
		selfAssignable = prev.IsSelfAssignable
	}

	// A reviewer who already claimed the level keeps their lock state; an
	// unclaimed self-assignable slot is locked whenever any sibling has
	// claimed the level.
	var locked bool
	if hasPrev && prev.Status == models.AssignmentAssigned {
		locked = prev.IsLocked
	} else {
		locked = anyAssigned && selfAssignable
	}

	return assignmentState{
		Status:           status,
		IsSelfAssignable: selfAssignable,
		IsLocked:         locked,
	}
}

// mergeAllowedSections unions two section restrictions. nil means
// unrestricted and absorbs any partial restriction.
func mergeAllowedSections(prev, next []string) []string {
	if prev == nil || next == nil {
		return nil
	}
	seen := make(map[string]bool, len(prev)+len(next))
	merged := make([]string, 0, len(prev)+len(next))
	for _, s := range prev {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range next {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}
