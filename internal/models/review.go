package models

import "time"

// AssignmentStatus is the lifecycle state of a review assignment slot.
type AssignmentStatus string

const (
	AssignmentAvailable AssignmentStatus = "AVAILABLE"
	AssignmentAssigned  AssignmentStatus = "ASSIGNED"
)

// ReviewStatus is the lifecycle state of a reviewer's evaluation.
type ReviewStatus string

const (
	ReviewDraft            ReviewStatus = "DRAFT"
	ReviewPending          ReviewStatus = "PENDING"
	ReviewSubmitted        ReviewStatus = "SUBMITTED"
	ReviewChangesRequested ReviewStatus = "CHANGES_REQUESTED"
	ReviewLocked           ReviewStatus = "LOCKED"
)

// ReviewDecision is the overall decision carried by a submitted review.
type ReviewDecision string

const (
	DecisionChangesRequested ReviewDecision = "CHANGES_REQUESTED"
	DecisionConform          ReviewDecision = "CONFORM"
	DecisionNonConform       ReviewDecision = "NON_CONFORM"
	DecisionNoDecision       ReviewDecision = "NO_DECISION"
)

// ResponseDecision is the answer-level decision inside a review.
type ResponseDecision string

const (
	ResponseApprove  ResponseDecision = "APPROVE"
	ResponseDisagree ResponseDecision = "DISAGREE"
)

// PermissionType distinguishes who may review from who may assign reviewers.
type PermissionType string

const (
	PermissionReview PermissionType = "REVIEW"
	PermissionAssign PermissionType = "ASSIGN"
)

// TriggerEvent identifies the logical event that dispatched a job.
type TriggerEvent string

const (
	TriggerOnApplicationCreate TriggerEvent = "ON_APPLICATION_CREATE"
	TriggerOnApplicationSubmit TriggerEvent = "ON_APPLICATION_SUBMIT"
	TriggerOnReviewSubmit      TriggerEvent = "ON_REVIEW_SUBMIT"
	TriggerOnReviewAssign      TriggerEvent = "ON_REVIEW_ASSIGN"
	TriggerOnReviewUnassign    TriggerEvent = "ON_REVIEW_UNASSIGN"
	TriggerRegenerate          TriggerEvent = "REGENERATE"
)

// ActionStatus is the outcome classification every worker reports.
type ActionStatus string

const (
	ActionSuccess         ActionStatus = "SUCCESS"
	ActionFail            ActionStatus = "FAIL"
	ActionConditionNotMet ActionStatus = "CONDITION_NOT_MET"
)

// TriggeredBy distinguishes application-driven from review-driven propagation.
type TriggeredBy string

const (
	TriggeredByApplication TriggeredBy = "APPLICATION"
	TriggeredByReview      TriggeredBy = "REVIEW"
)

// Reviewer is one permission-policy row: a user authorized to review or
// assign at a given template/stage/level.
type Reviewer struct {
	UserID               int64    `json:"userId"`
	OrgID                *int64   `json:"orgId,omitempty"`
	AllowedSections      []string `json:"allowedSections,omitempty"` // nil = unrestricted
	CanSelfAssign        bool     `json:"canSelfAssign"`
	CanMakeFinalDecision bool     `json:"canMakeFinalDecision"`
}

// ReviewerKey is the composite merge key for one reviewer/org pair.
// A missing organisation maps to 0 so the key has defined equality.
type ReviewerKey struct {
	ReviewerID     int64
	OrganisationID int64
}

// KeyFor builds the merge key for a permission row.
func KeyFor(userID int64, orgID *int64) ReviewerKey {
	k := ReviewerKey{ReviewerID: userID}
	if orgID != nil {
		k.OrganisationID = *orgID
	}
	return k
}

// ReviewAssignment binds one reviewer (optionally org-scoped) to one
// application/stage/level. At most one live row per identity key
// (reviewerId, organisationId?, stageNumber, applicationId, levelNumber).
type ReviewAssignment struct {
	ID               int64            `json:"id,omitempty"`
	ReviewerID       int64            `json:"reviewerId"`
	OrganisationID   *int64           `json:"organisationId,omitempty"`
	Status           AssignmentStatus `json:"status"`
	AllowedSections  []string         `json:"allowedSections,omitempty"` // nil = unrestricted
	IsSelfAssignable bool             `json:"isSelfAssignable"`
	IsFinalDecision  bool             `json:"isFinalDecision"`
	IsLocked         bool             `json:"isLocked"`
	IsLastLevel      bool             `json:"isLastLevel"`
	IsLastStage      bool             `json:"isLastStage"`
	ApplicationID    int64            `json:"applicationId"`
	StageID          int64            `json:"stageId"`
	StageNumber      int              `json:"stageNumber"`
	LevelNumber      int              `json:"levelNumber"`
	TimeStageCreated time.Time        `json:"timeStageCreated"`
}

// ExistingAssignment is the prior-state projection the reconciler compares
// against current permissions.
type ExistingAssignment struct {
	ReviewerID       int64            `json:"reviewerId"`
	Status           AssignmentStatus `json:"status"`
	IsLocked         bool             `json:"isLocked"`
	IsSelfAssignable bool             `json:"isSelfAssignable"`
}

// AssignmentKey identifies an assignment row for deletion.
type AssignmentKey struct {
	ReviewerID    int64 `json:"reviewerId"`
	ApplicationID int64 `json:"applicationId"`
	StageNumber   int   `json:"stageNumber"`
	LevelNumber   int   `json:"levelNumber"`
}

// AssignerJoin grants an assigner the ability to manage one assignment.
type AssignerJoin struct {
	AssignerID         int64  `json:"assignerId"`
	OrganisationID     *int64 `json:"organisationId,omitempty"`
	ReviewAssignmentID int64  `json:"reviewAssignmentId"`
}

// AssignmentScope locates an assignment within its application/stage/level.
type AssignmentScope struct {
	ReviewAssignmentID int64 `json:"reviewAssignmentId"`
	ApplicationID      int64 `json:"applicationId"`
	StageNumber        int   `json:"stageNumber"`
	LevelNumber        int   `json:"levelNumber"`
}

// SiblingAssignment is a self-assignable assignment in the same scope as a
// triggering one, with how many sections its reviewer has claimed.
type SiblingAssignment struct {
	ID               int64 `json:"id"`
	AssignedSections int   `json:"assignedSections"`
	IsLocked         bool  `json:"isLocked"`
}

// LockUpdate is a single lock-state change to persist.
type LockUpdate struct {
	ID       int64 `json:"id"`
	IsLocked bool  `json:"isLocked"`
}

// Review is one reviewer's evaluation tied to an assignment.
type Review struct {
	ReviewID           int64        `json:"reviewId"`
	ReviewAssignmentID int64        `json:"reviewAssignmentId"`
	ApplicationID      int64        `json:"applicationId"`
	ReviewerID         int64        `json:"reviewerId"`
	LevelNumber        int          `json:"levelNumber"`
	Status             ReviewStatus `json:"reviewStatus"`
}

// ChangedResponse is one answer that changed in the triggering submission.
type ChangedResponse struct {
	ApplicationResponseID int64            `json:"applicationResponseId"`
	TemplateElementID     int64            `json:"templateElementId"`
	Decision              ResponseDecision `json:"decision,omitempty"`
}

// ApplicationInfo is the template/stage context of an application.
type ApplicationInfo struct {
	TemplateID              int64     `json:"templateId"`
	StageID                 int64     `json:"stageId"`
	StageNumber             int       `json:"stageNumber"`
	StageHistoryTimeCreated time.Time `json:"stageHistoryTimeCreated"`
}
