// internal/workers/review/generate-review-assignments/handler_test.go
package generatereviewassignments

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-workers/internal/common/logger"
	"review-workers/internal/models"
	"review-workers/internal/store"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newTestHandler(t *testing.T, db *sql.DB) *Handler {
	st := store.New(db, nil, logger.NewTestLogger(t))
	return NewHandler(LoadConfig(), st, logger.NewTestLogger(t))
}

var stageCreated = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func expectApplicationInfo(mock sqlmock.Sqlmock, applicationID int64) {
	mock.ExpectQuery(`SELECT a.template_id, ash.stage_id, ts.number, ash.time_created`).
		WithArgs(applicationID).
		WillReturnRows(sqlmock.NewRows([]string{"template_id", "stage_id", "number", "time_created"}).
			AddRow(int64(1), int64(7), 2, stageCreated))
}

func expectNumReviewLevels(mock sqlmock.Sqlmock, stageID int64, levels int) {
	mock.ExpectQuery(`SELECT number_of_review_levels`).
		WithArgs(stageID).
		WillReturnRows(sqlmock.NewRows([]string{"number_of_review_levels"}).AddRow(levels))
}

func expectLastStageNumber(mock sqlmock.Sqlmock, applicationID int64, last int) {
	mock.ExpectQuery(`SELECT MAX\(template_stage.number\)`).
		WithArgs(applicationID).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(last))
}

func TestExecute_FirstLevelGeneration(t *testing.T) {
	db, mock := setupMockDB(t)
	applicationID := int64(4001)

	expectApplicationInfo(mock, applicationID)
	expectNumReviewLevels(mock, 7, 2)
	expectLastStageNumber(mock, applicationID, 3)

	// No prior assignments at level 1.
	mock.ExpectQuery(`SELECT reviewer_id, status, is_locked, is_self_assignable`).
		WithArgs(applicationID, 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"reviewer_id", "status", "is_locked", "is_self_assignable"}))

	// One reviewer holds Review permission.
	mock.ExpectQuery(`FROM permissions_all`).
		WithArgs(int64(1), 2, 1, "REVIEW").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "org_id", "allowed_sections", "can_self_assign", "can_make_final_decision"}).
			AddRow(int64(10), nil, "{S1,S2}", true, false))

	mock.ExpectQuery(`INSERT INTO review_assignment`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(501)))

	// One assigner, cross-joined with the single upserted assignment.
	mock.ExpectQuery(`FROM permissions_all`).
		WithArgs(int64(1), 2, 1, "ASSIGN").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "org_id", "allowed_sections", "can_self_assign", "can_make_final_decision"}).
			AddRow(int64(30), nil, nil, false, false))

	mock.ExpectQuery(`INSERT INTO review_assignment_assigner_join`).
		WithArgs(int64(30), int64(501), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(901)))

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{ApplicationID: applicationID})

	assert.Equal(t, models.ActionSuccess, output.Status)
	assert.Empty(t, output.ErrorLog)
	require.Len(t, output.Levels, 1)

	level := output.Levels[0]
	assert.Equal(t, 2, level.StageNumber)
	assert.Equal(t, 1, level.LevelNumber)
	assert.Equal(t, []int64{501}, level.ReviewAssignmentIDs)
	assert.Equal(t, []int64{901}, level.AssignerJoinIDs)
	assert.Empty(t, level.RemovedAssignmentIDs)

	require.Len(t, level.ReviewAssignments, 1)
	created := level.ReviewAssignments[0]
	assert.Equal(t, int64(10), created.ReviewerID)
	assert.Equal(t, models.AssignmentAvailable, created.Status)
	assert.Equal(t, []string{"S1", "S2"}, created.AllowedSections)
	assert.False(t, created.IsLastLevel)
	assert.False(t, created.IsLastStage)

	require.Len(t, level.AssignerJoins, 1)
	assert.Equal(t, int64(30), level.AssignerJoins[0].AssignerID)
	assert.Equal(t, int64(501), level.AssignerJoins[0].ReviewAssignmentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_ReviewSubmissionPastFinalLevel(t *testing.T) {
	db, mock := setupMockDB(t)
	applicationID := int64(4001)
	reviewID := int64(77)

	expectApplicationInfo(mock, applicationID)
	expectNumReviewLevels(mock, 7, 2)

	// Submitted at the highest configured level of the current stage.
	mock.ExpectQuery(`SELECT ra.stage_number, ra.level_number`).
		WithArgs(reviewID).
		WillReturnRows(sqlmock.NewRows([]string{"stage_number", "level_number"}).AddRow(2, 2))

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{ApplicationID: applicationID, ReviewID: &reviewID})

	assert.Equal(t, models.ActionSuccess, output.Status)
	assert.Equal(t, "final review level reached for current stage", output.ErrorLog)
	assert.Empty(t, output.Levels)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_ReviewSubmissionNoLevelsConfigured(t *testing.T) {
	db, mock := setupMockDB(t)
	applicationID := int64(4001)
	reviewID := int64(77)

	expectApplicationInfo(mock, applicationID)
	expectNumReviewLevels(mock, 7, 0)

	mock.ExpectQuery(`SELECT ra.stage_number, ra.level_number`).
		WithArgs(reviewID).
		WillReturnRows(sqlmock.NewRows([]string{"stage_number", "level_number"}).AddRow(1, 1))

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{ApplicationID: applicationID, ReviewID: &reviewID})

	assert.Equal(t, models.ActionSuccess, output.Status)
	assert.Equal(t, "no reviewer level configured for stage 2", output.ErrorLog)
	assert.Empty(t, output.Levels)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_StageCrossingResetsToLevelOne(t *testing.T) {
	db, mock := setupMockDB(t)
	applicationID := int64(4001)
	reviewID := int64(77)

	expectApplicationInfo(mock, applicationID)
	expectNumReviewLevels(mock, 7, 2)

	// The review was submitted at the last level of stage 1; the application
	// has since moved to stage 2, so reconciliation targets level 1 there.
	mock.ExpectQuery(`SELECT ra.stage_number, ra.level_number`).
		WithArgs(reviewID).
		WillReturnRows(sqlmock.NewRows([]string{"stage_number", "level_number"}).AddRow(1, 2))

	expectLastStageNumber(mock, applicationID, 3)

	mock.ExpectQuery(`SELECT reviewer_id, status, is_locked, is_self_assignable`).
		WithArgs(applicationID, 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"reviewer_id", "status", "is_locked", "is_self_assignable"}))

	mock.ExpectQuery(`FROM permissions_all`).
		WithArgs(int64(1), 2, 1, "REVIEW").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "org_id", "allowed_sections", "can_self_assign", "can_make_final_decision"}))

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{ApplicationID: applicationID, ReviewID: &reviewID})

	assert.Equal(t, models.ActionSuccess, output.Status)
	require.Len(t, output.Levels, 1)
	assert.Equal(t, 1, output.Levels[0].LevelNumber)
	assert.Empty(t, output.Levels[0].ReviewAssignmentIDs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_RevokedReviewerIsRemoved(t *testing.T) {
	db, mock := setupMockDB(t)
	applicationID := int64(4001)

	expectApplicationInfo(mock, applicationID)
	expectNumReviewLevels(mock, 7, 1)
	expectLastStageNumber(mock, applicationID, 3)

	mock.ExpectQuery(`SELECT reviewer_id, status, is_locked, is_self_assignable`).
		WithArgs(applicationID, 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"reviewer_id", "status", "is_locked", "is_self_assignable"}).
			AddRow(int64(99), "AVAILABLE", false, false))

	// The previously assigned reviewer no longer appears in the policy.
	mock.ExpectQuery(`FROM permissions_all`).
		WithArgs(int64(1), 2, 1, "REVIEW").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "org_id", "allowed_sections", "can_self_assign", "can_make_final_decision"}))

	mock.ExpectQuery(`DELETE FROM review_assignment`).
		WithArgs(int64(99), applicationID, 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(700)))

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{ApplicationID: applicationID})

	assert.Equal(t, models.ActionSuccess, output.Status)
	require.Len(t, output.Levels, 1)
	assert.Equal(t, []int64{700}, output.Levels[0].RemovedAssignmentIDs)
	assert.Equal(t, []int64{700}, output.Levels[0].OrphanedReferences)
	assert.Empty(t, output.Levels[0].ReviewAssignmentIDs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_Regeneration(t *testing.T) {
	db, mock := setupMockDB(t)
	applicationID := int64(4001)

	expectApplicationInfo(mock, applicationID)
	expectNumReviewLevels(mock, 7, 2)

	// No assignments yet, regeneration still covers level 1.
	mock.ExpectQuery(`SELECT MAX\(level_number\)`).
		WithArgs(applicationID, 2).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	expectLastStageNumber(mock, applicationID, 3)

	mock.ExpectQuery(`SELECT reviewer_id, status, is_locked, is_self_assignable`).
		WithArgs(applicationID, 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"reviewer_id", "status", "is_locked", "is_self_assignable"}))

	mock.ExpectQuery(`FROM permissions_all`).
		WithArgs(int64(1), 2, 1, "REVIEW").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "org_id", "allowed_sections", "can_self_assign", "can_make_final_decision"}))

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{ApplicationID: applicationID, IsRegeneration: true})

	assert.Equal(t, models.ActionSuccess, output.Status)
	require.Len(t, output.Levels, 1)
	assert.Equal(t, 1, output.Levels[0].LevelNumber)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_ApplicationNotFound(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`SELECT a.template_id, ash.stage_id, ts.number, ash.time_created`).
		WithArgs(int64(4001)).
		WillReturnError(sql.ErrNoRows)

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{ApplicationID: 4001})

	assert.Equal(t, models.ActionFail, output.Status)
	assert.Equal(t, "APPLICATION_NOT_FOUND", output.ErrorCode)
	assert.Contains(t, output.ErrorLog, "problem generating review assignment records:")
	assert.Contains(t, output.ErrorLog, "applicationId: 4001")
}

func TestExecute_UpsertFailureFailsWholeRun(t *testing.T) {
	db, mock := setupMockDB(t)
	applicationID := int64(4001)

	expectApplicationInfo(mock, applicationID)
	expectNumReviewLevels(mock, 7, 1)
	expectLastStageNumber(mock, applicationID, 3)

	mock.ExpectQuery(`SELECT reviewer_id, status, is_locked, is_self_assignable`).
		WithArgs(applicationID, 2, 1).
		WillReturnRows(sqlmock.NewRows([]string{"reviewer_id", "status", "is_locked", "is_self_assignable"}))

	mock.ExpectQuery(`FROM permissions_all`).
		WithArgs(int64(1), 2, 1, "REVIEW").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "org_id", "allowed_sections", "can_self_assign", "can_make_final_decision"}).
			AddRow(int64(10), nil, nil, true, false))

	mock.ExpectQuery(`INSERT INTO review_assignment`).
		WillReturnError(sql.ErrConnDone)

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{ApplicationID: applicationID})

	assert.Equal(t, models.ActionFail, output.Status)
	assert.Equal(t, "ASSIGNMENT_UPSERT_FAILED", output.ErrorCode)
	assert.Contains(t, output.ErrorLog, "reviewer 10")
	assert.Empty(t, output.Levels)
}
