// internal/workers/review/update-review-statuses/handler_test.go
package updatereviewstatuses

import (
	"context"
	"database/sql"
	"testing"

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

func int64Ptr(v int64) *int64 {
	return &v
}

func reviewRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "review_assignment_id", "application_id", "reviewer_id", "level_number", "status"})
}

func expectAssociatedReviews(mock sqlmock.Sqlmock, applicationID, stageID int64, level int, rows *sqlmock.Rows) {
	mock.ExpectQuery(`JOIN review_status_history rsh`).
		WithArgs(applicationID, stageID, level).
		WillReturnRows(rows)
}

func expectAssignedElements(mock sqlmock.Sqlmock, assignmentID int64, elementIDs ...int64) {
	rows := sqlmock.NewRows([]string{"template_element_id"})
	for _, id := range elementIDs {
		rows.AddRow(id)
	}
	mock.ExpectQuery(`FROM review_question_assignment`).
		WithArgs(assignmentID).
		WillReturnRows(rows)
}

func expectStatusAppend(mock sqlmock.Sqlmock, reviewID int64, status models.ReviewStatus) {
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_status_history SET is_current = false`).
		WithArgs(reviewID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO review_status_history`).
		WithArgs(reviewID, string(status)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestExecute_ChangesRequestedPropagatesDownOneLevel(t *testing.T) {
	db, mock := setupMockDB(t)

	// Two submitted level-1 reviews; only the first one's assigned questions
	// drew a Disagree from the level-2 reviewer.
	expectAssociatedReviews(mock, 4001, 7, 1, reviewRows().
		AddRow(int64(201), int64(501), int64(4001), int64(10), 1, "SUBMITTED").
		AddRow(int64(202), int64(502), int64(4001), int64(11), 1, "SUBMITTED").
		AddRow(int64(203), int64(503), int64(4001), int64(12), 1, "DRAFT"))

	expectAssignedElements(mock, 501, 31, 32)
	expectAssignedElements(mock, 502, 33)

	expectStatusAppend(mock, 201, models.ReviewChangesRequested)

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{
		ApplicationID:  4001,
		ReviewID:       int64Ptr(300),
		StageID:        7,
		Level:          2,
		LatestDecision: models.DecisionChangesRequested,
		TriggeredBy:    models.TriggeredByReview,
		ChangedResponses: []models.ChangedResponse{
			{TemplateElementID: 31, Decision: models.ResponseDisagree},
			{TemplateElementID: 33, Decision: models.ResponseApprove},
		},
	})

	assert.Equal(t, models.ActionSuccess, output.Status)
	require.Len(t, output.UpdatedReviews, 1)
	assert.Equal(t, int64(201), output.UpdatedReviews[0].ReviewID)
	assert.Equal(t, models.ReviewChangesRequested, output.UpdatedReviews[0].NewStatus)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_SubmissionRestartsUpperLevelUnconditionally(t *testing.T) {
	db, mock := setupMockDB(t)

	// Consolidation at level 2 must restart regardless of which questions
	// changed, but only submitted and draft reviews are affected.
	expectAssociatedReviews(mock, 4001, 7, 2, reviewRows().
		AddRow(int64(301), int64(601), int64(4001), int64(20), 2, "SUBMITTED").
		AddRow(int64(302), int64(602), int64(4001), int64(21), 2, "DRAFT").
		AddRow(int64(303), int64(603), int64(4001), int64(22), 2, "PENDING"))

	expectStatusAppend(mock, 301, models.ReviewPending)
	expectStatusAppend(mock, 302, models.ReviewPending)

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{
		ApplicationID:  4001,
		ReviewID:       int64Ptr(200),
		StageID:        7,
		Level:          1,
		LatestDecision: models.DecisionConform,
		TriggeredBy:    models.TriggeredByReview,
	})

	assert.Equal(t, models.ActionSuccess, output.Status)
	require.Len(t, output.UpdatedReviews, 2)
	assert.Equal(t, models.ReviewPending, output.UpdatedReviews[0].NewStatus)
	assert.Equal(t, models.ReviewPending, output.UpdatedReviews[1].NewStatus)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_TriggerReviewIsExcluded(t *testing.T) {
	db, mock := setupMockDB(t)

	// The only review one level up is the trigger itself, so nothing moves.
	expectAssociatedReviews(mock, 4001, 7, 2, reviewRows().
		AddRow(int64(300), int64(601), int64(4001), int64(20), 2, "SUBMITTED"))

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{
		ApplicationID:  4001,
		ReviewID:       int64Ptr(300),
		StageID:        7,
		Level:          1,
		LatestDecision: models.DecisionConform,
		TriggeredBy:    models.TriggeredByReview,
	})

	assert.Equal(t, models.ActionSuccess, output.Status)
	assert.Empty(t, output.UpdatedReviews)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_ApplicationResubmissionRestartsFirstLevel(t *testing.T) {
	db, mock := setupMockDB(t)

	// Review 201: assigned questions changed. Review 202: untouched but
	// locked, so resubmission releases it. Review 203: untouched, unchanged.
	expectAssociatedReviews(mock, 4001, 7, 1, reviewRows().
		AddRow(int64(201), int64(501), int64(4001), int64(10), 1, "SUBMITTED").
		AddRow(int64(202), int64(502), int64(4001), int64(11), 1, "LOCKED").
		AddRow(int64(203), int64(503), int64(4001), int64(12), 1, "DRAFT"))

	expectAssignedElements(mock, 501, 31)
	expectAssignedElements(mock, 502, 40)
	expectAssignedElements(mock, 503, 41)

	expectStatusAppend(mock, 201, models.ReviewPending)
	expectStatusAppend(mock, 202, models.ReviewPending)

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{
		ApplicationID: 4001,
		StageID:       7,
		TriggeredBy:   models.TriggeredByApplication,
		ChangedResponses: []models.ChangedResponse{
			{TemplateElementID: 31},
		},
	})

	assert.Equal(t, models.ActionSuccess, output.Status)
	require.Len(t, output.UpdatedReviews, 2)
	assert.Equal(t, int64(201), output.UpdatedReviews[0].ReviewID)
	assert.Equal(t, int64(202), output.UpdatedReviews[1].ReviewID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_ChangesRequestedAtLevelOneHasNoTarget(t *testing.T) {
	db, _ := setupMockDB(t)

	// Level-1 changes requested would target level 0; there is nothing there.
	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{
		ApplicationID:  4001,
		ReviewID:       int64Ptr(300),
		StageID:        7,
		Level:          1,
		LatestDecision: models.DecisionChangesRequested,
		TriggeredBy:    models.TriggeredByReview,
	})

	assert.Equal(t, models.ActionSuccess, output.Status)
	assert.Empty(t, output.UpdatedReviews)
}

func TestExecute_ApproveDecisionDoesNotCountAsChange(t *testing.T) {
	db, mock := setupMockDB(t)

	expectAssociatedReviews(mock, 4001, 7, 1, reviewRows().
		AddRow(int64(201), int64(501), int64(4001), int64(10), 1, "SUBMITTED"))

	expectAssignedElements(mock, 501, 31)

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{
		ApplicationID:  4001,
		ReviewID:       int64Ptr(300),
		StageID:        7,
		Level:          2,
		LatestDecision: models.DecisionChangesRequested,
		TriggeredBy:    models.TriggeredByReview,
		ChangedResponses: []models.ChangedResponse{
			{TemplateElementID: 31, Decision: models.ResponseApprove},
		},
	})

	assert.Equal(t, models.ActionSuccess, output.Status)
	assert.Empty(t, output.UpdatedReviews)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_StatusHistoryFailureFailsRun(t *testing.T) {
	db, mock := setupMockDB(t)

	expectAssociatedReviews(mock, 4001, 7, 2, reviewRows().
		AddRow(int64(301), int64(601), int64(4001), int64(20), 2, "SUBMITTED"))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE review_status_history SET is_current = false`).
		WithArgs(int64(301)).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	handler := newTestHandler(t, db)
	output := handler.Execute(context.Background(), &Input{
		ApplicationID:  4001,
		ReviewID:       int64Ptr(200),
		StageID:        7,
		Level:          1,
		LatestDecision: models.DecisionConform,
		TriggeredBy:    models.TriggeredByReview,
	})

	assert.Equal(t, models.ActionFail, output.Status)
	assert.Equal(t, "STATUS_HISTORY_APPEND_FAILED", output.ErrorCode)
	assert.Contains(t, output.ErrorLog, "problem updating review statuses:")
	assert.Contains(t, output.ErrorLog, "demote current status for review 301")
	assert.Empty(t, output.UpdatedReviews)
}
