// Package store is the persistence gateway for the review workflow core.
// All SQL lives here; workers never build queries themselves.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"review-workers/internal/common/errors"
	"review-workers/internal/common/logger"
	"review-workers/internal/models"
)

// Store wraps the relational store plus a cache for per-stage constants.
// The redis client is optional; a nil client disables caching.
type Store struct {
	db       *sql.DB
	redis    *redis.Client
	logger   logger.Logger
	cacheTTL time.Duration
}

func New(db *sql.DB, rdb *redis.Client, log logger.Logger) *Store {
	return &Store{
		db:       db,
		redis:    rdb,
		logger:   log,
		cacheTTL: 10 * time.Minute,
	}
}

// GetApplicationInfo resolves the template and current stage of an application.
func (s *Store) GetApplicationInfo(ctx context.Context, applicationID int64) (*models.ApplicationInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.template_id, ash.stage_id, ts.number, ash.time_created
		FROM application a
		JOIN application_stage_history ash ON ash.application_id = a.id AND ash.is_current = true
		JOIN template_stage ts ON ts.id = ash.stage_id
		WHERE a.id = $1`, applicationID)

	var info models.ApplicationInfo
	if err := row.Scan(&info.TemplateID, &info.StageID, &info.StageNumber, &info.StageHistoryTimeCreated); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewApplicationNotFoundError(applicationID)
		}
		return nil, errors.NewQueryExecutionFailedError("get application info", err)
	}
	return &info, nil
}

// GetNumReviewLevels returns the configured number of review levels for a
// stage, 0 when none are configured. Cache-aside on the stage id.
func (s *Store) GetNumReviewLevels(ctx context.Context, stageID int64) (int, error) {
	cacheKey := "stage:levels:" + strconv.FormatInt(stageID, 10)
	if n, ok := s.cachedInt(ctx, cacheKey); ok {
		return n, nil
	}

	var numLevels sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT number_of_review_levels
		FROM template_stage
		WHERE id = $1`, stageID).Scan(&numLevels)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, errors.NewQueryExecutionFailedError(fmt.Sprintf("get review levels for stage %d", stageID), err)
	}

	n := int(numLevels.Int64)
	s.cacheInt(ctx, cacheKey, n)
	return n, nil
}

// GetLastStageNumber returns the highest stage number of the application's
// template. Cache-aside on the application id.
func (s *Store) GetLastStageNumber(ctx context.Context, applicationID int64) (int, error) {
	cacheKey := "application:laststage:" + strconv.FormatInt(applicationID, 10)
	if n, ok := s.cachedInt(ctx, cacheKey); ok {
		return n, nil
	}

	var last int
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(template_stage.number)
		FROM application
		JOIN template_stage ON template_stage.template_id = application.template_id
		WHERE application.id = $1`, applicationID).Scan(&last)
	if err != nil {
		return 0, errors.NewQueryExecutionFailedError("get last stage number", err)
	}

	s.cacheInt(ctx, cacheKey, last)
	return last, nil
}

// GetReviewStageAndLevel resolves the stage and level a review was submitted at.
func (s *Store) GetReviewStageAndLevel(ctx context.Context, reviewID int64) (stageNumber, levelNumber int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT ra.stage_number, ra.level_number
		FROM review r
		JOIN review_assignment ra ON ra.id = r.review_assignment_id
		WHERE r.id = $1`, reviewID).Scan(&stageNumber, &levelNumber)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, errors.NewReviewNotFoundError(reviewID)
		}
		return 0, 0, errors.NewQueryExecutionFailedError("get review stage and level", err)
	}
	return stageNumber, levelNumber, nil
}

// GetLastReviewLevel returns the highest level with an existing assignment
// for the application/stage, or 0 when there are none.
func (s *Store) GetLastReviewLevel(ctx context.Context, applicationID int64, stageNumber int) (int, error) {
	var level sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(level_number)
		FROM review_assignment
		WHERE application_id = $1 AND stage_number = $2`, applicationID, stageNumber).Scan(&level)
	if err != nil {
		return 0, errors.NewQueryExecutionFailedError("get last review level", err)
	}
	return int(level.Int64), nil
}

// GetPersonnelForLevel fetches the permission-policy rows of one type for a
// template/stage/level. This is the source of truth for who may review or
// assign at that level.
func (s *Store) GetPersonnelForLevel(
	ctx context.Context,
	templateID int64,
	stageNumber, reviewLevel int,
	permissionType models.PermissionType,
) ([]models.Reviewer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, org_id, allowed_sections, can_self_assign, can_make_final_decision
		FROM permissions_all
		WHERE template_id = $1
		AND stage_number = $2
		AND review_level = $3
		AND permission_type = $4`,
		templateID, stageNumber, reviewLevel, string(permissionType))
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get personnel for level", err)
	}
	defer rows.Close()

	var reviewers []models.Reviewer
	for rows.Next() {
		var r models.Reviewer
		var sections pq.StringArray
		if err := rows.Scan(&r.UserID, &r.OrgID, &sections, &r.CanSelfAssign, &r.CanMakeFinalDecision); err != nil {
			return nil, errors.NewQueryExecutionFailedError("scan personnel row", err)
		}
		if sections != nil {
			r.AllowedSections = []string(sections)
		}
		reviewers = append(reviewers, r)
	}
	return reviewers, rows.Err()
}

// GetExistingAssignments returns the prior assignment state for one level.
func (s *Store) GetExistingAssignments(
	ctx context.Context,
	applicationID int64,
	stageNumber, levelNumber int,
) ([]models.ExistingAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reviewer_id, status, is_locked, is_self_assignable
		FROM review_assignment
		WHERE application_id = $1
		AND stage_number = $2
		AND level_number = $3`,
		applicationID, stageNumber, levelNumber)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get existing assignments", err)
	}
	defer rows.Close()

	var existing []models.ExistingAssignment
	for rows.Next() {
		var e models.ExistingAssignment
		if err := rows.Scan(&e.ReviewerID, &e.Status, &e.IsLocked, &e.IsSelfAssignable); err != nil {
			return nil, errors.NewQueryExecutionFailedError("scan existing assignment", err)
		}
		existing = append(existing, e)
	}
	return existing, rows.Err()
}

// UpsertAssignments writes assignment rows via conditional upsert on the
// identity key (reviewer, organisation?, stage, application, level). On
// conflict only allowed_sections is updated; status and lock state written by
// an earlier pass are never clobbered. Rows are issued sequentially because
// the section merge is not atomic across two concurrent writers of one key.
func (s *Store) UpsertAssignments(ctx context.Context, assignments []models.ReviewAssignment) ([]int64, error) {
	ids := make([]int64, 0, len(assignments))

	for _, a := range assignments {
		// The identity key differs depending on whether the assignment is
		// org-scoped, matching the two partial unique indexes on the table.
		query := `
			INSERT INTO review_assignment (
				reviewer_id, organisation_id, stage_id, stage_number, time_stage_created,
				status, application_id, allowed_sections, level_number,
				is_last_level, is_last_stage, is_final_decision, is_self_assignable, is_locked
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (reviewer_id, organisation_id, stage_number, application_id, level_number)
				WHERE organisation_id IS NOT NULL
			DO UPDATE SET allowed_sections = EXCLUDED.allowed_sections
			RETURNING id`
		if a.OrganisationID == nil {
			query = `
			INSERT INTO review_assignment (
				reviewer_id, organisation_id, stage_id, stage_number, time_stage_created,
				status, application_id, allowed_sections, level_number,
				is_last_level, is_last_stage, is_final_decision, is_self_assignable, is_locked
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (reviewer_id, stage_number, application_id, level_number)
				WHERE organisation_id IS NULL
			DO UPDATE SET allowed_sections = EXCLUDED.allowed_sections
			RETURNING id`
		}

		var id int64
		err := s.db.QueryRowContext(ctx, query,
			a.ReviewerID,
			a.OrganisationID,
			a.StageID,
			a.StageNumber,
			a.TimeStageCreated,
			string(a.Status),
			a.ApplicationID,
			pq.Array(a.AllowedSections),
			a.LevelNumber,
			a.IsLastLevel,
			a.IsLastStage,
			a.IsFinalDecision,
			a.IsSelfAssignable,
			a.IsLocked,
		).Scan(&id)
		if err != nil {
			return ids, errors.NewAssignmentUpsertFailedError(fmt.Errorf("reviewer %d: %w", a.ReviewerID, err))
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// DeleteAssignments removes assignments whose reviewers lost permission and
// returns the deleted row ids so the caller can report orphaned references.
func (s *Store) DeleteAssignments(ctx context.Context, keys []models.AssignmentKey) ([]int64, error) {
	deleted := make([]int64, 0, len(keys))

	for _, k := range keys {
		rows, err := s.db.QueryContext(ctx, `
			DELETE FROM review_assignment
			WHERE reviewer_id = $1
			AND application_id = $2
			AND stage_number = $3
			AND level_number = $4
			RETURNING id`,
			k.ReviewerID, k.ApplicationID, k.StageNumber, k.LevelNumber)
		if err != nil {
			return deleted, errors.NewAssignmentDeleteFailedError(fmt.Errorf("reviewer %d: %w", k.ReviewerID, err))
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return deleted, errors.NewAssignmentDeleteFailedError(fmt.Errorf("scan deleted id: %w", err))
			}
			deleted = append(deleted, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return deleted, err
		}
		rows.Close()
	}

	return deleted, nil
}

// UpsertAssignerJoins writes assigner joins on conflict-key
// (assigner, review assignment, organisation?), updating the organisation.
func (s *Store) UpsertAssignerJoins(ctx context.Context, joins []models.AssignerJoin) ([]int64, error) {
	ids := make([]int64, 0, len(joins))

	for _, j := range joins {
		query := `
			INSERT INTO review_assignment_assigner_join (assigner_id, review_assignment_id, organisation_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (assigner_id, review_assignment_id, organisation_id)
				WHERE organisation_id IS NOT NULL
			DO UPDATE SET organisation_id = EXCLUDED.organisation_id
			RETURNING id`
		if j.OrganisationID == nil {
			query = `
			INSERT INTO review_assignment_assigner_join (assigner_id, review_assignment_id, organisation_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (assigner_id, review_assignment_id)
				WHERE organisation_id IS NULL
			DO UPDATE SET organisation_id = NULL
			RETURNING id`
		}

		var id int64
		err := s.db.QueryRowContext(ctx, query, j.AssignerID, j.ReviewAssignmentID, j.OrganisationID).Scan(&id)
		if err != nil {
			return ids, errors.NewAssignerJoinFailedError(fmt.Errorf("assigner %d: %w", j.AssignerID, err))
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// GetAssignmentScope locates the application/stage/level of one assignment.
func (s *Store) GetAssignmentScope(ctx context.Context, reviewAssignmentID int64) (*models.AssignmentScope, error) {
	scope := models.AssignmentScope{ReviewAssignmentID: reviewAssignmentID}
	err := s.db.QueryRowContext(ctx, `
		SELECT application_id, stage_number, level_number
		FROM review_assignment
		WHERE id = $1`, reviewAssignmentID).Scan(&scope.ApplicationID, &scope.StageNumber, &scope.LevelNumber)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewAssignmentNotFoundError(reviewAssignmentID)
		}
		return nil, errors.NewQueryExecutionFailedError("get assignment scope", err)
	}
	return &scope, nil
}

// GetSiblingSelfAssignable fetches self-assignable assignments in the same
// application/stage/level, excluding the triggering one, with the number of
// sections each has claimed.
func (s *Store) GetSiblingSelfAssignable(
	ctx context.Context,
	excludeID, applicationID int64,
	stageNumber, levelNumber int,
) ([]models.SiblingAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ra.id, ra.is_locked, COUNT(rqa.id)
		FROM review_assignment ra
		LEFT JOIN review_question_assignment rqa ON rqa.review_assignment_id = ra.id
		WHERE ra.id != $1
		AND ra.application_id = $2
		AND ra.stage_number = $3
		AND ra.level_number = $4
		AND ra.is_self_assignable = true
		GROUP BY ra.id, ra.is_locked`,
		excludeID, applicationID, stageNumber, levelNumber)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get sibling self-assignable assignments", err)
	}
	defer rows.Close()

	var siblings []models.SiblingAssignment
	for rows.Next() {
		var sib models.SiblingAssignment
		if err := rows.Scan(&sib.ID, &sib.IsLocked, &sib.AssignedSections); err != nil {
			return nil, errors.NewQueryExecutionFailedError("scan sibling assignment", err)
		}
		siblings = append(siblings, sib)
	}
	return siblings, rows.Err()
}

// UpdateAssignmentLocks persists lock-state changes.
func (s *Store) UpdateAssignmentLocks(ctx context.Context, updates []models.LockUpdate) error {
	for _, u := range updates {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE review_assignment SET is_locked = $2 WHERE id = $1`,
			u.ID, u.IsLocked); err != nil {
			return errors.NewQueryExecutionFailedError(fmt.Sprintf("update lock on assignment %d", u.ID), err)
		}
	}
	return nil
}

// GetAssociatedReviews returns reviews with their current status for one
// application/stage/level.
func (s *Store) GetAssociatedReviews(
	ctx context.Context,
	applicationID, stageID int64,
	levelNumber int,
) ([]models.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.review_assignment_id, ra.application_id, ra.reviewer_id, ra.level_number, rsh.status
		FROM review r
		JOIN review_assignment ra ON ra.id = r.review_assignment_id
		JOIN review_status_history rsh ON rsh.review_id = r.id AND rsh.is_current = true
		WHERE ra.application_id = $1
		AND ra.stage_id = $2
		AND ra.level_number = $3`,
		applicationID, stageID, levelNumber)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get associated reviews", err)
	}
	defer rows.Close()

	var reviews []models.Review
	for rows.Next() {
		var r models.Review
		if err := rows.Scan(&r.ReviewID, &r.ReviewAssignmentID, &r.ApplicationID, &r.ReviewerID, &r.LevelNumber, &r.Status); err != nil {
			return nil, errors.NewQueryExecutionFailedError("scan review", err)
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// GetReviewAssignedElementIDs returns the question element ids assigned to
// one review assignment.
func (s *Store) GetReviewAssignedElementIDs(ctx context.Context, reviewAssignmentID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT template_element_id
		FROM review_question_assignment
		WHERE review_assignment_id = $1`, reviewAssignmentID)
	if err != nil {
		return nil, errors.NewQueryExecutionFailedError("get assigned element ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewQueryExecutionFailedError("scan element id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendReviewStatusHistory appends a status transition. History is
// append-only: the previous current row is demoted, never overwritten.
func (s *Store) AppendReviewStatusHistory(ctx context.Context, reviewID int64, status models.ReviewStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStatusHistoryAppendFailedError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE review_status_history SET is_current = false
		WHERE review_id = $1 AND is_current = true`, reviewID); err != nil {
		return errors.NewStatusHistoryAppendFailedError(fmt.Errorf("demote current status for review %d: %w", reviewID, err))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO review_status_history (review_id, status, time_created, is_current)
		VALUES ($1, $2, NOW(), true)`, reviewID, string(status)); err != nil {
		return errors.NewStatusHistoryAppendFailedError(fmt.Errorf("append status for review %d: %w", reviewID, err))
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStatusHistoryAppendFailedError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// InvalidateApplicationCache drops cached per-stage constants so an
// administrative regeneration always sees fresh template configuration.
func (s *Store) InvalidateApplicationCache(ctx context.Context, applicationID, stageID int64) {
	if s.redis == nil {
		return
	}
	keys := []string{
		"stage:levels:" + strconv.FormatInt(stageID, 10),
		"application:laststage:" + strconv.FormatInt(applicationID, 10),
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("cache invalidation failed", map[string]interface{}{"error": err})
	}
}

func (s *Store) cachedInt(ctx context.Context, key string) (int, bool) {
	if s.redis == nil {
		return 0, false
	}
	val, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Store) cacheInt(ctx context.Context, key string, n int) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, key, strconv.Itoa(n), s.cacheTTL).Err(); err != nil {
		s.logger.Warn("cache write failed", map[string]interface{}{"key": key, "error": err})
	}
}
