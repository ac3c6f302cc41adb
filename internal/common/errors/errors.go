// Package errors provides standardized error handling for BPMN workflow integration.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeQueryTimeout             ErrorCode = "QUERY_TIMEOUT"

	ErrCodeApplicationNotFound ErrorCode = "APPLICATION_NOT_FOUND"
	ErrCodeReviewNotFound      ErrorCode = "REVIEW_NOT_FOUND"
	ErrCodeAssignmentNotFound  ErrorCode = "ASSIGNMENT_NOT_FOUND"

	ErrCodeAssignmentUpsertFailed    ErrorCode = "ASSIGNMENT_UPSERT_FAILED"
	ErrCodeAssignmentDeleteFailed    ErrorCode = "ASSIGNMENT_DELETE_FAILED"
	ErrCodeAssignerJoinFailed        ErrorCode = "ASSIGNER_JOIN_FAILED"
	ErrCodeStatusHistoryAppendFailed ErrorCode = "STATUS_HISTORY_APPEND_FAILED"

	ErrCodeInvalidTriggerInput ErrorCode = "INVALID_TRIGGER_INPUT"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
}

// Normalize returns the StandardError in err's chain, or wraps an
// unclassified error as a non-retryable internal one.
func Normalize(err error) *StandardError {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}

	for k, v := range e.ErrorVariables {
		vars[k] = v
	}

	return vars
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Database query execution error",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryTimeoutError creates a retryable query timeout error.
func NewQueryTimeoutError(operation string) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryTimeout,
		Message:   "Database query timeout",
		Details:   fmt.Sprintf("operation: %s", operation),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewApplicationNotFoundError creates a non-retryable lookup error.
func NewApplicationNotFoundError(applicationID int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeApplicationNotFound,
		Message:   "Application not found",
		Details:   fmt.Sprintf("applicationId: %d", applicationID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewReviewNotFoundError creates a non-retryable lookup error.
func NewReviewNotFoundError(reviewID int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeReviewNotFound,
		Message:   "Review not found",
		Details:   fmt.Sprintf("reviewId: %d", reviewID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssignmentNotFoundError creates a non-retryable lookup error.
func NewAssignmentNotFoundError(reviewAssignmentID int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeAssignmentNotFound,
		Message:   "Review assignment not found",
		Details:   fmt.Sprintf("reviewAssignmentId: %d", reviewAssignmentID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssignmentUpsertFailedError creates a retryable write error.
func NewAssignmentUpsertFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeAssignmentUpsertFailed,
		Message:   "Review assignment upsert failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssignmentDeleteFailedError creates a retryable write error.
func NewAssignmentDeleteFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeAssignmentDeleteFailed,
		Message:   "Review assignment delete failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssignerJoinFailedError creates a retryable write error.
func NewAssignerJoinFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeAssignerJoinFailed,
		Message:   "Assigner join upsert failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStatusHistoryAppendFailedError creates a retryable write error.
func NewStatusHistoryAppendFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStatusHistoryAppendFailed,
		Message:   "Review status history append failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidTriggerInputError creates a non-retryable validation error.
func NewInvalidTriggerInputError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTriggerInput,
		Message:   "Trigger input validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// GetRetryCount returns the recommended retry count per error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeAssignmentUpsertFailed,
		ErrCodeAssignmentDeleteFailed,
		ErrCodeAssignerJoinFailed,
		ErrCodeStatusHistoryAppendFailed:
		return 3

	case ErrCodeQueryTimeout:
		return 2

	default:
		return 0
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}
