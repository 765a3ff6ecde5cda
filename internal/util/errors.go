package util

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMistakeNotFound   = errors.New("mistake not found")
	ErrSessionNotFound   = errors.New("review session not found")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrPlanNotFound      = errors.New("revision plan not found")
	ErrQuestionNotFound  = errors.New("question not found")
	ErrSessionCompleted  = errors.New("review session already finished")
	ErrDuplicateRequest  = errors.New("duplicate request in progress")
	ErrStaleWrite        = errors.New("row was modified concurrently")
	ErrAIUnavailable     = errors.New("AI service unavailable")
	ErrAITimeout         = errors.New("AI request timed out")
	ErrAISchema          = errors.New("AI returned malformed structured output")
	ErrNoKnowledgePoints = errors.New("no knowledge points could be resolved")
)

// 错误码
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeDuplicate       = "DUPLICATE_SESSION"
	CodeAITimeout       = "AI_TIMEOUT"
	CodeAISchema        = "AI_SCHEMA"
	CodeAIUnavailable   = "AI_UNAVAILABLE"
	CodeKPNormalization = "KP_NORMALIZATION_FAILED"
	CodeInternal        = "INTERNAL_ERROR"
)

// AppError 带 HTTP 状态与错误码的业务错误
type AppError struct {
	Code    string
	Message string
	Detail  interface{}
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func NewValidationError(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, Status: http.StatusBadRequest}
}

func NewConflictError(code, message string, detail interface{}) *AppError {
	return &AppError{Code: code, Message: message, Detail: detail, Status: http.StatusConflict}
}

// ToAppError 把服务层错误映射为响应用的 AppError
func ToAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, ErrMistakeNotFound), errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSnapshotNotFound), errors.Is(err, ErrPlanNotFound),
		errors.Is(err, ErrQuestionNotFound):
		// 归属错误同样返回 404，避免泄露资源是否存在
		return &AppError{Code: CodeNotFound, Message: "resource not found", Status: http.StatusNotFound, Err: err}
	case errors.Is(err, ErrSessionCompleted):
		return &AppError{Code: CodeConflict, Message: err.Error(), Status: http.StatusConflict, Err: err}
	case errors.Is(err, ErrDuplicateRequest):
		return &AppError{Code: CodeDuplicate, Message: err.Error(), Status: http.StatusConflict, Err: err}
	case errors.Is(err, ErrStaleWrite):
		return &AppError{Code: CodeConflict, Message: "concurrent update, please retry", Status: http.StatusConflict, Err: err}
	case errors.Is(err, ErrAITimeout):
		return &AppError{Code: CodeAITimeout, Message: "AI request timed out", Status: http.StatusServiceUnavailable, Err: err}
	case errors.Is(err, ErrAISchema):
		return &AppError{Code: CodeAISchema, Message: "AI returned malformed output", Status: http.StatusUnprocessableEntity, Err: err}
	case errors.Is(err, ErrAIUnavailable):
		return &AppError{Code: CodeAIUnavailable, Message: "AI service unavailable", Status: http.StatusServiceUnavailable, Err: err}
	case errors.Is(err, ErrNoKnowledgePoints):
		return &AppError{Code: CodeKPNormalization, Message: err.Error(), Status: http.StatusUnprocessableEntity, Err: err}
	}

	return &AppError{Code: CodeInternal, Message: "internal server error", Status: http.StatusInternalServerError, Err: err}
}
