package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/migration"
	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/publish"
	"github.com/codeready-toolchain/tiller/pkg/store"
)

// ErrorCode classifies service failures for API consumers. Not-found
// codes are per-entity so a client can tell a missing agent from a
// missing session without parsing messages.
type ErrorCode string

const (
	CodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	CodeTenantNotFound       ErrorCode = "TENANT_NOT_FOUND"
	CodeSessionBusy          ErrorCode = "SESSION_BUSY"
	CodeRuleViolation        ErrorCode = "RULE_VIOLATION"
	CodeToolFailed           ErrorCode = "TOOL_FAILED"
	CodeRateLimitExceeded    ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeLLMError             ErrorCode = "LLM_ERROR"
	CodePublishInProgress    ErrorCode = "PUBLISH_IN_PROGRESS"
	CodePublishFailed        ErrorCode = "PUBLISH_FAILED"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeTurnDeadlineExceeded ErrorCode = "TURN_DEADLINE_EXCEEDED"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
)

// notFoundCode derives the per-entity not-found code, e.g.
// "agent" -> AGENT_NOT_FOUND, "tool activation" -> TOOL_ACTIVATION_NOT_FOUND.
func notFoundCode(entity string) ErrorCode {
	return ErrorCode(strings.ToUpper(strings.ReplaceAll(entity, " ", "_")) + "_NOT_FOUND")
}

// Error is the service-layer error envelope.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a service error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code, defaulting to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternalError
}

// HTTPStatus maps a code to its transport status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest, CodeRuleViolation:
		return http.StatusBadRequest
	case CodeSessionBusy, CodePublishInProgress, CodeInvalidTransition:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeLLMError, CodeToolFailed:
		return http.StatusBadGateway
	case CodeTurnDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeInternalError, CodePublishFailed:
		return http.StatusInternalServerError
	}
	if strings.HasSuffix(string(c), "_NOT_FOUND") {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// wrapStoreErr translates persistence sentinels into service errors.
// Cross-tenant reads are reported as not-found so the API never
// confirms another tenant's ids exist.
func wrapStoreErr(err error, entity, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrTenantMismatch):
		return &Error{Code: notFoundCode(entity), Message: fmt.Sprintf("%s %s not found", entity, id), Err: err}
	case errors.Is(err, store.ErrAlreadyExists):
		return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("%s %s already exists", entity, id), Err: err}
	case errors.Is(err, store.ErrSessionBusy):
		return &Error{Code: CodeSessionBusy, Message: "another turn is processing for this session", Err: err}
	default:
		return &Error{Code: CodeInternalError, Message: fmt.Sprintf("%s operation failed", entity), Err: err}
	}
}

// wrapValidationErr surfaces model validation failures as
// INVALID_REQUEST, passing everything else through untouched.
func wrapValidationErr(err error) error {
	if err == nil {
		return nil
	}
	if models.IsValidationError(err) {
		return &Error{Code: CodeInvalidRequest, Message: err.Error(), Err: err}
	}
	return err
}

// wrapTurnErr translates pipeline failures. The engine surfaces
// store sentinels and provider errors unwrapped, so errors.Is works
// across its fmt.Errorf chains.
func wrapTurnErr(err error, hadSessionID bool) error {
	switch {
	case err == nil:
		return nil
	case models.IsValidationError(err):
		return wrapValidationErr(err)
	case errors.Is(err, store.ErrSessionBusy):
		return &Error{Code: CodeSessionBusy, Message: "another turn is processing for this session", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTurnDeadlineExceeded, Message: "turn deadline exceeded", Err: err}
	case errors.Is(err, llm.ErrUnavailable):
		return &Error{Code: CodeLLMError, Message: "language model provider unavailable", Err: err}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrTenantMismatch):
		if hadSessionID {
			return &Error{Code: notFoundCode("session"), Message: "session not found", Err: err}
		}
		return &Error{Code: notFoundCode("agent"), Message: "agent not found", Err: err}
	default:
		return &Error{Code: CodeInternalError, Message: "turn processing failed", Err: err}
	}
}

// wrapPlanErr translates migration engine failures.
func wrapPlanErr(err error, planID string) error {
	switch {
	case err == nil:
		return nil
	case models.IsValidationError(err):
		return wrapValidationErr(err)
	case errors.Is(err, migration.ErrInvalidPlanTransition):
		return &Error{Code: CodeInvalidTransition, Message: err.Error(), Err: err}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrTenantMismatch):
		return &Error{Code: notFoundCode("migration plan"), Message: fmt.Sprintf("migration plan %s not found", planID), Err: err}
	default:
		return &Error{Code: CodeInternalError, Message: "migration plan operation failed", Err: err}
	}
}

// wrapPublishErr translates publish pipeline failures.
func wrapPublishErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, publish.ErrPublishInProgress):
		return &Error{Code: CodePublishInProgress, Message: "a publish is already running for this agent", Err: err}
	case errors.Is(err, publish.ErrJobNotFound):
		return &Error{Code: notFoundCode("publish job"), Message: "publish job not found", Err: err}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrTenantMismatch):
		return &Error{Code: notFoundCode("agent"), Message: "agent not found", Err: err}
	default:
		return &Error{Code: CodePublishFailed, Message: "publish failed", Err: err}
	}
}

// requireIDs rejects blank identifiers before any store round trip.
func requireIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return NewError(CodeInvalidRequest, "%s is required", pairs[i])
		}
	}
	return nil
}
