package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/tiller/pkg/models"
	"github.com/codeready-toolchain/tiller/pkg/services"
)

// errorBody is the wire envelope for every non-2xx response.
type errorBody struct {
	Code    services.ErrorCode `json:"code"`
	Message string             `json:"message"`
	Details map[string]string  `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// respondError maps a service error to its HTTP status and envelope.
// Internal errors are logged server-side and returned opaque.
func respondError(c *gin.Context, err error) {
	code := services.CodeOf(err)
	status := code.HTTPStatus()

	body := errorBody{Code: code, Message: err.Error()}

	var se *services.Error
	if errors.As(err, &se) {
		body.Message = se.Message
	}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		body.Details = map[string]string{"field": ve.Field}
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "code", code, "error", err)
		body.Message = "internal server error"
		body.Details = nil
	}

	c.AbortWithStatusJSON(status, errorEnvelope{Error: body})
}

// respondInvalid reports a request-binding failure.
func respondInvalid(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{Error: errorBody{
		Code:    services.CodeInvalidRequest,
		Message: err.Error(),
	}})
}
