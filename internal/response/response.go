// Package response provides the JSON envelope for the management API. The
// proxy surfaces emit vendor wire formats directly and never use it.
package response

import (
	"net/http"

	app_errors "kiro2chat/internal/errors"

	"github.com/gin-gonic/gin"
)

// SuccessResponse is the envelope for successful management responses.
type SuccessResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ErrorResponse is the envelope for failed management responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data wrapped in the success envelope.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    0,
		Message: "Success",
		Data:    data,
	})
}

// Error writes an APIError with its HTTP status.
func Error(c *gin.Context, apiErr *app_errors.APIError) {
	c.JSON(apiErr.HTTPStatus, ErrorResponse{
		Code:    apiErr.Code,
		Message: apiErr.Message,
	})
}
