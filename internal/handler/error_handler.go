package handler

import (
	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HandleServiceError maps a service-layer error onto the management API
// envelope. It reports true when a response was written, so handlers can
// bail with `if HandleServiceError(c, err) { return }`.
func HandleServiceError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}

	if apiErr, ok := err.(*app_errors.APIError); ok {
		response.Error(c, apiErr)
		return true
	}

	if dbErr := app_errors.ParseDBError(err); dbErr != nil {
		response.Error(c, dbErr)
		return true
	}

	logrus.WithContext(c.Request.Context()).WithError(err).Error("unexpected service error")
	response.Error(c, app_errors.ErrInternalServer)
	return true
}
