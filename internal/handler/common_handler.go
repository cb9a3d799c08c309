package handler

import (
	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/response"
	"kiro2chat/internal/utils"

	"github.com/gin-gonic/gin"
)

// CommonHandler handles common, non-grouped requests.
type CommonHandler struct{}

// NewCommonHandler creates a new CommonHandler.
func NewCommonHandler() *CommonHandler {
	return &CommonHandler{}
}

// SurfaceInfo describes one client-facing API surface.
type SurfaceInfo struct {
	Name      string   `json:"name"`
	Endpoints []string `json:"endpoints"`
	Streaming bool     `json:"streaming"`
}

// GetSurfaces returns the API surfaces the gateway exposes.
func (h *CommonHandler) GetSurfaces(c *gin.Context) {
	surfaces := []SurfaceInfo{
		{
			Name:      "openai",
			Endpoints: []string{"/v1/chat/completions", "/v1/models"},
			Streaming: true,
		},
		{
			Name:      "anthropic",
			Endpoints: []string{"/v1/messages", "/v1/messages/count_tokens"},
			Streaming: true,
		},
	}
	response.Success(c, surfaces)
}

// EstimateTokensRequest defines the request payload for token estimation.
type EstimateTokensRequest struct {
	Texts []string `json:"texts" binding:"required"`
}

// EstimateTokensResponse defines the response for token estimation.
type EstimateTokensResponse struct {
	// Counts holds one estimate per input text, in order.
	Counts []int `json:"counts"`
	Total  int   `json:"total"`
}

// EstimateTokens applies the gateway's token estimator to a batch of texts.
// POST /api/tokens/estimate
func (h *CommonHandler) EstimateTokens(c *gin.Context) {
	var req EstimateTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, err.Error()))
		return
	}

	counts := make([]int, len(req.Texts))
	total := 0
	for i, text := range req.Texts {
		counts[i] = utils.EstimateTokens(text)
		total += counts[i]
	}

	response.Success(c, EstimateTokensResponse{Counts: counts, Total: total})
}
