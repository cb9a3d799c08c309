package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/kiro"
	"kiro2chat/internal/models"
	"kiro2chat/internal/utils"
)

// CompletionResult is the aggregated outcome of an in-process completion.
type CompletionResult struct {
	Text      string
	ToolCalls []FinalToolCall
	Truncated bool
}

// resultSink buffers a whole stream for callers that want the final
// reply rather than incremental chunks.
type resultSink struct {
	textParts []string
	toolCalls []FinalToolCall
	errorMsg  string
}

func (s *resultSink) OnText(content string) {
	s.textParts = append(s.textParts, content)
}

func (s *resultSink) OnToolCall(call FinalToolCall) {
	s.toolCalls = append(s.toolCalls, call)
}

func (s *resultSink) OnException(message string) {
	if s.errorMsg == "" {
		s.errorMsg = message
	}
}

// Complete runs one conversation against the backend and returns the
// aggregated reply. It is the in-process counterpart of a non-streaming
// chat completion, used by the Telegram bot, and applies the same bounded
// auto-continuation as the streaming surface so long replies survive
// backend truncation.
func (ps *ProxyServer) Complete(ctx context.Context, modelAlias string, messages []kiro.Message) (*CompletionResult, error) {
	if len(messages) == 0 {
		return nil, app_errors.NewAPIError(app_errors.ErrBadRequest, "messages is required")
	}

	backendModel, err := ps.resolveModel(modelAlias)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	entry := &models.RequestLog{
		Surface:      models.SurfaceTelegram,
		Model:        modelAlias,
		BackendModel: backendModel,
		RequestPath:  "telegram",
		PromptTokens: estimateMessagesTokens(messages),
	}
	if body, err := json.Marshal(messages); err == nil {
		entry.RequestBody = string(body)
	}

	stream, err := ps.client.Generate(ctx, kiro.BuildRequest(kiro.BuildOptions{
		Messages:   messages,
		ModelID:    backendModel,
		ProfileArn: ps.tokenManager.ProfileArn(),
	}))
	if err != nil {
		apiErr := asAPIError(err)
		ps.recordLog(entry, started, apiErr.HTTPStatus, apiErr.Message)
		return nil, apiErr
	}
	defer stream.Close()

	sink := &resultSink{}
	result := collectStream(stream, sink)

	if sink.errorMsg != "" {
		apiErr := app_errors.NewAPIErrorWithUpstream(http.StatusBadGateway, "UPSTREAM_ERROR", sink.errorMsg)
		ps.recordLog(entry, started, apiErr.HTTPStatus, apiErr.Message)
		return nil, apiErr
	}

	continuations := 0
	rounds := ps.continuationRounds()
	for result.Truncated && len(sink.toolCalls) == 0 && continuations < rounds {
		continuations++
		logrus.WithFields(logrus.Fields{
			"round": continuations,
			"max":   rounds,
		}).Info("Auto-continuing truncated response")

		contStream, err := ps.client.Generate(ctx,
			ps.buildContinuationRequest(messages, strings.Join(sink.textParts, ""), backendModel))
		if err != nil {
			sink.errorMsg = "continuation failed: " + asAPIError(err).Message
			break
		}
		result = collectStream(contStream, sink)
		contStream.Close()
		if sink.errorMsg != "" {
			break
		}
	}

	text := ps.sanitizer.Sanitize(strings.Join(sink.textParts, ""), false)

	finishReason := finishReasonStop
	switch {
	case len(sink.toolCalls) > 0:
		finishReason = finishReasonToolCalls
	case result.Truncated:
		finishReason = finishReasonLength
	}

	outputTokens := utils.EstimateTokens(text)
	for _, call := range sink.toolCalls {
		outputTokens += utils.EstimateTokens(call.Name) + utils.EstimateTokens(call.Arguments)
	}

	toolNames := make([]string, 0, len(sink.toolCalls))
	for _, call := range sink.toolCalls {
		toolNames = append(toolNames, call.Name)
	}

	entry.OutputTokens = outputTokens
	entry.Continuations = continuations
	entry.FinishReason = finishReason
	entry.ToolCalls = toolCallLog(toolNames)
	entry.ResponseBody = text
	ps.recordLog(entry, started, http.StatusOK, sink.errorMsg)

	return &CompletionResult{
		Text:      text,
		ToolCalls: sink.toolCalls,
		Truncated: result.Truncated,
	}, nil
}
