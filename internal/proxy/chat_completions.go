package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/kiro"
	"kiro2chat/internal/models"
	"kiro2chat/internal/utils"
)

const (
	// toolArgumentChunkSize is how many characters of tool arguments go into
	// each streamed delta.
	toolArgumentChunkSize = 40

	// continuationTailChars is how much accumulated text is replayed as
	// assistant context when asking the backend to continue a cut-off reply.
	continuationTailChars = 4000

	finishReasonStop      = "stop"
	finishReasonLength    = "length"
	finishReasonToolCalls = "tool_calls"
)

// continuationInstruction asks the backend to resume a truncated reply
// without restating anything.
const continuationInstruction = "Your previous output was cut off mid-stream. " +
	"Continue EXACTLY from the last character. Do not repeat anything. " +
	"Do not add commentary. Just continue the code/text output until it is complete."

// newChatID generates an OpenAI-style completion identifier.
func newChatID() string {
	return "chatcmpl-" + uuidHex24()
}

// uuidHex24 returns 24 hex characters of a fresh UUID.
func uuidHex24() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// openaiErrorType maps an HTTP status onto the OpenAI error taxonomy.
func openaiErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return "upstream_error"
	default:
		return "api_error"
	}
}

// respondOpenAIError writes an error in the OpenAI wire shape.
func respondOpenAIError(c *gin.Context, apiErr *app_errors.APIError) {
	c.JSON(apiErr.HTTPStatus, openaiError{Error: openaiErrorDetail{
		Message: apiErr.Message,
		Type:    openaiErrorType(apiErr.HTTPStatus),
		Code:    apiErr.Code,
	}})
}

// HandleChatCompletions serves POST /v1/chat/completions in both streaming
// and aggregated form.
func (ps *ProxyServer) HandleChatCompletions(c *gin.Context) {
	started := time.Now()

	rawBody, err := c.GetRawData()
	if err != nil {
		respondOpenAIError(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "failed to read request body"))
		return
	}

	var req chatCompletionRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		respondOpenAIError(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, "request body is not valid JSON"))
		return
	}
	if len(req.Messages) == 0 {
		respondOpenAIError(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "messages is required"))
		return
	}

	// tool_choice "none" means the tools are present but must not be used.
	tools := req.Tools
	if string(req.ToolChoice) == `"none"` {
		tools = nil
	}

	backendModel, err := ps.resolveModel(req.Model)
	if err != nil {
		respondOpenAIError(c, err.(*app_errors.APIError))
		return
	}

	logrus.WithFields(logrus.Fields{
		"model":    req.Model,
		"backend":  backendModel,
		"messages": len(req.Messages),
		"tools":    len(tools),
		"stream":   req.Stream,
	}).Info("chat completion request")

	entry := ps.requestLogEntry(c, models.SurfaceOpenAI, req.Model, backendModel, req.Stream)
	entry.RequestBody = string(rawBody)
	entry.PromptTokens = estimateMessagesTokens(req.Messages)

	upstream := kiro.BuildRequest(kiro.BuildOptions{
		Messages:   req.Messages,
		Tools:      tools,
		ModelID:    backendModel,
		ProfileArn: ps.tokenManager.ProfileArn(),
	})

	stream, genErr := ps.client.Generate(c.Request.Context(), upstream)
	if genErr != nil {
		apiErr := asAPIError(genErr)
		ps.recordLog(entry, started, apiErr.HTTPStatus, apiErr.Message)
		respondOpenAIError(c, apiErr)
		return
	}
	defer stream.Close()

	if req.Stream {
		includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
		ps.streamChatCompletion(c, stream, &req, entry, started, includeUsage)
		return
	}
	ps.completeChatCompletion(c, stream, &req, entry, started)
}

// asAPIError normalizes any error into an APIError for wire rendering.
func asAPIError(err error) *app_errors.APIError {
	if apiErr, ok := err.(*app_errors.APIError); ok {
		return apiErr
	}
	return app_errors.NewAPIError(app_errors.ErrBadGateway, err.Error())
}

// openaiStreamEmitter renders upstream events as chat.completion.chunk SSE
// frames.
type openaiStreamEmitter struct {
	ps      *ProxyServer
	writer  *sseWriter
	chatID  string
	created int64
	model   string

	textBuf       strings.Builder
	toolCallIndex int
	toolNames     []string
	errorMessages []string
}

func (e *openaiStreamEmitter) OnText(content string) {
	sanitized := e.ps.sanitizer.Sanitize(content, true)
	if sanitized == "" {
		return
	}
	e.textBuf.WriteString(sanitized)
	e.writeChunk(chunkDelta{Content: sanitized}, nil, nil)
}

func (e *openaiStreamEmitter) OnToolCall(call FinalToolCall) {
	id := call.ID
	if id == "" {
		id = "call_" + uuidHex24()
	}

	e.writeChunk(chunkDelta{ToolCalls: []toolCallDelta{{
		Index:    e.toolCallIndex,
		ID:       id,
		Type:     "function",
		Function: &functionCallDelta{Name: call.Name},
	}}}, nil, nil)

	for _, piece := range utils.ChunkString(call.Arguments, toolArgumentChunkSize) {
		e.writeChunk(chunkDelta{ToolCalls: []toolCallDelta{{
			Index:    e.toolCallIndex,
			Function: &functionCallDelta{Arguments: piece},
		}}}, nil, nil)
	}
	e.toolCallIndex++
	e.toolNames = append(e.toolNames, call.Name)
}

func (e *openaiStreamEmitter) OnException(message string) {
	e.errorMessages = append(e.errorMessages, message)
	reason := finishReasonStop
	e.writeChunk(chunkDelta{Content: "\n\n[Error: " + message + "]"}, &reason, nil)
}

// writeChunk emits one SSE data frame.
func (e *openaiStreamEmitter) writeChunk(delta chunkDelta, finishReason *string, usage *usagePayload) {
	e.writer.WriteJSON(chatCompletionChunk{
		ID:      e.chatID,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		Usage:   usage,
	})
}

// streamChatCompletion drives the SSE response, including the bounded
// auto-continuation when the backend runs out of context mid-reply.
func (ps *ProxyServer) streamChatCompletion(
	c *gin.Context,
	stream *kiro.EventStream,
	req *chatCompletionRequest,
	entry *models.RequestLog,
	started time.Time,
	includeUsage bool,
) {
	writer := newSSEWriter(c)
	emitter := &openaiStreamEmitter{
		ps:      ps,
		writer:  writer,
		chatID:  newChatID(),
		created: started.Unix(),
		model:   req.Model,
	}

	// Role chunk first, per the chunk protocol.
	emitter.writeChunk(chunkDelta{Role: "assistant"}, nil, nil)

	result := collectStream(stream, emitter)

	// Auto-continue a truncated text reply. Tool-call replies are never
	// continued: the client is expected to come back with tool results.
	continuations := 0
	rounds := ps.continuationRounds()
	for result.Truncated && emitter.toolCallIndex == 0 && continuations < rounds {
		continuations++
		logrus.WithFields(logrus.Fields{
			"round":       continuations,
			"max":         rounds,
			"accumulated": emitter.textBuf.Len(),
		}).Info("Auto-continuing truncated response")

		contStream, err := ps.client.Generate(c.Request.Context(),
			ps.buildContinuationRequest(req.Messages, emitter.textBuf.String(), entry.BackendModel))
		if err != nil {
			emitter.OnException("continuation failed: " + asAPIError(err).Message)
			break
		}
		result = collectStream(contStream, emitter)
		contStream.Close()
	}

	finishReason := finishReasonStop
	switch {
	case emitter.toolCallIndex > 0:
		finishReason = finishReasonToolCalls
	case result.Truncated:
		finishReason = finishReasonLength
	}
	emitter.writeChunk(chunkDelta{}, &finishReason, nil)

	outputTokens := utils.EstimateTokens(emitter.textBuf.String())
	if includeUsage {
		emitter.writeChunk(chunkDelta{}, nil, &usagePayload{
			PromptTokens:     entry.PromptTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      entry.PromptTokens + outputTokens,
		})
	}
	writer.WriteDone()

	if continuations > 0 {
		c.Set("continuations", continuations)
	}

	entry.OutputTokens = outputTokens
	entry.Continuations = continuations
	entry.FinishReason = finishReason
	entry.ToolCalls = toolCallLog(emitter.toolNames)
	entry.ResponseBody = emitter.textBuf.String()
	ps.recordLog(entry, started, http.StatusOK, strings.Join(emitter.errorMessages, "; "))
}

// buildContinuationRequest re-asks the backend with the original system
// prompt, the first user message, and the tail of the accumulated reply.
// Tools are withheld so the continuation stays pure text.
func (ps *ProxyServer) buildContinuationRequest(original []kiro.Message, accumulated, backendModel string) *kiro.Request {
	var cont []kiro.Message
	for _, msg := range original {
		if msg.Role == "system" || msg.Role == "developer" {
			cont = append(cont, msg)
		}
	}

	firstUser := ""
	for _, msg := range original {
		if msg.Role == "user" {
			firstUser = kiro.ExtractText(msg.Content)
			break
		}
	}

	tail := accumulated
	if runes := []rune(tail); len(runes) > continuationTailChars {
		tail = string(runes[len(runes)-continuationTailChars:])
	}

	cont = append(cont,
		textMessage("user", firstUser),
		textMessage("assistant", tail),
		textMessage("user", continuationInstruction),
	)

	return kiro.BuildRequest(kiro.BuildOptions{
		Messages:   cont,
		ModelID:    backendModel,
		ProfileArn: ps.tokenManager.ProfileArn(),
	})
}

// textMessage builds a plain-text message for the given role.
func textMessage(role, text string) kiro.Message {
	quoted, _ := json.Marshal(text)
	return kiro.Message{Role: role, Content: quoted}
}

// completionAggregator collects the whole reply for a non-streaming
// response.
type completionAggregator struct {
	textParts []string
	toolCalls []assistantToolCall
	errorMsg  string
}

func (a *completionAggregator) OnText(content string) {
	a.textParts = append(a.textParts, content)
}

func (a *completionAggregator) OnToolCall(call FinalToolCall) {
	id := call.ID
	if id == "" {
		id = "call_" + uuidHex24()
	}
	a.toolCalls = append(a.toolCalls, assistantToolCall{
		Index:    len(a.toolCalls),
		ID:       id,
		Type:     "function",
		Function: functionPayload{Name: call.Name, Arguments: call.Arguments},
	})
}

func (a *completionAggregator) OnException(message string) {
	if a.errorMsg == "" {
		a.errorMsg = message
	}
}

// completeChatCompletion aggregates the upstream stream into a single
// chat.completion response.
func (ps *ProxyServer) completeChatCompletion(
	c *gin.Context,
	stream *kiro.EventStream,
	req *chatCompletionRequest,
	entry *models.RequestLog,
	started time.Time,
) {
	aggregator := &completionAggregator{}
	result := collectStream(stream, aggregator)

	if aggregator.errorMsg != "" {
		apiErr := app_errors.NewAPIErrorWithUpstream(http.StatusBadGateway, "UPSTREAM_ERROR", aggregator.errorMsg)
		ps.recordLog(entry, started, apiErr.HTTPStatus, apiErr.Message)
		respondOpenAIError(c, apiErr)
		return
	}

	fullText := ps.sanitizer.Sanitize(strings.Join(aggregator.textParts, ""), false)

	finishReason := finishReasonStop
	switch {
	case len(aggregator.toolCalls) > 0:
		finishReason = finishReasonToolCalls
	case result.Truncated:
		finishReason = finishReasonLength
	}

	message := assistantMessage{Role: "assistant", ToolCalls: aggregator.toolCalls}
	if fullText != "" {
		message.Content = &fullText
	}

	outputTokens := utils.EstimateTokens(fullText)
	for _, call := range aggregator.toolCalls {
		outputTokens += utils.EstimateTokens(call.Function.Name) + utils.EstimateTokens(call.Function.Arguments)
	}

	resp := chatCompletion{
		ID:      newChatID(),
		Object:  "chat.completion",
		Created: started.Unix(),
		Model:   req.Model,
		Choices: []completionChoice{{Index: 0, Message: message, FinishReason: finishReason}},
		Usage: usagePayload{
			PromptTokens:     entry.PromptTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      entry.PromptTokens + outputTokens,
		},
	}

	toolNames := make([]string, 0, len(aggregator.toolCalls))
	for _, call := range aggregator.toolCalls {
		toolNames = append(toolNames, call.Function.Name)
	}

	entry.OutputTokens = outputTokens
	entry.FinishReason = finishReason
	entry.ToolCalls = toolCallLog(toolNames)
	if body, err := json.Marshal(resp); err == nil {
		entry.ResponseBody = string(body)
	}
	ps.recordLog(entry, started, http.StatusOK, "")

	c.JSON(http.StatusOK, resp)
}
