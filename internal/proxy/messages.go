package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/kiro"
	"kiro2chat/internal/models"
	"kiro2chat/internal/utils"
)

const (
	stopReasonEndTurn = "end_turn"
	stopReasonToolUse = "tool_use"
)

// newMessageID generates an Anthropic-style message identifier.
func newMessageID() string {
	return "msg_" + uuidHex24()
}

// anthropicErrorType maps an HTTP status onto the messages-surface error
// taxonomy.
func anthropicErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// respondAnthropicError writes an error in the messages-surface wire shape.
func respondAnthropicError(c *gin.Context, apiErr *app_errors.APIError) {
	c.JSON(apiErr.HTTPStatus, anthropicError{
		Type: "error",
		Error: anthropicErrorDetail{
			Type:    anthropicErrorType(apiErr.HTTPStatus),
			Message: apiErr.Message,
		},
	})
}

// HandleMessages serves POST /v1/messages in both streaming and aggregated
// form.
func (ps *ProxyServer) HandleMessages(c *gin.Context) {
	started := time.Now()

	rawBody, err := c.GetRawData()
	if err != nil {
		respondAnthropicError(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "failed to read request body"))
		return
	}

	var req anthropicMessagesRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		respondAnthropicError(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, "request body is not valid JSON"))
		return
	}

	messages := convertAnthropicMessages(req.Messages, req.System)
	if len(messages) == 0 {
		respondAnthropicError(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "messages is required"))
		return
	}

	var tools []kiro.Tool
	if len(req.Tools) > 0 && !isToolChoiceNone(req.ToolChoice) {
		tools = convertAnthropicTools(req.Tools)
	}

	backendModel, err := ps.resolveModel(req.Model)
	if err != nil {
		respondAnthropicError(c, err.(*app_errors.APIError))
		return
	}

	logrus.WithFields(logrus.Fields{
		"model":    req.Model,
		"backend":  backendModel,
		"messages": len(messages),
		"tools":    len(tools),
		"stream":   req.Stream,
	}).Info("anthropic messages request")

	entry := ps.requestLogEntry(c, models.SurfaceAnthropic, req.Model, backendModel, req.Stream)
	entry.RequestBody = string(rawBody)
	entry.PromptTokens = estimateMessagesTokens(messages)

	upstream := kiro.BuildRequest(kiro.BuildOptions{
		Messages:   messages,
		Tools:      tools,
		ModelID:    backendModel,
		ProfileArn: ps.tokenManager.ProfileArn(),
	})

	stream, genErr := ps.client.Generate(c.Request.Context(), upstream)
	if genErr != nil {
		apiErr := asAPIError(genErr)
		ps.recordLog(entry, started, apiErr.HTTPStatus, apiErr.Message)
		respondAnthropicError(c, apiErr)
		return
	}
	defer stream.Close()

	if req.Stream {
		ps.streamMessages(c, stream, &req, entry, started)
		return
	}
	ps.completeMessages(c, stream, &req, entry, started)
}

// anthropicStreamEmitter renders upstream events as messages-API SSE
// frames: lazily opened text blocks, self-contained tool_use blocks, and
// monotonically increasing block indices.
type anthropicStreamEmitter struct {
	ps     *ProxyServer
	writer *sseWriter

	blockIndex int
	textOpen   bool
	textBuf    strings.Builder
	toolBlocks int
	toolNames  []string
	errored    bool
}

func (e *anthropicStreamEmitter) OnText(content string) {
	if e.errored {
		return
	}
	sanitized := e.ps.sanitizer.Sanitize(content, true)
	if sanitized == "" {
		return
	}

	if !e.textOpen {
		empty := ""
		e.writeBlockEvent("content_block_start", e.blockIndex, &anthropicContentBlock{Type: "text", Text: &empty}, nil)
		e.textOpen = true
	}

	e.textBuf.WriteString(sanitized)
	e.writeBlockEvent("content_block_delta", e.blockIndex, nil, &anthropicStreamDelta{Type: "text_delta", Text: sanitized})
}

func (e *anthropicStreamEmitter) OnToolCall(call FinalToolCall) {
	if e.errored {
		return
	}
	e.closeTextBlock()

	id := call.ID
	if id == "" {
		id = "toolu_" + uuidHex24()
	}

	e.writeBlockEvent("content_block_start", e.blockIndex, &anthropicContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  call.Name,
		Input: json.RawMessage(`{}`),
	}, nil)
	e.writeBlockEvent("content_block_delta", e.blockIndex, nil, &anthropicStreamDelta{Type: "input_json_delta", PartialJSON: call.Arguments})
	e.writeBlockEvent("content_block_stop", e.blockIndex, nil, nil)

	e.toolBlocks++
	e.toolNames = append(e.toolNames, call.Name)
	e.blockIndex++
}

func (e *anthropicStreamEmitter) OnException(message string) {
	if e.errored {
		return
	}
	e.errored = true
	e.writer.WriteEvent("error", anthropicError{
		Type:  "error",
		Error: anthropicErrorDetail{Type: "api_error", Message: message},
	})
}

// closeTextBlock ends the open text block, if any, and advances the index.
// A later text delta opens a fresh block.
func (e *anthropicStreamEmitter) closeTextBlock() {
	if !e.textOpen {
		return
	}
	e.writeBlockEvent("content_block_stop", e.blockIndex, nil, nil)
	e.blockIndex++
	e.textOpen = false
}

// finish closes the stream with message_delta and message_stop, unless an
// error frame already ended it.
func (e *anthropicStreamEmitter) finish() string {
	stopReason := stopReasonEndTurn
	if e.toolBlocks > 0 {
		stopReason = stopReasonToolUse
	}
	if e.errored {
		return stopReason
	}

	e.closeTextBlock()
	e.writer.WriteEvent("message_delta", anthropicMessageDeltaEvent{
		Type:  "message_delta",
		Delta: anthropicFinalDelta{StopReason: stopReason},
		Usage: anthropicDeltaUsage{OutputTokens: utils.EstimateTokens(e.textBuf.String())},
	})
	e.writer.WriteEvent("message_stop", anthropicStreamEvent{Type: "message_stop"})
	return stopReason
}

func (e *anthropicStreamEmitter) writeBlockEvent(eventType string, index int, block *anthropicContentBlock, delta *anthropicStreamDelta) {
	e.writer.WriteEvent(eventType, anthropicStreamEvent{
		Type:         eventType,
		Index:        &index,
		ContentBlock: block,
		Delta:        delta,
	})
}

// streamMessages drives the messages-API SSE response.
func (ps *ProxyServer) streamMessages(
	c *gin.Context,
	stream *kiro.EventStream,
	req *anthropicMessagesRequest,
	entry *models.RequestLog,
	started time.Time,
) {
	writer := newSSEWriter(c)

	msgID := newMessageID()
	writer.WriteEvent("message_start", anthropicStreamEvent{
		Type: "message_start",
		Message: &anthropicResponse{
			ID:      msgID,
			Type:    "message",
			Role:    "assistant",
			Model:   req.Model,
			Content: []anthropicContentBlock{},
			Usage:   anthropicUsage{InputTokens: entry.PromptTokens},
		},
	})

	emitter := &anthropicStreamEmitter{ps: ps, writer: writer}
	collectStream(stream, emitter)
	stopReason := emitter.finish()

	errMsg := ""
	if emitter.errored {
		errMsg = "upstream error ended stream"
	}
	entry.OutputTokens = utils.EstimateTokens(emitter.textBuf.String())
	entry.FinishReason = stopReason
	entry.ToolCalls = toolCallLog(emitter.toolNames)
	entry.ResponseBody = emitter.textBuf.String()
	ps.recordLog(entry, started, http.StatusOK, errMsg)
}

// messageAggregator collects the whole reply for a non-streaming messages
// response.
type messageAggregator struct {
	textParts  []string
	toolBlocks []anthropicContentBlock
	errorMsg   string
}

func (a *messageAggregator) OnText(content string) {
	a.textParts = append(a.textParts, content)
}

func (a *messageAggregator) OnToolCall(call FinalToolCall) {
	id := call.ID
	if id == "" {
		id = "toolu_" + uuidHex24()
	}
	a.toolBlocks = append(a.toolBlocks, anthropicContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  call.Name,
		Input: json.RawMessage(call.Arguments),
	})
}

func (a *messageAggregator) OnException(message string) {
	if a.errorMsg == "" {
		a.errorMsg = message
	}
}

// completeMessages aggregates the upstream stream into a single message
// response.
func (ps *ProxyServer) completeMessages(
	c *gin.Context,
	stream *kiro.EventStream,
	req *anthropicMessagesRequest,
	entry *models.RequestLog,
	started time.Time,
) {
	aggregator := &messageAggregator{}
	collectStream(stream, aggregator)

	if aggregator.errorMsg != "" {
		apiErr := app_errors.NewAPIErrorWithUpstream(http.StatusBadGateway, "UPSTREAM_ERROR", aggregator.errorMsg)
		ps.recordLog(entry, started, apiErr.HTTPStatus, apiErr.Message)
		respondAnthropicError(c, apiErr)
		return
	}

	fullText := ps.sanitizer.Sanitize(strings.Join(aggregator.textParts, ""), false)

	blocks := make([]anthropicContentBlock, 0, len(aggregator.toolBlocks)+1)
	if fullText != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: &fullText})
	}
	blocks = append(blocks, aggregator.toolBlocks...)

	stopReason := stopReasonEndTurn
	if len(aggregator.toolBlocks) > 0 {
		stopReason = stopReasonToolUse
	}

	outputTokens := utils.EstimateTokens(fullText)
	for _, block := range aggregator.toolBlocks {
		outputTokens += utils.EstimateTokens(block.Name) + utils.EstimateTokens(string(block.Input))
	}

	resp := anthropicResponse{
		ID:         newMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    blocks,
		StopReason: &stopReason,
		Usage: anthropicUsage{
			InputTokens:  entry.PromptTokens,
			OutputTokens: outputTokens,
		},
	}

	toolNames := make([]string, 0, len(aggregator.toolBlocks))
	for _, block := range aggregator.toolBlocks {
		toolNames = append(toolNames, block.Name)
	}

	entry.OutputTokens = outputTokens
	entry.FinishReason = stopReason
	entry.ToolCalls = toolCallLog(toolNames)
	if body, err := json.Marshal(resp); err == nil {
		entry.ResponseBody = string(body)
	}
	ps.recordLog(entry, started, http.StatusOK, "")

	c.JSON(http.StatusOK, resp)
}

// HandleCountTokens serves POST /v1/messages/count_tokens with the same
// heuristic the usage fields use.
func (ps *ProxyServer) HandleCountTokens(c *gin.Context) {
	var req anthropicMessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondAnthropicError(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, "request body is not valid JSON"))
		return
	}

	messages := convertAnthropicMessages(req.Messages, req.System)
	total := estimateMessagesTokens(messages) + estimateToolsTokens(req.Tools)
	if total < 1 {
		total = 1
	}

	c.JSON(http.StatusOK, countTokensResponse{InputTokens: total})
}

// HandleMessageBatches rejects the batch API, which has no upstream
// equivalent.
func (ps *ProxyServer) HandleMessageBatches(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, anthropicError{
		Type:  "error",
		Error: anthropicErrorDetail{Type: "not_supported", Message: "Batch API not supported"},
	})
}
