package proxy

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiro2chat/internal/types"
)

func eventNames(frames []sseFrame) []string {
	names := make([]string, len(frames))
	for i, frame := range frames {
		names[i] = frame.event
	}
	return names
}

func decodeStreamEvent(t *testing.T, frame sseFrame) anthropicStreamEvent {
	t.Helper()
	var event anthropicStreamEvent
	require.NoError(t, json.Unmarshal([]byte(frame.data), &event))
	return event
}

func TestMessagesNonStreaming(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		textFrame("Hello, "),
		textFrame("world!"),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":1024,"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp anthropicResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, len(resp.ID) > 4 && resp.ID[:4] == "msg_", "id %q", resp.ID)
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, "assistant", resp.Role)
	assert.Equal(t, "m", resp.Model)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "text", resp.Content[0].Type)
	require.NotNil(t, resp.Content[0].Text)
	assert.Equal(t, "Hello, world!", *resp.Content[0].Text)
	require.NotNil(t, resp.StopReason)
	assert.Equal(t, stopReasonEndTurn, *resp.StopReason)
	assert.Greater(t, resp.Usage.InputTokens, 0)
	assert.Greater(t, resp.Usage.OutputTokens, 0)

	// stop_sequence must be present as an explicit null.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	v, present := raw["stop_sequence"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestMessagesNonStreamingToolUse(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		textFrame("Checking the weather."),
		toolUseFrame(`{"toolUseId":"t1","name":"get_weather","input":"{\"city\":\"Paris\"}"}`),
		toolUseFrame(`{"toolUseId":"t1","stop":true}`),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":1024,"messages":[{"role":"user","content":"weather in paris"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp anthropicResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.NotNil(t, resp.StopReason)
	assert.Equal(t, stopReasonToolUse, *resp.StopReason)
	require.Len(t, resp.Content, 2, "text block precedes the tool block")

	assert.Equal(t, "text", resp.Content[0].Type)
	require.NotNil(t, resp.Content[0].Text)
	assert.Equal(t, "Checking the weather.", *resp.Content[0].Text)

	tool := resp.Content[1]
	assert.Equal(t, "tool_use", tool.Type)
	assert.Equal(t, "t1", tool.ID)
	assert.Equal(t, "get_weather", tool.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(tool.Input))
}

func TestMessagesNonStreamingUpstreamException(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		exceptionFrame("Too many requests"),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":1024,"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusBadGateway, w.Code)
	var resp anthropicError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "api_error", resp.Error.Type)
	assert.Contains(t, resp.Error.Message, "Too many requests")
}

func TestMessagesStreaming(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		textFrame("Hello"),
		textFrame(" world"),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":1024,"stream":true,"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := parseSSE(w.Body.String())
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(frames))

	start := decodeStreamEvent(t, frames[0])
	require.NotNil(t, start.Message)
	assert.True(t, len(start.Message.ID) > 4 && start.Message.ID[:4] == "msg_")
	assert.Equal(t, "assistant", start.Message.Role)
	assert.Equal(t, "m", start.Message.Model)
	assert.Greater(t, start.Message.Usage.InputTokens, 0)

	// message_start carries an empty content array, not null.
	var rawStart map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &rawStart))
	content, present := rawStart["message"].(map[string]any)["content"]
	require.True(t, present)
	assert.NotNil(t, content)
	assert.Empty(t, content)

	blockStart := decodeStreamEvent(t, frames[1])
	require.NotNil(t, blockStart.Index)
	assert.Equal(t, 0, *blockStart.Index)
	require.NotNil(t, blockStart.ContentBlock)
	assert.Equal(t, "text", blockStart.ContentBlock.Type)
	require.NotNil(t, blockStart.ContentBlock.Text)
	assert.Equal(t, "", *blockStart.ContentBlock.Text)

	text := ""
	for _, frame := range frames[2:4] {
		event := decodeStreamEvent(t, frame)
		require.NotNil(t, event.Delta)
		assert.Equal(t, "text_delta", event.Delta.Type)
		text += event.Delta.Text
	}
	assert.Equal(t, "Hello world", text)

	var messageDelta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage struct {
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[5].data), &messageDelta))
	assert.Equal(t, stopReasonEndTurn, messageDelta.Delta.StopReason)
	assert.Greater(t, messageDelta.Usage.OutputTokens, 0)

	var rawDelta map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[5].data), &rawDelta))
	v, present := rawDelta["delta"].(map[string]any)["stop_sequence"]
	assert.True(t, present, "stop_sequence serialized as explicit null")
	assert.Nil(t, v)
}

func TestMessagesStreamingToolUse(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		toolUseFrame(`{"toolUseId":"t1","name":"get_weather","input":"{\"city\":\"Paris\"}"}`),
		toolUseFrame(`{"toolUseId":"t1","stop":true}`),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":1024,"stream":true,"messages":[{"role":"user","content":"weather"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	frames := parseSSE(w.Body.String())
	require.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(frames))

	blockStart := decodeStreamEvent(t, frames[1])
	require.NotNil(t, blockStart.Index)
	assert.Equal(t, 0, *blockStart.Index)
	require.NotNil(t, blockStart.ContentBlock)
	assert.Equal(t, "tool_use", blockStart.ContentBlock.Type)
	assert.Equal(t, "t1", blockStart.ContentBlock.ID)
	assert.Equal(t, "get_weather", blockStart.ContentBlock.Name)
	assert.JSONEq(t, `{}`, string(blockStart.ContentBlock.Input))

	delta := decodeStreamEvent(t, frames[2])
	require.NotNil(t, delta.Delta)
	assert.Equal(t, "input_json_delta", delta.Delta.Type)
	assert.JSONEq(t, `{"city":"Paris"}`, delta.Delta.PartialJSON)

	var messageDelta anthropicMessageDeltaEvent
	require.NoError(t, json.Unmarshal([]byte(frames[4].data), &messageDelta))
	assert.Equal(t, stopReasonToolUse, messageDelta.Delta.StopReason)
}

func TestMessagesStreamingTextAroundTool(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		textFrame("Let me check."),
		toolUseFrame(`{"toolUseId":"t1","name":"get_weather","input":"{}"}`),
		toolUseFrame(`{"toolUseId":"t1","stop":true}`),
		textFrame("Done."),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":1024,"stream":true,"messages":[{"role":"user","content":"weather"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	frames := parseSSE(w.Body.String())

	// Three blocks: text, tool_use, then a fresh text block.
	type blockInfo struct {
		index int
		typ   string
	}
	var starts []blockInfo
	for _, frame := range frames {
		if frame.event != "content_block_start" {
			continue
		}
		event := decodeStreamEvent(t, frame)
		require.NotNil(t, event.Index)
		require.NotNil(t, event.ContentBlock)
		starts = append(starts, blockInfo{index: *event.Index, typ: event.ContentBlock.Type})
	}
	assert.Equal(t, []blockInfo{
		{index: 0, typ: "text"},
		{index: 1, typ: "tool_use"},
		{index: 2, typ: "text"},
	}, starts)

	var messageDelta anthropicMessageDeltaEvent
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-2].data), &messageDelta))
	assert.Equal(t, stopReasonToolUse, messageDelta.Delta.StopReason)
	assert.Equal(t, "message_stop", frames[len(frames)-1].event)
}

func TestMessagesStreamingException(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{
		textFrame("partial"),
		exceptionFrame("Too many requests"),
	})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":1024,"stream":true,"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, w.Code, "errors after stream start stay in-band")
	frames := parseSSE(w.Body.String())
	require.NotEmpty(t, frames)

	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.event, "the error frame ends the stream")
	assert.NotContains(t, eventNames(frames), "message_stop")

	var errEvent anthropicError
	require.NoError(t, json.Unmarshal([]byte(last.data), &errEvent))
	assert.Equal(t, "error", errEvent.Type)
	assert.Equal(t, "api_error", errEvent.Error.Type)
	assert.Contains(t, errEvent.Error.Message, "Too many requests")
}

func TestMessagesInvalidJSON(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages", `{not json`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp anthropicError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "invalid_request_error", resp.Error.Type)
}

func TestMessagesMissingMessages(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages", `{"model":"m","max_tokens":1024}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp anthropicError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error.Message, "messages is required")
}

func TestMessagesSystemPrompt(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{textFrame("ok")})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages",
		`{"model":"m","max_tokens":1024,"system":"Answer tersely.","messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, backend.requestCount())
	assert.Contains(t, backend.requestBody(0), "Answer tersely.")
}

func TestHandleCountTokens(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	body := `{
		"model": "m",
		"system": "Answer tersely.",
		"messages": [
			{"role":"user","content":"hello there"},
			{"role":"assistant","content":"hi"},
			{"role":"user","content":"count my tokens please"}
		],
		"tools": [{"name":"get_weather","description":"d","input_schema":{"type":"object"}}]
	}`
	w := doJSON(newProxyRouter(ps), http.MethodPost, "/v1/messages/count_tokens", body)

	require.Equal(t, http.StatusOK, w.Code)
	var resp countTokensResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	var req anthropicMessagesRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	expected := estimateMessagesTokens(convertAnthropicMessages(req.Messages, req.System)) +
		estimateToolsTokens(req.Tools)
	assert.Equal(t, expected, resp.InputTokens)
	assert.Greater(t, resp.InputTokens, 0)
	assert.Equal(t, 0, backend.requestCount(), "counting never calls the backend")
}

func TestHandleMessageBatches(t *testing.T) {
	backend := newScriptedBackend(t, [][]byte{})
	ps := newTestProxyServer(t, backend.server.URL, types.ModelConfig{})
	router := newProxyRouter(ps)

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		w := doJSON(router, method, "/v1/messages/batches", `{}`)
		require.Equal(t, http.StatusNotImplemented, w.Code)
		var resp anthropicError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "error", resp.Type)
		assert.Equal(t, "not_supported", resp.Error.Type)
		assert.Equal(t, "Batch API not supported", resp.Error.Message)
	}
}
