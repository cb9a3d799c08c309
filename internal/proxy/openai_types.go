package proxy

import (
	"encoding/json"

	"kiro2chat/internal/kiro"
)

// chatCompletionRequest is the inbound /v1/chat/completions body. Sampling
// parameters are accepted and ignored: the upstream exposes no equivalents.
type chatCompletionRequest struct {
	Model         string          `json:"model"`
	Messages      []kiro.Message  `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions *streamOptions  `json:"stream_options"`
	Tools         []kiro.Tool     `json:"tools"`
	ToolChoice    json.RawMessage `json:"tool_choice"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatCompletionChunk is one streamed SSE frame.
type chatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *usagePayload `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
}

// toolCallDelta is one fragment of a streamed tool call. The first fragment
// carries the id, type and name; later fragments append to Arguments.
type toolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *functionCallDelta `json:"function,omitempty"`
}

type functionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// chatCompletion is the aggregated non-streaming response.
type chatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usagePayload       `json:"usage"`
}

type completionChoice struct {
	Index        int              `json:"index"`
	Message      assistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// assistantMessage is the aggregated assistant turn. Content is null, not
// empty, when the reply was tool calls only.
type assistantMessage struct {
	Role      string              `json:"role"`
	Content   *string             `json:"content"`
	ToolCalls []assistantToolCall `json:"tool_calls,omitempty"`
}

type assistantToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function functionPayload `json:"function"`
}

type functionPayload struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// openaiError is the wire shape OpenAI clients expect for failures.
type openaiError struct {
	Error openaiErrorDetail `json:"error"`
}

type openaiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// modelEntry is one /v1/models list item.
type modelEntry struct {
	ID           string            `json:"id"`
	Object       string            `json:"object"`
	Created      int64             `json:"created"`
	OwnedBy      string            `json:"owned_by"`
	Root         string            `json:"root"`
	Parent       *string           `json:"parent"`
	Capabilities modelCapabilities `json:"capabilities"`
}

type modelCapabilities struct {
	Vision          bool `json:"vision"`
	FunctionCalling bool `json:"function_calling"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
