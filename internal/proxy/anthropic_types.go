package proxy

import (
	"encoding/json"

	"kiro2chat/internal/kiro"
)

// anthropicMessagesRequest is the inbound messages-API payload. MaxTokens
// and StopSequences are accepted for compatibility; the backend bounds
// output itself.
type anthropicMessagesRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	Tools         []kiro.Tool        `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

// anthropicMessage carries one conversation turn. Content is either a JSON
// string or an array of content blocks.
type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// anthropicResponse is the aggregated messages-API response.
type anthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []anthropicContentBlock `json:"content"`
	StopReason   *string                 `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        anthropicUsage          `json:"usage"`
}

// anthropicContentBlock is one response content block. Text is a pointer so
// an opening text block serializes as "text": "" while tool_use blocks omit
// the field entirely.
type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent is the envelope of every SSE frame on the messages
// surface. Index is a pointer because block events must carry index 0
// explicitly.
type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Message      *anthropicResponse     `json:"message,omitempty"`
	Index        *int                   `json:"index,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta  `json:"delta,omitempty"`
	Usage        *anthropicDeltaUsage   `json:"usage,omitempty"`
	Error        *anthropicErrorDetail  `json:"error,omitempty"`
}

// anthropicStreamDelta is the delta payload of content_block_delta frames:
// text_delta carries Text, input_json_delta carries PartialJSON.
type anthropicStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// anthropicMessageDeltaEvent is the closing message_delta frame, where
// stop_sequence must appear as an explicit null.
type anthropicMessageDeltaEvent struct {
	Type  string              `json:"type"`
	Delta anthropicFinalDelta `json:"delta"`
	Usage anthropicDeltaUsage `json:"usage"`
}

type anthropicFinalDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// anthropicDeltaUsage is the usage payload of the message_delta frame.
type anthropicDeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// anthropicError is the messages-surface error shape.
type anthropicError struct {
	Type  string               `json:"type"`
	Error anthropicErrorDetail `json:"error"`
}

type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// countTokensResponse answers the count_tokens endpoint.
type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}
