// Package kiro implements the upstream chat protocol: request conversion
// from OpenAI-shaped conversations, credential management and the streaming
// HTTP client.
package kiro

import "encoding/json"

// Message is the normalized inbound chat message the converter consumes.
// Content is either a JSON string or an array of content parts.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ToolCall is an assistant-issued function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the invoked function name and raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is an inbound tool definition. The OpenAI form wraps the definition
// in a function object; the Anthropic form carries name, description and
// input_schema at the top level. Both are accepted.
type Tool struct {
	Type     string             `json:"type,omitempty"`
	Function FunctionDefinition `json:"function,omitempty"`

	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// FunctionDefinition is the OpenAI function payload of a tool definition.
type FunctionDefinition struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ContentPart is one element of block-array message content. The populated
// fields depend on Type: text, image_url (OpenAI), image (Anthropic),
// tool_use, tool_result.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	ImageURL *ImageURL    `json:"image_url,omitempty"`
	Source   *ImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ImageURL is the OpenAI image reference, usually a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ImageSource is the Anthropic image source.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Request is the upstream generateAssistantResponse payload.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// ConversationState is the full conversation the upstream replays per call.
type ConversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
	History         []HistoryEntry `json:"history"`
}

// CurrentMessage wraps the pending user turn.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryEntry is one half of a conversation turn: exactly one of the two
// fields is set.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// UserInputMessage is a user turn in upstream form.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
	Images                  []Image                  `json:"images,omitempty"`
}

// UserInputMessageContext carries tool results and tool definitions for a
// user turn.
type UserInputMessageContext struct {
	ToolResults []ToolResult `json:"toolResults"`
	Tools       []ToolSpec   `json:"tools,omitempty"`
}

// AssistantResponseMessage is an assistant turn in upstream form. ToolUses
// is serialized as null when the turn issued no tool calls.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses"`
}

// ToolUse is an upstream-form tool invocation with parsed JSON input.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool invocation, threaded back into the
// next user turn.
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"`
}

// ToolResultContent is a single text fragment of a tool result.
type ToolResultContent struct {
	Text string `json:"text"`
}

// ToolSpec wraps one tool definition in the envelope the upstream expects.
type ToolSpec struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification is the upstream-form tool definition.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema holds the tool's JSON schema.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// Image is an inline attachment on the current user turn.
type Image struct {
	Format string     `json:"format"`
	Source ImageBytes `json:"source"`
}

// ImageBytes carries the attachment payload as base64 text.
type ImageBytes struct {
	Bytes string `json:"bytes"`
}
