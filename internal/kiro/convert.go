package kiro

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"kiro2chat/internal/sanitize"
	"kiro2chat/internal/utils"
)

const (
	chatTriggerManual = "MANUAL"
	originAIEditor    = "AI_EDITOR"

	// maxToolDescriptionChars caps tool descriptions on the wire.
	maxToolDescriptionChars = 10000

	// maxContentChars caps any single content string sent upstream.
	maxContentChars = 50000

	// defaultUserContent stands in when a conversation has no usable
	// current message.
	defaultUserContent = "Hello"

	// syntheticAck closes a dangling user turn so history keeps strict
	// user/assistant alternation.
	syntheticAck = "OK"

	resultStatusSuccess = "success"
)

// reservedToolNames are upstream-owned aliases that must never be forwarded
// as user tool definitions.
var reservedToolNames = map[string]struct{}{
	"web_search": {},
	"websearch":  {},
}

// BuildOptions carries the inputs for one upstream request.
type BuildOptions struct {
	Messages       []Message
	Tools          []Tool
	ModelID        string
	ProfileArn     string
	ConversationID string
}

// BuildRequest converts an OpenAI-shaped conversation into the upstream
// conversationState form. The identity-override prompt pair is always the
// first history entry; user and tool messages fold into paired turns; a
// trailing tool-result run becomes the current message.
func BuildRequest(opts BuildOptions) *Request {
	conversationID := opts.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	var systemParts []string
	var conv []Message
	for _, msg := range opts.Messages {
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, ExtractText(msg.Content))
		default:
			conv = append(conv, msg)
		}
	}

	toolSpecs := convertTools(opts.Tools)

	userSystem := utils.TruncateWithMarker(strings.Join(systemParts, "\n"), maxContentChars)
	finalSystem := sanitize.BuildSystemPrompt(userSystem, len(toolSpecs) > 0)

	history := []HistoryEntry{
		{UserInputMessage: &UserInputMessage{
			Content: finalSystem,
			ModelID: opts.ModelID,
			Origin:  originAIEditor,
		}},
		{AssistantResponseMessage: &AssistantResponseMessage{
			Content: sanitize.AntiPromptAck,
		}},
	}

	// Split off the current message before folding: either the trailing
	// run of tool results, or the single last message.
	var rest, currentRun []Message
	switch {
	case len(conv) == 0:
	case conv[len(conv)-1].Role == "tool":
		start := len(conv)
		for start > 0 && conv[start-1].Role == "tool" {
			start--
		}
		rest, currentRun = conv[:start], conv[start:]
	default:
		rest, currentRun = conv[:len(conv)-1], conv[len(conv)-1:]
	}

	history = append(history, foldHistory(rest, opts.ModelID)...)

	current := UserInputMessage{
		Content: defaultUserContent,
		ModelID: opts.ModelID,
		Origin:  originAIEditor,
		UserInputMessageContext: &UserInputMessageContext{
			ToolResults: []ToolResult{},
			Tools:       toolSpecs,
		},
	}
	if len(currentRun) > 0 {
		if currentRun[0].Role == "tool" {
			current.Content = ""
			for _, msg := range currentRun {
				current.UserInputMessageContext.ToolResults = append(
					current.UserInputMessageContext.ToolResults, convertToolResult(msg))
			}
		} else {
			last := currentRun[0]
			if last.Content != nil {
				current.Content = utils.TruncateWithMarker(ExtractText(last.Content), maxContentChars)
			}
			current.Images = extractImages(last.Content)
		}
	}

	return &Request{
		ConversationState: ConversationState{
			ChatTriggerType: chatTriggerManual,
			ConversationID:  conversationID,
			CurrentMessage:  CurrentMessage{UserInputMessage: current},
			History:         history,
		},
		ProfileArn: opts.ProfileArn,
	}
}

// foldHistory pairs buffered user/tool messages with assistant replies. A
// dangling buffer at the end is closed with a synthetic acknowledgment.
func foldHistory(messages []Message, modelID string) []HistoryEntry {
	var history []HistoryEntry
	var buffer []Message

	for _, msg := range messages {
		switch msg.Role {
		case "user", "tool":
			buffer = append(buffer, msg)
		case "assistant":
			if len(buffer) == 0 {
				continue
			}
			history = append(history,
				HistoryEntry{UserInputMessage: buildHistoryUserMessage(buffer, modelID)},
				HistoryEntry{AssistantResponseMessage: buildHistoryAssistantMessage(msg)},
			)
			buffer = nil
		}
	}

	if len(buffer) > 0 {
		history = append(history,
			HistoryEntry{UserInputMessage: buildHistoryUserMessage(buffer, modelID)},
			HistoryEntry{AssistantResponseMessage: &AssistantResponseMessage{Content: syntheticAck}},
		)
	}
	return history
}

// buildHistoryUserMessage merges a run of user and tool messages into one
// upstream user turn. When tool results are present the text content is
// dropped: the upstream rejects turns carrying both.
func buildHistoryUserMessage(messages []Message, modelID string) *UserInputMessage {
	var textParts []string
	var toolResults []ToolResult

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			textParts = append(textParts, ExtractText(msg.Content))
		case "tool":
			toolResults = append(toolResults, convertToolResult(msg))
		}
	}

	result := &UserInputMessage{
		Content: utils.TruncateWithMarker(strings.Join(textParts, "\n"), maxContentChars),
		ModelID: modelID,
		Origin:  originAIEditor,
	}
	if len(toolResults) > 0 {
		result.Content = ""
		result.UserInputMessageContext = &UserInputMessageContext{ToolResults: toolResults}
	}
	return result
}

func buildHistoryAssistantMessage(msg Message) *AssistantResponseMessage {
	return &AssistantResponseMessage{
		Content:  utils.TruncateWithMarker(ExtractText(msg.Content), maxContentChars),
		ToolUses: extractToolUses(msg),
	}
}

// extractToolUses converts assistant tool_calls into upstream toolUses.
// Unparseable argument strings degrade to an empty object. Assistant
// messages without tool_calls may still carry Anthropic-style tool_use
// content blocks.
func extractToolUses(msg Message) []ToolUse {
	if len(msg.ToolCalls) == 0 {
		return extractToolUsesFromContent(msg.Content)
	}

	var uses []ToolUse
	for _, call := range msg.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		uses = append(uses, ToolUse{
			ToolUseID: call.ID,
			Name:      call.Function.Name,
			Input:     input,
		})
	}
	return uses
}

func extractToolUsesFromContent(content json.RawMessage) []ToolUse {
	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil
	}

	var uses []ToolUse
	for _, part := range parts {
		if part.Type != "tool_use" {
			continue
		}
		input := part.Input
		if !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		uses = append(uses, ToolUse{
			ToolUseID: part.ID,
			Name:      part.Name,
			Input:     input,
		})
	}
	return uses
}

// convertToolResult flattens a tool message into one upstream tool result.
// Content may be a plain string, a block array, or a string that itself
// encodes a block array; all three flatten to the same joined text.
func convertToolResult(msg Message) ToolResult {
	text := flattenToolResultText(msg.Content)
	return ToolResult{
		ToolUseID: msg.ToolCallID,
		Content:   []ToolResultContent{{Text: utils.TruncateWithMarker(text, maxContentChars)}},
		Status:    resultStatusSuccess,
	}
}

func flattenToolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		// A string payload may itself encode a block array
		if joined, ok := joinTextBlocks(json.RawMessage(s)); ok {
			return joined
		}
		return s
	}

	if joined, ok := joinTextBlocks(content); ok {
		return joined
	}

	var strs []string
	if err := json.Unmarshal(content, &strs); err == nil {
		return strings.Join(strs, "\n")
	}
	return ""
}

func joinTextBlocks(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return "", false
	}
	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	var texts []string
	for _, part := range parts {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n"), true
}

// convertTools accepts both OpenAI and Anthropic-shaped definitions.
// Definitions missing a name or description, using reserved names, or
// duplicating an earlier name are dropped.
func convertTools(tools []Tool) []ToolSpec {
	var specs []ToolSpec
	seen := make(map[string]struct{}, len(tools))

	for _, tool := range tools {
		name := tool.Function.Name
		description := tool.Function.Description
		schema := tool.Function.Parameters
		if name == "" {
			name = tool.Name
			description = tool.Description
			schema = tool.InputSchema
		}

		if name == "" || description == "" {
			continue
		}
		if _, reserved := reservedToolNames[name]; reserved {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if !json.Valid(schema) {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if runes := []rune(description); len(runes) > maxToolDescriptionChars {
			description = string(runes[:maxToolDescriptionChars])
		}
		specs = append(specs, ToolSpec{ToolSpecification: ToolSpecification{
			Name:        name,
			Description: description,
			InputSchema: InputSchema{JSON: schema},
		}})
	}
	return specs
}

// ExtractText pulls the plain text out of message content, which is either
// a JSON string or a block array whose text parts are joined by newlines.
func ExtractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, part := range parts {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// extractImages collects data-URI image parts from block-array content.
func extractImages(content json.RawMessage) []Image {
	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil
	}

	var images []Image
	for _, part := range parts {
		if part.Type != "image_url" || part.ImageURL == nil {
			continue
		}
		format, data, ok := parseDataURI(part.ImageURL.URL)
		if !ok {
			continue
		}
		images = append(images, Image{
			Format: format,
			Source: ImageBytes{Bytes: data},
		})
	}
	return images
}

// parseDataURI splits a base64 data URI into its image format and payload.
func parseDataURI(uri string) (format, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", false
	}
	meta, payload, found := strings.Cut(uri[len(prefix):], ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}

	mediaType := strings.TrimSuffix(meta, ";base64")
	format = strings.TrimPrefix(mediaType, "image/")
	if format == mediaType || format == "" {
		format = "png"
	}
	if format == "jpg" {
		format = "jpeg"
	}
	return format, payload, true
}
