package proxy

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"kiro2chat/internal/kiro"
)

// emptyToolSchema is the parameter schema assumed for tools that declare
// none.
var emptyToolSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// convertAnthropicMessages rewrites messages-API turns into the normalized
// conversation form: the system field becomes a leading system message,
// assistant blocks split into text plus tool calls, tool_result blocks
// become tool-role messages, and image blocks are rewritten as data URIs.
func convertAnthropicMessages(messages []anthropicMessage, system json.RawMessage) []kiro.Message {
	var out []kiro.Message

	if text := anthropicSystemText(system); text != "" {
		out = append(out, textMessage("system", text))
	}

	for _, msg := range messages {
		parts, isList := parseContentBlocks(msg.Content)
		if !isList {
			out = append(out, kiro.Message{Role: msg.Role, Content: msg.Content})
			continue
		}

		switch msg.Role {
		case "assistant":
			out = append(out, convertAssistantBlocks(parts))
		case "user":
			out = append(out, convertUserBlocks(parts)...)
		default:
			out = append(out, kiro.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

// anthropicSystemText flattens the system field, which is either a string
// or a list of text blocks.
func anthropicSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	parts, ok := parseContentBlocks(raw)
	if !ok {
		return ""
	}
	var joined []string
	for _, part := range parts {
		if part.Type == "text" && part.Text != "" {
			joined = append(joined, part.Text)
		}
	}
	return strings.Join(joined, "\n")
}

// parseContentBlocks splits array content into typed parts. Bare strings in
// the array are tolerated as text blocks. Returns false when the content is
// not an array at all.
func parseContentBlocks(raw json.RawMessage) ([]kiro.ContentPart, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}

	parts := make([]kiro.ContentPart, 0, len(elems))
	for _, elem := range elems {
		var part kiro.ContentPart
		if err := json.Unmarshal(elem, &part); err == nil {
			parts = append(parts, part)
			continue
		}
		var text string
		if err := json.Unmarshal(elem, &text); err == nil {
			parts = append(parts, kiro.ContentPart{Type: "text", Text: text})
		}
	}
	return parts, true
}

// convertAssistantBlocks merges an assistant turn's text blocks and lifts
// tool_use blocks into tool calls. Thinking blocks are dropped: the backend
// replays history as plain text and must not see them.
func convertAssistantBlocks(parts []kiro.ContentPart) kiro.Message {
	var textParts []string
	var toolCalls []kiro.ToolCall

	for _, part := range parts {
		switch part.Type {
		case "text":
			textParts = append(textParts, part.Text)
		case "thinking":
			// dropped
		case "tool_use":
			args := "{}"
			if len(part.Input) > 0 {
				args = string(part.Input)
			}
			toolCalls = append(toolCalls, kiro.ToolCall{
				ID:       part.ID,
				Type:     "function",
				Function: kiro.FunctionCall{Name: part.Name, Arguments: args},
			})
		}
	}

	msg := kiro.Message{Role: "assistant", ToolCalls: toolCalls}
	if len(textParts) > 0 {
		quoted, _ := json.Marshal(strings.Join(textParts, "\n"))
		msg.Content = quoted
	}
	return msg
}

// convertUserBlocks expands a user turn. Turns carrying tool_result blocks
// split into tool-role messages plus user text messages; otherwise image
// blocks are converted and the list is kept as multimodal content.
func convertUserBlocks(parts []kiro.ContentPart) []kiro.Message {
	hasToolResults := false
	for _, part := range parts {
		if part.Type == "tool_result" {
			hasToolResults = true
			break
		}
	}

	if hasToolResults {
		var out []kiro.Message
		for _, part := range parts {
			switch part.Type {
			case "tool_result":
				quoted, _ := json.Marshal(flattenToolResultContent(part.Content))
				out = append(out, kiro.Message{Role: "tool", ToolCallID: part.ToolUseID, Content: quoted})
			case "text":
				out = append(out, textMessage("user", part.Text))
			}
		}
		return out
	}

	converted := make([]kiro.ContentPart, 0, len(parts))
	for _, part := range parts {
		if part.Type == "image" && part.Source != nil {
			switch part.Source.Type {
			case "base64":
				mediaType := part.Source.MediaType
				if mediaType == "" {
					mediaType = "image/png"
				}
				converted = append(converted, kiro.ContentPart{
					Type:     "image_url",
					ImageURL: &kiro.ImageURL{URL: "data:" + mediaType + ";base64," + part.Source.Data},
				})
				continue
			case "url":
				converted = append(converted, kiro.ContentPart{
					Type:     "image_url",
					ImageURL: &kiro.ImageURL{URL: part.Source.URL},
				})
				continue
			}
		}
		converted = append(converted, part)
	}

	raw, _ := json.Marshal(converted)
	return []kiro.Message{{Role: "user", Content: raw}}
}

// flattenToolResultContent renders a tool_result content field as plain
// text: strings pass through, block arrays contribute their text blocks.
func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	if parts, ok := parseContentBlocks(raw); ok {
		var joined []string
		for _, part := range parts {
			if part.Type == "text" {
				joined = append(joined, part.Text)
			}
		}
		return strings.Join(joined, "\n")
	}
	return string(raw)
}

// convertAnthropicTools filters and normalizes tool definitions into the
// function-wrapped form. Definitions missing a name or description are
// dropped rather than forwarded broken.
func convertAnthropicTools(tools []kiro.Tool) []kiro.Tool {
	out := make([]kiro.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Function.Name != "" || t.Function.Description != "" || len(t.Function.Parameters) > 0 {
			if t.Function.Name != "" && t.Function.Description != "" {
				out = append(out, t)
			}
			continue
		}
		if t.Name == "" || t.Description == "" {
			continue
		}
		params := t.InputSchema
		if len(params) == 0 {
			params = emptyToolSchema
		}
		out = append(out, kiro.Tool{
			Type: "function",
			Function: kiro.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// isToolChoiceNone reports whether tool_choice forbids tool use, in either
// the string or the object form.
func isToolChoiceNone(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "none"
	}
	return gjson.GetBytes(raw, "type").String() == "none"
}
