package proxy

import (
	"encoding/json"

	"kiro2chat/internal/kiro"
	"kiro2chat/internal/utils"
)

// estimateMessagesTokens approximates the prompt cost of a conversation:
// framing overhead per message, text and tool payloads by length, images at
// a flat rate, plus the reply priming tokens.
func estimateMessagesTokens(messages []kiro.Message) int {
	total := 0
	for _, msg := range messages {
		total += utils.MessageOverheadTokens
		total += estimateContentTokens(msg.Content)
		for _, call := range msg.ToolCalls {
			total += utils.EstimateTokens(call.Function.Name)
			total += utils.EstimateTokens(call.Function.Arguments)
		}
	}
	total += utils.ReplyPrimingTokens
	if total < 1 {
		return 1
	}
	return total
}

// estimateContentTokens handles both content forms: a JSON string and an
// array of typed parts.
func estimateContentTokens(content json.RawMessage) int {
	if len(content) == 0 {
		return 0
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return utils.EstimateTokens(text)
	}

	var parts []kiro.ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return utils.EstimateTokens(string(content))
	}

	total := 0
	for _, part := range parts {
		switch part.Type {
		case "text":
			total += utils.EstimateTokens(part.Text)
		case "image", "image_url":
			total += utils.ImageTokens
		case "tool_use":
			total += utils.EstimateTokens(part.Name)
			total += utils.EstimateTokens(string(part.Input))
		case "tool_result":
			total += estimateContentTokens(part.Content)
		default:
			total += utils.EstimateTokens(part.Text)
		}
	}
	return total
}

// estimateToolsTokens approximates the prompt cost of the tool definitions
// by the size of their serialized form.
func estimateToolsTokens(tools []kiro.Tool) int {
	if len(tools) == 0 {
		return 0
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return 0
	}
	return utils.EstimateTokens(string(data))
}
