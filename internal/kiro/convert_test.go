package kiro

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"kiro2chat/internal/utils"
)

const testModelID = "claude-opus-4.6-1m"

func text(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func buildJSON(t *testing.T, opts BuildOptions) string {
	t.Helper()
	if opts.ModelID == "" {
		opts.ModelID = testModelID
	}
	req := BuildRequest(opts)
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return string(raw)
}

func TestBuildRequestSimpleConversation(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{{Role: "user", Content: text("Hi")}},
	})

	assert.Equal(t, "MANUAL", gjson.Get(raw, "conversationState.chatTriggerType").String())
	assert.NotEmpty(t, gjson.Get(raw, "conversationState.conversationId").String())

	history := gjson.Get(raw, "conversationState.history").Array()
	require.GreaterOrEqual(t, len(history), 2)

	current := gjson.Get(raw, "conversationState.currentMessage.userInputMessage")
	assert.Equal(t, "Hi", current.Get("content").String())
	assert.Equal(t, testModelID, current.Get("modelId").String())
	assert.Equal(t, "AI_EDITOR", current.Get("origin").String())

	toolResults := current.Get("userInputMessageContext.toolResults")
	require.True(t, toolResults.IsArray())
	assert.Empty(t, toolResults.Array())
}

func TestBuildRequestAntiPromptAlwaysFirst(t *testing.T) {
	tests := []struct {
		name     string
		messages []Message
	}{
		{"no system prompt", []Message{{Role: "user", Content: text("Hi")}}},
		{"with system prompt", []Message{
			{Role: "system", Content: text("You are a pirate.")},
			{Role: "user", Content: text("Hi")},
		}},
		{"empty conversation", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildJSON(t, BuildOptions{Messages: tt.messages})

			first := gjson.Get(raw, "conversationState.history.0.userInputMessage.content").String()
			assert.Contains(t, first, "Claude")
			assert.Contains(t, first, "SYSTEM IDENTITY OVERRIDE")

			ack := gjson.Get(raw, "conversationState.history.1.assistantResponseMessage.content").String()
			assert.Contains(t, ack, "I am Claude by Anthropic")
		})
	}
}

func TestBuildRequestSystemPromptAppended(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "system", Content: text("Always answer in French.")},
			{Role: "developer", Content: text("Prefer short replies.")},
			{Role: "user", Content: text("Hi")},
		},
	})

	first := gjson.Get(raw, "conversationState.history.0.userInputMessage.content").String()
	assert.Contains(t, first, "Always answer in French.")
	assert.Contains(t, first, "Prefer short replies.")
	// Override block comes before the user's own system text
	assert.Less(t, strings.Index(first, "SYSTEM IDENTITY OVERRIDE"), strings.Index(first, "Always answer in French."))
}

func TestBuildRequestHistoryFolding(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "user", Content: text("first question")},
			{Role: "assistant", Content: text("first answer")},
			{Role: "user", Content: text("second question")},
		},
	})

	history := gjson.Get(raw, "conversationState.history").Array()
	// anti-prompt pair + one folded pair
	require.Len(t, history, 4)
	assert.Equal(t, "first question", history[2].Get("userInputMessage.content").String())
	assert.Equal(t, "first answer", history[3].Get("assistantResponseMessage.content").String())
	assert.False(t, history[3].Get("assistantResponseMessage.toolUses").IsArray())

	assert.Equal(t, "second question",
		gjson.Get(raw, "conversationState.currentMessage.userInputMessage.content").String())
}

func TestBuildRequestDanglingUserRunGetsAck(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "user", Content: text("one")},
			{Role: "user", Content: text("two")},
			{Role: "user", Content: text("three")},
		},
	})

	history := gjson.Get(raw, "conversationState.history").Array()
	require.Len(t, history, 4)
	assert.Equal(t, "one\ntwo", history[2].Get("userInputMessage.content").String())
	assert.Equal(t, "OK", history[3].Get("assistantResponseMessage.content").String())
	assert.Equal(t, "three",
		gjson.Get(raw, "conversationState.currentMessage.userInputMessage.content").String())
}

func TestBuildRequestAssistantWithoutUserDropped(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "assistant", Content: text("unsolicited")},
			{Role: "user", Content: text("Hi")},
		},
	})

	history := gjson.Get(raw, "conversationState.history").Array()
	require.Len(t, history, 2)
	raw2 := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "user", Content: text("q")},
			{Role: "assistant", Content: text("a1")},
			{Role: "assistant", Content: text("a2")},
			{Role: "user", Content: text("Hi")},
		},
	})
	history2 := gjson.Get(raw2, "conversationState.history").Array()
	require.Len(t, history2, 4)
	assert.Equal(t, "a1", history2[3].Get("assistantResponseMessage.content").String())
}

func TestBuildRequestToolRoundTrip(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "user", Content: text("Weather in Paris?")},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:       "call_abc",
				Type:     "function",
				Function: FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
			}}},
			{Role: "tool", ToolCallID: "call_abc", Content: text(`{"temp":18}`)},
		},
		Tools: []Tool{{
			Type: "function",
			Function: FunctionDefinition{
				Name:        "get_weather",
				Description: "Get current weather",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
		}},
	})

	history := gjson.Get(raw, "conversationState.history").Array()
	require.Len(t, history, 4)
	assert.Equal(t, "Weather in Paris?", history[2].Get("userInputMessage.content").String())

	uses := history[3].Get("assistantResponseMessage.toolUses").Array()
	require.Len(t, uses, 1)
	assert.Equal(t, "call_abc", uses[0].Get("toolUseId").String())
	assert.Equal(t, "get_weather", uses[0].Get("name").String())
	assert.Equal(t, "Paris", uses[0].Get("input.city").String())

	results := gjson.Get(raw,
		"conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults").Array()
	require.Len(t, results, 1)
	assert.Equal(t, "call_abc", results[0].Get("toolUseId").String())
	assert.Contains(t, results[0].Get("content.0.text").String(), "18")
	assert.Equal(t, "success", results[0].Get("status").String())
	assert.Empty(t, gjson.Get(raw, "conversationState.currentMessage.userInputMessage.content").String())
}

func TestBuildRequestParallelToolResults(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "user", Content: text("Weather in two cities")},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "call_1", Function: FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
				{ID: "call_2", Function: FunctionCall{Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
			}},
			{Role: "tool", ToolCallID: "call_1", Content: text("18C")},
			{Role: "tool", ToolCallID: "call_2", Content: text("7C")},
		},
	})

	// Both results ride on the current message; neither leaks into history.
	results := gjson.Get(raw,
		"conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults").Array()
	require.Len(t, results, 2)
	assert.Equal(t, "call_1", results[0].Get("toolUseId").String())
	assert.Equal(t, "call_2", results[1].Get("toolUseId").String())

	history := gjson.Get(raw, "conversationState.history").Array()
	require.Len(t, history, 4)
	for _, entry := range history {
		assert.False(t, entry.Get("userInputMessage.userInputMessageContext.toolResults").Exists())
	}
}

func TestBuildRequestLenientToolArguments(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "user", Content: text("go")},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:       "call_bad",
				Function: FunctionCall{Name: "do_thing", Arguments: `{"broken":`},
			}}},
			{Role: "user", Content: text("again")},
		},
	})

	uses := gjson.Get(raw, "conversationState.history.3.assistantResponseMessage.toolUses").Array()
	require.Len(t, uses, 1)
	assert.Equal(t, "{}", uses[0].Get("input").Raw)
}

func TestBuildRequestToolUsesFromContentBlocks(t *testing.T) {
	content := json.RawMessage(`[{"type":"text","text":"Let me check."},` +
		`{"type":"tool_use","id":"toolu_x","name":"lookup","input":{"q":"go"}}]`)
	raw := buildJSON(t, BuildOptions{
		Messages: []Message{
			{Role: "user", Content: text("q")},
			{Role: "assistant", Content: content},
			{Role: "user", Content: text("next")},
		},
	})

	entry := gjson.Get(raw, "conversationState.history.3.assistantResponseMessage")
	assert.Equal(t, "Let me check.", entry.Get("content").String())
	uses := entry.Get("toolUses").Array()
	require.Len(t, uses, 1)
	assert.Equal(t, "toolu_x", uses[0].Get("toolUseId").String())
	assert.Equal(t, "go", uses[0].Get("input.q").String())
}

func TestConvertToolResultFlattening(t *testing.T) {
	blocks := `[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]`

	tests := []struct {
		name     string
		content  json.RawMessage
		expected string
	}{
		{"plain string", text("just text"), "just text"},
		{"block array", json.RawMessage(blocks), "line one\nline two"},
		{"string-encoded block array", text(blocks), "line one\nline two"},
		{"string array", json.RawMessage(`["a","b"]`), "a\nb"},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := convertToolResult(Message{Role: "tool", ToolCallID: "id", Content: tt.content})
			require.Len(t, result.Content, 1)
			assert.Equal(t, tt.expected, result.Content[0].Text)
		})
	}
}

func TestToolResultTruncationBoundary(t *testing.T) {
	t.Run("at limit unchanged", func(t *testing.T) {
		body := strings.Repeat("x", maxContentChars)
		result := convertToolResult(Message{Role: "tool", Content: text(body)})
		assert.Equal(t, body, result.Content[0].Text)
	})

	t.Run("over limit truncated with marker", func(t *testing.T) {
		body := strings.Repeat("x", maxContentChars+1)
		result := convertToolResult(Message{Role: "tool", Content: text(body)})
		assert.Len(t, result.Content[0].Text, maxContentChars+len(utils.TruncationMarker))
		assert.True(t, strings.HasSuffix(result.Content[0].Text, utils.TruncationMarker))
	})
}

func TestConvertTools(t *testing.T) {
	tools := []Tool{
		{Type: "function", Function: FunctionDefinition{
			Name: "keep_me", Description: "useful", Parameters: json.RawMessage(`{"type":"object"}`),
		}},
		{Name: "anthropic_style", Description: "also useful",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`)},
		{Type: "function", Function: FunctionDefinition{Name: "web_search", Description: "reserved"}},
		{Type: "function", Function: FunctionDefinition{Name: "", Description: "nameless"}},
		{Type: "function", Function: FunctionDefinition{Name: "no_description"}},
		{Type: "function", Function: FunctionDefinition{Name: "keep_me", Description: "duplicate"}},
	}

	specs := convertTools(tools)
	require.Len(t, specs, 2)
	assert.Equal(t, "keep_me", specs[0].ToolSpecification.Name)
	assert.Equal(t, "useful", specs[0].ToolSpecification.Description)
	assert.Equal(t, "anthropic_style", specs[1].ToolSpecification.Name)
}

func TestConvertToolsDescriptionCap(t *testing.T) {
	long := strings.Repeat("d", maxToolDescriptionChars+500)
	specs := convertTools([]Tool{{Type: "function", Function: FunctionDefinition{
		Name: "verbose", Description: long,
	}}})

	require.Len(t, specs, 1)
	assert.Len(t, specs[0].ToolSpecification.Description, maxToolDescriptionChars)
}

func TestBuildRequestImagesFromDataURI(t *testing.T) {
	content := json.RawMessage(`[{"type":"text","text":"what is this?"},` +
		`{"type":"image_url","image_url":{"url":"data:image/jpeg;base64,aGVsbG8="}},` +
		`{"type":"image_url","image_url":{"url":"https://example.com/pic.png"}}]`)

	raw := buildJSON(t, BuildOptions{
		Messages: []Message{{Role: "user", Content: content}},
	})

	current := gjson.Get(raw, "conversationState.currentMessage.userInputMessage")
	assert.Equal(t, "what is this?", current.Get("content").String())

	images := current.Get("images").Array()
	require.Len(t, images, 1)
	assert.Equal(t, "jpeg", images[0].Get("format").String())
	assert.Equal(t, "aGVsbG8=", images[0].Get("source.bytes").String())
}

func TestBuildRequestProfileArnAndConversationID(t *testing.T) {
	raw := buildJSON(t, BuildOptions{
		Messages:       []Message{{Role: "user", Content: text("Hi")}},
		ProfileArn:     "arn:aws:codewhisperer:us-east-1:123:profile/x",
		ConversationID: "11111111-2222-3333-4444-555555555555",
	})

	assert.Equal(t, "arn:aws:codewhisperer:us-east-1:123:profile/x", gjson.Get(raw, "profileArn").String())
	assert.Equal(t, "11111111-2222-3333-4444-555555555555",
		gjson.Get(raw, "conversationState.conversationId").String())

	rawNoArn := buildJSON(t, BuildOptions{Messages: []Message{{Role: "user", Content: text("Hi")}}})
	assert.False(t, gjson.Get(rawNoArn, "profileArn").Exists())
}

func TestBuildRequestEmptyConversationDefaults(t *testing.T) {
	raw := buildJSON(t, BuildOptions{})

	assert.Equal(t, "Hello",
		gjson.Get(raw, "conversationState.currentMessage.userInputMessage.content").String())
	history := gjson.Get(raw, "conversationState.history").Array()
	assert.Len(t, history, 2)
}

func TestBuildRequestToolsDirectiveOnlyWithTools(t *testing.T) {
	withTools := buildJSON(t, BuildOptions{
		Messages: []Message{{Role: "user", Content: text("Hi")}},
		Tools: []Tool{{Type: "function", Function: FunctionDefinition{
			Name: "get_weather", Description: "weather",
		}}},
	})
	without := buildJSON(t, BuildOptions{
		Messages: []Message{{Role: "user", Content: text("Hi")}},
	})

	directive := "actually return tool_calls"
	assert.Contains(t,
		gjson.Get(withTools, "conversationState.history.0.userInputMessage.content").String(), directive)
	assert.NotContains(t,
		gjson.Get(without, "conversationState.history.0.userInputMessage.content").String(), directive)
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name     string
		content  json.RawMessage
		expected string
	}{
		{"plain string", text("hello"), "hello"},
		{"nil", nil, ""},
		{"text blocks", json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`), "a\nb"},
		{"mixed blocks", json.RawMessage(`[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"u"}}]`), "a"},
		{"not text at all", json.RawMessage(`42`), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractText(tt.content))
		})
	}
}
