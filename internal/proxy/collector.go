package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"kiro2chat/internal/eventstream"
	"kiro2chat/internal/sanitize"
)

// contextTruncationThreshold marks a response as cut off when the backend
// reports context usage above it.
const contextTruncationThreshold = 0.95

// FinalToolCall is one completed tool invocation assembled from the upstream
// stream. Arguments is always valid JSON text.
type FinalToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// eventSink receives normalized upstream events in stream order. Text deltas
// arrive unsanitized; each consumer decides between chunk-wise and whole-text
// sanitization.
type eventSink interface {
	OnText(content string)
	OnToolCall(call FinalToolCall)
	OnException(message string)
}

// eventSource is the pull side of a decoded upstream stream.
type eventSource interface {
	Next() (eventstream.Message, error)
}

// collectResult summarizes one consumed upstream stream.
type collectResult struct {
	// Truncated is set when the backend reported running out of context.
	Truncated bool
	// ToolCalls counts the calls delivered to the sink.
	ToolCalls int
	// Exceptions counts upstream error frames.
	Exceptions int
}

// toolCallBuilder accumulates the fragments of one streamed tool call.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// toolCallAssembler reassembles streamed tool calls. Fragments are keyed by
// toolUseId so interleaved calls cannot corrupt each other; fragments without
// an id fall back to the most recently opened call.
type toolCallAssembler struct {
	active map[string]*toolCallBuilder
	order  []string
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{active: make(map[string]*toolCallBuilder)}
}

// feed consumes one toolUseEvent payload. It returns a finalized call when
// the payload carries the stop marker; the boolean reports whether a call
// was produced (builtin tools finalize to nothing).
func (a *toolCallAssembler) feed(payload []byte) (FinalToolCall, bool) {
	id := gjson.GetBytes(payload, "toolUseId").String()
	name := gjson.GetBytes(payload, "name").String()
	stop := gjson.GetBytes(payload, "stop").Bool()

	if stop {
		return a.finalize(id)
	}

	if name != "" && id != "" {
		if _, open := a.active[id]; !open {
			a.active[id] = &toolCallBuilder{id: id, name: name}
			a.order = append(a.order, id)
		}
	}

	if input := gjson.GetBytes(payload, "input"); input.Exists() {
		if builder := a.lookup(id); builder != nil {
			builder.args.WriteString(inputFragment(input))
		}
	}
	return FinalToolCall{}, false
}

// lookup finds the builder for id, or the most recently opened one when the
// fragment carries no id.
func (a *toolCallAssembler) lookup(id string) *toolCallBuilder {
	if id != "" {
		return a.active[id]
	}
	for i := len(a.order) - 1; i >= 0; i-- {
		if builder, open := a.active[a.order[i]]; open {
			return builder
		}
	}
	return nil
}

func (a *toolCallAssembler) finalize(id string) (FinalToolCall, bool) {
	builder := a.lookup(id)
	if builder == nil {
		return FinalToolCall{}, false
	}
	delete(a.active, builder.id)

	if sanitize.IsBuiltinTool(builder.name) {
		return FinalToolCall{}, false
	}
	return FinalToolCall{
		ID:        builder.id,
		Name:      builder.name,
		Arguments: finalizeArguments(builder.args.String()),
	}, true
}

// finalizeArguments turns an accumulated argument buffer into valid JSON.
// Unparseable buffers are wrapped rather than dropped so the client still
// sees what the model produced.
func finalizeArguments(buf string) string {
	if buf == "" {
		return "{}"
	}
	if json.Valid([]byte(buf)) {
		return buf
	}
	wrapped, err := json.Marshal(map[string]string{"raw": buf})
	if err != nil {
		return "{}"
	}
	return string(wrapped)
}

// inputFragment extracts a tool input fragment: usually a JSON string, but
// raw JSON is preserved verbatim.
func inputFragment(input gjson.Result) string {
	if input.Type == gjson.String {
		return input.String()
	}
	return input.Raw
}

// legacyToolCall converts a single complete toolUse payload. The boolean is
// false for builtin tools and nameless calls. The input keeps its JSON form
// verbatim, so a string input stays a quoted string.
func legacyToolCall(payload []byte) (FinalToolCall, bool) {
	name := gjson.GetBytes(payload, "name").String()
	if name == "" || sanitize.IsBuiltinTool(name) {
		return FinalToolCall{}, false
	}

	arguments := "{}"
	if input := gjson.GetBytes(payload, "input"); input.Exists() {
		arguments = input.Raw
	}
	return FinalToolCall{
		ID:        gjson.GetBytes(payload, "toolUseId").String(),
		Name:      name,
		Arguments: arguments,
	}, true
}

// isStreamEnd reports whether the stream finished cleanly.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF)
}

// exceptionMessage extracts a readable message from an exception payload.
func exceptionMessage(payload []byte) string {
	if msg := gjson.GetBytes(payload, "message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	return string(payload)
}

// collectStream drains one upstream event stream into the sink. It returns
// when the stream ends; a mid-stream transport error surfaces as an
// exception so the in-band error convention applies to it too.
func collectStream(stream eventSource, sink eventSink) collectResult {
	var result collectResult
	assembler := newToolCallAssembler()

	for {
		msg, err := stream.Next()
		if err != nil {
			if !isStreamEnd(err) {
				result.Exceptions++
				sink.OnException("upstream stream interrupted: " + err.Error())
			}
			return result
		}

		switch msg.Kind() {
		case eventstream.KindAssistantText:
			if content := gjson.GetBytes(msg.Payload, "content").String(); content != "" {
				sink.OnText(content)
			}
		case eventstream.KindToolUse:
			if call, done := assembler.feed(msg.Payload); done {
				result.ToolCalls++
				sink.OnToolCall(call)
			}
		case eventstream.KindToolUseLegacy:
			if call, ok := legacyToolCall(msg.Payload); ok {
				result.ToolCalls++
				sink.OnToolCall(call)
			}
		case eventstream.KindContextUsage:
			if gjson.GetBytes(msg.Payload, "contextUsagePercentage").Float() > contextTruncationThreshold {
				result.Truncated = true
			}
		case eventstream.KindException:
			result.Exceptions++
			sink.OnException(exceptionMessage(msg.Payload))
		}
	}
}
