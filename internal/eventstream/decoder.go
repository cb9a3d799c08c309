// Package eventstream decodes the binary framed event stream used by the
// upstream generateAssistantResponse API. Each frame carries a 12-byte
// prelude (total length, header block length, prelude CRC), a header block
// of typed key/value pairs, a JSON payload and a trailing message CRC.
package eventstream

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/tidwall/sjson"
)

const (
	preludeSize  = 12
	crcSize      = 4
	minFrameSize = 16

	headerTypeString = 7
)

// Well-known event types produced by the upstream.
const (
	EventAssistantResponse     = "assistantResponseEvent"
	EventCode                  = "codeEvent"
	EventToolUse               = "toolUseEvent"
	EventToolUseLegacy         = "toolUse"
	EventContextUsage          = "contextUsageEvent"
	EventMetering              = "meteringEvent"
	EventSupplementaryWebLinks = "supplementaryWebLinksEvent"
	EventException             = "exception"
)

// Kind classifies a decoded message for downstream dispatch. Frames the
// gateway does not understand map to KindUnrecognized and are ignored.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindAssistantText
	KindToolUse
	KindToolUseLegacy
	KindContextUsage
	KindException
	KindIgnored
)

// Message is one decoded frame. Payload is always a valid JSON document.
type Message struct {
	EventType   string
	MessageType string
	ContentType string
	Payload     []byte
}

// Kind maps the frame's event type onto the closed dispatch enumeration.
func (m Message) Kind() Kind {
	if m.IsException() {
		return KindException
	}
	switch m.EventType {
	case EventAssistantResponse, EventCode:
		return KindAssistantText
	case EventToolUse:
		return KindToolUse
	case EventToolUseLegacy:
		return KindToolUseLegacy
	case EventContextUsage:
		return KindContextUsage
	case EventMetering, EventSupplementaryWebLinks:
		return KindIgnored
	default:
		return KindUnrecognized
	}
}

// IsException reports whether the upstream flagged this frame as an error.
func (m Message) IsException() bool {
	return m.MessageType == "exception" || m.EventType == EventException
}

// Decoder incrementally decodes frames from a chunked byte stream. Partial
// frames are buffered between calls, so feeding a response one byte at a
// time yields the same messages as feeding it whole.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every complete
// message it now contains.
func (d *Decoder) Feed(chunk []byte) []Message {
	d.buf = append(d.buf, chunk...)

	var messages []Message
	for len(d.buf) >= preludeSize {
		totalLength := binary.BigEndian.Uint32(d.buf[:4])
		if totalLength < minFrameSize || uint32(len(d.buf)) < totalLength {
			// Incomplete frame, wait for more data
			break
		}

		frame := d.buf[:totalLength]
		d.buf = d.buf[totalLength:]

		if msg, ok := decodeFrame(frame); ok {
			messages = append(messages, msg)
		}
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return messages
}

// Buffered returns the number of bytes retained while waiting for the rest
// of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// DecodeAll decodes every complete frame in raw. Trailing partial data is
// discarded.
func DecodeAll(raw []byte) []Message {
	return NewDecoder().Feed(raw)
}

// decodeFrame parses one complete frame. It returns ok=false for frames
// whose payload is not salvageable: truncated header blocks and
// non-exception frames with empty or malformed JSON payloads.
func decodeFrame(frame []byte) (Message, bool) {
	headersLength := binary.BigEndian.Uint32(frame[4:8])
	payloadStart := preludeSize + int(headersLength)
	payloadEnd := len(frame) - crcSize
	if payloadStart > payloadEnd {
		return Message{}, false
	}

	headers := decodeHeaders(frame[preludeSize:payloadStart])
	payload := frame[payloadStart:payloadEnd]

	msg := Message{
		EventType:   headers[":event-type"],
		MessageType: headers[":message-type"],
		ContentType: headers[":content-type"],
	}

	if msg.MessageType == "exception" {
		if msg.EventType == "" {
			msg.EventType = EventException
		}
		if json.Valid(payload) {
			msg.Payload = payload
		} else {
			// Preserve non-JSON error bodies verbatim
			raw := strings.ToValidUTF8(string(payload), "�")
			wrapped, err := sjson.SetBytes([]byte(`{}`), "error", raw)
			if err != nil {
				wrapped = []byte(`{"error":"unreadable exception payload"}`)
			}
			msg.Payload = wrapped
		}
		return msg, true
	}

	if len(payload) == 0 || !json.Valid(payload) {
		return Message{}, false
	}
	msg.Payload = payload
	return msg, true
}

// decodeHeaders parses the typed header block. Only string headers (type 7)
// are understood; the first unknown type stops parsing, keeping whatever was
// read so far.
func decodeHeaders(data []byte) map[string]string {
	headers := make(map[string]string)
	offset := 0
	for offset < len(data) {
		nameLen := int(data[offset])
		offset++
		if offset+nameLen > len(data) {
			break
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen

		if offset >= len(data) {
			break
		}
		valueType := data[offset]
		offset++
		if valueType != headerTypeString {
			break
		}

		if offset+2 > len(data) {
			break
		}
		valueLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+valueLen > len(data) {
			break
		}
		headers[name] = string(data[offset : offset+valueLen])
		offset += valueLen
	}
	return headers
}
