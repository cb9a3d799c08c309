package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"kiro2chat/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// sseWriter emits Server-Sent Events frames and flushes after every write so
// clients see deltas as they happen.
type sseWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the streaming headers and returns a writer bound to the
// request. Proxies buffering the response would defeat streaming, hence
// X-Accel-Buffering.
func newSSEWriter(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	return &sseWriter{writer: c.Writer, flusher: flusher}
}

// WriteJSON emits one data-only frame, as used by the chat completions
// chunk protocol.
func (w *sseWriter) WriteJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal SSE payload")
		return
	}
	w.writeFrame("", data)
}

// WriteEvent emits a typed frame, as used by the messages event protocol.
func (w *sseWriter) WriteEvent(eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal SSE payload")
		return
	}
	w.writeFrame(eventType, data)
}

// writeFrame assembles the frame in a pooled buffer so each frame hits the
// connection in a single write.
func (w *sseWriter) writeFrame(eventType string, data []byte) {
	buf := utils.GetBuffer()
	defer utils.PutBuffer(buf)

	if eventType != "" {
		buf.WriteString("event: ")
		buf.WriteString(eventType)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	if _, err := w.writer.Write(buf.Bytes()); err != nil {
		logrus.WithError(err).Debug("Failed to write SSE frame, client may have disconnected")
		return
	}
	w.flush()
}

// WriteDone emits the stream terminator of the chat completions protocol.
func (w *sseWriter) WriteDone() {
	if _, err := fmt.Fprint(w.writer, "data: [DONE]\n\n"); err != nil {
		logrus.WithError(err).Debug("Failed to write SSE terminator")
		return
	}
	w.flush()
}

func (w *sseWriter) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}
