package utils

import (
	"bytes"
	"sync"
)

// maxPooledBufferSize caps what goes back into the pool. A frame carrying an
// unusually large delta would otherwise pin its buffer for the process
// lifetime.
const maxPooledBufferSize = 64 * 1024

// bufferPool recycles the scratch buffers used to assemble SSE frames on the
// streaming hot path.
var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBuffer retrieves a buffer from the pool.
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// PutBuffer resets the buffer and returns it to the pool. Oversized buffers
// are dropped.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
