package api

import (
	"bytes"
	"sync"
)

// maxPooledBuffer bounds the buffers kept for reuse; larger ones go to the GC
const maxPooledBuffer = 64 * 1024

// bufferPool reuses request body buffers across completion calls
var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// getBuffer returns an empty buffer; release it with putBuffer
func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= maxPooledBuffer {
		bufferPool.Put(buf)
	}
}
