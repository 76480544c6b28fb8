package proxy

import (
	"io"
	"sync"
)

// copyBufferSize matches the buffer io.Copy allocates internally.
const copyBufferSize = 32 * 1024

// copyBuffers holds the buffers used by tunnel and relay copy loops.
var copyBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, copyBufferSize)
		return &buf
	},
}

// pooledCopy is io.Copy with a buffer borrowed from copyBuffers.
func pooledCopy(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// readChunk reads once from src into a pooled buffer and hands the bytes to
// fn. The slice passed to fn must not be retained.
func readChunk(src io.Reader, fn func([]byte) error) (int, error) {
	buf := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(buf)

	n, err := src.Read(*buf)
	if n > 0 {
		if ferr := fn((*buf)[:n]); ferr != nil {
			return n, ferr
		}
	}
	return n, err
}
