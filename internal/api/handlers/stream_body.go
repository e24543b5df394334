package handlers

import (
	"errors"
	"io"
	"sync"
	"time"
)

var (
	errBodyClosed   = errors.New("response body closed by server")
	errWriteTimeout = errors.New("response write timed out")
)

// streamBody is the response body of a streamed chat exchange. The relay
// writes chunks; fasthttp reads them and sends each one as an HTTP chunk.
//
// Writes are unbuffered: Write returns once fasthttp has taken the chunk, so a
// stalled or departed client shows up as a write error or timeout. Closing
// with an error makes Read fail, and fasthttp then aborts the connection
// without the terminating chunk, which clients see as a broken transfer.
type streamBody struct {
	chunks       chan []byte
	finished     chan struct{}
	released     chan struct{}
	writeTimeout time.Duration

	finishOnce  sync.Once
	releaseOnce sync.Once
	err         error

	buf []byte
}

func newStreamBody(writeTimeout time.Duration) *streamBody {
	return &streamBody{
		chunks:       make(chan []byte),
		finished:     make(chan struct{}),
		released:     make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// Write hands one chunk to the response writer.
func (b *streamBody) Write(chunk string) error {
	if chunk == "" {
		return nil
	}
	timer := time.NewTimer(b.writeTimeout)
	defer timer.Stop()

	select {
	case b.chunks <- []byte(chunk):
		return nil
	case <-b.released:
		return errBodyClosed
	case <-timer.C:
		return errWriteTimeout
	}
}

// Close ends the body. A nil err finishes the response normally.
func (b *streamBody) Close(err error) {
	b.finishOnce.Do(func() {
		b.err = err
		close(b.finished)
	})
}

// Read implements io.Reader for fasthttp.
func (b *streamBody) Read(p []byte) (int, error) {
	if len(b.buf) > 0 {
		n := copy(p, b.buf)
		b.buf = b.buf[n:]
		return n, nil
	}

	select {
	case chunk := <-b.chunks:
		return b.take(p, chunk), nil
	case <-b.finished:
	}

	// A writer blocked in Write may still be racing the close.
	select {
	case chunk := <-b.chunks:
		return b.take(p, chunk), nil
	default:
	}
	if b.err != nil {
		return 0, b.err
	}
	return 0, io.EOF
}

func (b *streamBody) take(p, chunk []byte) int {
	n := copy(p, chunk)
	if n < len(chunk) {
		b.buf = chunk[n:]
	}
	return n
}

// closeReader is called by fasthttp, through readCloser, when the response is
// done or the client went away. Pending and later writes fail from then on.
func (b *streamBody) closeReader() {
	b.releaseOnce.Do(func() { close(b.released) })
}

// readCloser adapts streamBody to io.ReadCloser without clashing with the
// ChunkWriter Close(error) method.
type readCloser struct {
	*streamBody
}

func (r readCloser) Close() error {
	r.closeReader()
	return nil
}
