package handlers

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamBodyDeliversChunksThenEOF(t *testing.T) {
	body := newStreamBody(time.Second)

	go func() {
		for _, chunk := range []string{"Hel", "", "lo"} {
			if err := body.Write(chunk); err != nil {
				return
			}
		}
		body.Close(nil)
	}()

	got, err := io.ReadAll(readCloser{body})
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(got))
}

func TestStreamBodySplitsLargeChunks(t *testing.T) {
	body := newStreamBody(time.Second)
	go func() {
		_ = body.Write("abcdef")
		body.Close(nil)
	}()

	p := make([]byte, 4)
	n, err := body.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(p[:n]))

	n, err = body.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(p[:n]))

	_, err = body.Read(p)
	assert.Equal(t, io.EOF, err)
}

func TestStreamBodyReportsFailure(t *testing.T) {
	body := newStreamBody(time.Second)
	failure := errors.New("provider reset")

	go func() {
		_ = body.Write("Par")
		body.Close(failure)
	}()

	got, err := io.ReadAll(readCloser{body})
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, "Par", string(got))
}

func TestStreamBodyWriteFailsAfterReaderCloses(t *testing.T) {
	body := newStreamBody(time.Second)
	require.NoError(t, readCloser{body}.Close())

	assert.ErrorIs(t, body.Write("x"), errBodyClosed)
}

func TestStreamBodyWriteTimesOut(t *testing.T) {
	body := newStreamBody(20 * time.Millisecond)

	assert.ErrorIs(t, body.Write("nobody reads"), errWriteTimeout)
}

func TestStreamBodyCloseIsIdempotent(t *testing.T) {
	body := newStreamBody(time.Second)
	body.Close(nil)
	body.Close(errors.New("late"))

	_, err := body.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}
