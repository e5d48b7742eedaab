// internal/logging/async_test.go
package logging

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter collects writes and remembers whether Close was called.
type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	w.writes = append(w.writes, buf)
	return len(p), nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func TestAsyncWriter_WritesReachUnderlying(t *testing.T) {
	rw := &recordingWriter{}
	aw := NewAsyncWriterWithConfig(rw, AsyncWriterConfig{
		BufferSize:   100,
		BatchSize:    10,
		FlushTimeout: 10 * time.Millisecond,
	})

	_, err := aw.Write([]byte("entry one\n"))
	require.NoError(t, err)
	_, err = aw.Write([]byte("entry two\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rw.count() == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, aw.Close())
}

func TestAsyncWriter_BatchFlush(t *testing.T) {
	rw := &recordingWriter{}
	aw := NewAsyncWriterWithConfig(rw, AsyncWriterConfig{
		BufferSize:   100,
		BatchSize:    5,
		FlushTimeout: 10 * time.Second, // ticker will not fire in this test
	})
	defer aw.Close()

	for i := 0; i < 5; i++ {
		_, err := aw.Write([]byte("x"))
		require.NoError(t, err)
	}

	// A full batch flushes without waiting for the ticker.
	require.Eventually(t, func() bool {
		return rw.count() == 5
	}, time.Second, 5*time.Millisecond)
}

func TestAsyncWriter_CloseDrainsAndClosesUnderlying(t *testing.T) {
	rw := &recordingWriter{}
	aw := NewAsyncWriterWithConfig(rw, AsyncWriterConfig{
		BufferSize:   100,
		BatchSize:    50,
		FlushTimeout: 10 * time.Second,
	})

	for i := 0; i < 7; i++ {
		_, err := aw.Write([]byte("queued"))
		require.NoError(t, err)
	}

	require.NoError(t, aw.Close())

	assert.Equal(t, 7, rw.count(), "Close should drain queued entries")
	assert.True(t, rw.closed, "Close should close the underlying writer")
}

func TestAsyncWriter_WriteAfterClose(t *testing.T) {
	aw := NewAsyncWriter(&recordingWriter{})
	require.NoError(t, aw.Close())

	_, err := aw.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestAsyncWriter_DoubleClose(t *testing.T) {
	aw := NewAsyncWriter(&recordingWriter{})
	require.NoError(t, aw.Close())
	require.NoError(t, aw.Close())
}
