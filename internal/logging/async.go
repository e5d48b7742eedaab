// internal/logging/async.go
package logging

import (
	"io"
	"sync"
	"time"
)

// AsyncWriter decouples log writes from disk I/O. Writes are queued on a
// buffered channel and a background goroutine drains them in batches. A full
// queue blocks the writer rather than dropping records.
type AsyncWriter struct {
	writer   io.Writer
	queue    chan []byte
	ticker   *time.Ticker
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool

	batchSize int
}

// AsyncWriterConfig holds AsyncWriter tuning knobs.
type AsyncWriterConfig struct {
	// BufferSize is the queue capacity (default 10000).
	BufferSize int
	// BatchSize is how many entries accumulate before a write (default 100).
	BatchSize int
	// FlushTimeout is the longest a partial batch waits (default 100ms).
	FlushTimeout time.Duration
}

// DefaultAsyncWriterConfig returns the default tuning.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		BufferSize:   10000,
		BatchSize:    100,
		FlushTimeout: 100 * time.Millisecond,
	}
}

// NewAsyncWriter wraps w with default configuration.
func NewAsyncWriter(w io.Writer) *AsyncWriter {
	return NewAsyncWriterWithConfig(w, DefaultAsyncWriterConfig())
}

// NewAsyncWriterWithConfig wraps w with the given configuration.
func NewAsyncWriterWithConfig(w io.Writer, cfg AsyncWriterConfig) *AsyncWriter {
	def := DefaultAsyncWriterConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}

	aw := &AsyncWriter{
		writer:    w,
		queue:     make(chan []byte, cfg.BufferSize),
		ticker:    time.NewTicker(cfg.FlushTimeout),
		stopChan:  make(chan struct{}),
		batchSize: cfg.BatchSize,
	}

	aw.wg.Add(1)
	go aw.writeLoop()

	return aw
}

// Write queues p for background writing. The slice is copied because slog
// reuses its buffers.
func (aw *AsyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	aw.mu.Unlock()

	buf := make([]byte, len(p))
	copy(buf, p)

	aw.queue <- buf
	return len(p), nil
}

func (aw *AsyncWriter) writeLoop() {
	defer aw.wg.Done()

	batch := make([][]byte, 0, aw.batchSize)

	for {
		select {
		case data := <-aw.queue:
			batch = append(batch, data)
			if len(batch) >= aw.batchSize {
				aw.flush(batch)
				batch = batch[:0]
			}

		case <-aw.ticker.C:
			if len(batch) > 0 {
				aw.flush(batch)
				batch = batch[:0]
			}

		case <-aw.stopChan:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case data := <-aw.queue:
					batch = append(batch, data)
					if len(batch) >= aw.batchSize {
						aw.flush(batch)
						batch = batch[:0]
					}
				default:
					aw.flush(batch)
					return
				}
			}
		}
	}
}

func (aw *AsyncWriter) flush(batch [][]byte) {
	for _, data := range batch {
		_, _ = aw.writer.Write(data)
	}
}

// Close stops the write loop, drains the queue and closes the underlying
// writer if it is an io.Closer.
func (aw *AsyncWriter) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return nil
	}
	aw.closed = true
	aw.mu.Unlock()

	aw.ticker.Stop()
	close(aw.stopChan)
	aw.wg.Wait()

	if closer, ok := aw.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
