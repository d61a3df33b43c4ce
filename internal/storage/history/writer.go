// Package history appends one NDJSON record per terminal job. Records are
// queued in memory and flushed by a background goroutine so the engine's
// critical section never waits on disk.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

// Writer is an append-only NDJSON job history sink. Append is non-blocking;
// the queue is unbounded so no terminal record is ever dropped. Close drains
// the queue before closing the file.
type Writer struct {
	logger *common.Logger
	path   string

	mu      sync.Mutex
	pending []models.HistoryRecord
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	file *os.File
}

// NewWriter opens (or creates) the NDJSON file at path and starts the flush
// goroutine.
func NewWriter(logger *common.Logger, path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history path %s: %w", filepath.Dir(path), err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file %s: %w", path, err)
	}

	w := &Writer{
		logger: logger,
		path:   path,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		file:   file,
	}
	go w.run()

	logger.Info().Str("path", path).Msg("Job history opened")
	return w, nil
}

// Append queues a record for writing. It never blocks and never fails after
// construction; disk errors are logged by the flush goroutine.
func (w *Writer) Append(record models.HistoryRecord) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("history writer is closed")
	}
	w.pending = append(w.pending, record)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close drains queued records and closes the file. Safe to call once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
	return w.file.Close()
}

// run flushes batches until Close marks the writer closed and the queue is
// empty.
func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		closed := w.closed
		w.mu.Unlock()

		w.flush(batch)

		if closed {
			// One more sweep in case Append raced the closed flag.
			w.mu.Lock()
			batch = w.pending
			w.pending = nil
			w.mu.Unlock()
			w.flush(batch)
			return
		}

		<-w.wake
	}
}

func (w *Writer) flush(batch []models.HistoryRecord) {
	for _, record := range batch {
		line, err := json.Marshal(record)
		if err != nil {
			w.logger.Warn().Str("job_id", record.JobID).Err(err).Msg("Failed to encode history record")
			continue
		}
		line = append(line, '\n')
		if _, err := w.file.Write(line); err != nil {
			w.logger.Warn().Str("job_id", record.JobID).Err(err).Msg("Failed to write history record")
		}
	}
}
