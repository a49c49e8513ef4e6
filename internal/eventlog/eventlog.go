// Package eventlog persists each task's events as NDJSON so finished tasks
// can be replayed.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/orca/internal/ndjson"
	"github.com/iambrandonn/orca/internal/protocol"
)

// PathFor returns the log file for a task under dir.
func PathFor(dir, taskID string) string {
	return filepath.Join(dir, taskID+".ndjson")
}

// EventLog appends events to an NDJSON file
type EventLog struct {
	path    string
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog opens the log at logPath for appending, creating it if needed.
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		path:    logPath,
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Path is the file being written
func (l *EventLog) Path() string {
	return l.path
}

// Write appends one event
func (l *EventLog) Write(evt protocol.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event log is closed")
	}
	return l.encoder.Encode(evt)
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadEvents reads every event in the log at path, in file order.
func ReadEvents(path string, logger *slog.Logger) ([]protocol.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	decoder := ndjson.NewDecoder(file, logger)
	var events []protocol.Event
	for {
		var evt protocol.Event
		err := decoder.Decode(&evt)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read event log %s: %w", path, err)
		}
		events = append(events, evt)
	}
}

// ReadRange reads the events with after < seq < before, in file order. It
// stops at the first event at or past before, so a line still being written
// behind that point is never read.
func ReadRange(path string, after, before int64, logger *slog.Logger) ([]protocol.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	decoder := ndjson.NewDecoder(file, logger)
	var events []protocol.Event
	for {
		var evt protocol.Event
		err := decoder.Decode(&evt)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read event log %s: %w", path, err)
		}
		if evt.Seq >= before {
			return events, nil
		}
		if evt.Seq > after {
			events = append(events, evt)
		}
	}
}

// Terminal returns the done event, if the log has one.
func Terminal(events []protocol.Event) (protocol.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].IsTerminal() {
			return events[i], true
		}
	}
	return protocol.Event{}, false
}
