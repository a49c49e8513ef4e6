package task

import (
	"context"
	"log/slog"
	"sync"

	"github.com/iambrandonn/orca/internal/eventlog"
	"github.com/iambrandonn/orca/internal/executor"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/stream"
)

// liveTask is the in-memory state of a task whose pipeline is running.
// The most recent events are kept in history so any number of subscribers
// can follow at their own pace without holding up the pipeline. Once the
// event log is open, history keeps at most historyCap events and followers
// that fall behind catch up from the log.
type liveTask struct {
	cancel   context.CancelFunc
	finished chan struct{}

	mu         sync.Mutex
	task       Task
	run        *executor.Run
	events     *stream.Stream
	history    []protocol.Event
	historyCap int
	logPath    string
	lastSeq    int64
	closed     bool
	canceled   bool
	changed    chan struct{}
}

func newLiveTask(t Task, cancel context.CancelFunc, historyCap int) *liveTask {
	return &liveTask{
		cancel:     cancel,
		finished:   make(chan struct{}),
		task:       t,
		historyCap: historyCap,
		changed:    make(chan struct{}),
	}
}

func (lt *liveTask) snapshot() Task {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return clone(lt.task)
}

func (lt *liveTask) broadcastLocked() {
	close(lt.changed)
	lt.changed = make(chan struct{})
}

func (lt *liveTask) appendLocked(evt protocol.Event) {
	lt.history = append(lt.history, evt)
	if lt.logPath != "" && lt.historyCap > 0 && len(lt.history) > lt.historyCap {
		n := copy(lt.history, lt.history[len(lt.history)-lt.historyCap:])
		clear(lt.history[n:])
		lt.history = lt.history[:n]
	}
	if evt.Seq > lt.lastSeq {
		lt.lastSeq = evt.Seq
	}
	if evt.IsTerminal() {
		lt.closed = true
	}
	lt.broadcastLocked()
}

func (lt *liveTask) closeLocked() {
	if !lt.closed {
		lt.closed = true
		lt.broadcastLocked()
	}
}

// follow copies events into ch in seq order, then waits for more, until
// done, cancel or ctx.
func (lt *liveTask) follow(ctx context.Context, ch chan<- protocol.Event, logger *slog.Logger) {
	defer close(ch)

	send := func(evt protocol.Event) bool {
		select {
		case ch <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var sent int64
	for {
		lt.mu.Lock()
		if lt.canceled {
			lt.mu.Unlock()
			return
		}

		if len(lt.history) > 0 && lt.history[0].Seq > sent+1 && lt.logPath != "" {
			// fell behind the retained window
			path, first := lt.logPath, lt.history[0].Seq
			lt.mu.Unlock()
			missed, err := eventlog.ReadRange(path, sent, first, logger)
			if err != nil {
				logger.Error("subscriber lost events", "error", err, "from_seq", sent+1, "to_seq", first-1)
			}
			for _, evt := range missed {
				if !send(evt) {
					return
				}
				sent = evt.Seq
			}
			sent = max(sent, first-1)
			continue
		}

		i := 0
		for i < len(lt.history) && lt.history[i].Seq <= sent {
			i++
		}
		if i < len(lt.history) {
			evt := lt.history[i]
			lt.mu.Unlock()

			if !send(evt) {
				return
			}
			sent = evt.Seq
			if evt.IsTerminal() {
				return
			}
			continue
		}
		if lt.closed {
			lt.mu.Unlock()
			return
		}
		wait := lt.changed
		lt.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
	}
}
