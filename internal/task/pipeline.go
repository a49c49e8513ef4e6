package task

import (
	"context"
	"log/slog"
	"maps"

	"github.com/iambrandonn/orca/internal/eventlog"
	"github.com/iambrandonn/orca/internal/executor"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/stream"
)

// pipeline is one task's trip from QUEUED to a terminal status.
type pipeline struct {
	m      *Manager
	lt     *liveTask
	log    *eventlog.EventLog
	logger *slog.Logger
}

func (m *Manager) execute(ctx context.Context, lt *liveTask) {
	t := lt.snapshot()
	p := &pipeline{m: m, lt: lt, logger: m.logger.With("task_id", t.ID)}
	defer m.retire(lt)

	if t.OutputLog != "" {
		l, err := eventlog.NewEventLog(t.OutputLog, p.logger)
		if err != nil {
			p.logger.Error("event log unavailable, continuing without it", "error", err)
		} else {
			p.log = l
			defer l.Close()
			lt.mu.Lock()
			lt.logPath = t.OutputLog
			lt.mu.Unlock()
		}
	}

	handle, err := m.containers.Acquire(ctx, t.ID)
	if err != nil {
		p.fail(ctx, protocol.AsTaskError(err, protocol.KindContainerAcquisition))
		return
	}
	defer m.containers.Release(t.ID)

	lt.mu.Lock()
	if lt.canceled {
		lt.mu.Unlock()
		return
	}
	if err := lt.task.assignContainer(handle.Name); err != nil {
		lt.mu.Unlock()
		p.fail(ctx, protocol.NewTaskError(protocol.KindContainerAcquisition, err, "bind container"))
		return
	}
	err = m.transitionLocked(ctx, lt, protocol.TaskRunning, nil)
	lt.mu.Unlock()
	if err != nil {
		p.logger.Error("could not start task", "error", err)
		return
	}

	run, err := m.runner.Start(ctx, executor.Request{
		Handle:  handle,
		Prompt:  t.Prompt,
		RepoRef: t.RepoRef,
	})
	if err != nil {
		p.fail(ctx, protocol.AsTaskError(err, protocol.KindAgentExit))
		return
	}

	events := stream.Start(ctx, t.ID, run.Output(), m.opts.Stream, p.logger)
	lt.mu.Lock()
	lt.run = run
	lt.events = events
	lt.mu.Unlock()

	var (
		done     protocol.Event
		gotDone  bool
		lastText string
	)
	for evt := range events.Events() {
		if evt.IsTerminal() {
			done, gotDone = evt, true
			break
		}
		if evt.Type == protocol.EventAssistantText {
			lastText = evt.String(protocol.PayloadText)
		}
		p.publish(ctx, evt)
	}

	res := run.Wait()
	stats := events.Stats()
	p.logger.Info("agent output finished",
		"records", stats.Records,
		"malformed", stats.Malformed,
		"dropped", stats.Dropped,
		"exit_code", res.ExitCode)

	p.finish(ctx, res, done, gotDone, lastText)
}

// publish records and fans out one event. input_request also moves the
// task to AWAITING_INPUT when the agent can be answered.
func (p *pipeline) publish(ctx context.Context, evt protocol.Event) {
	lt := p.lt
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.canceled || lt.closed {
		return
	}
	if evt.Type == protocol.EventInputRequest && lt.task.Status == protocol.TaskRunning &&
		lt.run != nil && lt.run.AcceptsInput() {
		if err := p.m.transitionLocked(ctx, lt, protocol.TaskAwaitingInput, nil); err != nil {
			p.logger.Warn("input request ignored", "error", err)
		}
	}
	p.appendLocked(evt)
}

func (p *pipeline) appendLocked(evt protocol.Event) {
	if p.log != nil {
		if err := p.log.Write(evt); err != nil {
			p.logger.Error("failed to write event log", "seq", evt.Seq, "error", err)
		}
	}
	p.lt.appendLocked(evt)
}

// finish decides the outcome once the agent has exited. Success needs a
// zero exit and an explicit, non-error terminal record.
func (p *pipeline) finish(ctx context.Context, res executor.Result, done protocol.Event, gotDone bool, lastText string) {
	lt := p.lt
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.canceled {
		return
	}

	failure := outcome(res, done, gotDone)
	if !gotDone {
		done = protocol.Event{
			TaskID:  lt.task.ID,
			Seq:     lt.lastSeq + 1,
			Type:    protocol.EventDone,
			Payload: map[string]any{protocol.PayloadTerminal: false},
		}
	}
	if done.OccurredAt.IsZero() {
		done.OccurredAt = p.m.opts.Now()
	}

	result := done.String(protocol.PayloadResult)
	if result == "" {
		result = lastText
	}
	lt.task.Result = result

	status := protocol.TaskSucceeded
	if failure != nil {
		status = protocol.TaskFailed
	}
	if err := p.m.transitionLocked(ctx, lt, status, failure); err != nil {
		p.logger.Error("could not finish task", "error", err)
		lt.closeLocked()
		return
	}

	done.Payload = annotate(done.Payload, status, failure, res.ExitCode)
	p.appendLocked(done)

	if failure != nil {
		p.logger.Warn("task failed", "kind", failure.Kind, "error", failure.Message)
	} else {
		p.logger.Info("task succeeded", "duration", res.Duration)
	}
}

// fail ends a task that never produced agent output: one error event, then
// done.
func (p *pipeline) fail(ctx context.Context, failure *protocol.TaskError) {
	lt := p.lt
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.canceled {
		return
	}
	if err := p.m.transitionLocked(ctx, lt, protocol.TaskFailed, failure); err != nil {
		p.logger.Error("could not fail task", "error", err)
		lt.closeLocked()
		return
	}
	p.logger.Warn("task failed", "kind", failure.Kind, "error", failure.Message)

	now := p.m.opts.Now()
	p.appendLocked(protocol.Event{
		TaskID: lt.task.ID,
		Seq:    lt.lastSeq + 1,
		Type:   protocol.EventError,
		Payload: map[string]any{
			protocol.PayloadMessage:   failure.Message,
			protocol.PayloadErrorKind: string(failure.Kind),
		},
		OccurredAt: now,
	})
	p.appendLocked(protocol.Event{
		TaskID:     lt.task.ID,
		Seq:        lt.lastSeq + 1,
		Type:       protocol.EventDone,
		Payload:    annotate(map[string]any{protocol.PayloadTerminal: false}, protocol.TaskFailed, failure, failure.ExitCode),
		OccurredAt: now,
	})
}

func outcome(res executor.Result, done protocol.Event, gotDone bool) *protocol.TaskError {
	switch {
	case res.Err != nil:
		return res.Err
	case !gotDone || !done.Bool(protocol.PayloadTerminal):
		return protocol.NewTaskError(protocol.KindAgentExit, nil, "agent exited without reporting a result")
	case done.Bool(protocol.PayloadIsError):
		msg := done.String(protocol.PayloadResult)
		if msg == "" {
			msg = "agent reported an error"
		}
		return protocol.NewTaskError(protocol.KindAgentExit, nil, "%s", msg)
	default:
		return nil
	}
}

func annotate(payload map[string]any, status protocol.TaskStatus, failure *protocol.TaskError, exitCode int) map[string]any {
	out := maps.Clone(payload)
	if out == nil {
		out = make(map[string]any)
	}
	out[protocol.PayloadStatus] = string(status)
	out[protocol.PayloadExitCode] = exitCode
	if failure != nil {
		out[protocol.PayloadError] = failure.Message
		out[protocol.PayloadErrorKind] = string(failure.Kind)
	}
	return out
}

func (m *Manager) retire(lt *liveTask) {
	lt.mu.Lock()
	lt.closeLocked()
	id := lt.task.ID
	lt.mu.Unlock()
	lt.cancel()

	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}
