// Package dispatch routes inbound channel messages: quick questions are
// answered by the model from session history, tasks go to the task manager.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/orca/internal/classify"
	"github.com/iambrandonn/orca/internal/llm"
	"github.com/iambrandonn/orca/internal/protocol"
	"github.com/iambrandonn/orca/internal/session"
	"github.com/iambrandonn/orca/internal/task"
)

const (
	DefaultHistoryTurns = 20

	defaultSystemPrompt = "You are orca, a helpful engineering assistant. Answer concisely."
)

// ErrInvalidMessage is returned for messages without a channel or text.
var ErrInvalidMessage = errors.New("invalid message")

// Classifier decides what a message is
type Classifier interface {
	Classify(ctx context.Context, text string) classify.Intent
}

// Tasks is the part of the task manager the dispatcher drives
type Tasks interface {
	Submit(ctx context.Context, req task.SubmitRequest) (task.Task, error)
	Subscribe(ctx context.Context, taskID string) (<-chan protocol.Event, error)
	Wait(ctx context.Context, taskID string) (task.Task, error)
}

// Inbound is one message from a channel
type Inbound struct {
	ChannelID string
	Text      string
	Timestamp time.Time
}

// Reply is either a QuickReply or a TaskReply.
type Reply interface {
	Kind() string
	reply()
}

// QuickReply carries the model's direct answer
type QuickReply struct {
	Answer string
}

func (QuickReply) Kind() string { return classify.KindQuickQuery }
func (QuickReply) reply()       {}

// TaskReply carries the submitted task and its event stream. Events closes
// after done or when the Handle context ends.
type TaskReply struct {
	TaskID string
	Events <-chan protocol.Event
}

func (TaskReply) Kind() string { return classify.KindTaskExecution }
func (TaskReply) reply()       {}

// Options configures a Dispatcher
type Options struct {
	HistoryTurns int
	MaxTokens    int64
	SystemPrompt string
}

// Dispatcher handles inbound messages
type Dispatcher struct {
	sessions   session.Store
	classifier Classifier
	model      llm.Model
	tasks      Tasks
	opts       Options
	logger     *slog.Logger

	wg sync.WaitGroup
}

// New creates a Dispatcher.
func New(sessions session.Store, classifier Classifier, model llm.Model, tasks Tasks, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = DefaultHistoryTurns
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Dispatcher{
		sessions:   sessions,
		classifier: classifier,
		model:      model,
		tasks:      tasks,
		opts:       opts,
		logger:     logger,
	}
}

// Handle records the message in the channel's session and routes it.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) (Reply, error) {
	if in.ChannelID == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidMessage)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	if err := d.sessions.Append(ctx, in.ChannelID, protocol.Turn{
		Role:      protocol.RoleUser,
		Text:      text,
		Timestamp: in.Timestamp,
	}); err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}

	switch intent := d.classifier.Classify(ctx, text).(type) {
	case classify.QuickQuery:
		return d.answer(ctx, in.ChannelID)
	case classify.TaskExecution:
		return d.submit(ctx, in.ChannelID, intent)
	default:
		return nil, fmt.Errorf("unknown intent %T", intent)
	}
}

func (d *Dispatcher) answer(ctx context.Context, channelID string) (Reply, error) {
	if d.model == nil {
		return nil, llm.ErrNoCredential
	}
	history, err := d.sessions.History(ctx, channelID, d.opts.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	answer, err := d.model.Complete(ctx, llm.Request{
		System:    d.opts.SystemPrompt,
		Messages:  llm.FromTurns(history),
		MaxTokens: d.opts.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("answer quick query: %w", err)
	}

	if err := d.sessions.Append(ctx, channelID, protocol.Turn{Role: protocol.RoleAssistant, Text: answer}); err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}
	return QuickReply{Answer: answer}, nil
}

func (d *Dispatcher) submit(ctx context.Context, channelID string, intent classify.TaskExecution) (Reply, error) {
	t, err := d.tasks.Submit(ctx, task.SubmitRequest{
		ChannelID: channelID,
		Prompt:    intent.Prompt,
		RepoRef:   intent.RepoRef,
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("task submitted", "task_id", t.ID, "channel_id", channelID, "source", intent.Source)

	events, err := d.tasks.Subscribe(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.summarize(context.WithoutCancel(ctx), channelID, t.ID)
	}()
	return TaskReply{TaskID: t.ID, Events: events}, nil
}

// summarize appends one assistant turn describing how the task ended.
func (d *Dispatcher) summarize(ctx context.Context, channelID, taskID string) {
	t, err := d.tasks.Wait(ctx, taskID)
	if err != nil {
		d.logger.Warn("could not wait for task", "task_id", taskID, "error", err)
		return
	}
	if err := d.sessions.Append(ctx, channelID, protocol.Turn{Role: protocol.RoleAssistant, Text: Summary(t)}); err != nil {
		d.logger.Error("failed to record task summary", "task_id", taskID, "error", err)
	}
}

// Wait blocks until every pending task summary has been recorded.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Summary is the single session turn recorded for a finished task.
func Summary(t task.Task) string {
	switch t.Status {
	case protocol.TaskSucceeded:
		if t.Result != "" {
			return t.Result
		}
		return fmt.Sprintf("Task %s finished.", t.ID)
	case protocol.TaskFailed:
		if t.Error != nil {
			return fmt.Sprintf("Task %s failed: %s", t.ID, t.Error.Message)
		}
		return fmt.Sprintf("Task %s failed.", t.ID)
	case protocol.TaskCanceled:
		return fmt.Sprintf("Task %s was canceled.", t.ID)
	default:
		return fmt.Sprintf("Task %s is %s.", t.ID, t.Status)
	}
}
