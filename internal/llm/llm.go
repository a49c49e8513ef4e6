// Package llm is the port to the hosted language model used for quick
// answers and classification.
package llm

import (
	"context"
	"errors"

	"github.com/iambrandonn/orca/internal/protocol"
)

// ErrNoCredential is returned when the model is called without an API key.
var ErrNoCredential = errors.New("model credential is not configured")

// Message is one conversational turn sent to the model.
type Message struct {
	Role protocol.Role
	Text string
}

// Request is a single completion call
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int64
}

// Model completes a conversation with a single text answer.
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// FromTurns converts session history into model messages.
func FromTurns(turns []protocol.Turn) []Message {
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, Message{Role: t.Role, Text: t.Text})
	}
	return msgs
}

// normalize drops empty messages, merges consecutive messages from the same
// role and makes sure the conversation opens with the user.
func normalize(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Text += "\n\n" + m.Text
			continue
		}
		out = append(out, m)
	}
	for len(out) > 0 && out[0].Role != protocol.RoleUser {
		out = out[1:]
	}
	return out
}
