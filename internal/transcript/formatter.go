package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iambrandonn/orca/internal/ndjson"
	"github.com/iambrandonn/orca/internal/protocol"
)

const previewBytes = 120

// Formatter formats task events and session turns for console output
type Formatter struct {
	// Verbose prints assistant text in full instead of a preview.
	Verbose bool
}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatEvent formats an event for console display
func (f *Formatter) FormatEvent(evt protocol.Event) string {
	var details string

	switch evt.Type {
	case protocol.EventAssistantText:
		details = f.text(evt.String(protocol.PayloadText))

	case protocol.EventToolCall:
		details = evt.String(protocol.PayloadToolName)
		if args, ok := evt.Payload[protocol.PayloadToolArgs]; ok && args != nil {
			if data, err := json.Marshal(args); err == nil {
				details += " " + ndjson.Preview(data, previewBytes)
			}
		}

	case protocol.EventError:
		details = evt.String(protocol.PayloadMessage)
		if kind := evt.String(protocol.PayloadErrorKind); kind != "" {
			details = fmt.Sprintf("%s (%s)", details, kind)
		}

	case protocol.EventInputRequest:
		details = evt.String(protocol.PayloadPrompt)

	case protocol.EventDone:
		details = f.done(evt)
	}

	if details != "" {
		return fmt.Sprintf("[%d] %s: %s", evt.Seq, evt.Type, details)
	}
	return fmt.Sprintf("[%d] %s", evt.Seq, evt.Type)
}

func (f *Formatter) done(evt protocol.Event) string {
	parts := []string{}
	if status := evt.String(protocol.PayloadStatus); status != "" {
		parts = append(parts, "status: "+status)
	}
	if code, ok := exitCode(evt.Payload[protocol.PayloadExitCode]); ok {
		parts = append(parts, fmt.Sprintf("exit: %d", code))
	}
	if msg := evt.String(protocol.PayloadError); msg != "" {
		parts = append(parts, "error: "+msg)
	} else if result := evt.String(protocol.PayloadResult); result != "" {
		parts = append(parts, "result: "+f.text(result))
	}
	return strings.Join(parts, ", ")
}

// FormatTurn formats one session turn
func (f *Formatter) FormatTurn(turn protocol.Turn) string {
	ts := ""
	if !turn.Timestamp.IsZero() {
		ts = turn.Timestamp.UTC().Format("15:04:05") + " "
	}
	return fmt.Sprintf("%s%s: %s", ts, turn.Role, f.text(turn.Text))
}

func (f *Formatter) text(s string) string {
	s = strings.TrimSpace(s)
	if f.Verbose {
		return s
	}
	s = strings.Join(strings.Fields(s), " ")
	return ndjson.Preview([]byte(s), previewBytes)
}

// exitCode accepts the int set live and the float64 that comes back from a
// replayed event log.
func exitCode(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
