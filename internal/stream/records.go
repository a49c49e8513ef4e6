package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iambrandonn/orca/internal/protocol"
)

var errMalformed = errors.New("malformed record")

// draft is an event before it is sequenced.
type draft struct {
	typ     protocol.EventType
	payload map[string]any
}

// record is the union of the agent record shapes we understand: the Claude
// CLI stream-json dialect (assistant/result/system/user) and the flat
// dialect (text/tool_call/error/input_request/done).
type record struct {
	Type     string          `json:"type"`
	Subtype  string          `json:"subtype"`
	Text     string          `json:"text"`
	Message  json.RawMessage `json:"message"`
	Name     string          `json:"name"`
	ToolName string          `json:"tool_name"`
	ID       string          `json:"id"`
	Input    json.RawMessage `json:"input"`
	Args     json.RawMessage `json:"args"`
	Error    string          `json:"error"`
	Prompt   string          `json:"prompt"`
	Result   string          `json:"result"`
	IsError  bool            `json:"is_error"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// decodeRecord maps one complete record to zero or more drafts. A nil
// slice with nil error means the record was understood but carries nothing
// for the caller (system chatter, tool results echoed back as user turns).
func decodeRecord(data []byte) ([]draft, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", errMalformed)
	}

	var rec record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if rec.Type == "" {
		return nil, fmt.Errorf("%w: missing type", errMalformed)
	}

	switch rec.Type {
	case "assistant":
		return decodeAssistant(rec)

	case "text", "assistant_text":
		if rec.Text == "" {
			return nil, nil
		}
		return []draft{textDraft(rec.Text)}, nil

	case "tool", "tool_call", "tool_use":
		name := firstNonEmpty(rec.Name, rec.ToolName)
		if name == "" {
			return nil, fmt.Errorf("%w: tool call without name", errMalformed)
		}
		input := rec.Input
		if len(input) == 0 {
			input = rec.Args
		}
		d, err := toolDraft(rec.ID, name, input)
		if err != nil {
			return nil, err
		}
		return []draft{d}, nil

	case "error":
		msg := firstNonEmpty(rec.Error, rawString(rec.Message), rec.Text)
		if msg == "" {
			msg = "agent reported an error"
		}
		return []draft{errorDraft(msg)}, nil

	case "input_request":
		prompt := firstNonEmpty(rec.Prompt, rec.Text, rawString(rec.Message))
		return []draft{{
			typ:     protocol.EventInputRequest,
			payload: map[string]any{protocol.PayloadPrompt: prompt},
		}}, nil

	case "result", "done":
		isError := rec.IsError || strings.HasPrefix(rec.Subtype, "error")
		var out []draft
		if isError {
			msg := firstNonEmpty(rec.Error, rec.Result, rec.Subtype)
			if msg == "" {
				msg = "agent reported failure"
			}
			out = append(out, errorDraft(msg))
		}
		out = append(out, draft{
			typ: protocol.EventDone,
			payload: map[string]any{
				protocol.PayloadTerminal: true,
				protocol.PayloadIsError:  isError,
				protocol.PayloadResult:   rec.Result,
			},
		})
		return out, nil

	default:
		// system, user (echoed tool results) and unknown types
		return nil, nil
	}
}

func decodeAssistant(rec record) ([]draft, error) {
	if len(rec.Message) == 0 || rec.Message[0] != '{' {
		return nil, fmt.Errorf("%w: assistant record without message object", errMalformed)
	}
	var msg assistantMessage
	if err := json.Unmarshal(rec.Message, &msg); err != nil {
		return nil, fmt.Errorf("%w: assistant message: %v", errMalformed, err)
	}

	var out []draft
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				out = append(out, textDraft(block.Text))
			}
		case "tool_use":
			if block.Name == "" {
				return nil, fmt.Errorf("%w: tool_use block without name", errMalformed)
			}
			d, err := toolDraft(block.ID, block.Name, block.Input)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func textDraft(text string) draft {
	return draft{
		typ:     protocol.EventAssistantText,
		payload: map[string]any{protocol.PayloadText: text},
	}
}

func errorDraft(msg string) draft {
	return draft{
		typ:     protocol.EventError,
		payload: map[string]any{protocol.PayloadMessage: msg},
	}
}

func toolDraft(id, name string, input json.RawMessage) (draft, error) {
	payload := map[string]any{protocol.PayloadToolName: name}
	if id != "" {
		payload[protocol.PayloadToolID] = id
	}
	if len(input) > 0 {
		var args any
		if err := json.Unmarshal(input, &args); err != nil {
			return draft{}, fmt.Errorf("%w: tool input: %v", errMalformed, err)
		}
		payload[protocol.PayloadToolArgs] = args
	}
	return draft{typ: protocol.EventToolCall, payload: payload}, nil
}

// rawString returns raw decoded as a JSON string, or "" if it is not one.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
