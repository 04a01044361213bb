package runner

import (
	"encoding/json"
	"strings"
)

// Kind tags a decoded runner event. Every opaque event is decoded into
// exactly one kind at the adapter boundary; downstream code dispatches on
// the tag and never inspects raw payload shapes.
type Kind int

const (
	KindUnknown Kind = iota
	KindTextChunk
	KindToolCallStarted
	KindToolCallCompleted
	KindToolCallFailed
	KindUsageUpdate
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTextChunk:
		return "text_chunk"
	case KindToolCallStarted:
		return "tool_call_started"
	case KindToolCallCompleted:
		return "tool_call_completed"
	case KindToolCallFailed:
		return "tool_call_failed"
	case KindUsageUpdate:
		return "usage_update"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Usage carries token counters for one model response. Field names follow
// the transport's usage_metadata wire format.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CandidatesTokens int64 `json:"candidates_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ToolCall describes one tool invocation surfaced by the event stream.
type ToolCall struct {
	ID          string
	Name        string
	Args        map[string]interface{}
	Result      string
	Error       string
	LongRunning bool
}

// Event is one decoded item from a runner's event stream. Which fields are
// set depends on Kind; the textual fields mirror the shapes different
// runners use to carry output and are consulted by FinalText in preference
// order.
type Event struct {
	Kind Kind

	Parts   []string // structured text parts
	Text    string   // plain text field
	Output  string   // output field
	Message string   // message field

	Tool  *ToolCall
	Usage *Usage
	Err   error
}

// text returns the event's textual payload in preference order:
// parts, then text, then output, then message.
func (e Event) text() string {
	if len(e.Parts) > 0 {
		var nonEmpty []string
		for _, p := range e.Parts {
			if p != "" {
				nonEmpty = append(nonEmpty, p)
			}
		}
		if len(nonEmpty) > 0 {
			return strings.Join(nonEmpty, "\n")
		}
	}
	if e.Text != "" {
		return e.Text
	}
	if e.Output != "" {
		return e.Output
	}
	return e.Message
}

// FinalText extracts the last non-empty textual output from a turn's event
// stream, scanning from the most recent event backward.
func FinalText(events []Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if s := events[i].text(); s != "" {
			return s
		}
	}
	return ""
}

// LastUsage returns the most recent usage counters in the stream, scanning
// backward, or nil if no event carried any.
func LastUsage(events []Event) *Usage {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Usage != nil {
			return events[i].Usage
		}
	}
	return nil
}

// Decode turns one opaque event map into a tagged Event. Unrecognized
// shapes come back as KindUnknown rather than an error; the stream must
// keep flowing past events this version does not understand.
func Decode(raw map[string]interface{}) Event {
	if fc, ok := raw["function_call"].(map[string]interface{}); ok {
		return Event{
			Kind: KindToolCallStarted,
			Tool: &ToolCall{
				ID:   stringField(fc, "id"),
				Name: stringField(fc, "name"),
				Args: mapField(fc, "args"),
			},
		}
	}

	if fr, ok := raw["function_response"].(map[string]interface{}); ok {
		ev := Event{
			Kind: KindToolCallCompleted,
			Tool: &ToolCall{
				ID:     stringField(fr, "id"),
				Name:   stringField(fr, "name"),
				Result: FormatToolResult(fr["response"]),
			},
		}
		if errText := stringField(fr, "error"); errText != "" {
			ev.Kind = KindToolCallFailed
			ev.Tool.Error = errText
			ev.Tool.Result = ""
		}
		return ev
	}

	if um, ok := raw["usage_metadata"].(map[string]interface{}); ok {
		return Event{
			Kind: KindUsageUpdate,
			Usage: &Usage{
				PromptTokens:     intField(um, "prompt_tokens"),
				CandidatesTokens: intField(um, "candidates_tokens"),
				TotalTokens:      intField(um, "total_tokens"),
			},
		}
	}

	if parts, ok := raw["parts"].([]interface{}); ok {
		ev := Event{Kind: KindTextChunk}
		for _, p := range parts {
			if s, ok := p.(string); ok {
				ev.Parts = append(ev.Parts, s)
			}
		}
		return ev
	}
	if text := stringField(raw, "text"); text != "" {
		return Event{Kind: KindTextChunk, Text: text}
	}
	if output := stringField(raw, "output"); output != "" {
		return Event{Kind: KindTextChunk, Output: output}
	}
	if message := stringField(raw, "message"); message != "" {
		return Event{Kind: KindTextChunk, Message: message}
	}

	return Event{Kind: KindUnknown}
}

// FormatToolResult renders an arbitrary tool response value as a string
// suitable for transport payloads and history.
func FormatToolResult(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func intField(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
