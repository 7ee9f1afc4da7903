package runtime

import (
	"encoding/json"
	"strings"
)

// questionToolName is the tool the agent CLI uses to ask the human a
// question mid-turn. Invocations of it become question events instead of
// plain tool calls.
const questionToolName = "request_input"

// streamEvent is used for initial type dispatch.
type streamEvent struct {
	Type string `json:"type"`
}

// assistantEvent extracts content blocks from assistant events.
type assistantEvent struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// contentBlock is one block within an assistant message.
type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

// questionInput is the input shape of a request_input tool invocation.
type questionInput struct {
	Prompt   string   `json:"prompt"`
	Options  []string `json:"options"`
	Required bool     `json:"required"`
}

// userEvent extracts tool results from user events.
type userEvent struct {
	Message struct {
		Content []struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
		} `json:"content"`
	} `json:"message"`
}

// resultEvent extracts the terminal outcome of a turn.
type resultEvent struct {
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// ParseLine parses one stream-json line into typed events. Lines that
// are not JSON objects or carry no session-relevant content yield an
// empty slice.
func ParseLine(line string) []Event {
	line = strings.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil
	}

	var evt streamEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return nil
	}

	switch evt.Type {
	case "assistant":
		return parseAssistant(line)
	case "user":
		return parseUser(line)
	case "result":
		return parseResult(line)
	default:
		return nil
	}
}

// parseAssistant maps assistant content blocks to text, reasoning,
// tool_call, and question events.
func parseAssistant(line string) []Event {
	var a assistantEvent
	if err := json.Unmarshal([]byte(line), &a); err != nil {
		return nil
	}

	var events []Event
	for _, block := range a.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, Event{Kind: EventText, Text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				events = append(events, Event{Kind: EventReasoning, Text: block.Thinking})
			}
		case "tool_use":
			if block.Name == questionToolName {
				var qi questionInput
				if err := json.Unmarshal(block.Input, &qi); err != nil || qi.Prompt == "" {
					continue
				}
				events = append(events, Event{
					Kind: EventQuestion,
					Question: &Question{
						ID:       block.ID,
						Prompt:   qi.Prompt,
						Options:  qi.Options,
						Required: qi.Required,
					},
				})
				continue
			}
			events = append(events, Event{
				Kind:     EventToolCall,
				ToolID:   block.ID,
				ToolName: block.Name,
				Payload:  string(block.Input),
			})
		}
	}
	return events
}

// parseUser maps tool results back to tool_result events.
func parseUser(line string) []Event {
	var u userEvent
	if err := json.Unmarshal([]byte(line), &u); err != nil {
		return nil
	}

	var events []Event
	for _, block := range u.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, Event{
			Kind:    EventToolResult,
			ToolID:  block.ToolUseID,
			Payload: string(block.Content),
		})
	}
	return events
}

// parseResult maps the terminal result event to done or fault.
func parseResult(line string) []Event {
	var r resultEvent
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return nil
	}
	if r.IsError || strings.HasPrefix(r.Subtype, "error") {
		fault := r.Result
		if fault == "" {
			fault = r.Subtype
		}
		return []Event{{Kind: EventFault, Fault: fault}}
	}
	return []Event{{Kind: EventDone, Text: r.Result}}
}
