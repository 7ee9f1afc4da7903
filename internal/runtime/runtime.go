// Package runtime defines the agent execution boundary: a typed output
// stream the engine consumes event-by-event, an interrupt entry point,
// and an answer-delivery entry point for suspended tool invocations.
package runtime

import "context"

// EventKind classifies runtime output events. Closed set: the session
// engine maps each kind to exactly one outbound envelope type.
type EventKind string

const (
	EventText       EventKind = "text"
	EventReasoning  EventKind = "reasoning"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventQuestion   EventKind = "question"
	EventDone       EventKind = "done"
	EventFault      EventKind = "fault"
)

// Event is one typed unit from the runtime's output stream. A stream
// ends with exactly one EventDone or EventFault.
type Event struct {
	Kind EventKind

	// Text content for text/reasoning events.
	Text string

	// Tool invocation fields for tool_call/tool_result events. ToolID is
	// the runtime's native invocation handle.
	ToolID   string
	ToolName string
	Payload  string

	// Question is set for question events. Its ID equals the tool
	// invocation handle the answer must continue.
	Question *Question

	// Fault describes the failure for fault events.
	Fault string
}

// Question is a mid-turn request for human input.
type Question struct {
	ID       string
	Prompt   string
	Options  []string
	Required bool
}

// Runtime is the agent execution collaborator. Implementations run at
// most one turn per conversation at a time; the session engine enforces
// that before calling Start.
type Runtime interface {
	// Start begins one execution turn and returns its event stream. The
	// channel is closed after the terminal done or fault event.
	Start(ctx context.Context, conversationID, input string) (<-chan Event, error)

	// Interrupt signals the runtime to unwind the conversation's current
	// turn. The event stream still terminates normally (with done) after
	// the unwind.
	Interrupt(conversationID string) error

	// Answer delivers a human answer as a structured continuation of the
	// given tool invocation, preserving the runtime's causal link
	// between question and answer.
	Answer(conversationID, invocationID, answer string) error
}
