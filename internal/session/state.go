package session

import "github.com/bainianlaoyao/switchboard/internal/models"

// transitions is the closed set of legal state changes. Interrupt and
// error entries are listed explicitly; there are no wildcard edges.
var transitions = map[string][]string{
	models.StateActive:       {models.StateStreaming, models.StateError},
	models.StateStreaming:    {models.StateWaitingInput, models.StateActive, models.StateInterrupted, models.StateError},
	models.StateWaitingInput: {models.StateStreaming, models.StateInterrupted, models.StateError},
	models.StateInterrupted:  {models.StateActive, models.StateError},
	models.StateError:        {models.StateStreaming, models.StateActive},
}

// canTransition reports whether from → to is a legal state change.
func canTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// acceptsInputNow reports whether a new human input may start a turn
// immediately in this state. Anything else queues the input.
func acceptsInputNow(state string) bool {
	// Error is recoverable only by a fresh turn, so input starts one.
	return state == models.StateActive || state == models.StateError
}

// interruptible reports whether an interrupt signal has a turn to unwind.
func interruptible(state string) bool {
	return state == models.StateStreaming || state == models.StateWaitingInput
}
