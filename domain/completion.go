package domain

import "fmt"

// CompletionAction is what the extension asked for.
type CompletionAction string

const (
	ActionComplete   CompletionAction = "complete"
	ActionUncomplete CompletionAction = "uncomplete"
)

// SourceExtension tags events written by the extension process.
const SourceExtension = "extension"

// CompletionEvent is appended by the extension to the pending-completions
// queue and drained by the completion poller. CompletedAt is the moment the
// user acted, in epoch milliseconds, for both actions.
type CompletionEvent struct {
	TaskID      string           `json:"taskId"`
	TaskTitle   string           `json:"taskTitle,omitempty"`
	CompletedAt int64            `json:"completedAt"`
	Action      CompletionAction `json:"action"`
	Source      string           `json:"source,omitempty"`
}

// Validate checks the fields the resolver depends on.
func (e CompletionEvent) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("%w: missing taskId", ErrInvalidCompletion)
	}
	switch e.Action {
	case ActionComplete, ActionUncomplete:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCompletion, e.Action)
	}
	return nil
}

// WidgetState is the completion state the event asks for.
func (e CompletionEvent) WidgetState() WidgetState {
	if e.Action == ActionComplete {
		return WidgetState{IsComplete: true, CompletedAt: Int64Ptr(e.CompletedAt)}
	}
	return WidgetState{}
}
