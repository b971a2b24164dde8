package domain

import (
	"errors"
	"testing"
)

func TestDecideCompletion(t *testing.T) {
	const t0 = int64(1_000)
	tests := []struct {
		name       string
		app        AppState
		ev         CompletionEvent
		resolution Resolution
		reason     string
	}{
		{
			name:       "states match",
			app:        AppState{IsComplete: true, LastModified: t0},
			ev:         CompletionEvent{TaskID: "t", Action: ActionComplete, CompletedAt: t0 + 50},
			resolution: ResolutionAppWins,
			reason:     ReasonStatesMatch,
		},
		{
			name:       "app newer",
			app:        AppState{IsComplete: false, LastModified: t0 + 10},
			ev:         CompletionEvent{TaskID: "t", Action: ActionComplete, CompletedAt: t0},
			resolution: ResolutionAppWins,
			reason:     ReasonAppNewer,
		},
		{
			name:       "widget newer",
			app:        AppState{IsComplete: false, LastModified: t0},
			ev:         CompletionEvent{TaskID: "t", Action: ActionComplete, CompletedAt: t0 + 10},
			resolution: ResolutionWidgetWins,
			reason:     ReasonWidgetNewer,
		},
		{
			name:       "tie uncomplete overrides completion",
			app:        AppState{IsComplete: true, CompletedAt: Int64Ptr(t0), LastModified: t0},
			ev:         CompletionEvent{TaskID: "t", Action: ActionUncomplete, CompletedAt: t0},
			resolution: ResolutionWidgetWins,
			reason:     ReasonUncompleteWins,
		},
		{
			name:       "tie complete overrides incomplete",
			app:        AppState{IsComplete: false, LastModified: t0},
			ev:         CompletionEvent{TaskID: "t", Action: ActionComplete, CompletedAt: t0},
			resolution: ResolutionWidgetWins,
			reason:     ReasonCompleteWins,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				got := DecideCompletion(tt.app, tt.ev)
				if got.Resolution != tt.resolution || got.Reason != tt.reason {
					t.Fatalf("DecideCompletion = %s/%q, want %s/%q", got.Resolution, got.Reason, tt.resolution, tt.reason)
				}
			}
		})
	}
}

func TestDecideCompletionCarriesStates(t *testing.T) {
	app := AppState{IsComplete: false, LastModified: 5}
	res := DecideCompletion(app, CompletionEvent{TaskID: "t9", Action: ActionComplete, CompletedAt: 9})
	if res.TaskID != "t9" {
		t.Fatalf("unexpected task id %s", res.TaskID)
	}
	if !res.WidgetState.IsComplete || res.WidgetState.CompletedAt == nil || *res.WidgetState.CompletedAt != 9 {
		t.Fatalf("unexpected widget state %+v", res.WidgetState)
	}
	if !res.Writes() {
		t.Fatalf("widget_wins should write")
	}
}

func TestCompletionEventValidate(t *testing.T) {
	if err := (CompletionEvent{TaskID: "t", Action: ActionUncomplete}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (CompletionEvent{Action: ActionComplete}).Validate(); !errors.Is(err, ErrInvalidCompletion) {
		t.Fatalf("expected invalid completion for missing id, got %v", err)
	}
	if err := (CompletionEvent{TaskID: "t", Action: "toggle"}).Validate(); !errors.Is(err, ErrInvalidCompletion) {
		t.Fatalf("expected invalid completion for bad action, got %v", err)
	}
}

func TestUncompleteWidgetStateClearsTimestamp(t *testing.T) {
	ws := CompletionEvent{TaskID: "t", Action: ActionUncomplete, CompletedAt: 42}.WidgetState()
	if ws.IsComplete || ws.CompletedAt != nil {
		t.Fatalf("unexpected widget state %+v", ws)
	}
}
