package domain

// Resolution names which side won a completion conflict.
type Resolution string

const (
	ResolutionAppWins     Resolution = "app_wins"
	ResolutionWidgetWins  Resolution = "widget_wins"
	ResolutionMergeLatest Resolution = "merge_latest"
)

const (
	ReasonStatesMatch    = "states match"
	ReasonAppNewer       = "app more recent"
	ReasonWidgetNewer    = "widget more recent"
	ReasonUncompleteWins = "widget uncomplete overrides app completion"
	ReasonCompleteWins   = "widget complete overrides incomplete app state"
	ReasonMergeLatest    = "equal timestamps, applying widget state"
)

// AppState is the local database's view of a task.
type AppState struct {
	IsComplete   bool   `json:"isComplete"`
	CompletedAt  *int64 `json:"completedAt,omitempty"`
	LastModified int64  `json:"lastModified"`
}

// WidgetState is the extension's requested view of a task.
type WidgetState struct {
	IsComplete  bool   `json:"isComplete"`
	CompletedAt *int64 `json:"completedAt,omitempty"`
}

// ConflictResolution records how one completion event was settled. It is
// returned for logging and never stored.
type ConflictResolution struct {
	TaskID      string      `json:"taskId"`
	AppState    AppState    `json:"appState"`
	WidgetState WidgetState `json:"widgetState"`
	Resolution  Resolution  `json:"resolution"`
	Reason      string      `json:"reason"`
}

// Writes reports whether the resolution changes the local record.
func (c ConflictResolution) Writes() bool {
	return c.Resolution == ResolutionWidgetWins || c.Resolution == ResolutionMergeLatest
}

// AppStateOf captures a task's completion state.
func AppStateOf(t *Task) AppState {
	return AppState{IsComplete: t.IsComplete, CompletedAt: copyMillis(t.CompletedAt), LastModified: t.UpdatedAt}
}

// DecideCompletion settles one completion event against the app's state.
// It is pure: the same inputs always give the same resolution and reason.
func DecideCompletion(app AppState, ev CompletionEvent) ConflictResolution {
	widget := ev.WidgetState()
	res := ConflictResolution{TaskID: ev.TaskID, AppState: app, WidgetState: widget}
	switch {
	case app.IsComplete == widget.IsComplete:
		res.Resolution, res.Reason = ResolutionAppWins, ReasonStatesMatch
	case app.LastModified > ev.CompletedAt:
		res.Resolution, res.Reason = ResolutionAppWins, ReasonAppNewer
	case ev.CompletedAt > app.LastModified:
		res.Resolution, res.Reason = ResolutionWidgetWins, ReasonWidgetNewer
	case ev.Action == ActionUncomplete && app.IsComplete:
		res.Resolution, res.Reason = ResolutionWidgetWins, ReasonUncompleteWins
	case ev.Action == ActionComplete && !app.IsComplete:
		res.Resolution, res.Reason = ResolutionWidgetWins, ReasonCompleteWins
	default:
		res.Resolution, res.Reason = ResolutionMergeLatest, ReasonMergeLatest
	}
	return res
}
