// Package conflict settles disagreements between the extension's view of
// task completion and the local database.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"goals-sync/domain"
)

// TaskStore is the local database as seen by the resolver.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	SetTaskCompletion(ctx context.Context, id string, complete bool, completedAt *int64) error
	TasksForDay(ctx context.Context, userID, day string) ([]*domain.Task, error)
}

// ProjectionStore reads and replaces the shared projection.
type ProjectionStore interface {
	GetWidgetData(ctx context.Context) (*domain.Projection, error)
	UpdateWidgetData(ctx context.Context, frog *domain.TaskSummary, regular []domain.TaskSummary) error
}

// Identity resolves the current user.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// Resolver applies completion events and repairs projection drift.
type Resolver struct {
	tasks      TaskStore
	projection ProjectionStore
	identity   Identity
	logger     *log.Logger
	now        func() time.Time
}

func New(tasks TaskStore, projection ProjectionStore, identity Identity, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Resolver{tasks: tasks, projection: projection, identity: identity, logger: logger, now: time.Now}
}

// ResolveTaskConflicts settles each event against the task's local state.
// Invalid events are rejected first; the valid events for one task then
// collapse to the latest one. widget_wins and
// merge_latest write the widget state; app_wins writes nothing. Per-event
// failures are joined into the returned error and never stop the batch.
func (r *Resolver) ResolveTaskConflicts(ctx context.Context, events []domain.CompletionEvent) ([]domain.ConflictResolution, error) {
	var errs []error
	valid := make([]domain.CompletionEvent, 0, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, ev)
	}
	resolutions := make([]domain.ConflictResolution, 0, len(valid))
	for _, ev := range latestPerTask(valid) {
		task, err := r.tasks.GetTask(ctx, ev.TaskID)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", ev.TaskID, err))
			continue
		}
		res := domain.DecideCompletion(domain.AppStateOf(task), ev)
		if res.Writes() {
			if err := r.tasks.SetTaskCompletion(ctx, ev.TaskID, res.WidgetState.IsComplete, res.WidgetState.CompletedAt); err != nil {
				errs = append(errs, fmt.Errorf("apply %s to task %s: %w", res.Resolution, ev.TaskID, err))
				continue
			}
		}
		r.logger.WithFields(log.Fields{
			"task":       ev.TaskID,
			"action":     ev.Action,
			"resolution": res.Resolution,
			"reason":     res.Reason,
		}).Debug("completion conflict resolved")
		resolutions = append(resolutions, res)
	}
	return resolutions, errors.Join(errs...)
}

// latestPerTask keeps one event per task: the one with the greatest
// CompletedAt, later queue position winning ties. Order of first
// appearance is kept.
func latestPerTask(events []domain.CompletionEvent) []domain.CompletionEvent {
	index := make(map[string]int, len(events))
	out := make([]domain.CompletionEvent, 0, len(events))
	for _, ev := range events {
		i, seen := index[ev.TaskID]
		if !seen {
			index[ev.TaskID] = len(out)
			out = append(out, ev)
			continue
		}
		if ev.CompletedAt >= out[i].CompletedAt {
			out[i] = ev
		}
	}
	return out
}

// Inconsistency is one disagreement between projection and database.
type Inconsistency struct {
	TaskID string `json:"taskId"`
	Kind   string `json:"kind"`
}

const (
	KindCompletionMismatch    = "completion_mismatch"
	KindMissingFromDatabase   = "missing_from_database"
	KindMissingFromProjection = "missing_from_projection"
)

// Report summarizes a consistency sweep. Errors are collected rather than
// returned so one bad record never aborts the sweep.
type Report struct {
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	Resolved        int             `json:"resolved"`
	Errors          []string        `json:"errors,omitempty"`
}

// DetectDataInconsistencies compares the live projection with today's
// tasks in the database. Any disagreement is settled in the database's
// favour by rewriting the projection from it.
func (r *Resolver) DetectDataInconsistencies(ctx context.Context) Report {
	report := Report{Inconsistencies: []Inconsistency{}}
	userID, err := r.identity.UserID(ctx)
	if err != nil || userID == "" {
		report.Errors = append(report.Errors, fmt.Sprintf("identity: %v", domain.ErrNoIdentity))
		return report
	}
	proj, err := r.projection.GetWidgetData(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("read projection: %v", err))
		return report
	}
	if proj == nil {
		return report
	}
	today := r.now().Format(domain.DayLayout)
	tasks, err := r.tasks.TasksForDay(ctx, userID, today)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("read tasks: %v", err))
		return report
	}

	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	projected := map[string]bool{}
	for _, s := range proj.Tasks() {
		projected[s.ID] = true
		t, ok := byID[s.ID]
		switch {
		case !ok:
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{TaskID: s.ID, Kind: KindMissingFromDatabase})
		case t.IsComplete != s.IsComplete || !domain.SameMillis(t.CompletedAt, s.CompletedAt):
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{TaskID: s.ID, Kind: KindCompletionMismatch})
		}
	}
	for _, t := range tasks {
		if !projected[t.ID] {
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{TaskID: t.ID, Kind: KindMissingFromProjection})
		}
	}
	if len(report.Inconsistencies) == 0 {
		return report
	}

	frog, regular := domain.SplitTasks(tasks)
	if err := r.projection.UpdateWidgetData(ctx, frog, regular); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("rewrite projection: %v", err))
		return report
	}
	report.Resolved = len(report.Inconsistencies)
	r.logger.WithFields(log.Fields{
		"inconsistencies": len(report.Inconsistencies),
		"resolved":        report.Resolved,
	}).Info("projection repaired from database")
	return report
}
