package domain

import "sort"

// ProjectionVersion is bumped when the shared projection layout changes.
const ProjectionVersion = 1

// TaskSummary is the extension's view of a task.
type TaskSummary struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	IsComplete       bool   `json:"isComplete"`
	CompletedAt      *int64 `json:"completedAt,omitempty"`
	ScheduledDate    string `json:"scheduledDate,omitempty"`
	EstimatedMinutes int    `json:"estimatedMinutes,omitempty"`
	GoalID           string `json:"goalId,omitempty"`
}

// Projection is the denormalized snapshot of today's tasks the extension
// renders. It is always replaced whole.
type Projection struct {
	Version      int           `json:"version"`
	FrogTask     *TaskSummary  `json:"frogTask,omitempty"`
	RegularTasks []TaskSummary `json:"regularTasks"`
	LastUpdated  int64         `json:"lastUpdated"`
}

// Summarize converts a task to its projection entry.
func Summarize(t *Task) TaskSummary {
	return TaskSummary{
		ID:               t.ID,
		Title:            t.Title,
		IsComplete:       t.IsComplete,
		CompletedAt:      copyMillis(t.CompletedAt),
		ScheduledDate:    t.ScheduledDate,
		EstimatedMinutes: t.EstimatedMinutes,
		GoalID:           t.GoalID,
	}
}

// SplitTasks picks the frog and orders the remaining tasks by their
// position. When several tasks are flagged the lowest ordered one is the
// frog and the rest are shown as regular tasks.
func SplitTasks(tasks []*Task) (*TaskSummary, []TaskSummary) {
	ordered := make([]*Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].OrderIndex != ordered[j].OrderIndex {
			return ordered[i].OrderIndex < ordered[j].OrderIndex
		}
		return ordered[i].CreatedAt < ordered[j].CreatedAt
	})
	var frog *TaskSummary
	regular := make([]TaskSummary, 0, len(ordered))
	for _, t := range ordered {
		s := Summarize(t)
		if t.IsFrog && frog == nil {
			frog = &s
			continue
		}
		regular = append(regular, s)
	}
	return frog, regular
}

// Tasks returns the frog followed by the regular tasks.
func (p *Projection) Tasks() []TaskSummary {
	out := make([]TaskSummary, 0, len(p.RegularTasks)+1)
	if p.FrogTask != nil {
		out = append(out, *p.FrogTask)
	}
	return append(out, p.RegularTasks...)
}

// Find returns the projected task with the given id.
func (p *Projection) Find(id string) (*TaskSummary, bool) {
	if p.FrogTask != nil && p.FrogTask.ID == id {
		return p.FrogTask, true
	}
	for i := range p.RegularTasks {
		if p.RegularTasks[i].ID == id {
			return &p.RegularTasks[i], true
		}
	}
	return nil, false
}

// SetCompletion updates a projected task in place. It reports false when
// the task is not part of the projection.
func (p *Projection) SetCompletion(id string, complete bool, at *int64) bool {
	s, ok := p.Find(id)
	if !ok {
		return false
	}
	s.IsComplete = complete
	if complete {
		s.CompletedAt = copyMillis(at)
	} else {
		s.CompletedAt = nil
	}
	return true
}
