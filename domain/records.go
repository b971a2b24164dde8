package domain

import "fmt"

// Table names a synchronized record collection. The same names are used
// locally and remotely.
type Table string

const (
	TableProfiles   Table = "profiles"
	TableGoals      Table = "goals"
	TableMilestones Table = "milestones"
	TableTasks      Table = "tasks"
)

// SyncTables lists the tables in pull/push order. Parents come before
// children so a fresh device never applies a task before its goal.
var SyncTables = []Table{TableProfiles, TableGoals, TableMilestones, TableTasks}

// ParseTable validates a table name.
func ParseTable(s string) (Table, error) {
	switch Table(s) {
	case TableProfiles, TableGoals, TableMilestones, TableTasks:
		return Table(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTable, s)
}

// CreationSource records how a record came to exist.
type CreationSource string

const (
	SourceSpark  CreationSource = "spark"
	SourceManual CreationSource = "manual"
)

// RecordMeta holds the columns shared by every record. Timestamps are
// milliseconds since the Unix epoch.
type RecordMeta struct {
	ID             string
	UserID         string
	CreatedAt      int64
	UpdatedAt      int64
	CreationSource CreationSource
}

// Record is one of *Profile, *Goal, *Milestone or *Task.
type Record interface {
	Table() Table
	Meta() *RecordMeta
	record()
}

type Profile struct {
	RecordMeta
	DisplayName string
	Timezone    string
}

type Goal struct {
	RecordMeta
	Title       string
	Description string
	TargetDate  string
	IsComplete  bool
	CompletedAt *int64
}

type Milestone struct {
	RecordMeta
	GoalID      string
	Title       string
	TargetDate  string
	OrderIndex  int
	IsComplete  bool
	CompletedAt *int64
}

// Task is the unit the extension shows and completes. ScheduledDate is a
// calendar day (YYYY-MM-DD) in the user's local time.
type Task struct {
	RecordMeta
	GoalID           string
	MilestoneID      string
	Title            string
	Notes            string
	ScheduledDate    string
	IsFrog           bool
	EstimatedMinutes int
	OrderIndex       int
	IsComplete       bool
	CompletedAt      *int64
}

func (*Profile) Table() Table   { return TableProfiles }
func (*Goal) Table() Table      { return TableGoals }
func (*Milestone) Table() Table { return TableMilestones }
func (*Task) Table() Table      { return TableTasks }

func (p *Profile) Meta() *RecordMeta   { return &p.RecordMeta }
func (g *Goal) Meta() *RecordMeta      { return &g.RecordMeta }
func (m *Milestone) Meta() *RecordMeta { return &m.RecordMeta }
func (t *Task) Meta() *RecordMeta      { return &t.RecordMeta }

func (*Profile) record()   {}
func (*Goal) record()      {}
func (*Milestone) record() {}
func (*Task) record()      {}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// SameMillis reports whether two optional timestamps are equal.
func SameMillis(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
