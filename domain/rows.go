package domain

import "strings"

const (
	EdmInt32 = "Edm.Int32"
	EdmInt64 = "Edm.Int64"
)

// Entity represents base table entity keys. The partition is the owning
// user and the row key is the record id.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// RowMeta holds the columns shared by every remote row. Timestamps are
// ISO-8601 UTC strings with millisecond precision so they sort lexically.
type RowMeta struct {
	Entity
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	CreationSource string `json:"creation_source,omitempty"`
}

// Row is the remote shape of a Record.
type Row interface {
	Table() Table
	Header() *RowMeta
}

type ProfileRow struct {
	RowMeta
	DisplayName string `json:"display_name,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

type GoalRow struct {
	RowMeta
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	TargetDate      string  `json:"target_date,omitempty"`
	IsComplete      bool    `json:"is_complete"`
	CompletedAt     *int64  `json:"completed_at,omitempty,string"`
	CompletedAtType *string `json:"completed_at@odata.type,omitempty"`
}

type MilestoneRow struct {
	RowMeta
	GoalID          string  `json:"goal_id"`
	Title           string  `json:"title"`
	TargetDate      string  `json:"target_date,omitempty"`
	OrderIndex      int     `json:"order_index"`
	IsComplete      bool    `json:"is_complete"`
	CompletedAt     *int64  `json:"completed_at,omitempty,string"`
	CompletedAtType *string `json:"completed_at@odata.type,omitempty"`
}

type TaskRow struct {
	RowMeta
	GoalID           string  `json:"goal_id,omitempty"`
	MilestoneID      string  `json:"milestone_id,omitempty"`
	Title            string  `json:"title"`
	Notes            string  `json:"notes,omitempty"`
	ScheduledDate    string  `json:"scheduled_date,omitempty"`
	IsFrog           bool    `json:"is_frog"`
	EstimatedMinutes int     `json:"estimated_minutes"`
	OrderIndex       int     `json:"order_index"`
	IsComplete       bool    `json:"is_complete"`
	CompletedAt      *int64  `json:"completed_at,omitempty,string"`
	CompletedAtType  *string `json:"completed_at@odata.type,omitempty"`
}

func (*ProfileRow) Table() Table   { return TableProfiles }
func (*GoalRow) Table() Table      { return TableGoals }
func (*MilestoneRow) Table() Table { return TableMilestones }
func (*TaskRow) Table() Table      { return TableTasks }

func (r *ProfileRow) Header() *RowMeta   { return &r.RowMeta }
func (r *GoalRow) Header() *RowMeta      { return &r.RowMeta }
func (r *MilestoneRow) Header() *RowMeta { return &r.RowMeta }
func (r *TaskRow) Header() *RowMeta      { return &r.RowMeta }

// NewRow returns an empty row for the table.
func NewRow(t Table) (Row, error) {
	switch t {
	case TableProfiles:
		return &ProfileRow{}, nil
	case TableGoals:
		return &GoalRow{}, nil
	case TableMilestones:
		return &MilestoneRow{}, nil
	case TableTasks:
		return &TaskRow{}, nil
	}
	return nil, ErrUnknownTable
}

// Column pairs a local field name with its remote column.
type Column struct {
	Field  string
	Remote string
}

var commonColumns = []Column{
	{"ID", "id"},
	{"UserID", "user_id"},
	{"CreatedAt", "created_at"},
	{"UpdatedAt", "updated_at"},
	{"CreationSource", "creation_source"},
}

var tableColumns = map[Table][]Column{
	TableProfiles: {
		{"DisplayName", "display_name"},
		{"Timezone", "timezone"},
	},
	TableGoals: {
		{"Title", "title"},
		{"Description", "description"},
		{"TargetDate", "target_date"},
		{"IsComplete", "is_complete"},
		{"CompletedAt", "completed_at"},
	},
	TableMilestones: {
		{"GoalID", "goal_id"},
		{"Title", "title"},
		{"TargetDate", "target_date"},
		{"OrderIndex", "order_index"},
		{"IsComplete", "is_complete"},
		{"CompletedAt", "completed_at"},
	},
	TableTasks: {
		{"GoalID", "goal_id"},
		{"MilestoneID", "milestone_id"},
		{"Title", "title"},
		{"Notes", "notes"},
		{"ScheduledDate", "scheduled_date"},
		{"IsFrog", "is_frog"},
		{"EstimatedMinutes", "estimated_minutes"},
		{"OrderIndex", "order_index"},
		{"IsComplete", "is_complete"},
		{"CompletedAt", "completed_at"},
	},
}

// Columns returns the full field mapping for a table.
func Columns(t Table) []Column {
	specific := tableColumns[t]
	out := make([]Column, 0, len(commonColumns)+len(specific))
	out = append(out, commonColumns...)
	return append(out, specific...)
}

// SelectClause returns the remote projection for a table pull.
func SelectClause(t Table) string {
	cols := Columns(t)
	names := make([]string, 0, len(cols)+2)
	names = append(names, "PartitionKey", "RowKey")
	for _, c := range cols {
		names = append(names, c.Remote)
	}
	return strings.Join(names, ",")
}
