package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders epoch milliseconds in the remote timestamp format.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(timestampLayout)
}

// ParseTimestamp parses a remote timestamp into epoch milliseconds.
func ParseTimestamp(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

// ToRemote converts a local record into its remote row.
func ToRemote(r Record) (Row, error) {
	switch rec := r.(type) {
	case *Profile:
		return &ProfileRow{
			RowMeta:     remoteMeta(rec.RecordMeta),
			DisplayName: rec.DisplayName,
			Timezone:    rec.Timezone,
		}, nil
	case *Goal:
		row := &GoalRow{
			RowMeta:     remoteMeta(rec.RecordMeta),
			Title:       rec.Title,
			Description: rec.Description,
			TargetDate:  rec.TargetDate,
			IsComplete:  rec.IsComplete,
		}
		row.CompletedAt, row.CompletedAtType = remoteCompletedAt(rec.CompletedAt)
		return row, nil
	case *Milestone:
		row := &MilestoneRow{
			RowMeta:    remoteMeta(rec.RecordMeta),
			GoalID:     rec.GoalID,
			Title:      rec.Title,
			TargetDate: rec.TargetDate,
			OrderIndex: rec.OrderIndex,
			IsComplete: rec.IsComplete,
		}
		row.CompletedAt, row.CompletedAtType = remoteCompletedAt(rec.CompletedAt)
		return row, nil
	case *Task:
		row := &TaskRow{
			RowMeta:          remoteMeta(rec.RecordMeta),
			GoalID:           rec.GoalID,
			MilestoneID:      rec.MilestoneID,
			Title:            rec.Title,
			Notes:            rec.Notes,
			ScheduledDate:    rec.ScheduledDate,
			IsFrog:           rec.IsFrog,
			EstimatedMinutes: rec.EstimatedMinutes,
			OrderIndex:       rec.OrderIndex,
			IsComplete:       rec.IsComplete,
		}
		row.CompletedAt, row.CompletedAtType = remoteCompletedAt(rec.CompletedAt)
		return row, nil
	case nil:
		return nil, fmt.Errorf("%w: nil record", ErrUnknownTable)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownTable, r)
}

// ToLocal converts a remote row into a local record.
func ToLocal(row Row) (Record, error) {
	if row == nil {
		return nil, fmt.Errorf("%w: nil row", ErrUnknownTable)
	}
	meta, err := localMeta(*row.Header())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", row.Table(), row.Header().ID, err)
	}
	switch r := row.(type) {
	case *ProfileRow:
		return &Profile{RecordMeta: meta, DisplayName: r.DisplayName, Timezone: r.Timezone}, nil
	case *GoalRow:
		return &Goal{
			RecordMeta:  meta,
			Title:       r.Title,
			Description: r.Description,
			TargetDate:  r.TargetDate,
			IsComplete:  r.IsComplete,
			CompletedAt: copyMillis(r.CompletedAt),
		}, nil
	case *MilestoneRow:
		return &Milestone{
			RecordMeta:  meta,
			GoalID:      r.GoalID,
			Title:       r.Title,
			TargetDate:  r.TargetDate,
			OrderIndex:  r.OrderIndex,
			IsComplete:  r.IsComplete,
			CompletedAt: copyMillis(r.CompletedAt),
		}, nil
	case *TaskRow:
		return &Task{
			RecordMeta:       meta,
			GoalID:           r.GoalID,
			MilestoneID:      r.MilestoneID,
			Title:            r.Title,
			Notes:            r.Notes,
			ScheduledDate:    r.ScheduledDate,
			IsFrog:           r.IsFrog,
			EstimatedMinutes: r.EstimatedMinutes,
			OrderIndex:       r.OrderIndex,
			IsComplete:       r.IsComplete,
			CompletedAt:      copyMillis(r.CompletedAt),
		}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownTable, row)
}

// DecodeRow unmarshals a remote entity. An empty table falls back to
// DetectTable.
func DecodeRow(t Table, data []byte) (Row, error) {
	if t == "" {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
		detected, err := DetectTable(fields)
		if err != nil {
			return nil, err
		}
		t = detected
	}
	row, err := NewRow(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, row); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", t, err)
	}
	return row, nil
}

// DetectTable guesses a row's table from the columns only that table has.
// Callers that know the table should never need it.
func DetectTable(fields map[string]json.RawMessage) (Table, error) {
	has := func(names ...string) bool {
		for _, n := range names {
			if _, ok := fields[n]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case has("scheduled_date", "is_frog", "milestone_id", "estimated_minutes", "notes"):
		return TableTasks, nil
	case has("goal_id"):
		return TableMilestones, nil
	case has("title", "description", "target_date"):
		return TableGoals, nil
	case has("display_name", "timezone"):
		return TableProfiles, nil
	}
	return "", ErrUnknownTable
}

func remoteMeta(m RecordMeta) RowMeta {
	source := m.CreationSource
	if source == "" {
		source = SourceManual
	}
	return RowMeta{
		Entity:         Entity{PartitionKey: m.UserID, RowKey: m.ID},
		ID:             m.ID,
		UserID:         m.UserID,
		CreatedAt:      FormatTimestamp(m.CreatedAt),
		UpdatedAt:      FormatTimestamp(m.UpdatedAt),
		CreationSource: string(source),
	}
}

func localMeta(m RowMeta) (RecordMeta, error) {
	id := m.ID
	if id == "" {
		id = m.RowKey
	}
	userID := m.UserID
	if userID == "" {
		userID = m.PartitionKey
	}
	if id == "" {
		return RecordMeta{}, fmt.Errorf("missing id")
	}
	if m.UpdatedAt == "" {
		return RecordMeta{}, fmt.Errorf("missing updated_at")
	}
	updated, err := ParseTimestamp(m.UpdatedAt)
	if err != nil {
		return RecordMeta{}, err
	}
	created := updated
	if m.CreatedAt != "" {
		if created, err = ParseTimestamp(m.CreatedAt); err != nil {
			return RecordMeta{}, err
		}
	}
	source := CreationSource(m.CreationSource)
	switch source {
	case SourceSpark, SourceManual:
	default:
		source = SourceManual
	}
	return RecordMeta{
		ID:             id,
		UserID:         userID,
		CreatedAt:      created,
		UpdatedAt:      updated,
		CreationSource: source,
	}, nil
}

func remoteCompletedAt(v *int64) (*int64, *string) {
	if v == nil {
		return nil, nil
	}
	typ := EdmInt64
	return copyMillis(v), &typ
}

func copyMillis(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
