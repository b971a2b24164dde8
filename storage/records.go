package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"goals-sync/domain"
)

// tableSpec maps a record type onto its SQLite table. Columns are listed in
// the order values returns them and scan reads them.
type tableSpec struct {
	columns []string
	values  func(domain.Record) []any
	scan    func(scanner) (domain.Record, error)
}

type scanner interface {
	Scan(dest ...any) error
}

var metaColumns = []string{"id", "user_id", "created_at", "updated_at", "creation_source"}

func metaValues(m *domain.RecordMeta) []any {
	return []any{m.ID, m.UserID, m.CreatedAt, m.UpdatedAt, string(m.CreationSource)}
}

func metaDest(m *domain.RecordMeta, source *string) []any {
	return []any{&m.ID, &m.UserID, &m.CreatedAt, &m.UpdatedAt, source}
}

func nullMillis(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return domain.Int64Ptr(v.Int64)
}

var specs = map[domain.Table]tableSpec{
	domain.TableProfiles: {
		columns: append(append([]string{}, metaColumns...), "display_name", "timezone"),
		values: func(r domain.Record) []any {
			p := r.(*domain.Profile)
			return append(metaValues(&p.RecordMeta), p.DisplayName, p.Timezone)
		},
		scan: func(s scanner) (domain.Record, error) {
			var p domain.Profile
			var source string
			dest := append(metaDest(&p.RecordMeta, &source), &p.DisplayName, &p.Timezone)
			if err := s.Scan(dest...); err != nil {
				return nil, err
			}
			p.CreationSource = domain.CreationSource(source)
			return &p, nil
		},
	},
	domain.TableGoals: {
		columns: append(append([]string{}, metaColumns...), "title", "description", "target_date", "is_complete", "completed_at"),
		values: func(r domain.Record) []any {
			g := r.(*domain.Goal)
			return append(metaValues(&g.RecordMeta), g.Title, g.Description, g.TargetDate, g.IsComplete, millisArg(g.CompletedAt))
		},
		scan: func(s scanner) (domain.Record, error) {
			var g domain.Goal
			var source string
			var completed sql.NullInt64
			dest := append(metaDest(&g.RecordMeta, &source), &g.Title, &g.Description, &g.TargetDate, &g.IsComplete, &completed)
			if err := s.Scan(dest...); err != nil {
				return nil, err
			}
			g.CreationSource = domain.CreationSource(source)
			g.CompletedAt = nullMillis(completed)
			return &g, nil
		},
	},
	domain.TableMilestones: {
		columns: append(append([]string{}, metaColumns...), "goal_id", "title", "target_date", "order_index", "is_complete", "completed_at"),
		values: func(r domain.Record) []any {
			m := r.(*domain.Milestone)
			return append(metaValues(&m.RecordMeta), m.GoalID, m.Title, m.TargetDate, m.OrderIndex, m.IsComplete, millisArg(m.CompletedAt))
		},
		scan: func(s scanner) (domain.Record, error) {
			var m domain.Milestone
			var source string
			var completed sql.NullInt64
			dest := append(metaDest(&m.RecordMeta, &source), &m.GoalID, &m.Title, &m.TargetDate, &m.OrderIndex, &m.IsComplete, &completed)
			if err := s.Scan(dest...); err != nil {
				return nil, err
			}
			m.CreationSource = domain.CreationSource(source)
			m.CompletedAt = nullMillis(completed)
			return &m, nil
		},
	},
	domain.TableTasks: {
		columns: append(append([]string{}, metaColumns...), "goal_id", "milestone_id", "title", "notes", "scheduled_date", "is_frog", "estimated_minutes", "order_index", "is_complete", "completed_at"),
		values: func(r domain.Record) []any {
			t := r.(*domain.Task)
			return append(metaValues(&t.RecordMeta), t.GoalID, t.MilestoneID, t.Title, t.Notes, t.ScheduledDate, t.IsFrog, t.EstimatedMinutes, t.OrderIndex, t.IsComplete, millisArg(t.CompletedAt))
		},
		scan: func(s scanner) (domain.Record, error) {
			var t domain.Task
			var source string
			var completed sql.NullInt64
			dest := append(metaDest(&t.RecordMeta, &source), &t.GoalID, &t.MilestoneID, &t.Title, &t.Notes, &t.ScheduledDate, &t.IsFrog, &t.EstimatedMinutes, &t.OrderIndex, &t.IsComplete, &completed)
			if err := s.Scan(dest...); err != nil {
				return nil, err
			}
			t.CreationSource = domain.CreationSource(source)
			t.CompletedAt = nullMillis(completed)
			return &t, nil
		},
	},
}

func specFor(t domain.Table) (tableSpec, error) {
	spec, ok := specs[t]
	if !ok {
		return tableSpec{}, fmt.Errorf("%w: %q", domain.ErrUnknownTable, t)
	}
	return spec, nil
}

// upsertSQL builds the insert-or-update statement for a table. When
// lastWriterWins is set an existing row is only replaced by a newer
// updated_at, or by an equal one carrying different contents. Identical
// rows leave the table untouched and do not count as changes.
func upsertSQL(t domain.Table, spec tableSpec, lastWriterWins bool) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(spec.columns)), ",")
	sets := make([]string, 0, len(spec.columns))
	for _, c := range spec.columns[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	sets = append(sets, "deleted = 0")
	q := fmt.Sprintf("INSERT INTO %s (%s, deleted) VALUES (%s, 0) ON CONFLICT(id) DO UPDATE SET %s",
		t, strings.Join(spec.columns, ", "), placeholders, strings.Join(sets, ", "))
	if lastWriterWins {
		diffs := make([]string, 0, len(spec.columns)-1)
		for _, c := range spec.columns[1:] {
			diffs = append(diffs, fmt.Sprintf("excluded.%[2]s IS NOT %[1]s.%[2]s", t, c))
		}
		q += fmt.Sprintf(" WHERE excluded.updated_at > %[1]s.updated_at OR (excluded.updated_at = %[1]s.updated_at AND (%[2]s))",
			t, strings.Join(diffs, " OR "))
	}
	return q
}

func selectSQL(t domain.Table, spec tableSpec, where string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(spec.columns, ", "), t, where)
}

func millisArg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
