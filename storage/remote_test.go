package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"goals-sync/domain"
)

func TestPullFilter(t *testing.T) {
	if got := pullFilter("u1", ""); got != "PartitionKey eq 'u1'" {
		t.Fatalf("unexpected full filter %s", got)
	}
	want := "PartitionKey eq 'o''brien' and Timestamp gt datetime'2026-03-02T08:00:00.1234567Z'"
	if got := pullFilter("o'brien", "2026-03-02T08:00:00.1234567Z"); got != want {
		t.Fatalf("unexpected incremental filter\nwant %s\ngot  %s", want, got)
	}
}

const listedTask = `{
	"odata.etag": "W/\"datetime'2026-03-02T08%3A00%3A05.1234567Z'\"",
	"PartitionKey": "u1",
	"RowKey": "t1",
	"Timestamp": "2026-03-02T08:00:05.1234567Z",
	"id": "t1",
	"user_id": "u1",
	"created_at": "2026-03-01T10:00:00.000Z",
	"updated_at": "2026-03-02T07:59:59.000Z",
	"creation_source": "manual",
	"title": "Read",
	"scheduled_date": "2026-03-02",
	"is_frog": true,
	"estimated_minutes": 25,
	"order_index": 2,
	"is_complete": true,
	"completed_at@odata.type": "Edm.Int64",
	"completed_at": "1772438399000"
}`

func TestDecodeEntities(t *testing.T) {
	older := `{"PartitionKey":"u1","RowKey":"t0","Timestamp":"2026-03-02T07:00:00.5Z","id":"t0","user_id":"u1","created_at":"2026-03-01T10:00:00.000Z","updated_at":"2026-03-01T10:00:00.000Z","title":"Walk"}`
	broken := `{"PartitionKey":"u1","RowKey":"t2","Timestamp":"2026-03-02T09:00:00.0000001Z","order_index":"not a number"}`

	res := decodeEntities(domain.TableTasks, [][]byte{[]byte(listedTask), []byte(older), []byte(broken)})
	if len(res.Rows) != 2 || len(res.Skipped) != 1 {
		t.Fatalf("expected 2 rows and 1 skipped, got %d/%d", len(res.Rows), len(res.Skipped))
	}
	if res.Rows[0].Header().ID != "t0" {
		t.Fatalf("rows should be ordered by updated_at, got %s first", res.Rows[0].Header().ID)
	}
	if res.Watermark != "2026-03-02T09:00:00.0000001Z" {
		t.Fatalf("watermark should cover undecodable rows, got %s", res.Watermark)
	}

	rec, err := domain.ToLocal(res.Rows[1])
	if err != nil {
		t.Fatalf("to local: %v", err)
	}
	task := rec.(*domain.Task)
	if task.Title != "Read" || !task.IsFrog || task.OrderIndex != 2 || task.CompletedAt == nil || *task.CompletedAt != 1_772_438_399_000 {
		t.Fatalf("unexpected decoded task %+v", task)
	}

	if res := decodeEntities(domain.TableTasks, nil); res.Watermark != "" || len(res.Rows) != 0 {
		t.Fatalf("empty page should carry no watermark, got %+v", res)
	}
}

func TestUpsertActionsPayload(t *testing.T) {
	done := int64(1_772_438_399_000)
	task := &domain.Task{
		RecordMeta:  domain.RecordMeta{ID: "t1", UserID: "u1", CreatedAt: 1_772_359_200_000, UpdatedAt: 1_772_438_399_000, CreationSource: domain.SourceManual},
		Title:       "Read",
		IsComplete:  true,
		CompletedAt: &done,
	}
	row, err := domain.ToRemote(task)
	if err != nil {
		t.Fatalf("to remote: %v", err)
	}
	actions, err := upsertActions(domain.TableTasks, []domain.Row{row})
	if err != nil {
		t.Fatalf("upsert actions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionType != aztables.TransactionTypeInsertReplace {
		t.Fatalf("unexpected actions %+v", actions)
	}

	var fields map[string]any
	if err := json.Unmarshal(actions[0].Entity, &fields); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if fields["PartitionKey"] != "u1" || fields["RowKey"] != "t1" {
		t.Fatalf("unexpected keys %v", fields)
	}
	if fields["completed_at"] != "1772438399000" || fields["completed_at@odata.type"] != domain.EdmInt64 {
		t.Fatalf("completed_at must be an Edm.Int64 string, got %v (%v)", fields["completed_at"], fields["completed_at@odata.type"])
	}

	back, err := domain.DecodeRow(domain.TableTasks, actions[0].Entity)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	rec, err := domain.ToLocal(back)
	if err != nil {
		t.Fatalf("to local: %v", err)
	}
	got := rec.(*domain.Task)
	if got.Title != "Read" || got.UpdatedAt != task.UpdatedAt || got.CompletedAt == nil || *got.CompletedAt != done {
		t.Fatalf("payload did not round trip: %+v", got)
	}
}

func TestChunkRows(t *testing.T) {
	rows := make([]domain.Row, 205)
	for i := range rows {
		rows[i] = &domain.TaskRow{}
	}
	chunks := chunkRows(rows, maxTransactionActions)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[1]) != 100 || len(chunks[2]) != 5 {
		t.Fatalf("unexpected chunk sizes %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if got := chunkRows(nil, 100); len(got) != 0 {
		t.Fatalf("expected no chunks for empty input")
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(fmt.Errorf("wrapped: %w", &azcore.ResponseError{StatusCode: 404})) {
		t.Fatalf("expected 404 to be not found")
	}
	if isNotFound(&azcore.ResponseError{StatusCode: 409}) {
		t.Fatalf("409 is not not-found")
	}
	if isNotFound(errors.New("boom")) {
		t.Fatalf("plain error is not not-found")
	}
}

func TestDefaultTableNames(t *testing.T) {
	names := DefaultTableNames()
	for _, table := range domain.SyncTables {
		if names[table] != string(table) {
			t.Fatalf("unexpected name for %s: %s", table, names[table])
		}
	}
}
