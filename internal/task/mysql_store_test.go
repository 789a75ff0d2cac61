package task

import (
	"database/sql"
	"encoding/json"
	"reflect"
	"testing"

	"ChainAI-Agent/internal/agent"
	"ChainAI-Agent/internal/query"
)

type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.values[i]))
	}
	return nil
}

func TestBuildFilterClause(t *testing.T) {
	hasResult := true
	clause, args := buildFilterClause(ListOptions{
		Statuses:   []Status{StatusPending, StatusFailed},
		UpdatedGTE: 10,
		HasResult:  &hasResult,
		Query:      "weth",
	})
	want := "status IN (?,?) AND updated_at >= ? AND (result IS NOT NULL AND result <> '') AND (id LIKE ? OR payload LIKE ? OR last_error LIKE ? OR result LIKE ?)"
	if clause != want {
		t.Fatalf("unexpected clause:\n%s", clause)
	}
	if len(args) != 7 || args[0] != "pending" || args[2] != int64(10) || args[3] != "%weth%" {
		t.Fatalf("unexpected args %v", args)
	}

	if clause, args := buildFilterClause(ListOptions{}); clause != "" || args != nil {
		t.Fatalf("expected empty clause, got %q %v", clause, args)
	}
}

func TestScanTaskDecodesPayloadAndResult(t *testing.T) {
	payload, _ := json.Marshal(query.Request{Query: "latest block", Options: query.Options{ChainID: 1}})
	result, _ := json.Marshal(Result{RequestID: "r", Outcome: agent.Outcome{FinalResponse: "19000000"}})

	task, err := scanTask(fakeRow{values: []any{
		"t-1",
		string(payload),
		"succeeded",
		1,
		3,
		sql.NullString{},
		"",
		sql.NullString{String: string(result), Valid: true},
		int64(100),
		int64(200),
	}})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if task.Status != StatusSucceeded || task.Request.Query != "latest block" || task.Request.Options.ChainID != 1 {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.Result == nil || task.Result.FinalResponse != "19000000" {
		t.Fatalf("unexpected result %+v", task.Result)
	}

	pending, err := scanTask(fakeRow{values: []any{
		"t-2", string(payload), "pending", 0, 3, sql.NullString{}, "", sql.NullString{}, int64(1), int64(1),
	}})
	if err != nil || pending.Result != nil {
		t.Fatalf("pending task should have no result: %+v, %v", pending, err)
	}
}

func TestClaimable(t *testing.T) {
	cases := []struct {
		task *Task
		want error
	}{
		{&Task{Status: StatusPending, Attempts: 0, MaxRetries: 3}, nil},
		{&Task{Status: StatusSucceeded, Attempts: 1, MaxRetries: 3}, ErrTaskCompleted},
		{&Task{Status: StatusRunning, Attempts: 1, MaxRetries: 3}, ErrTaskConflict},
		{&Task{Status: StatusPending, Attempts: 3, MaxRetries: 3}, ErrTaskExhausted},
	}
	for _, tc := range cases {
		if got := claimable(tc.task); got != tc.want {
			t.Errorf("claimable(%s, %d/%d) = %v, want %v", tc.task.Status, tc.task.Attempts, tc.task.MaxRetries, got, tc.want)
		}
	}
}
