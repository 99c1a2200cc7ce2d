package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	dumpagent "github.com/qsmonitor/dumpagent"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	history, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { history.Close() })
	return history
}

func TestHistoryRecordsFullRequestLifecycle(t *testing.T) {
	history := openTestHistory(t)
	ctx := context.Background()

	request := &dumpagent.RequestRecord{
		IssueID:      "issue-1",
		TriggeredBy:  dumpagent.TriggerCrashMonitor,
		PathStrategy: "unified",
		IssueRoot:    "/tmp/issues/issue-1",
		TargetCount:  2,
		StartedAt:    time.Now(),
	}
	if err := history.RecordRequest(ctx, request); err != nil {
		t.Fatalf("record request: %v", err)
	}
	if err := history.RecordResult(ctx, "issue-1", &dumpagent.ResultRecord{
		DeviceSerial: "dev-1",
		Success:      true,
		Detail:       "dump completed successfully",
		DumpPath:     "/tmp/issues/issue-1/dev-1",
	}); err != nil {
		t.Fatalf("record result: %v", err)
	}
	if err := history.RecordResult(ctx, "issue-1", &dumpagent.ResultRecord{
		DeviceSerial: "dev-2",
		Detail:       "dump extraction timed out",
	}); err != nil {
		t.Fatalf("record result: %v", err)
	}
	if err := history.FinishRequest(ctx, "issue-1", 1, 1); err != nil {
		t.Fatalf("finish request: %v", err)
	}
	if err := history.RecordUpload(ctx, "issue-1", true, "uploaded 3 files"); err != nil {
		t.Fatalf("record upload: %v", err)
	}

	requests, err := history.RecentRequests(ctx, 10)
	if err != nil {
		t.Fatalf("recent requests: %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	got := requests[0]
	if got.IssueID != "issue-1" || got.TargetCount != 2 {
		t.Fatalf("unexpected request row: %+v", got)
	}
	if !got.Finished || got.SuccessCount != 1 || got.FailCount != 1 {
		t.Fatalf("finish counters not recorded: %+v", got)
	}
	if got.UploadSuccess == nil || !*got.UploadSuccess {
		t.Fatalf("upload result not recorded: %+v", got)
	}
}

func TestHistoryResultUpsertIsIdempotent(t *testing.T) {
	history := openTestHistory(t)
	ctx := context.Background()

	if err := history.RecordRequest(ctx, &dumpagent.RequestRecord{
		IssueID:     "issue-2",
		TriggeredBy: dumpagent.TriggerManual,
		TargetCount: 1,
		StartedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("record request: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := history.RecordResult(ctx, "issue-2", &dumpagent.ResultRecord{
			DeviceSerial: "dev-1",
			Success:      true,
		}); err != nil {
			t.Fatalf("record result (attempt %d): %v", i+1, err)
		}
	}

	var count int
	if err := history.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dump_results WHERE issue_id = ?", "issue-2").Scan(&count); err != nil {
		t.Fatalf("count results: %v", err)
	}
	if count != 1 {
		t.Fatalf("duplicate result should upsert, got %d rows", count)
	}
}

func TestHistoryRecentRequestsOrdersNewestFirst(t *testing.T) {
	history := openTestHistory(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, issueID := range []string{"old", "mid", "new"} {
		if err := history.RecordRequest(ctx, &dumpagent.RequestRecord{
			IssueID:     issueID,
			TriggeredBy: dumpagent.TriggerManual,
			TargetCount: 1,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("record request %s: %v", issueID, err)
		}
	}

	requests, err := history.RecentRequests(ctx, 2)
	if err != nil {
		t.Fatalf("recent requests: %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("limit not applied, got %d rows", len(requests))
	}
	if requests[0].IssueID != "new" || requests[1].IssueID != "mid" {
		t.Fatalf("unexpected order: %s, %s", requests[0].IssueID, requests[1].IssueID)
	}
}
