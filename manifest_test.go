package dumpagent

import (
	"encoding/json"
	"os"
	"testing"
)

func TestManifestSurvivesRewrite(t *testing.T) {
	root := t.TempDir()
	enabled := true
	manifest := &Manifest{
		IssueID:      "20260826_101500_ab12cd34",
		TriggeredBy:  string(TriggerCrashMonitor),
		PathStrategy: "unified",
		Targets:      []string{"dev-1", "dev-2"},
		Results: map[string]DeviceResult{
			"dev-1": {Success: true, Detail: "dump completed successfully", DumpPath: "/tmp/dev-1"},
			"dev-2": {Detail: "dump extraction timed out"},
		},
		SuccessCount:  1,
		FailCount:     1,
		IssueDir:      root,
		UploadEnabled: &enabled,
	}
	if err := manifest.Write(root); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	// Simulate the upload worker stamping its result after the fleet state
	// is gone from memory.
	loaded, err := LoadManifest(root)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	loaded.UploadResult = &UploadOutcome{Success: true, Message: "uploaded 2 files", Timestamp: "20260826_102000"}
	if err := loaded.Write(root); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	final, err := LoadManifest(root)
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	if final.IssueID != manifest.IssueID || final.SuccessCount != 1 || final.FailCount != 1 {
		t.Fatalf("manifest fields lost across rewrite: %+v", final)
	}
	if !final.Results["dev-1"].Success || final.Results["dev-2"].Success {
		t.Fatalf("per-device results lost: %+v", final.Results)
	}
	if final.UploadResult == nil || !final.UploadResult.Success {
		t.Fatalf("upload result lost: %+v", final.UploadResult)
	}
	if final.UploadEnabled == nil || !*final.UploadEnabled {
		t.Fatalf("upload flag lost: %+v", final.UploadEnabled)
	}
}

func TestManifestUsesStableKeys(t *testing.T) {
	root := t.TempDir()
	manifest := &Manifest{
		IssueID:      "issue-1",
		TriggeredBy:  string(TriggerManual),
		PathStrategy: "individual",
		Targets:      []string{"dev-1"},
		Results:      map[string]DeviceResult{"dev-1": {Success: true}},
		SuccessCount: 1,
	}
	if err := manifest.Write(root); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	data, err := os.ReadFile(ManifestPath(root))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	for _, key := range []string{"issue_id", "triggered_by", "path_strategy", "targets", "results", "success_count", "fail_count"} {
		if _, ok := raw[key]; !ok {
			t.Fatalf("manifest missing key %q: %s", key, data)
		}
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(t.TempDir()); err == nil {
		t.Fatal("expected an error for a missing manifest")
	}
}
