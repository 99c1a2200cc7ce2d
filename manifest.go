package dumpagent

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const manifestFileName = "manifest.json"

// DeviceResult is one device's entry in the manifest results map.
type DeviceResult struct {
	Success   bool   `json:"success"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Detail    string `json:"detail,omitempty"`
	DumpPath  string `json:"dump_path,omitempty"`
}

// UploadOutcome records the upload pipeline's report in the manifest.
type UploadOutcome struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message"`
	UploadedFiles []string `json:"uploaded_files,omitempty"`
	Timestamp     string   `json:"timestamp"`
}

// Manifest is the durable JSON projection of one fleet request. It lives at
// {issue_root}/manifest.json, is rewritten wholesale on every significant
// event, and is the single source of truth surviving a restart; in-memory
// fleet state is a cache of it.
type Manifest struct {
	IssueID       string                  `json:"issue_id"`
	TriggeredBy   string                  `json:"triggered_by"`
	PathStrategy  string                  `json:"path_strategy"`
	Targets       []string                `json:"targets"`
	Results       map[string]DeviceResult `json:"results"`
	SuccessCount  int                     `json:"success_count"`
	FailCount     int                     `json:"fail_count"`
	IssueDir      string                  `json:"issue_dir,omitempty"`
	UploadEnabled *bool                   `json:"upload_enabled,omitempty"`
	UploadResult  *UploadOutcome          `json:"upload_result,omitempty"`
}

// ManifestPath returns the manifest file location under an issue root.
func ManifestPath(issueRoot string) string {
	return filepath.Join(issueRoot, manifestFileName)
}

// LoadManifest reads the manifest under issueRoot.
func LoadManifest(issueRoot string) (*Manifest, error) {
	data, err := os.ReadFile(ManifestPath(issueRoot))
	if err != nil {
		return nil, errors.Wrap(err, "read manifest failed")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decode manifest failed")
	}
	if m.Results == nil {
		m.Results = make(map[string]DeviceResult)
	}
	return &m, nil
}

// Write rewrites the manifest file wholesale.
func (m *Manifest) Write(issueRoot string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manifest failed")
	}
	if err := os.WriteFile(ManifestPath(issueRoot), data, 0o644); err != nil {
		return errors.Wrap(err, "write manifest failed")
	}
	return nil
}
