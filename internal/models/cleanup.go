package models

import (
	"encoding/json"
	"fmt"
)

// CleanupRequest is the input payload of a repo-cleanup job. An empty Globs
// list falls back to the configured cleanup glob set.
type CleanupRequest struct {
	RepositoryPath string   `json:"repository_path"`
	Globs          []string `json:"globs,omitempty"`
}

// CleanupResult is the result payload of a repo-cleanup job. In Git dry-run
// mode the matches are reported but nothing is deleted.
type CleanupResult struct {
	RepositoryPath string   `json:"repository_path"`
	RemovedFiles   []string `json:"removed_files,omitempty"`
	RemovedCount   int      `json:"removed_count"`
	BytesFreed     int64    `json:"bytes_freed"`
	DryRun         bool     `json:"dry_run,omitempty"`
}

// ParseCleanupRequest coerces a job payload into a CleanupRequest.
func ParseCleanupRequest(data interface{}) (CleanupRequest, error) {
	switch v := data.(type) {
	case CleanupRequest:
		return v, nil
	case *CleanupRequest:
		if v != nil {
			return *v, nil
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return CleanupRequest{}, fmt.Errorf("invalid cleanup request payload: %w", err)
	}
	var req CleanupRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return CleanupRequest{}, fmt.Errorf("invalid cleanup request payload: %w", err)
	}
	return req, nil
}
