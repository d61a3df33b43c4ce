// Package reportfs implements file-based JSON storage for scan reports.
// Reports are the durable scan artifact: one file per report, written
// atomically, listed newest-first by modification time.
package reportfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/models"
)

// Store provides file-based JSON storage for scan reports.
type Store struct {
	dir    string
	logger *common.Logger
}

// NewStore creates a report store rooted at dir.
func NewStore(logger *common.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create reports path %s: %w", dir, err)
	}
	logger.Info().Str("path", dir).Msg("Report store opened")
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the reports directory.
func (s *Store) Dir() string {
	return s.dir
}

// SaveReport writes the report atomically and returns the file path.
func (s *Store) SaveReport(ctx context.Context, report *models.ScanReport) (string, error) {
	if report == nil || report.ReportID == "" {
		return "", fmt.Errorf("report has no id")
	}
	target := s.reportPath(report.ReportID)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report %s: %w", report.ReportID, err)
	}
	data = append(data, '\n')

	tmpFile, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.logger.Debug().
		Str("report_id", report.ReportID).
		Str("path", target).
		Msg("Report saved")
	return target, nil
}

// ListReports returns summaries newest-first, optionally filtered by
// repository name or path substring. limit <= 0 means no limit.
func (s *Store) ListReports(ctx context.Context, repository string, limit int) ([]models.ReportSummary, error) {
	files, err := s.reportFiles()
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ReportSummary, 0, len(files))
	for _, path := range files {
		report, err := s.readReport(path)
		if err != nil {
			s.logger.Warn().Str("path", path).Err(err).Msg("Skipping unreadable report")
			continue
		}
		if !matchesRepository(report, repository) {
			continue
		}
		summary := report.Summary()
		summary.FilePath = path
		summaries = append(summaries, summary)
		if limit > 0 && len(summaries) >= limit {
			break
		}
	}
	return summaries, nil
}

// LatestReport loads the most recent full report covering the given
// repository, or the most recent overall when repository is empty.
// Returns nil when no report matches.
func (s *Store) LatestReport(ctx context.Context, repository string) (*models.ScanReport, error) {
	files, err := s.reportFiles()
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		report, err := s.readReport(path)
		if err != nil {
			s.logger.Warn().Str("path", path).Err(err).Msg("Skipping unreadable report")
			continue
		}
		if matchesRepository(report, repository) {
			return report, nil
		}
	}
	return nil, nil
}

// GetReport loads a full report by report id. Returns nil when absent.
func (s *Store) GetReport(ctx context.Context, reportID string) (*models.ScanReport, error) {
	data, err := os.ReadFile(s.reportPath(reportID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read report %s: %w", reportID, err)
	}
	var report models.ScanReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", reportID, err)
	}
	return &report, nil
}

// --- helpers ---

func (s *Store) reportPath(reportID string) string {
	return filepath.Join(s.dir, sanitizeKey(reportID)+".json")
}

// reportFiles lists report paths newest-first by modification time.
func (s *Store) reportFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read reports directory %s: %w", s.dir, err)
	}

	type fileInfo struct {
		path  string
		mtime int64
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:  filepath.Join(s.dir, name),
			mtime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mtime != files[j].mtime {
			return files[i].mtime > files[j].mtime
		}
		return files[i].path > files[j].path
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

func (s *Store) readReport(path string) (*models.ScanReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("report file is empty")
	}
	var report models.ScanReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func matchesRepository(report *models.ScanReport, repository string) bool {
	if repository == "" {
		return true
	}
	q := strings.ToLower(repository)
	for _, repo := range report.Repositories {
		if strings.Contains(strings.ToLower(repo.RepositoryName), q) ||
			strings.Contains(strings.ToLower(repo.RepositoryPath), q) {
			return true
		}
	}
	return false
}

func sanitizeKey(key string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(key)
}
