package interfaces

import (
	"context"

	"github.com/bobmcallan/sweep/internal/models"
)

// ReportStore persists scan reports as JSON files under the reports
// directory. Reports are the durable scan artifact; job records are not.
type ReportStore interface {
	// SaveReport writes the report atomically and returns the file path.
	SaveReport(ctx context.Context, report *models.ScanReport) (string, error)

	// ListReports returns summaries newest-first, optionally filtered by
	// repository name or path substring. limit <= 0 means no limit.
	ListReports(ctx context.Context, repository string, limit int) ([]models.ReportSummary, error)

	// LatestReport loads the most recent full report covering the given
	// repository, or the most recent overall when repository is empty.
	// Returns nil when no report matches.
	LatestReport(ctx context.Context, repository string) (*models.ScanReport, error)

	// GetReport loads a full report by report id. Returns nil when absent.
	GetReport(ctx context.Context, reportID string) (*models.ScanReport, error)
}

// HistoryWriter appends one NDJSON record per terminal job. Append-only;
// nothing in the engine reads the file back.
type HistoryWriter interface {
	Append(record models.HistoryRecord) error
	Close() error
}
