package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bobmcallan/sweep/internal/models"
)

// formatJobQueued formats the confirmation returned by the scan tools
func formatJobQueued(jobID, jobType string, paths []string) string {
	var sb strings.Builder

	sb.WriteString("# Job Queued\n\n")
	sb.WriteString(fmt.Sprintf("**Job ID:** %s\n", jobID))
	sb.WriteString(fmt.Sprintf("**Type:** %s\n", jobType))
	if len(paths) == 1 {
		sb.WriteString(fmt.Sprintf("**Repository:** %s\n", paths[0]))
	} else {
		sb.WriteString(fmt.Sprintf("**Repositories:** %d\n", len(paths)))
		for _, p := range paths {
			sb.WriteString(fmt.Sprintf("- %s\n", p))
		}
	}
	sb.WriteString("\nUse list_jobs to follow progress and get_scan_results once it completes.\n")

	return sb.String()
}

// formatJobList formats engine jobs and counters as markdown
func formatJobList(jobs []models.Job, stats models.Stats, paused bool) string {
	var sb strings.Builder

	sb.WriteString("# Jobs\n\n")
	sb.WriteString(fmt.Sprintf("**Total:** %d | **Queued:** %d | **Running:** %d | **Completed:** %d | **Failed:** %d\n",
		stats.Total, stats.Queued, stats.Running, stats.Completed, stats.Failed))
	if paused {
		sb.WriteString("**Engine:** PAUSED (queued jobs held until resume)\n")
	}
	sb.WriteString("\n")

	if len(jobs) == 0 {
		sb.WriteString("No jobs match the filter.\n")
		return sb.String()
	}

	sb.WriteString("| ID | Type | Status | Attempts | Duration | Created |\n")
	sb.WriteString("|----|------|--------|----------|----------|--------|\n")
	for _, j := range jobs {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %d | %s | %s |\n",
			j.ID, j.Type, j.Status, j.Attempts,
			formatDurationMS(j.DurationMS()),
			j.CreatedAt.Format("2006-01-02 15:04:05")))
	}

	// Failure details below the table so the table stays scannable
	var failed []models.Job
	for _, j := range jobs {
		if j.Status == models.JobStatusFailed && j.Error != nil {
			failed = append(failed, j)
		}
	}
	if len(failed) > 0 {
		sb.WriteString("\n## Failures\n\n")
		for _, j := range failed {
			sb.WriteString(fmt.Sprintf("- **%s** [%s]: %s\n", j.ID, j.Error.Classification, truncate(j.Error.Message, 160)))
		}
	}

	return sb.String()
}

// formatScanReport formats a full scan report as markdown
func formatScanReport(report *models.ScanReport) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Duplicate Scan Report: %s\n\n", report.ReportID))
	sb.WriteString(fmt.Sprintf("**Generated:** %s\n", report.GeneratedAt.Format("2006-01-02 15:04")))
	if report.GroupName != "" {
		sb.WriteString(fmt.Sprintf("**Group:** %s\n", report.GroupName))
	}
	sb.WriteString(fmt.Sprintf("**Repositories:** %s\n", strings.Join(report.RepositoryNames(), ", ")))
	sb.WriteString(fmt.Sprintf("**Duration:** %s\n", formatDurationMS(report.DurationMS)))
	if report.FromCache {
		sb.WriteString("**Source:** cache\n")
	}
	sb.WriteString("\n")
	sb.WriteString(report.ExecutiveSummary())
	sb.WriteString("\n\n")

	// Metrics
	m := report.Metrics
	sb.WriteString("## Metrics\n\n")
	sb.WriteString(fmt.Sprintf("**Duplication:** %.1f%% (%s)\n", m.DuplicationPercentage, m.DuplicationSeverity()))
	sb.WriteString(fmt.Sprintf("**Code Blocks:** %d\n", m.TotalCodeBlocks))
	sb.WriteString(fmt.Sprintf("**Duplicate Groups:** %d (%d exact, %d structural)\n",
		m.TotalDuplicateGroups, m.ExactDuplicates, m.StructuralDuplicates))
	sb.WriteString(fmt.Sprintf("**Duplicated Lines:** %d\n", m.TotalDuplicatedLines))
	sb.WriteString(fmt.Sprintf("**Potential LOC Reduction:** %d\n", m.PotentialLOCReduction))
	if m.CrossRepositoryDuplicates > 0 {
		sb.WriteString(fmt.Sprintf("**Cross-Repository Groups:** %d\n", m.CrossRepositoryDuplicates))
	}
	sb.WriteString(fmt.Sprintf("**Consolidation Opportunity:** %.1f/100\n\n", m.ConsolidationOpportunityScore()))

	// Top groups by impact
	if len(report.Groups) > 0 {
		groups := make([]models.DuplicateGroup, len(report.Groups))
		copy(groups, report.Groups)
		sort.Slice(groups, func(i, j int) bool {
			return groups[i].ImpactScore > groups[j].ImpactScore
		})
		shown := len(groups)
		if shown > 10 {
			shown = 10
		}

		sb.WriteString(fmt.Sprintf("## Top Duplicate Groups (%d of %d)\n\n", shown, len(groups)))
		sb.WriteString("| Group | Category | Similarity | Occurrences | Lines | Impact |\n")
		sb.WriteString("|-------|----------|------------|-------------|-------|--------|\n")
		for _, g := range groups[:shown] {
			sb.WriteString(fmt.Sprintf("| %s | %s | %.0f%% | %d | %d | %.1f |\n",
				g.ID, g.Category, g.Similarity*100, len(g.Occurrences), g.DuplicatedLines, g.ImpactScore))
		}
		sb.WriteString("\n")

		// First occurrence locations for the top few groups
		locShown := shown
		if locShown > 3 {
			locShown = 3
		}
		for _, g := range groups[:locShown] {
			sb.WriteString(fmt.Sprintf("**%s** occurrences:\n", g.ID))
			for _, occ := range g.Occurrences {
				sb.WriteString(fmt.Sprintf("- %s:%d-%d\n", occ.FilePath, occ.StartLine, occ.EndLine))
			}
			sb.WriteString("\n")
		}
	}

	// Suggestions ordered by score
	if len(report.Suggestions) > 0 {
		suggestions := make([]models.Suggestion, len(report.Suggestions))
		copy(suggestions, report.Suggestions)
		sort.Slice(suggestions, func(i, j int) bool {
			return suggestions[i].Score > suggestions[j].Score
		})
		shown := len(suggestions)
		if shown > 10 {
			shown = 10
		}

		sb.WriteString(fmt.Sprintf("## Suggestions (%d of %d)\n\n", shown, len(suggestions)))
		for _, s := range suggestions[:shown] {
			marker := ""
			if s.QuickWin {
				marker = " [quick win]"
			}
			sb.WriteString(fmt.Sprintf("- **[%s]** %s%s — saves ~%d lines, est. %.1fh\n",
				strings.ToUpper(s.Priority), s.Title, marker, s.PotentialLOCSaved, s.EstimatedEffortHours))
		}
		sb.WriteString("\n")
	}

	// Stage timings
	if len(report.Timings) > 0 {
		sb.WriteString("## Timings\n\n")
		for _, t := range report.Timings {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", t.Stage, formatDurationMS(t.DurationMS)))
		}
	}

	return sb.String()
}

// formatReportList formats report summaries as a markdown table
func formatReportList(summaries []models.ReportSummary, repository string) string {
	var sb strings.Builder

	if repository != "" {
		sb.WriteString(fmt.Sprintf("# Scan Reports: %s\n\n", repository))
	} else {
		sb.WriteString("# Scan Reports\n\n")
	}

	if len(summaries) == 0 {
		sb.WriteString("No reports found. Queue a scan with scan_repository.\n")
		return sb.String()
	}

	sb.WriteString("| Report ID | Generated | Repositories | Duplication | Severity | Groups | Quick Wins |\n")
	sb.WriteString("|-----------|-----------|--------------|-------------|----------|--------|------------|\n")
	for _, s := range summaries {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %.1f%% | %s | %d | %d |\n",
			s.ReportID, s.GeneratedAt.Format("2006-01-02 15:04"),
			strings.Join(s.Repositories, ", "),
			s.DuplicationPercentage, s.Severity, s.TotalDuplicateGroups, s.QuickWins))
	}
	sb.WriteString(fmt.Sprintf("\nPass report_id to get_scan_results for full detail. %d report(s) shown.\n", len(summaries)))

	return sb.String()
}

// formatCacheStatus formats scan cache counters and entries as markdown
func formatCacheStatus(stats models.CacheStats, entries []models.CacheEntryInfo) string {
	var sb strings.Builder

	sb.WriteString("# Scan Cache\n\n")
	sb.WriteString(fmt.Sprintf("**Entries:** %d\n", stats.Entries))
	sb.WriteString(fmt.Sprintf("**Hits:** %d\n", stats.Hits))
	sb.WriteString(fmt.Sprintf("**Misses:** %d\n", stats.Misses))
	sb.WriteString(fmt.Sprintf("**Invalidations:** %d\n", stats.Invalidations))
	sb.WriteString(fmt.Sprintf("**In-Flight Builds:** %d\n", stats.InFlight))

	total := stats.Hits + stats.Misses
	if total > 0 {
		sb.WriteString(fmt.Sprintf("**Hit Rate:** %.1f%%\n", float64(stats.Hits)/float64(total)*100))
	}
	sb.WriteString("\n")

	if len(entries) == 0 {
		sb.WriteString("Cache is empty.\n")
		return sb.String()
	}

	sb.WriteString("| Fingerprint | Repository | Created | Expires |\n")
	sb.WriteString("|-------------|------------|---------|--------|\n")
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
			e.Fingerprint, e.RepositoryPath,
			e.CreatedAt.Format("15:04:05"),
			e.ExpiresAt.Format("15:04:05")))
	}

	return sb.String()
}

// formatDurationMS renders a millisecond duration compactly
func formatDurationMS(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return fmt.Sprintf("%dms", ms)
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
