package scanner

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bobmcallan/sweep/internal/models"
)

// Effort estimate inputs, in hours. Per-file covers the edit in each
// affected file, the flat overhead covers re-testing the consolidation.
const (
	effortPerFile = 0.25
	effortTesting = 0.5
)

// effortBase maps block size to the base extraction effort.
func effortBase(lineCount int) float64 {
	switch {
	case lineCount <= 10:
		return 0.5
	case lineCount <= 20:
		return 1.0
	case lineCount <= 50:
		return 3.0
	default:
		return 8.0
	}
}

// buildSuggestions derives one consolidation suggestion per duplicate group,
// sorted by score descending.
func buildSuggestions(groups []models.DuplicateGroup) []models.Suggestion {
	suggestions := make([]models.Suggestion, 0, len(groups))
	for _, g := range groups {
		files := distinctFiles(g.Occurrences)
		effort := effortBase(g.LineCount) + effortPerFile*float64(len(files)) + effortTesting
		saved := g.DuplicatedLines - g.LineCount
		if saved < 0 {
			saved = 0
		}
		suggestions = append(suggestions, models.Suggestion{
			GroupID:              g.ID,
			Title:                suggestionTitle(g, len(files)),
			Description:          suggestionDescription(g, files),
			Priority:             models.PriorityForScore(g.ImpactScore),
			Score:                g.ImpactScore,
			EstimatedEffortHours: math.Round(effort*100) / 100,
			QuickWin:             isQuickWin(g),
			PotentialLOCSaved:    saved,
		})
	}
	sort.Slice(suggestions, func(a, b int) bool {
		if suggestions[a].Score != suggestions[b].Score {
			return suggestions[a].Score > suggestions[b].Score
		}
		return suggestions[a].GroupID < suggestions[b].GroupID
	})
	return suggestions
}

func isQuickWin(g models.DuplicateGroup) bool {
	return len(g.Occurrences) <= models.QuickWinMaxOccurrences &&
		g.LineCount <= models.QuickWinMaxLines
}

func suggestionTitle(g models.DuplicateGroup, fileCount int) string {
	noun := "file"
	if fileCount > 1 {
		noun = "files"
	}
	return fmt.Sprintf("Consolidate %d %s duplicates across %d %s",
		len(g.Occurrences), g.Category, fileCount, noun)
}

func suggestionDescription(g models.DuplicateGroup, files []string) string {
	shown := files
	more := 0
	if len(shown) > 3 {
		more = len(shown) - 3
		shown = shown[:3]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d-line %s block repeated %d times in %s",
		g.LineCount, g.Category, len(g.Occurrences), strings.Join(shown, ", "))
	if more > 0 {
		fmt.Fprintf(&b, " and %d more", more)
	}
	if g.CrossRepository {
		b.WriteString(" (spans repositories)")
	}
	b.WriteString(". Extract into a shared helper.")
	return b.String()
}

func distinctFiles(blocks []models.CodeBlock) []string {
	seen := make(map[string]struct{}, len(blocks))
	files := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if _, ok := seen[b.FilePath]; ok {
			continue
		}
		seen[b.FilePath] = struct{}{}
		files = append(files, b.FilePath)
	}
	sort.Strings(files)
	return files
}

// buildMetrics aggregates group and suggestion counts against the scanned
// line total.
func buildMetrics(groups []models.DuplicateGroup, suggestions []models.Suggestion, totalScannedLines int) models.ScanMetrics {
	m := models.ScanMetrics{
		CodeBlocksByLanguage: make(map[string]int),
		TotalSuggestions:     len(suggestions),
	}
	for _, g := range groups {
		m.TotalDuplicateGroups++
		m.TotalCodeBlocks += len(g.Occurrences)
		m.TotalDuplicatedLines += g.DuplicatedLines
		saved := g.DuplicatedLines - g.LineCount
		if saved > 0 {
			m.PotentialLOCReduction += saved
		}
		switch g.Category {
		case models.CategoryExact:
			m.ExactDuplicates++
		case models.CategoryStructural:
			m.StructuralDuplicates++
		default:
			m.SemanticDuplicates++
		}
		if g.CrossRepository {
			m.CrossRepositoryDuplicates++
		}
		for _, b := range g.Occurrences {
			m.CodeBlocksByLanguage[b.Language]++
		}
	}
	for _, s := range suggestions {
		if s.QuickWin {
			m.QuickWins++
		}
		if s.Priority == "high" || s.Priority == "critical" {
			m.HighPrioritySuggestions++
		}
	}
	if totalScannedLines > 0 {
		pct := float64(m.TotalDuplicatedLines) / float64(totalScannedLines) * 100
		m.DuplicationPercentage = math.Round(math.Min(pct, 100)*100) / 100
	}
	if len(m.CodeBlocksByLanguage) == 0 {
		m.CodeBlocksByLanguage = nil
	}
	return m
}

// assembleReport stitches the scan pieces into the final artifact.
func assembleReport(fingerprint, groupName string, startedAt time.Time,
	repos []models.RepositoryInfo, cfg models.ScanConfiguration,
	groups []models.DuplicateGroup, timings []models.StageTiming) *models.ScanReport {

	suggestions := buildSuggestions(groups)
	report := &models.ScanReport{
		ReportID:      models.NewReportID(startedAt.UTC(), fingerprint),
		SchemaVersion: models.ScanSchemaVersion,
		GeneratedAt:   startedAt.UTC(),
		Fingerprint:   fingerprint,
		GroupName:     groupName,
		Repositories:  repos,
		Configuration: cfg,
		Groups:        groups,
		Suggestions:   suggestions,
		Timings:       timings,
		DurationMS:    time.Since(startedAt).Milliseconds(),
	}
	report.Metrics = buildMetrics(groups, suggestions, report.TotalScannedLines())
	return report
}
