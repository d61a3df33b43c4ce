// Package models defines data structures for Sweep
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ScanSchemaVersion is stamped on every report and cache artifact.
const ScanSchemaVersion = "2"

// Duplicate group categories. Exact groups share identical normalized text,
// structural groups match only after identifier folding.
const (
	CategoryExact      = "exact"
	CategoryStructural = "structural"

	StructuralSimilarity = 0.95
)

// Duplication percentage severity thresholds.
const (
	DuplicationMinimal  = 5.0
	DuplicationLow      = 10.0
	DuplicationModerate = 20.0
	DuplicationHigh     = 40.0
)

// Suggestion priority score thresholds.
const (
	ScoreCritical = 75.0
	ScoreHigh     = 50.0
	ScoreMedium   = 25.0
)

// Impact scoring weights: occurrences 40%, similarity 35%, size 25%.
const (
	ImpactWeightOccurrence = 40.0
	ImpactWeightSimilarity = 35.0
	ImpactWeightSize       = 25.0
	ImpactOccurrenceCap    = 20.0
	ImpactLOCCap           = 100.0
)

// Quick-win bounds: small groups with few occurrences are cheap to consolidate.
const (
	QuickWinMaxOccurrences = 3
	QuickWinMaxLines       = 10
	HighImpactMinLines     = 20
	HighImpactMinOccurs    = 5
)

// ScanOptions are the caller-tunable knobs on a scan job.
type ScanOptions struct {
	ForceRefresh bool `json:"force_refresh,omitempty"`
	IncludeTests bool `json:"include_tests,omitempty"`
	MaxDepth     int  `json:"max_depth,omitempty"`
	CacheEnabled bool `json:"cache_enabled"`
}

// DefaultScanOptions returns the option defaults (cache on).
func DefaultScanOptions() ScanOptions {
	return ScanOptions{CacheEnabled: true}
}

// UnmarshalJSON defaults cache_enabled to true when the key is absent.
func (o *ScanOptions) UnmarshalJSON(data []byte) error {
	type alias ScanOptions
	aux := alias(DefaultScanOptions())
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*o = ScanOptions(aux)
	return nil
}

// Hash returns a short stable digest of the options that affect scan output.
// ForceRefresh and CacheEnabled steer caching, not results, so they are excluded.
func (o ScanOptions) Hash() string {
	raw := fmt.Sprintf("tests=%t|depth=%d", o.IncludeTests, o.MaxDepth)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:12]
}

// ScanRequest is the input payload of a duplicate-detection job.
// Single scans set RepositoryPath; multi-repo scans set RepositoryPaths.
type ScanRequest struct {
	RepositoryPath  string      `json:"repository_path,omitempty"`
	RepositoryPaths []string    `json:"repository_paths,omitempty"`
	GroupName       string      `json:"group_name,omitempty"`
	Options         ScanOptions `json:"options"`
}

// Paths returns the repositories to scan, single or multi.
func (r ScanRequest) Paths() []string {
	if len(r.RepositoryPaths) > 0 {
		return r.RepositoryPaths
	}
	if r.RepositoryPath != "" {
		return []string{r.RepositoryPath}
	}
	return nil
}

// ParseScanRequest coerces a job payload into a ScanRequest. Payloads arrive
// either as typed requests (cron trigger) or as decoded JSON maps (REST, MCP).
func ParseScanRequest(data interface{}) (ScanRequest, error) {
	switch v := data.(type) {
	case ScanRequest:
		return v, nil
	case *ScanRequest:
		if v != nil {
			return *v, nil
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ScanRequest{}, fmt.Errorf("invalid scan request payload: %w", err)
	}
	req := ScanRequest{Options: DefaultScanOptions()}
	if err := json.Unmarshal(raw, &req); err != nil {
		return ScanRequest{}, fmt.Errorf("invalid scan request payload: %w", err)
	}
	return req, nil
}

// ScanFingerprint derives the content-addressed key for a scan:
// identical inputs always produce identical fingerprints.
func ScanFingerprint(repositoryPath, commitSHA, handlerVersion, optionHash string) string {
	raw := strings.Join([]string{repositoryPath, commitSHA, handlerVersion, optionHash}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// RepositoryInfo describes one scanned repository.
type RepositoryInfo struct {
	RepositoryPath string   `json:"repository_path"`
	RepositoryName string   `json:"repository_name"`
	GitRemote      string   `json:"git_remote,omitempty"`
	GitBranch      string   `json:"git_branch,omitempty"`
	GitCommit      string   `json:"git_commit,omitempty"`
	TotalFiles     int      `json:"total_files"`
	TotalLines     int      `json:"total_lines"`
	Languages      []string `json:"languages,omitempty"`
}

// ScanConfiguration records the effective settings a report was produced with.
type ScanConfiguration struct {
	RulesUsed              []string `json:"rules_used,omitempty"`
	ExcludedPaths          []string `json:"excluded_paths,omitempty"`
	MinSimilarityThreshold float64  `json:"min_similarity_threshold"`
	MinDuplicateSize       int      `json:"min_duplicate_size"`
	IncludeTests           bool     `json:"include_tests"`
	MaxDepth               int      `json:"max_depth,omitempty"`
	HandlerVersion         string   `json:"handler_version"`
}

// CodeBlock is one occurrence of duplicated code.
type CodeBlock struct {
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	LineCount int    `json:"line_count"`
	Language  string `json:"language"`
	Hash      string `json:"hash"`
}

// DuplicateGroup is a set of code blocks judged duplicates of each other.
type DuplicateGroup struct {
	ID              string      `json:"id"`
	Category        string      `json:"category"` // "exact" or "structural"
	Similarity      float64     `json:"similarity"`
	Occurrences     []CodeBlock `json:"occurrences"`
	LineCount       int         `json:"line_count"`
	DuplicatedLines int         `json:"duplicated_lines"`
	CrossRepository bool        `json:"cross_repository,omitempty"`
	ImpactScore     float64     `json:"impact_score"`
}

// ComputeImpactScore weighs occurrence count, similarity, and size into 0..100.
func (g *DuplicateGroup) ComputeImpactScore() float64 {
	occ := math.Min(float64(len(g.Occurrences)), ImpactOccurrenceCap) / ImpactOccurrenceCap
	size := math.Min(float64(g.DuplicatedLines), ImpactLOCCap) / ImpactLOCCap
	score := occ*ImpactWeightOccurrence + g.Similarity*ImpactWeightSimilarity + size*ImpactWeightSize
	return math.Round(score*100) / 100
}

// Suggestion is a consolidation recommendation derived from a duplicate group.
type Suggestion struct {
	GroupID              string  `json:"group_id"`
	Title                string  `json:"title"`
	Description          string  `json:"description"`
	Priority             string  `json:"priority"` // "low", "medium", "high", "critical"
	Score                float64 `json:"score"`
	EstimatedEffortHours float64 `json:"estimated_effort_hours"`
	QuickWin             bool    `json:"quick_win"`
	PotentialLOCSaved    int     `json:"potential_loc_saved"`
}

// PriorityForScore maps an impact score to a suggestion priority band.
func PriorityForScore(score float64) string {
	switch {
	case score >= ScoreCritical:
		return "critical"
	case score >= ScoreHigh:
		return "high"
	case score >= ScoreMedium:
		return "medium"
	default:
		return "low"
	}
}

// ScanMetrics aggregates the numbers a report is judged by.
type ScanMetrics struct {
	TotalCodeBlocks           int            `json:"total_code_blocks"`
	CodeBlocksByLanguage      map[string]int `json:"code_blocks_by_language,omitempty"`
	TotalDuplicateGroups      int            `json:"total_duplicate_groups"`
	ExactDuplicates           int            `json:"exact_duplicates"`
	StructuralDuplicates      int            `json:"structural_duplicates"`
	SemanticDuplicates        int            `json:"semantic_duplicates"`
	TotalDuplicatedLines      int            `json:"total_duplicated_lines"`
	PotentialLOCReduction     int            `json:"potential_loc_reduction"`
	DuplicationPercentage     float64        `json:"duplication_percentage"`
	TotalSuggestions          int            `json:"total_suggestions"`
	QuickWins                 int            `json:"quick_wins"`
	HighPrioritySuggestions   int            `json:"high_priority_suggestions"`
	CrossRepositoryDuplicates int            `json:"cross_repository_duplicates"`
}

// DuplicationSeverity bands the duplication percentage for display.
func (m ScanMetrics) DuplicationSeverity() string {
	switch {
	case m.DuplicationPercentage < DuplicationMinimal:
		return "minimal"
	case m.DuplicationPercentage < DuplicationLow:
		return "low"
	case m.DuplicationPercentage < DuplicationModerate:
		return "moderate"
	case m.DuplicationPercentage < DuplicationHigh:
		return "high"
	default:
		return "critical"
	}
}

// ConsolidationOpportunityScore blends duplication, quick wins, and potential
// LOC reduction into a 0..100 priority signal for the dashboard.
func (m ScanMetrics) ConsolidationOpportunityScore() float64 {
	quickWinRatio := 0.0
	if m.TotalSuggestions > 0 {
		quickWinRatio = float64(m.QuickWins) / float64(m.TotalSuggestions)
	}
	locFactor := math.Min(float64(m.PotentialLOCReduction)/1000.0, 1.0)
	score := m.DuplicationPercentage*0.35 + quickWinRatio*100*0.40 + locFactor*100*0.25
	return math.Round(math.Min(score, 100)*100) / 100
}

// StageTiming records how long one pipeline stage took.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
}

// ScanReport is the artifact a duplicate-detection job produces. It is the
// cache payload and the JSON file written under the reports directory.
type ScanReport struct {
	ReportID      string            `json:"report_id"`
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Fingerprint   string            `json:"fingerprint"`
	GroupName     string            `json:"group_name,omitempty"`
	Repositories  []RepositoryInfo  `json:"repositories"`
	Configuration ScanConfiguration `json:"configuration"`
	Metrics       ScanMetrics       `json:"metrics"`
	Groups        []DuplicateGroup  `json:"duplicate_groups"`
	Suggestions   []Suggestion      `json:"suggestions"`
	Timings       []StageTiming     `json:"timings,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
	FromCache     bool              `json:"from_cache,omitempty"`
}

// NewReportID builds the canonical report id: scan_YYYYMMDD_HHMMSS_<id8>.
func NewReportID(at time.Time, suffix string) string {
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("scan_%s_%s", at.Format("20060102_150405"), suffix)
}

// IsMultiRepository reports whether the scan covered more than one repository.
func (r *ScanReport) IsMultiRepository() bool {
	return len(r.Repositories) > 1
}

// TotalScannedFiles sums file counts across repositories.
func (r *ScanReport) TotalScannedFiles() int {
	n := 0
	for _, repo := range r.Repositories {
		n += repo.TotalFiles
	}
	return n
}

// TotalScannedLines sums line counts across repositories.
func (r *ScanReport) TotalScannedLines() int {
	n := 0
	for _, repo := range r.Repositories {
		n += repo.TotalLines
	}
	return n
}

// RepositoryNames lists scanned repository names, sorted.
func (r *ScanReport) RepositoryNames() []string {
	names := make([]string, 0, len(r.Repositories))
	for _, repo := range r.Repositories {
		names = append(names, repo.RepositoryName)
	}
	sort.Strings(names)
	return names
}

// ExecutiveSummary renders the one-paragraph human summary shown in feeds.
func (r *ScanReport) ExecutiveSummary() string {
	scope := "1 repository"
	if r.IsMultiRepository() {
		scope = fmt.Sprintf("%d repositories", len(r.Repositories))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Scanned %s (%d files, %d lines): %.1f%% duplication (%s), %d duplicate groups, %d suggestions",
		scope, r.TotalScannedFiles(), r.TotalScannedLines(),
		r.Metrics.DuplicationPercentage, r.Metrics.DuplicationSeverity(),
		r.Metrics.TotalDuplicateGroups, r.Metrics.TotalSuggestions)
	if r.Metrics.QuickWins > 0 {
		fmt.Fprintf(&b, " (%d quick wins)", r.Metrics.QuickWins)
	}
	fmt.Fprintf(&b, ". Potential reduction: %d lines.", r.Metrics.PotentialLOCReduction)
	return b.String()
}

// ReportSummary is the lean listing row for /api/reports and tool output.
type ReportSummary struct {
	ReportID              string    `json:"report_id"`
	GeneratedAt           time.Time `json:"generated_at"`
	Repositories          []string  `json:"repositories"`
	DuplicationPercentage float64   `json:"duplication_percentage"`
	Severity              string    `json:"severity"`
	TotalDuplicateGroups  int       `json:"total_duplicate_groups"`
	QuickWins             int       `json:"quick_wins"`
	FilePath              string    `json:"file_path,omitempty"`
}

// Summary projects the report into its listing row.
func (r *ScanReport) Summary() ReportSummary {
	return ReportSummary{
		ReportID:              r.ReportID,
		GeneratedAt:           r.GeneratedAt,
		Repositories:          r.RepositoryNames(),
		DuplicationPercentage: r.Metrics.DuplicationPercentage,
		Severity:              r.Metrics.DuplicationSeverity(),
		TotalDuplicateGroups:  r.Metrics.TotalDuplicateGroups,
		QuickWins:             r.Metrics.QuickWins,
	}
}
