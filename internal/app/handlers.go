package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/interfaces"
	"github.com/bobmcallan/sweep/internal/models"
)

// handleGetVersion implements the get_version tool
func handleGetVersion() server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result := fmt.Sprintf("Sweep Server\nVersion: %s\nBuild: %s\nCommit: %s\nStatus: OK",
			common.GetVersion(), common.GetBuild(), common.GetGitCommit())
		return textResult(result), nil
	}
}

// handleScanRepository implements the scan_repository tool
func handleScanRepository(engine interfaces.Orchestrator, logger *common.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repositoryPath, err := request.RequireString("repository_path")
		if err != nil || repositoryPath == "" {
			return errorResult("Error: repository_path parameter is required"), nil
		}

		options := models.DefaultScanOptions()
		options.ForceRefresh = request.GetBool("force_refresh", false)
		options.IncludeTests = request.GetBool("include_tests", false)
		options.MaxDepth = request.GetInt("max_depth", 0)

		jobID, err := engine.CreateJob(ctx, models.JobTypeDuplicateScan, models.ScanRequest{
			RepositoryPath: repositoryPath,
			Options:        options,
		})
		if err != nil {
			logger.Error().Err(err).Str("repository", repositoryPath).Msg("Scan job creation failed")
			return errorResult(fmt.Sprintf("Scan error: %v", err)), nil
		}

		return textResult(formatJobQueued(jobID, models.JobTypeDuplicateScan, []string{repositoryPath})), nil
	}
}

// handleScanMultipleRepositories implements the scan_multiple_repositories tool
func handleScanMultipleRepositories(engine interfaces.Orchestrator, logger *common.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		repositoryPaths := request.GetStringSlice("repository_paths", nil)
		if len(repositoryPaths) == 0 {
			return errorResult("Error: repository_paths parameter is required"), nil
		}

		options := models.DefaultScanOptions()
		options.ForceRefresh = request.GetBool("force_refresh", false)
		options.IncludeTests = request.GetBool("include_tests", false)

		jobID, err := engine.CreateJob(ctx, models.JobTypeDuplicateScan, models.ScanRequest{
			RepositoryPaths: repositoryPaths,
			GroupName:       request.GetString("group_name", ""),
			Options:         options,
		})
		if err != nil {
			logger.Error().Err(err).Int("repositories", len(repositoryPaths)).Msg("Multi-repo scan job creation failed")
			return errorResult(fmt.Sprintf("Scan error: %v", err)), nil
		}

		return textResult(formatJobQueued(jobID, models.JobTypeDuplicateScan, repositoryPaths)), nil
	}
}

// handleGetScanResults implements the get_scan_results tool
func handleGetScanResults(reports interfaces.ReportStore, logger *common.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reportID := request.GetString("report_id", "")
		repository := request.GetString("repository", "")
		listOnly := request.GetBool("list", false)

		if listOnly {
			limit := request.GetInt("limit", 10)
			summaries, err := reports.ListReports(ctx, repository, limit)
			if err != nil {
				logger.Error().Err(err).Msg("Report listing failed")
				return errorResult(fmt.Sprintf("Report error: %v", err)), nil
			}
			return textResult(formatReportList(summaries, repository)), nil
		}

		var report *models.ScanReport
		var err error
		if reportID != "" {
			report, err = reports.GetReport(ctx, reportID)
		} else {
			report, err = reports.LatestReport(ctx, repository)
		}
		if err != nil {
			logger.Error().Err(err).Str("report_id", reportID).Msg("Report lookup failed")
			return errorResult(fmt.Sprintf("Report error: %v", err)), nil
		}
		if report == nil {
			if reportID != "" {
				return errorResult(fmt.Sprintf("No report found with ID '%s'", reportID)), nil
			}
			return textResult("No scan reports available yet. Queue one with scan_repository."), nil
		}

		return textResult(formatScanReport(report)), nil
	}
}

// handleListJobs implements the list_jobs tool
func handleListJobs(engine interfaces.Orchestrator, logger *common.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := request.GetInt("limit", 20)
		if limit > 100 {
			limit = 100
		}

		filter := models.JobFilter{
			Status: models.JobStatus(strings.ToLower(request.GetString("status", ""))),
			Type:   request.GetString("type", ""),
			Limit:  limit,
		}

		jobs := engine.ListJobs(filter)
		stats := engine.GetStats()

		return textResult(formatJobList(jobs, stats, engine.IsPaused())), nil
	}
}

// handleGetCacheStatus implements the get_cache_status tool
func handleGetCacheStatus(cache interfaces.ScanCache, logger *common.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return textResult(formatCacheStatus(cache.Stats(), cache.Entries())), nil
	}
}

// handleInvalidateCache implements the invalidate_cache tool
func handleInvalidateCache(cache interfaces.ScanCache, logger *common.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fingerprint := request.GetString("fingerprint", "")
		repositoryPath := request.GetString("repository_path", "")
		if fingerprint == "" && repositoryPath == "" {
			return errorResult("Error: fingerprint or repository_path parameter is required"), nil
		}

		removed := 0
		target := fingerprint
		if fingerprint != "" {
			removed = cache.Invalidate(fingerprint)
		} else {
			removed = cache.InvalidateRepository(repositoryPath)
			target = repositoryPath
		}

		logger.Info().Str("target", target).Int("removed", removed).Msg("Cache invalidated via MCP")
		return textResult(fmt.Sprintf("Removed %d cache entr%s for '%s'.", removed, pluralY(removed), target)), nil
	}
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(message),
		},
		IsError: true,
	}
}
