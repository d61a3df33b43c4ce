package app

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createGetVersionTool returns the get_version tool definition
func createGetVersionTool() mcp.Tool {
	return mcp.NewTool("get_version",
		mcp.WithDescription("Get the Sweep server version and status. Use this to verify connectivity."),
	)
}

// createScanRepositoryTool returns the scan_repository tool definition
func createScanRepositoryTool() mcp.Tool {
	return mcp.NewTool("scan_repository",
		mcp.WithDescription("Queue a duplicate-detection scan of a repository. Returns the job ID immediately; poll list_jobs or get_scan_results for the outcome."),
		mcp.WithString("repository_path",
			mcp.Required(),
			mcp.Description("Absolute path of the repository to scan (e.g., '/srv/repos/billing')"),
		),
		mcp.WithBoolean("force_refresh",
			mcp.Description("Bypass the scan cache and rebuild the report (default: false)"),
		),
		mcp.WithBoolean("include_tests",
			mcp.Description("Include test files in duplicate analysis (default: false)"),
		),
		mcp.WithNumber("max_depth",
			mcp.Description("Maximum directory depth to walk (default: unlimited)"),
		),
	)
}

// createScanMultipleRepositoriesTool returns the scan_multiple_repositories tool definition
func createScanMultipleRepositoriesTool() mcp.Tool {
	return mcp.NewTool("scan_multiple_repositories",
		mcp.WithDescription("Queue one duplicate-detection scan spanning several repositories. Cross-repository duplicates are reported in a single combined report."),
		mcp.WithArray("repository_paths",
			mcp.WithStringItems(),
			mcp.Required(),
			mcp.Description("Absolute paths of the repositories to scan together"),
		),
		mcp.WithString("group_name",
			mcp.Description("Label for the combined report (e.g., 'payments-services')"),
		),
		mcp.WithBoolean("force_refresh",
			mcp.Description("Bypass the scan cache and rebuild the report (default: false)"),
		),
		mcp.WithBoolean("include_tests",
			mcp.Description("Include test files in duplicate analysis (default: false)"),
		),
	)
}

// createGetScanResultsTool returns the get_scan_results tool definition
func createGetScanResultsTool() mcp.Tool {
	return mcp.NewTool("get_scan_results",
		mcp.WithDescription("Get duplicate-detection results. Without arguments returns the latest report; pass report_id for a specific report or repository to filter."),
		mcp.WithString("report_id",
			mcp.Description("Specific report ID (e.g., 'scan_20250812_143022_a1b2c3d4')"),
		),
		mcp.WithString("repository",
			mcp.Description("Repository name or path substring to filter by"),
		),
		mcp.WithBoolean("list",
			mcp.Description("List available reports instead of showing one (default: false)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum reports to list (default: 10)"),
		),
	)
}

// createListJobsTool returns the list_jobs tool definition
func createListJobsTool() mcp.Tool {
	return mcp.NewTool("list_jobs",
		mcp.WithDescription("List engine jobs newest-first with status, attempts, and timing. Also reports the engine counter totals."),
		mcp.WithString("status",
			mcp.Description("Filter by status: queued, running, paused, completed, failed, cancelled"),
		),
		mcp.WithString("type",
			mcp.Description("Filter by job type: duplicate-detection, repo-cleanup"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum jobs to return (default: 20)"),
		),
	)
}

// createGetCacheStatusTool returns the get_cache_status tool definition
func createGetCacheStatusTool() mcp.Tool {
	return mcp.NewTool("get_cache_status",
		mcp.WithDescription("Get scan cache counters (hits, misses, invalidations) and the list of unexpired entries."),
	)
}

// createInvalidateCacheTool returns the invalidate_cache tool definition
func createInvalidateCacheTool() mcp.Tool {
	return mcp.NewTool("invalidate_cache",
		mcp.WithDescription("Remove scan cache entries by fingerprint or repository path. The next matching scan rebuilds from scratch."),
		mcp.WithString("fingerprint",
			mcp.Description("Exact cache fingerprint to remove"),
		),
		mcp.WithString("repository_path",
			mcp.Description("Remove every entry for this repository path"),
		),
	)
}
