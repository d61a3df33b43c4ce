// Package app wires configuration, the event bus, storage, the engine, and
// the MCP server into one shared core used by cmd/sweep-server.
package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/bobmcallan/sweep/internal/clients/gitops"
	"github.com/bobmcallan/sweep/internal/common"
	"github.com/bobmcallan/sweep/internal/events"
	"github.com/bobmcallan/sweep/internal/interfaces"
	"github.com/bobmcallan/sweep/internal/services/broadcast"
	"github.com/bobmcallan/sweep/internal/services/cleanup"
	"github.com/bobmcallan/sweep/internal/services/orchestrator"
	"github.com/bobmcallan/sweep/internal/services/scancache"
	"github.com/bobmcallan/sweep/internal/services/scanner"
	"github.com/bobmcallan/sweep/internal/services/trigger"
	"github.com/bobmcallan/sweep/internal/storage/history"
	"github.com/bobmcallan/sweep/internal/storage/reportfs"
)

// App holds all initialized services and the MCP server. It is the shared
// core behind cmd/sweep-server and the handler tests.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Bus         *events.Bus
	Engine      *orchestrator.Orchestrator
	Activity    *orchestrator.ActivityLog
	Cache       interfaces.ScanCache
	Reports     interfaces.ReportStore
	History     interfaces.HistoryWriter
	Git         interfaces.GitService
	Hub         *broadcast.Hub
	Adapter     *broadcast.Adapter
	Trigger     *trigger.Service
	MCPServer   *server.MCPServer
	StartupTime time.Time

	started bool
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp loads configuration and initializes the full service graph.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	// Load version from .version file (fallback if ldflags not set)
	common.LoadVersionFromFile()

	// Get binary directory for self-contained operation
	binDir := getBinaryDir()

	// Load configuration - check provided path, SWEEP_CONFIG, then binary dir, then fallback
	if configPath == "" {
		configPath = os.Getenv("SWEEP_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "sweep.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/sweep.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative artifact paths to the binary directory
	if config.Output.ReportsDir != "" && !filepath.IsAbs(config.Output.ReportsDir) {
		config.Output.ReportsDir = filepath.Join(binDir, config.Output.ReportsDir)
	}
	if config.Output.HistoryFile != "" && !filepath.IsAbs(config.Output.HistoryFile) {
		config.Output.HistoryFile = filepath.Join(binDir, config.Output.HistoryFile)
	}
	if config.Logging.FilePath != "" && !filepath.IsAbs(config.Logging.FilePath) {
		config.Logging.FilePath = filepath.Join(binDir, config.Logging.FilePath)
	}

	return NewAppFromConfig(config)
}

// NewAppFromConfig initializes the service graph from an already-loaded
// configuration. Nothing runs until Start.
func NewAppFromConfig(config *common.Config) (*App, error) {
	startupStart := time.Now()

	logger := common.NewLoggerFromConfig(config.Logging)

	bus := events.NewBus(logger, config.Engine.BusBuffer)
	cache := scancache.NewService(config, logger, bus)

	git, err := gitops.NewService(config, gitops.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize git service: %w", err)
	}

	reports, err := reportfs.NewStore(logger, config.Output.ReportsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize report store: %w", err)
	}

	historyWriter, err := history.NewWriter(logger, config.Output.HistoryFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job history: %w", err)
	}

	engine := orchestrator.New(config, logger, bus, git, historyWriter)
	if err := engine.Register(scanner.NewWorker(config, logger, bus, cache, reports, git)); err != nil {
		return nil, fmt.Errorf("failed to register scan worker: %w", err)
	}
	if err := engine.Register(cleanup.NewWorker(config, logger)); err != nil {
		return nil, fmt.Errorf("failed to register cleanup worker: %w", err)
	}

	activity := orchestrator.NewActivityLog(bus, config.Engine.ActivityRingSize)
	hub := broadcast.NewHub(logger, engine.GetStats)
	adapter := broadcast.NewAdapter(logger, bus, hub, engine.GetStats)
	trig := trigger.NewService(config, logger, engine)

	mcpServer := server.NewMCPServer(
		"sweep",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	a := &App{
		Config:      config,
		Logger:      logger,
		Bus:         bus,
		Engine:      engine,
		Activity:    activity,
		Cache:       cache,
		Reports:     reports,
		History:     historyWriter,
		Git:         git,
		Hub:         hub,
		Adapter:     adapter,
		Trigger:     trig,
		MCPServer:   mcpServer,
		StartupTime: startupStart,
	}

	// Register all MCP tools
	a.registerTools()

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// Start launches the engine dispatcher, the broadcast fan-out, and the cron
// triggers.
func (a *App) Start() error {
	if a.started {
		return nil
	}
	a.started = true

	a.Engine.Start()
	go a.Hub.Run()
	a.Adapter.Start()

	if err := a.Trigger.Start(); err != nil {
		return fmt.Errorf("failed to start cron triggers: %w", err)
	}
	return nil
}

// Close releases all resources held by the App.
// Shutdown order: triggers, broadcast, engine, activity, history, bus.
func (a *App) Close() {
	if a.Trigger != nil {
		a.Trigger.Stop()
	}
	if a.Adapter != nil && a.started {
		a.Adapter.Stop()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Engine != nil && a.started {
		a.Engine.Stop()
	}
	if a.Activity != nil {
		a.Activity.Close()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job history")
		}
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
}

// registerTools registers all MCP tools on the App's MCPServer.
func (a *App) registerTools() {
	s := a.MCPServer
	logger := a.Logger

	s.AddTool(createGetVersionTool(), handleGetVersion())
	s.AddTool(createScanRepositoryTool(), handleScanRepository(a.Engine, logger))
	s.AddTool(createScanMultipleRepositoriesTool(), handleScanMultipleRepositories(a.Engine, logger))
	s.AddTool(createGetScanResultsTool(), handleGetScanResults(a.Reports, logger))
	s.AddTool(createListJobsTool(), handleListJobs(a.Engine, logger))
	s.AddTool(createGetCacheStatusTool(), handleGetCacheStatus(a.Cache, logger))
	s.AddTool(createInvalidateCacheTool(), handleInvalidateCache(a.Cache, logger))
}
