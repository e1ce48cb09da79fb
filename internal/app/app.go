// Package app wires configuration, storage, the broker, and the lifecycle
// engine into one shared core used by the server and worker binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/fhegate/internal/broker/memory"
	"github.com/bobmcallan/fhegate/internal/broker/surreal"
	"github.com/bobmcallan/fhegate/internal/common"
	"github.com/bobmcallan/fhegate/internal/filestore"
	"github.com/bobmcallan/fhegate/internal/interfaces"
	"github.com/bobmcallan/fhegate/internal/lifecycle"
	"github.com/bobmcallan/fhegate/internal/registry"
)

// App holds all initialized components and configuration.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Registry    *registry.Registry
	Files       *filestore.Store
	Broker      interfaces.Broker
	Results     interfaces.ResultStore
	Engine      *lifecycle.Engine
	StartupTime time.Time

	manager *surreal.Manager
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes configuration, logging, the object store, the broker
// connection, the use-case registry, and the lifecycle engine.
// configPath may be empty, in which case the default resolution logic is used.
func NewApp(configPath string) (*App, error) {
	// Load version from .version file (fallback if ldflags not set)
	common.LoadVersionFromFile()

	// Get binary directory for self-contained operation
	binDir := getBinaryDir()

	// Load configuration - check provided path, FHEGATE_CONFIG, then binary dir, then fallback
	if configPath == "" {
		configPath = os.Getenv("FHEGATE_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "fhegate.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/fhegate.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Resolve relative store paths to binary directory
	if config.Files.SharedDir != "" && !filepath.IsAbs(config.Files.SharedDir) {
		config.Files.SharedDir = filepath.Join(binDir, config.Files.SharedDir)
	}
	if config.Files.BackupDir != "" && !filepath.IsAbs(config.Files.BackupDir) {
		config.Files.BackupDir = filepath.Join(binDir, config.Files.BackupDir)
	}

	// Initialize logger
	logger := common.NewLoggerFromConfig(config.Logging)

	// Load the use-case registry; a malformed registry aborts start-up.
	reg, err := registry.Load(config.Tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to load use-case registry: %w", err)
	}

	// Initialize the shared object store
	files, err := filestore.NewStore(logger, config.Files)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	// Connect to the broker (job queue + result store)
	var (
		brk     interfaces.Broker
		results interfaces.ResultStore
		manager *surreal.Manager
	)
	switch config.Broker.Driver {
	case "", "surreal":
		manager, err = surreal.NewManager(logger, config)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize broker: %w", err)
		}
		brk = manager.Broker()
		results = manager.Results()
	case "memory":
		// Embedded broker: development and single-process setups only.
		brk = memory.NewBroker()
		results = memory.NewResultStore(config.Results.GetTTL())
	default:
		return nil, fmt.Errorf("unknown broker driver: %s (supported: surreal, memory)", config.Broker.Driver)
	}

	engine := lifecycle.NewEngine(brk, results, reg, files, logger)

	return &App{
		Config:      config,
		Logger:      logger,
		Registry:    reg,
		Files:       files,
		Broker:      brk,
		Results:     results,
		Engine:      engine,
		StartupTime: time.Now(),
		manager:     manager,
	}, nil
}

// StartResultPurge launches a background loop that removes expired result
// records. Returns a stop function.
func (a *App) StartResultPurge(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Hour
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := a.Results.PurgeExpired(ctx); err != nil {
					a.Logger.Warn().Err(err).Msg("Result purge failed")
				}
				cancel()
			}
		}
	}()
	return func() { close(done) }
}

// Close releases the broker connection.
func (a *App) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
}
