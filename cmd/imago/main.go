// -----------------------------------------------------------------------
// Last Modified: Tuesday, 14th July 2026 9:21:48 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/imago/internal/app"
	"github.com/ternarybob/imago/internal/common"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Imago version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	common.LoadVersionFromFile()

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		// Check current directory first
		if _, err := os.Stat("imago.toml"); err == nil {
			configFiles = append(configFiles, "imago.toml")
		} else if _, err := os.Stat("deployments/local/imago.toml"); err == nil {
			// Fallback: check deployments/local for users running from project root
			configFiles = append(configFiles, "deployments/local/imago.toml")
		}
	}

	// Startup sequence: config (defaults -> files -> env), logger, banner,
	// then the application.
	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		// Use temporary logger for startup errors
		tempLogger := arbor.NewLogger()
		if len(configFiles) == 0 {
			tempLogger.Fatal().Err(err).Msg("Failed to load configuration: no config file found")
		} else {
			tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		}
		os.Exit(1)
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	if logPath := common.GetLogFilePath(logger); logPath != "" {
		common.InstallCrashHandler(filepath.Dir(logPath))
	} else {
		common.InstallCrashHandler("")
	}

	logger.Info().
		Strs("config_files", configFiles).
		Str("environment", config.Environment).
		Str("storage_path", config.Storage.Badger.Path).
		Str("artifacts_root", config.Artifacts.Root).
		Msg("Configuration loaded")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start pipeline")
		application.Close()
		os.Exit(1)
	}

	logger.Info().Msg("Imago running - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Interrupt signal received, shutting down")
	cancel()

	if err := application.Close(); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors")
		os.Exit(1)
	}

	logger.Info().Msg("Shutdown complete")
}
