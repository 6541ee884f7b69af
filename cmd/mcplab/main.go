package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/api"
	"github.com/standardbeagle/mcplab/internal/config"
	"github.com/standardbeagle/mcplab/internal/logging"
)

var (
	// Version is set at build time
	Version = api.Version

	debugMode    bool
	showSettings bool
	apiURL       string
)

var rootCmd = &cobra.Command{
	Use:   "mcplab",
	Short: "Develop, debug and deploy Python MCP servers",
	Long: `mcplab manages a workspace of Python MCP server projects. It discovers
the tools each project exposes, runs debug sessions that call those tools,
and deploys projects as long-running services on ports from a managed range.

Basic Usage:
  mcplab serve                    # Start the API on 127.0.0.1:8000
  mcplab serve --tui              # Same, with a terminal dashboard
  mcplab discover ./weather       # List the tools a server exposes
  mcplab call ./weather forecast --args '{"city":"Oslo"}'
  mcplab mcp                      # Expose the platform itself over MCP stdio

Talking to a running server:
  mcplab deploy <project-id>      # Deploy on the next free port
  mcplab status <project-id>
  mcplab logs <project-id> -n 100
  mcplab ports`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !showSettings {
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Print(cfg.DisplaySettings())
		os.Exit(0)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&showSettings, "settings", false, "Show current configuration settings with sources")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Base URL of a running mcplab server (default from config)")

	rootCmd.AddCommand(
		newServeCmd(),
		newDiscoverCmd(),
		newCallCmd(),
		newWatchCmd(),
		newProjectsCmd(),
		newDeployCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newPortsCmd(),
		newMCPCmd(),
		newDoctorCmd(),
	)

	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the layered configuration and builds the logger. When
// fileOnly is set the console stays free for a TUI or stdio transport.
func loadConfig(fileOnly bool) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	newLogger := logging.New
	if fileOnly {
		newLogger = logging.NewFile
	}
	logger, err := newLogger(debugMode, cfg.GetLogFile())
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, logger, nil
}

func printJSON(v any) error {
	return writeJSON(os.Stdout, v)
}
