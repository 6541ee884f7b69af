package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/mcplab/internal/discovery"
	"github.com/standardbeagle/mcplab/internal/mcp"
	"github.com/standardbeagle/mcplab/internal/parser"
	"github.com/standardbeagle/mcplab/internal/process"
	"github.com/standardbeagle/mcplab/pkg/ports"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func absDir(arg string) (string, error) {
	dir, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return dir, nil
}

func newDiscoverCmd() *cobra.Command {
	var (
		staticOnly bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "discover <dir>",
		Short: "List the tools a project exposes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := absDir(args[0])
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			sup := process.NewSupervisor(logger,
				process.WithStartupGrace(cfg.GetStartupGrace()),
				process.WithStopGrace(cfg.GetStopGrace()),
			)

			engine := discovery.NewEngine(sup, discovery.Options{
				FrameworkDir: cfg.GetFrameworkDir(),
				MaxFiles:     cfg.GetMaxScanFiles(),
				Python:       cfg.GetPythonCommand(),
				CallTimeout:  cfg.GetCallTimeout(),
				StartupGrace: cfg.GetStartupGrace(),
				StopGrace:    cfg.GetStopGrace(),
				StaticOnly:   staticOnly,
			}, logger)
			res := engine.Discover(cmd.Context(), dir)

			if asJSON {
				return printJSON(map[string]any{
					"source":        res.Source,
					"entry_point":   res.EntryPoint,
					"tools":         nonNilTools(res.Tools),
					"files_scanned": res.FilesScanned,
					"truncated":     res.Truncated,
				})
			}
			printDiscovery(res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&staticOnly, "static", false, "Only read the source; never start the server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func nonNilTools(tools []mcp.Tool) []mcp.Tool {
	if tools == nil {
		return []mcp.Tool{}
	}
	return tools
}

func printDiscovery(res *discovery.Result) {
	fmt.Println(headingStyle.Render(fmt.Sprintf("%d tools", len(res.Tools))) +
		dimStyle.Render(fmt.Sprintf(" via %s in %s", res.Source, res.Elapsed.Round(time.Millisecond))))
	if res.EntryPoint != "" {
		fmt.Printf("Entry point: %s\n", res.EntryPoint)
	}
	if res.ServerInfo != nil {
		fmt.Printf("Server: %s %s\n", res.ServerInfo.Name, res.ServerInfo.Version)
	}
	if res.ProtocolErr != nil {
		fmt.Println(dimStyle.Render("Protocol discovery failed: " + res.ProtocolErr.Error()))
	}
	if res.Truncated {
		fmt.Println(dimStyle.Render(fmt.Sprintf("Scan stopped after %d files", res.FilesScanned)))
	}
	for _, t := range res.Tools {
		fmt.Printf("  • %s", t.Name)
		if t.Description != "" {
			fmt.Print(dimStyle.Render("  " + firstLine(t.Description)))
		}
		fmt.Println()
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newCallCmd() *cobra.Command {
	var rawArgs string
	cmd := &cobra.Command{
		Use:   "call <dir> <tool>",
		Short: "Start a project's server, call one tool and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := absDir(args[0])
			if err != nil {
				return err
			}
			toolArgs := map[string]any{}
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			entry, ok := discovery.FindEntryPoint(dir, cfg.GetFrameworkDir())
			if !ok {
				return fmt.Errorf("no entry point found in %s", dir)
			}

			sup := process.NewSupervisor(logger, process.WithStopGrace(cfg.GetStopGrace()))

			client := mcp.NewClient(sup, mcp.Options{
				ProjectRoot:  dir,
				EntryPoint:   entry,
				Python:       mcp.ResolvePython(dir, filepath.Dir(entry), cfg.GetPythonCommand()),
				CallTimeout:  cfg.GetCallTimeout(),
				StartupGrace: cfg.GetStartupGrace(),
				StopGrace:    cfg.GetStopGrace(),
			}, logger)
			defer client.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetStartupGrace()+2*cfg.GetCallTimeout())
			defer cancel()

			if err := client.Start(ctx); err != nil {
				return err
			}
			if _, err := client.Initialize(ctx); err != nil {
				return withStderr(err, client.Stderr())
			}
			result, err := client.CallTool(ctx, args[1], toolArgs)
			if err != nil {
				return withStderr(err, client.Stderr())
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVarP(&rawArgs, "args", "a", "", "Tool arguments as a JSON object")
	return cmd
}

func withStderr(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return err
	}
	return fmt.Errorf("%w\nserver stderr:\n%s", err, stderr)
}

func newWatchCmd() *cobra.Command {
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Re-run static discovery whenever the project's Python sources change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := absDir(args[0])
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			engine := discovery.NewEngine(nil, discovery.Options{
				FrameworkDir: cfg.GetFrameworkDir(),
				MaxFiles:     cfg.GetMaxScanFiles(),
				StaticOnly:   true,
			}, logger)

			w, err := discovery.NewWatcher(discovery.WatcherOptions{PollInterval: poll}, logger)
			if err != nil {
				return err
			}
			if err := w.Add(dir); err != nil {
				return err
			}
			w.OnChange(func(c discovery.Change) {
				fmt.Println(dimStyle.Render(fmt.Sprintf("%s changed (%d files)", time.Now().Format("15:04:05"), len(c.Paths))))
				printDiscovery(engine.Scan(dir))
			})
			w.Start()
			defer w.Stop()

			printDiscovery(engine.Scan(dir))
			fmt.Println(dimStyle.Render("Watching for changes. Press Ctrl+C to stop..."))

			sigChan := make(chan os.Signal, 1)
			setupSignalHandling(sigChan)
			<-sigChan
			return nil
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 0, "Poll at this interval instead of using filesystem notifications")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check interpreters, configuration and the port range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			problems := 0
			fmt.Println(headingStyle.Render("Python interpreters"))
			interpreters := parser.DetectInterpreters()
			if len(interpreters) == 0 {
				problems++
				fmt.Println("  " + failStyle.Render("✗ none found on PATH"))
			}
			for _, in := range interpreters {
				mark := okStyle.Render("✓")
				if in.Command == cfg.GetPythonCommand() {
					mark += " (configured)"
				}
				fmt.Printf("  %s %s %s %s\n", mark, in.Command, in.Version, dimStyle.Render(in.Path))
			}

			fmt.Println(headingStyle.Render("Configuration"))
			fmt.Print(indent(cfg.DisplaySettings()))

			fmt.Println(headingStyle.Render("Ports"))
			start, end := cfg.GetPortStart(), cfg.GetPortEnd()
			free := 0
			for p := start; p <= end; p++ {
				if ports.IsPortAvailable(p) {
					free++
				}
			}
			mark := okStyle.Render("✓")
			if free == 0 {
				problems++
				mark = failStyle.Render("✗")
			}
			fmt.Printf("  %s %d of %d ports free in %d-%d\n", mark, free, end-start+1, start, end)

			fmt.Println(headingStyle.Render("Projects directory"))
			if info, err := os.Stat(cfg.GetProjectsDir()); err == nil && info.IsDir() {
				fmt.Printf("  %s %s\n", okStyle.Render("✓"), cfg.GetProjectsDir())
			} else {
				fmt.Printf("  %s %s %s\n", dimStyle.Render("-"), cfg.GetProjectsDir(), dimStyle.Render("(created on first use)"))
			}

			if problems > 0 {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n") + "\n"
}
