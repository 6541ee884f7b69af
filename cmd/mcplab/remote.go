package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/mcplab/internal/deploy"
	"github.com/standardbeagle/mcplab/internal/logs"
)

type deployResponse struct {
	Message    string `json:"message"`
	ProjectID  string `json:"project_id"`
	Port       int    `json:"port"`
	PID        int    `json:"process_id"`
	EntryPoint string `json:"entry_point"`
	AccessURL  string `json:"access_url"`
}

func printDeployment(r deployResponse) {
	fmt.Printf("%s %s\n", okStyle.Render("✓"), r.Message)
	fmt.Printf("  Port:        %d\n", r.Port)
	fmt.Printf("  PID:         %d\n", r.PID)
	fmt.Printf("  Entry point: %s\n", r.EntryPoint)
	fmt.Printf("  URL:         %s\n", r.AccessURL)
}

func newDeployCmd() *cobra.Command {
	var cfg deploy.Config
	cmd := &cobra.Command{
		Use:   "deploy <project-id>",
		Short: "Deploy a project as a long-running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			cfg.AutoStart = true
			var out deployResponse
			if err := c.post(cmd.Context(), "/api/deploy/"+url.PathEscape(args[0]), cfg, &out); err != nil {
				return err
			}
			printDeployment(out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", 0, "Port to deploy on (default: next free port in range)")
	cmd.Flags().StringVar(&cfg.ServiceName, "name", "", "Service name")
	cmd.Flags().BoolVar(&cfg.EnableLogging, "log", true, "Write service output to a log file")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project-id>",
		Short: "Stop a deployed service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				Message string `json:"message"`
			}
			if err := c.post(cmd.Context(), "/api/deploy/"+url.PathEscape(args[0])+"/stop", nil, &out); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", okStyle.Render("✓"), out.Message)
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <project-id>",
		Short: "Restart a deployed service on its current port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var out deployResponse
			if err := c.post(cmd.Context(), "/api/deploy/"+url.PathEscape(args[0])+"/restart", nil, &out); err != nil {
				return err
			}
			printDeployment(out)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [project-id]",
		Short: "Show one deployment, or every deployment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				var out map[string]any
				if err := c.get(cmd.Context(), "/api/deploy/"+url.PathEscape(args[0])+"/status", &out); err != nil {
					return err
				}
				return printJSON(out)
			}

			var out []struct {
				ProjectID string  `json:"project_id"`
				Active    bool    `json:"active"`
				Port      int     `json:"port"`
				PID       int     `json:"process_id"`
				Uptime    float64 `json:"uptime"`
				AccessURL string  `json:"access_url"`
			}
			if err := c.get(cmd.Context(), "/api/deploy", &out); err != nil {
				return err
			}
			if len(out) == 0 {
				fmt.Println(dimStyle.Render("No deployments"))
				return nil
			}
			for _, d := range out {
				mark := okStyle.Render("●")
				if !d.Active {
					mark = failStyle.Render("●")
				}
				fmt.Printf("%s %-36s :%-5d pid %-7d up %-8.0fs %s\n", mark, d.ProjectID, d.Port, d.PID, d.Uptime, d.AccessURL)
			}
			return nil
		},
	}
}

func newLogsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <project-id>",
		Short: "Print the recent output of a deployed service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				Logs []logs.Entry `json:"logs"`
			}
			path := "/api/deploy/" + url.PathEscape(args[0]) + "/logs?lines=" + strconv.Itoa(lines)
			if err := c.get(cmd.Context(), path, &out); err != nil {
				return err
			}
			for _, e := range out.Logs {
				msg := e.Message
				switch e.Level {
				case logs.LevelError:
					msg = failStyle.Render(msg)
				case logs.LevelSuccess:
					msg = okStyle.Render(msg)
				}
				fmt.Printf("%s %s\n", dimStyle.Render(e.Timestamp.Format("15:04:05")), msg)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", deploy.DefaultLogLines, "Number of lines to show")
	return cmd
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Show allocated ports and the next free ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var out deploy.PortsView
			if err := c.get(cmd.Context(), "/api/deploy/ports/available", &out); err != nil {
				return err
			}
			fmt.Printf("Allocated: %v\n", out.Allocated)
			fmt.Printf("Available: %v\n", out.Available)
			return nil
		},
	}
}
