package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/mcplab/internal/api"
	"github.com/standardbeagle/mcplab/internal/mcpserver"
	"github.com/standardbeagle/mcplab/internal/proxy"
	"github.com/standardbeagle/mcplab/internal/tui"
)

func newServeCmd() *cobra.Command {
	var (
		host        string
		port        int
		gatewayPort int
		withTUI     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(withTUI)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if host == "" {
				host = cfg.GetAPIHost()
			}
			if port == 0 {
				port = cfg.GetAPIPort()
			}
			if !cmd.Flags().Changed("gateway-port") {
				gatewayPort = cfg.GetGatewayPort()
			}

			var gateway *proxy.Server
			if gatewayPort > 0 {
				gateway = proxy.NewServer(proxy.NewDeploymentResolver(a.projects, a.deploy), a.eventBus, logger)
				if err := gateway.Start(net.JoinHostPort(host, strconv.Itoa(gatewayPort))); err != nil {
					return err
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = gateway.Stop(ctx)
				}()
			}

			srv := api.NewServer(api.Config{
				Projects: a.projects,
				Debug:    a.debug,
				Deploy:   a.deploy,
				Logs:     a.logs,
				Gateway:  gateway,
				EventBus: a.eventBus,
			}, logger)
			if err := srv.Start(net.JoinHostPort(host, strconv.Itoa(port))); err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Stop(ctx); err != nil {
					logger.Warn("Stopping API server", zap.Error(err))
				}
			}()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigChan := make(chan os.Signal, 1)
			setupSignalHandling(sigChan)
			go func() {
				select {
				case <-sigChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			if withTUI {
				return tui.Run(ctx, tui.NewManagerSource(a.projects, a.deploy), tui.WithEventBus(a.eventBus))
			}

			fmt.Printf("mcplab %s listening on http://%s\n", Version, srv.Addr())
			if gateway != nil {
				fmt.Printf("Gateway: http://<project>.localhost:%d/\n", gatewayPort)
			}
			fmt.Println("Press Ctrl+C to stop...")
			<-ctx.Done()
			fmt.Println("\nShutting down...")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Address to bind (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from config)")
	cmd.Flags().IntVar(&gatewayPort, "gateway-port", 0, "Port for <project>.localhost routing, 0 disables (default from config)")
	cmd.Flags().BoolVar(&withTUI, "tui", false, "Show the terminal dashboard")
	return cmd
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose project, debug and deploy operations as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol
			cfg, logger, err := loadConfig(true)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcpserver.NewServer(a.projects, a.debug, a.deploy, Version, logger).ServeStdio()
		},
	}
}
