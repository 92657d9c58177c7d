package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/studiobridge/studiobridge/pkg/batch"
	"github.com/studiobridge/studiobridge/pkg/bridge"
	"github.com/studiobridge/studiobridge/pkg/config"
	"github.com/studiobridge/studiobridge/pkg/log"
	"github.com/studiobridge/studiobridge/pkg/ringlog"
	"github.com/studiobridge/studiobridge/pkg/tools"
	"github.com/studiobridge/studiobridge/pkg/transport"
)

var (
	serveConfigPath string
	servePort       int
	serveLogLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge: MCP on stdio, plugin endpoint on localhost",
	Long: `Run the bridge server.

The MCP side speaks stdio, so this command is what an MCP client
configuration points at. The plugin side listens on a loopback HTTP port
the Studio companion plugin long-polls for commands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}
		if servePort != 0 {
			cfg.PluginPort = servePort
		}
		if serveLogLevel != "" {
			cfg.LogLevel = log.Level(serveLogLevel)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := log.Init(log.Config{Level: cfg.LogLevel}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		return runServe(cfg)
	},
}

func runServe(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := ringlog.New(cfg.RingCapacity)
	queue := bridge.NewQueue(bridge.Config{LivenessWindow: cfg.LivenessWindow.Std()})
	defer queue.Close()

	batches := batch.NewExecutor(batch.Config{
		Queue:          queue,
		CommandTimeout: cfg.CommandTimeout.Std(),
	})

	plugin, err := transport.NewServer(transport.Config{
		Port:       cfg.PluginPort,
		PollBudget: cfg.PollBudget.Std(),
		Queue:      queue,
		Events:     events,
	})
	if err != nil {
		return err
	}

	server := tools.NewServer(tools.Config{
		Queue:          queue,
		Batches:        batches,
		Events:         events,
		CommandTimeout: cfg.CommandTimeout.Std(),
		Version:        Version,
	})

	// The plugin endpoint runs alongside the stdio session; a failure on
	// either side tears the other down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := plugin.Start(ctx); err != nil && ctx.Err() == nil {
			errChan <- err
		}
		cancel()
	}()

	log.Info("bridge started", "plugin_port", plugin.Port(), "version", Version)
	runErr := server.Run(ctx, &mcp.StdioTransport{})
	cancel()

	select {
	case pluginErr := <-errChan:
		return pluginErr
	default:
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("mcp server failed: %w", runErr)
	}
	return nil
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to config file")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Plugin port override")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}
