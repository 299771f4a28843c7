package main

import (
	"log"
	"os"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/mcp"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP (Model Context Protocol) server over stdio",
		Long: `Starts an MCP JSON-RPC 2.0 server that reads from stdin and writes to stdout.
Logs go to stderr so that stdout carries only protocol traffic.

Tools exposed:
  scan_entity      run one ingestion for an entity
  risk_assessment  current risk score and predictions
  health_report    run the pipeline health checks`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := mcp.NewServer(a.pipeline, a.predictor, a.monitor, Version, a.logger)
			errLogger := log.New(os.Stderr, "mcp: ", log.LstdFlags)

			a.logger.Info("MCP server starting", zap.String("transport", "stdio"))
			return mcpserver.ServeStdio(
				srv.MCPServer(),
				mcpserver.WithErrorLogger(errLogger),
			)
		},
	}
}
