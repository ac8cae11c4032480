package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/conductor"
	"github.com/aixgo-dev/conductor/pkg/mcp"
)

var toolsProvider string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Start a tool bridge and list the tools it provides",
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().StringVar(&toolsProvider, "provider", "devops", "tool provider to start (devops, jira)")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services := &conductor.Services{Config: cfg, Logger: logger}
	var (
		start  func(context.Context) (*mcp.Bridge, *mcp.Status, error)
		target string
	)
	switch toolsProvider {
	case "devops":
		start, target = services.StartBridge, cfg.DevOps.OrgName
	case "jira":
		start, target = services.StartJiraBridge, cfg.Jira.ServerURL
	default:
		return fmt.Errorf("unknown tool provider %q (want devops or jira)", toolsProvider)
	}

	bridge, status, err := start(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = bridge.Stop() }()

	printTools(cmd.OutOrStdout(), target, status, bridge.Tools())
	return nil
}

func printTools(w io.Writer, target string, status *mcp.Status, tools []mcp.Tool) {
	fmt.Fprintf(w, "Target: %s\n", target)
	fmt.Fprintf(w, "Tools available: %d\n", status.ToolsAvailable)
	if len(status.MissingCategories) > 0 {
		fmt.Fprintf(w, "Missing categories: %v\n", status.MissingCategories)
	}
	for _, warning := range status.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  - %s\n", name)
	}
}
