package main

import (
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/conductor"
)

var orchestratorCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Run the orchestrator service",
	Long: `Run the worker pool that pops queued tasks, drives each session's agents
and publishes progress updates and final answers on the response bus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService((*conductor.Services).RunOrchestrator)
	},
}

func init() {
	rootCmd.AddCommand(orchestratorCmd)
}
