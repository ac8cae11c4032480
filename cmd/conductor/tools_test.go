package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/pkg/mcp"
)

func TestPrintTools(t *testing.T) {
	var buf bytes.Buffer
	status := &mcp.Status{
		ToolsAvailable:    2,
		MissingCategories: []string{"releases"},
		Warnings:          []string{"missing tool categories: releases"},
	}
	printTools(&buf, "contoso", status, []mcp.Tool{{Name: "wit_get_work_item"}, {Name: "build_list"}})

	assert.Equal(t, `Target: contoso
Tools available: 2
Missing categories: [releases]
Warning: missing tool categories: releases
  - build_list
  - wit_get_work_item
`, buf.String())
}

func TestToolsRejectsUnknownProvider(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	toolsProvider = "github"
	defer func() { toolsProvider = "devops" }()

	err := runTools(toolsCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool provider")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"orchestrator", "gateway", "tools"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
