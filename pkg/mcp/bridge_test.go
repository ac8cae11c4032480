package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/pkg/fault"
)

func newProvider(names ...string) *server.MCPServer {
	s := server.NewMCPServer("test-provider", "1.0.0", server.WithToolCapabilities(true))
	for _, name := range names {
		s.AddTool(
			mcpgo.NewTool(name,
				mcpgo.WithDescription("test tool "+name),
				mcpgo.WithString("query", mcpgo.Description("what to look up")),
			),
			func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
				q, _ := req.GetArguments()["query"].(string)
				if q == "fail" {
					return mcpgo.NewToolResultError("lookup failed"), nil
				}
				return mcpgo.NewToolResultText(req.Params.Name + ":" + q), nil
			},
		)
	}
	return s
}

func inProcess(s *server.MCPServer) Dialer {
	return func(ctx context.Context, _ Settings) (*client.Client, error) {
		return client.NewInProcessClient(s)
	}
}

func testSettings() Settings {
	s := DefaultSettings("contoso")
	s.Timeout = 5 * time.Second
	s.RetryDelay = 0
	s.RequiredBinaries = nil
	return s
}

func TestStartDiscoversTools(t *testing.T) {
	b, status, err := Start(context.Background(), testSettings(),
		WithDialer(inProcess(newProvider("wit_list", "repo_search", "build_get", "release_get"))))
	require.NoError(t, err)
	defer b.Stop()

	assert.Equal(t, 4, status.ToolsAvailable)
	assert.Empty(t, status.MissingCategories)
	assert.False(t, status.Degraded())
	require.Len(t, b.Tools(), 4)
	assert.Equal(t, "object", b.Tools()[0].InputSchema["type"])
}

func TestJiraProviderCatalog(t *testing.T) {
	settings := JiraSettings("https://jira.example.com", "bot", "secret")
	assert.Equal(t, []string{"uvx"}, settings.RequiredBinaries)
	assert.Equal(t, []string{JiraPackage}, settings.Args)
	assert.Equal(t, []string{"JIRA_URL=https://jira.example.com", "JIRA_USERNAME=bot", "JIRA_API_TOKEN=secret"}, settings.Env)
	assert.Len(t, JiraSettings("https://jira.example.com", "", "").Env, 1)

	settings.Timeout = 5 * time.Second
	settings.RetryDelay = 0
	settings.RequiredBinaries = nil
	b, status, err := Start(context.Background(), settings, WithDialer(inProcess(
		newProvider("jira_search_issues", "jira_create_issue", "jira_update_issue", "jira_get_fields", "jira_get_jql_instructions"))))
	require.NoError(t, err)
	defer b.Stop()

	assert.Equal(t, 5, status.ToolsAvailable)
	assert.Empty(t, status.MissingCategories)

	out, err := b.CallTool(context.Background(), "jira_search_issues", map[string]any{"query": "project = REL"})
	require.NoError(t, err)
	assert.Equal(t, "jira_search_issues:project = REL", out)
}

func TestCategoryValidation(t *testing.T) {
	names := []string{"wit_list", "repo_search"}

	assert.Empty(t, MissingCategories(names, map[string][]string{"work_items": {"wit"}}))
	assert.Equal(t, []string{"builds"}, MissingCategories(names, map[string][]string{"builds": {"build"}}))

	// Every pattern must appear in the same tool name.
	assert.Equal(t, []string{"work_items"},
		MissingCategories(names, map[string][]string{"work_items": {"wit", "item"}}))
	assert.Empty(t, MissingCategories([]string{"WIT_Get_Work_Item"},
		map[string][]string{"work_items": {"wit", "work", "item"}}))
}

func TestMissingCategoryIsWarningOnly(t *testing.T) {
	settings := testSettings()
	settings.Categories = map[string][]string{"builds": {"build"}}

	b, status, err := Start(context.Background(), settings,
		WithDialer(inProcess(newProvider("wit_list", "repo_search"))))
	require.NoError(t, err)
	defer b.Stop()

	assert.Equal(t, []string{"builds"}, status.MissingCategories)
	assert.True(t, status.Degraded())
	assert.Len(t, status.Warnings, 1)
}

func TestEmptyCatalogIsNotFatal(t *testing.T) {
	b, status, err := Start(context.Background(), testSettings(), WithDialer(inProcess(newProvider())))
	require.NoError(t, err)
	defer b.Stop()

	assert.Zero(t, status.ToolsAvailable)
	assert.Empty(t, status.MissingCategories)
	require.Len(t, status.Warnings, 1)
	assert.Contains(t, status.Warnings[0], "no tools")
}

func TestSettingsValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty org", func(s *Settings) { s.OrgName = "" }},
		{"empty command", func(s *Settings) { s.Command = "" }},
		{"zero timeout", func(s *Settings) { s.Timeout = 0 }},
		{"negative retries", func(s *Settings) { s.MaxRetries = -1 }},
		{"negative delay", func(s *Settings) { s.RetryDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dialed atomic.Int32
			s := testSettings()
			tt.mutate(&s)
			_, _, err := Start(context.Background(), s, WithDialer(func(ctx context.Context, _ Settings) (*client.Client, error) {
				dialed.Add(1)
				return nil, errors.New("unreachable")
			}))
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.Configuration))
			assert.Zero(t, dialed.Load())
		})
	}
}

func TestMissingPrerequisiteHasNoSideEffects(t *testing.T) {
	var dialed atomic.Int32
	s := testSettings()
	s.RequiredBinaries = []string{"node", "npx"}

	_, _, err := Start(context.Background(), s,
		WithLookPath(func(bin string) (string, error) {
			if bin == "npx" {
				return "", errors.New("not found")
			}
			return "/usr/bin/" + bin, nil
		}),
		WithDialer(func(ctx context.Context, _ Settings) (*client.Client, error) {
			dialed.Add(1)
			return nil, errors.New("unreachable")
		}),
	)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Prerequisite))
	assert.Contains(t, err.Error(), "npx")
	assert.Zero(t, dialed.Load())
}

func TestConnectRetries(t *testing.T) {
	provider := newProvider("wit_list")
	var attempts atomic.Int32
	flaky := func(ctx context.Context, s Settings) (*client.Client, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("spawn failed")
		}
		return client.NewInProcessClient(provider)
	}

	b, _, err := Start(context.Background(), testSettings(), WithDialer(flaky))
	require.NoError(t, err)
	defer b.Stop()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestConnectGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	s := testSettings()
	s.MaxRetries = 1

	_, _, err := Start(context.Background(), s, WithDialer(func(ctx context.Context, _ Settings) (*client.Client, error) {
		attempts.Add(1)
		return nil, errors.New("spawn failed")
	}))
	require.Error(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestCallToolAndStop(t *testing.T) {
	b, _, err := Start(context.Background(), testSettings(), WithDialer(inProcess(newProvider("wit_list"))))
	require.NoError(t, err)

	out, err := b.CallTool(context.Background(), "wit_list", map[string]any{"query": "open bugs"})
	require.NoError(t, err)
	assert.Equal(t, "wit_list:open bugs", out)

	_, err = b.CallTool(context.Background(), "wit_list", map[string]any{"query": "fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup failed")

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	_, err = b.CallTool(context.Background(), "wit_list", nil)
	assert.ErrorIs(t, err, ErrStopped)
}
