// Package mcp manages an external tool provider spoken to over the Model Context Protocol:
// a subprocess whose tool catalog is discovered at start and called by agents.
package mcp

import (
	"time"

	"github.com/aixgo-dev/conductor/pkg/fault"
)

// DefaultPackage is the provider started by DefaultSettings.
const DefaultPackage = "@azure-devops/mcp"

// JiraPackage is the provider started by JiraSettings.
const JiraPackage = "mcp-atlassian"

// Settings configure one provider process.
type Settings struct {
	// OrgName identifies the organization or site the provider acts for. Required.
	OrgName string
	// Command and Args start the provider. Env is appended to the child environment.
	Command string
	Args    []string
	Env     []string
	// Timeout bounds the handshake and each request.
	Timeout time.Duration
	// MaxRetries is how many times a failed connect is retried after the first attempt.
	MaxRetries int
	// RetryDelay is the pause between connect attempts.
	RetryDelay time.Duration
	// RequiredBinaries must resolve on PATH before anything is spawned.
	RequiredBinaries []string
	// Categories maps a capability name to the substrings a tool name must all contain
	// for the capability to count as present.
	Categories map[string][]string
}

// DefaultCategories are the capabilities expected from the default provider.
func DefaultCategories() map[string][]string {
	return map[string][]string{
		"work_items":   {"wit"},
		"repositories": {"repo"},
		"builds":       {"build"},
		"releases":     {"release"},
	}
}

// DefaultSettings returns settings that run the default provider through npx.
func DefaultSettings(orgName string) Settings {
	return Settings{
		OrgName:          orgName,
		Command:          "npx",
		Args:             []string{"-y", DefaultPackage, orgName},
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       2 * time.Second,
		RequiredBinaries: []string{"node", "npx"},
		Categories:       DefaultCategories(),
	}
}

// JiraCategories are the capabilities expected from a Jira provider: JQL search, issue
// creation and update, and field metadata.
func JiraCategories() map[string][]string {
	return map[string][]string{
		"search": {"jira", "search"},
		"create": {"jira", "create"},
		"update": {"jira", "update"},
		"fields": {"jira", "field"},
	}
}

// JiraSettings returns settings that run the Jira provider through uvx against the server
// at serverURL. Credentials are passed in the child environment.
func JiraSettings(serverURL, username, token string) Settings {
	env := []string{"JIRA_URL=" + serverURL}
	if username != "" {
		env = append(env, "JIRA_USERNAME="+username)
	}
	if token != "" {
		env = append(env, "JIRA_API_TOKEN="+token)
	}
	return Settings{
		OrgName:          serverURL,
		Command:          "uvx",
		Args:             []string{JiraPackage},
		Env:              env,
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryDelay:       2 * time.Second,
		RequiredBinaries: []string{"uvx"},
		Categories:       JiraCategories(),
	}
}

// Validate checks the settings without touching the system.
func (s Settings) Validate() error {
	const op = "mcp.Settings.Validate"
	switch {
	case s.OrgName == "":
		return fault.New(fault.Configuration, op, "organization name is required")
	case s.Command == "":
		return fault.New(fault.Configuration, op, "command is required")
	case s.Timeout <= 0:
		return fault.New(fault.Configuration, op, "timeout must be positive, got %s", s.Timeout)
	case s.MaxRetries < 0:
		return fault.New(fault.Configuration, op, "max retries must not be negative, got %d", s.MaxRetries)
	case s.RetryDelay < 0:
		return fault.New(fault.Configuration, op, "retry delay must not be negative, got %s", s.RetryDelay)
	}
	return nil
}
