// Package config loads process settings from the environment and agent runtime settings
// from YAML.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/conductor/pkg/fault"
)

// Kind selects the upstream client an agent runs on.
type Kind string

const (
	// KindHosted agents run on platform-hosted threads shared across the session.
	KindHosted Kind = "hosted"
	// KindChat agents run on chat completions with a local thread per agent.
	KindChat Kind = "chat"
)

// AgentConfig holds the runtime settings of one agent type.
type AgentConfig struct {
	Kind                Kind    `yaml:"kind"`
	AgentName           string  `yaml:"agent_name"`
	Description         string  `yaml:"description"`
	Instructions        string  `yaml:"instructions"`
	Model               string  `yaml:"model"`
	ContentType         string  `yaml:"content_type"`
	Temperature         float32 `yaml:"temperature"`
	TopP                float32 `yaml:"top_p"`
	MaxPromptTokens     int     `yaml:"max_prompt_tokens"`
	MaxCompletionTokens int     `yaml:"max_completion_tokens"`
	ParallelToolCalls   bool    `yaml:"parallel_tool_calls"`
}

// AgentsConfig is the agent runtime config file.
type AgentsConfig struct {
	Agents map[string]AgentConfig `yaml:"agents"`
}

// LoadAgentConfig reads and validates the agent runtime config.
func LoadAgentConfig(path string) (*AgentsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.Configuration, "config.LoadAgentConfig", fmt.Errorf("read %s: %w", path, err))
	}
	return ParseAgentConfig(data)
}

// ParseAgentConfig parses YAML, applies defaults and validates every entry.
func ParseAgentConfig(data []byte) (*AgentsConfig, error) {
	const op = "config.ParseAgentConfig"

	var cfg AgentsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fault.Wrap(fault.Configuration, op, fmt.Errorf("parse agent config: %w", err))
	}
	if len(cfg.Agents) == 0 {
		return nil, fault.New(fault.Configuration, op, "no agents configured")
	}

	for name, a := range cfg.Agents {
		if a.Kind == "" {
			a.Kind = KindChat
		}
		if a.AgentName == "" {
			a.AgentName = name
		}
		if a.ContentType == "" {
			a.ContentType = "text"
		}
		if a.Temperature == 0 {
			a.Temperature = 0.2
		}
		if a.TopP == 0 {
			a.TopP = 1
		}
		if a.Kind != KindHosted && a.Kind != KindChat {
			return nil, fault.New(fault.Configuration, op, "agent %s: unknown kind %q", name, a.Kind)
		}
		if a.Model == "" {
			return nil, fault.New(fault.Configuration, op, "agent %s: model is required", name)
		}
		cfg.Agents[name] = a
	}
	return &cfg, nil
}

// Names returns the configured agent type names in sorted order.
func (c *AgentsConfig) Names() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
