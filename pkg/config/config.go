package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aixgo-dev/conductor/pkg/fault"
)

// Config is the process configuration shared by the orchestrator and the gateway.
type Config struct {
	Redis     RedisConfig
	Channels  ChannelConfig
	Services  ServiceConfig
	Artifacts ArtifactConfig
	OpenAI    OpenAIConfig
	DevOps    DevOpsConfig
	Jira      JiraConfig
	Log       LogConfig
	Telemetry TelemetryConfig

	// AgentConfigPath points at the YAML agent runtime config.
	AgentConfigPath string
}

// RedisConfig locates the broker backing the queue, the bus and the artifact store.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ChannelConfig names the task list, the response channel prefix and the channel that
// announces closed sessions.
type ChannelConfig struct {
	Tasks         string
	Responses     string
	SessionEvents string
}

// ServiceConfig holds ports and limits of the two services.
type ServiceConfig struct {
	Concurrency      int
	OrchestratorPort int
	GatewayPort      int
	ResponseTimeout  time.Duration
}

// ArtifactConfig configures the artifact store.
type ArtifactConfig struct {
	TTL     time.Duration
	BaseURL string
}

// OpenAIConfig configures the upstream model platform.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// DevOpsConfig configures the tool bridge. An empty OrgName disables it.
type DevOpsConfig struct {
	OrgName    string
	Command    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// JiraConfig configures the Jira tool bridge. It runs only when ServerURL is set and
// UseMCPServer is on.
type JiraConfig struct {
	ServerURL    string
	Username     string
	Password     string
	UseMCPServer bool
	Command      string
	Args         []string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// Enabled reports whether the Jira tool bridge should start.
func (j JiraConfig) Enabled() bool {
	return j.UseMCPServer && j.ServerURL != ""
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string
	Format string
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter     string // none, stdout or otlp
	OTLPEndpoint string
	ServiceName  string
}

// LoadEnv reads .env files (missing ones are ignored) and then builds the configuration
// from the environment. Variables already set in the environment win over .env values.
func LoadEnv(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return nil, fault.Wrap(fault.Configuration, "config.LoadEnv", fmt.Errorf("load %s: %w", p, err))
		}
	}
	return FromEnv(), nil
}

// FromEnv builds the configuration from the current environment with defaults applied.
func FromEnv() *Config {
	return &Config{
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Channels: ChannelConfig{
			Tasks:         getEnv("REDIS_TASK_QUEUE_CHANNEL", "conductor:tasks"),
			Responses:     getEnv("REDIS_MESSAGE_QUEUE_CHANNEL", "conductor:responses"),
			SessionEvents: getEnv("REDIS_SESSION_EVENTS_CHANNEL", "conductor:session-events"),
		},
		Services: ServiceConfig{
			Concurrency:      getEnvInt("ORCHESTRATOR_CONCURRENCY", 5),
			OrchestratorPort: getEnvInt("ORCHESTRATOR_PORT", 5002),
			GatewayPort:      getEnvInt("GATEWAY_PORT", 5000),
			ResponseTimeout:  getEnvSeconds("SESSION_MAX_RESPONSE_TIMEOUT_IN_SECONDS", 240),
		},
		Artifacts: ArtifactConfig{
			TTL:     getEnvSeconds("ARTIFACT_TTL_IN_SECONDS", 86400),
			BaseURL: os.Getenv("ARTIFACT_BASE_URL"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		DevOps: DevOpsConfig{
			OrgName:    os.Getenv("DEVOPS_ORG_NAME"),
			Command:    getEnv("DEVOPS_MCP_COMMAND", "npx"),
			Timeout:    getEnvSeconds("DEVOPS_MCP_TIMEOUT_IN_SECONDS", 30),
			MaxRetries: getEnvInt("DEVOPS_MCP_MAX_RETRIES", 3),
			RetryDelay: getEnvSeconds("DEVOPS_MCP_RETRY_DELAY_IN_SECONDS", 2),
		},
		Jira: JiraConfig{
			ServerURL:    os.Getenv("JIRA_SERVER_ENDPOINT"),
			Username:     os.Getenv("JIRA_SERVER_USERNAME"),
			Password:     os.Getenv("JIRA_SERVER_PASSWORD"),
			UseMCPServer: getEnvBool("USE_JIRA_MCP_SERVER", true),
			Command:      getEnv("JIRA_MCP_COMMAND", "uvx"),
			Args:         strings.Fields(getEnv("JIRA_MCP_ARGS", "mcp-atlassian")),
			Timeout:      getEnvSeconds("JIRA_MCP_TIMEOUT_IN_SECONDS", 30),
			MaxRetries:   getEnvInt("JIRA_MCP_MAX_RETRIES", 3),
			RetryDelay:   getEnvSeconds("JIRA_MCP_RETRY_DELAY_IN_SECONDS", 2),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Telemetry: TelemetryConfig{
			Exporter:     getEnv("OTEL_EXPORTER", "none"),
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "conductor"),
		},
		AgentConfigPath: getEnv("AGENT_CONFIG_PATH", "agents.yaml"),
	}
}

// Validate checks the settings every service depends on.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.Redis.Host == "" || c.Redis.Port <= 0 {
		return fault.New(fault.Configuration, op, "redis host and port are required")
	}
	if c.Channels.Tasks == "" || c.Channels.Responses == "" || c.Channels.SessionEvents == "" {
		return fault.New(fault.Configuration, op, "task, response and session event channel names are required")
	}
	if strings.HasPrefix(c.Channels.SessionEvents, c.Channels.Responses+":") {
		return fault.New(fault.Configuration, op, "session event channel must not live under the response prefix")
	}
	if c.Channels.Tasks == c.Channels.Responses {
		return fault.New(fault.Configuration, op, "task and response channels must differ")
	}
	if c.Services.Concurrency <= 0 {
		return fault.New(fault.Configuration, op, "concurrency must be positive, got %d", c.Services.Concurrency)
	}
	if c.Services.ResponseTimeout <= 0 {
		return fault.New(fault.Configuration, op, "response timeout must be positive")
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fault.New(fault.Configuration, op, "unknown trace exporter %q", c.Telemetry.Exporter)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
