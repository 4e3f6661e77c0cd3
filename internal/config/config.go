package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime CLI names the runner accepts.
const (
	RuntimeDocker    = "docker"
	RuntimePodman    = "podman"
	RuntimeContainer = "container"
)

// Config defines the orchestrator configuration.
type Config struct {
	ContainerImage   string        `yaml:"container_image"`
	Runtime          string        `yaml:"runtime"`
	ContainerTimeout time.Duration `yaml:"container_timeout"`
	MaxOutputSize    int           `yaml:"max_output_size"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	IPCPollInterval  time.Duration `yaml:"ipc_poll_interval"`
	DataDir          string        `yaml:"data_dir"`
	GroupsDir        string        `yaml:"groups_dir"`
	MountAllowlist   string        `yaml:"mount_allowlist"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`

	// ContainerEnv is passed through to every container as -e KEY=VAL.
	ContainerEnv map[string]string `yaml:"container_env"`

	// MaxQueueDepth bounds each group's pending queue; 0 means unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	Admin AdminConfig `yaml:"admin"`
}

// AdminConfig defines the admin HTTP server configuration.
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// expandEnv substitutes $VAR and ${VAR} references in config text,
// honoring the ${VAR:-fallback} form. A reference to an unset variable
// with no fallback is kept as a ${VAR} reference (a bare $VAR becomes
// ${VAR}) so the later unmarshal error (or
// empty value) points at the real problem instead of hiding it.
func expandEnv(s string) string {
	return os.Expand(s, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasFallback {
			return fallback
		}
		return "${" + ref + "}"
	})
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		ContainerImage:   "jsclaw-agent:latest",
		Runtime:          RuntimeDocker,
		ContainerTimeout: 30 * time.Minute,
		MaxOutputSize:    10 * 1024 * 1024,
		MaxConcurrent:    5,
		IPCPollInterval:  2 * time.Second,
		DataDir:          "data",
		GroupsDir:        "groups",
		LogLevel:         "info",
		LogFormat:        "text",
		Admin: AdminConfig{
			Enabled: false,
			Port:    7430,
		},
	}
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (a missing file is fine), overlaid by JSCLAW_* environment
// variables. Programmatic overrides applied by the caller win over both.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal([]byte(expandEnv(string(data))), config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnv() {
	c.ContainerImage = getEnv("JSCLAW_CONTAINER_IMAGE", c.ContainerImage)
	c.Runtime = getEnv("JSCLAW_CONTAINER_RUNTIME", c.Runtime)
	c.ContainerTimeout = getEnvMillis("JSCLAW_CONTAINER_TIMEOUT", c.ContainerTimeout)
	c.MaxOutputSize = getEnvInt("JSCLAW_MAX_OUTPUT_SIZE", c.MaxOutputSize)
	c.MaxConcurrent = getEnvInt("JSCLAW_MAX_CONCURRENT", c.MaxConcurrent)
	c.IPCPollInterval = getEnvMillis("JSCLAW_IPC_POLL_INTERVAL", c.IPCPollInterval)
	c.DataDir = getEnv("JSCLAW_DATA_DIR", c.DataDir)
	c.GroupsDir = getEnv("JSCLAW_GROUPS_DIR", c.GroupsDir)
	c.MountAllowlist = getEnv("JSCLAW_MOUNT_ALLOWLIST", c.MountAllowlist)
	c.LogLevel = getEnv("JSCLAW_LOG_LEVEL", c.LogLevel)
	c.MaxQueueDepth = getEnvInt("JSCLAW_MAX_QUEUE_DEPTH", c.MaxQueueDepth)
	c.Admin.Port = getEnvInt("JSCLAW_ADMIN_PORT", c.Admin.Port)
}

// Validate rejects configurations the runner cannot operate with.
func (c *Config) Validate() error {
	switch c.Runtime {
	case RuntimeDocker, RuntimePodman, RuntimeContainer:
	default:
		return fmt.Errorf("unsupported container runtime %q", c.Runtime)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.MaxOutputSize < 1 {
		return fmt.Errorf("max_output_size must be positive, got %d", c.MaxOutputSize)
	}
	if c.ContainerTimeout <= 0 {
		return fmt.Errorf("container_timeout must be positive, got %s", c.ContainerTimeout)
	}
	if c.IPCPollInterval <= 0 {
		return fmt.Errorf("ipc_poll_interval must be positive, got %s", c.IPCPollInterval)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// getEnvMillis reads an integer millisecond value into a Duration.
func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultVal
}
