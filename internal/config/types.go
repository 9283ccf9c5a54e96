package config

import (
	"time"

	"github.com/magiconair/properties"
	"gopkg.in/yaml.v3"
)

// Config represents the complete hotpatch configuration.
type Config struct {
	Include  []string      `yaml:"include,omitempty"`
	Service  ServiceConfig `yaml:"service"`
	Agent    AgentConfig   `yaml:"agent"`
	Host     HostConfig    `yaml:"host"`
	Journal  JournalConfig `yaml:"journal"`
	API      APIConfig     `yaml:"api,omitempty"`
	Webhooks WebhookConfig `yaml:"webhooks,omitempty"`

	// SourceFiles maps each loaded file to its parsed node, for config get.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
	// Properties is the merged property set (YAML-derived keys plus the
	// properties file), handed to plugins through the config capability.
	Properties *properties.Properties `yaml:"-"`
}

// ServiceConfig defines core runtime settings.
type ServiceConfig struct {
	Name         string            `yaml:"name"`
	TickInterval time.Duration     `yaml:"tick_interval"`
	Debounce     time.Duration     `yaml:"debounce"`
	MaxWorkers   int               `yaml:"max_workers"`
	LogLevel     string            `yaml:"log_level"`
	LogLevels    map[string]string `yaml:"log_levels,omitempty"`
	LogFormat    string            `yaml:"log_format"`
	LogFile      string            `yaml:"log_file,omitempty"`
	LogAppend    bool              `yaml:"log_append,omitempty"`
	EventBuffer  int               `yaml:"event_buffer"`
}

// AgentConfig defines plugin and watch settings.
type AgentConfig struct {
	// PropertiesFile is an optional .properties file overriding these values.
	PropertiesFile    string   `yaml:"properties_file,omitempty"`
	WatchResources    []string `yaml:"watch_resources,omitempty"`
	DisabledPlugins   []string `yaml:"disabled_plugins,omitempty"`
	AutoHotswap       bool     `yaml:"auto_hotswap"`
	HostVersion       string   `yaml:"host_version,omitempty"`
	DispatchCacheSize int      `yaml:"dispatch_cache_size"`
}

// HostConfig configures the file-based host driven by "hotpatch run".
type HostConfig struct {
	Root string `yaml:"root"`
}

// JournalConfig defines the command journal database.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// WebhookConfig defines the build-tool notification endpoint.
type WebhookConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "hotpatch",
			TickInterval: 100 * time.Millisecond,
			Debounce:     100 * time.Millisecond,
			LogLevel:     "info",
			LogFormat:    "json",
			EventBuffer:  256,
		},
		Agent: AgentConfig{
			AutoHotswap:       true,
			DispatchCacheSize: 4096,
		},
		Host: HostConfig{
			Root: "./classes",
		},
		Journal: JournalConfig{
			Path:      "./data/journal.db",
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8089",
		},
		Webhooks: WebhookConfig{
			Path:            "/hooks/build",
			SignatureHeader: "X-Hotpatch-Signature",
			MaxBodySize:     "1MB",
		},
	}
}
