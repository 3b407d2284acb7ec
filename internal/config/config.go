package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/conduit/pkg/governor"
	"github.com/harun/conduit/pkg/provider"
	"github.com/harun/conduit/pkg/toolexecutor"
)

// Tool server transports.
const (
	TransportBuiltin = "builtin"
	TransportStdio   = toolexecutor.TransportStdio
	TransportHTTP    = toolexecutor.TransportHTTP
)

// Config represents the main conduit configuration
type Config struct {
	Providers       []ProviderConfig `json:"providers" mapstructure:"providers"`
	DefaultProvider string           `json:"default_provider" mapstructure:"default_provider"`

	// Swarm holds the five governor ceilings. They are re-read on every
	// admission, so a reload takes effect for the next check.
	Swarm governor.Limits `json:"swarm" mapstructure:"swarm"`

	Streaming StreamingConfig `json:"streaming" mapstructure:"streaming"`
	Tools     ToolsConfig     `json:"tools" mapstructure:"tools"`
	History   HistoryConfig   `json:"history" mapstructure:"history"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Janitor   JanitorConfig   `json:"janitor" mapstructure:"janitor"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderConfig describes one model backend.
type ProviderConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	Kind      string `json:"kind" mapstructure:"kind"` // anthropic, openai, gemini, ollama, knowledge
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Model     string `json:"model" mapstructure:"model"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
	DBPath    string `json:"db_path" mapstructure:"db_path"`
}

// StreamingConfig holds stream registry settings
type StreamingConfig struct {
	FlushThreshold int `json:"flush_threshold" mapstructure:"flush_threshold"`
}

// ToolsConfig lists the tool servers to register.
type ToolsConfig struct {
	Servers []ToolServerConfig `json:"servers" mapstructure:"servers"`
}

// ToolServerConfig describes one tool server.
type ToolServerConfig struct {
	Name      string            `json:"name" mapstructure:"name"`
	Transport string            `json:"transport" mapstructure:"transport"` // builtin, stdio, http
	Command   string            `json:"command" mapstructure:"command"`
	Args      []string          `json:"args" mapstructure:"args"`
	Env       map[string]string `json:"env" mapstructure:"env"`
	URL       string            `json:"url" mapstructure:"url"`
	// AutoApprove skips the human approval step for this server's tools.
	AutoApprove bool `json:"auto_approve" mapstructure:"auto_approve"`
}

// HistoryConfig holds chat history settings
type HistoryConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	Host              string `json:"host" mapstructure:"host"`
	Token             string `json:"token" mapstructure:"token"`
	TickInterval      int    `json:"tick_interval_ms" mapstructure:"tick_interval_ms"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// JanitorConfig schedules eviction of finished executions, sealed tool
// calls and tool logs.
type JanitorConfig struct {
	Schedule  string `json:"schedule" mapstructure:"schedule"`
	Retention string `json:"retention" mapstructure:"retention"`
}

// RetentionDuration parses Retention.
func (j JanitorConfig) RetentionDuration() (time.Duration, error) {
	d, err := time.ParseDuration(j.Retention)
	if err != nil {
		return 0, fmt.Errorf("invalid janitor retention %q: %w", j.Retention, err)
	}
	return d, nil
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderConfig{},
		Swarm:     governor.DefaultLimits(),
		Streaming: StreamingConfig{FlushThreshold: 5},
		Tools: ToolsConfig{
			Servers: []ToolServerConfig{
				{Name: "builtin", Transport: TransportBuiltin, AutoApprove: true},
			},
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			TickInterval:      30000,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Janitor: JanitorConfig{
			Schedule:  governor.DefaultJanitorSchedule,
			Retention: "10m",
		},
		Tracing: TracingConfig{ServiceName: "conduit", SampleRatio: 1},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate returns the first problem found by Validator.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ProviderConfigs converts the provider section for provider.NewSet.
func (c *Config) ProviderConfigs() []provider.Config {
	out := make([]provider.Config, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, provider.Config{
			Name:      p.Name,
			Kind:      provider.Kind(p.Kind),
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			Model:     p.Model,
			MaxTokens: p.MaxTokens,
			DBPath:    p.DBPath,
		})
	}
	return out
}

// DefaultProviderKind is the kind used by turns that do not name one: the
// kind of DefaultProvider, or of the first provider.
func (c *Config) DefaultProviderKind() provider.Kind {
	for _, p := range c.Providers {
		if c.DefaultProvider == "" || p.Name == c.DefaultProvider {
			return provider.Kind(p.Kind)
		}
	}
	return ""
}

// AutoApprovedServers lists the tool servers whose calls skip approval.
func (c *Config) AutoApprovedServers() []string {
	var out []string
	for _, s := range c.Tools.Servers {
		if s.AutoApprove {
			out = append(out, s.Name)
		}
	}
	return out
}
