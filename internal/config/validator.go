package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/harun/conduit/pkg/provider"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, kind string) error {
	switch kind {
	case string(provider.KindOllama), string(provider.KindKnowledge):
		return nil // local backends take no key
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", kind)
	}

	switch kind {
	case string(provider.KindAnthropic):
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case string(provider.KindOpenAI):
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateProviderKind validates a provider kind
func (v *Validator) ValidateProviderKind(kind string) error {
	return oneOf("provider kind", kind, []string{
		string(provider.KindAnthropic),
		string(provider.KindOpenAI),
		string(provider.KindGemini),
		string(provider.KindOllama),
		string(provider.KindKnowledge),
	})
}

// ValidateTransport validates a tool server transport
func (v *Validator) ValidateTransport(transport string) error {
	return oneOf("tool transport", transport, []string{TransportBuiltin, TransportStdio, TransportHTTP})
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"})
}

// ValidateSchedule validates a cron spec or descriptor such as "@every 1m".
func (v *Validator) ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return nil
}

func oneOf(what, value string, valid []string) error {
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", what, value, strings.Join(valid, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if len(cfg.Providers) == 0 {
		errs = append(errs, fmt.Errorf("no providers configured: at least one provider is required"))
	}
	names := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("provider %d: name is required", i))
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("provider %s: duplicate name", p.Name))
		}
		names[p.Name] = true
		if err := v.ValidateProviderKind(p.Kind); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.Name, err))
			continue
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Kind); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.Name, err))
		}
		if p.Kind == string(provider.KindKnowledge) && p.DBPath == "" {
			errs = append(errs, fmt.Errorf("provider %s: db_path is required for knowledge providers", p.Name))
		}
		if p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("provider %s: max_tokens must be >= 0", p.Name))
		}
	}
	if cfg.DefaultProvider != "" && !names[cfg.DefaultProvider] {
		errs = append(errs, fmt.Errorf("default_provider %q is not a configured provider", cfg.DefaultProvider))
	}

	if err := cfg.Swarm.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("swarm: %w", err))
	}
	if cfg.Streaming.FlushThreshold <= 0 {
		errs = append(errs, fmt.Errorf("streaming.flush_threshold must be positive, got %d", cfg.Streaming.FlushThreshold))
	}

	servers := make(map[string]bool, len(cfg.Tools.Servers))
	for i, s := range cfg.Tools.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("tool server %d: name is required", i))
			continue
		}
		if strings.Contains(s.Name, "__") {
			errs = append(errs, fmt.Errorf("tool server %s: name must not contain \"__\"", s.Name))
		}
		if servers[s.Name] {
			errs = append(errs, fmt.Errorf("tool server %s: duplicate name", s.Name))
		}
		servers[s.Name] = true
		if err := v.ValidateTransport(s.Transport); err != nil {
			errs = append(errs, fmt.Errorf("tool server %s: %w", s.Name, err))
			continue
		}
		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("tool server %s: command is required for stdio", s.Name))
			}
		case TransportHTTP:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("tool server %s: url is required for http", s.Name))
			}
		}
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.RequestsPerMinute < 0 || cfg.Gateway.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("gateway rate limits must be >= 0"))
	}

	if err := v.ValidateSchedule(cfg.Janitor.Schedule); err != nil {
		errs = append(errs, err)
	}
	if d, err := cfg.Janitor.RetentionDuration(); err != nil {
		errs = append(errs, err)
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("janitor retention must be positive, got %s", d))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", cfg.Tracing.SampleRatio))
	}

	return errs
}
