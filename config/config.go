// Package config loads service configuration from a YAML file, with
// environment variables taking precedence for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"auditflow/auth"
	"auditflow/policy"
)

type Config struct {
	Server   Server         `yaml:"server"`
	Policies PolicySettings `yaml:"policies"`
}

type Server struct {
	ListenAddr          string `yaml:"listen_addr"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
}

type PolicySettings struct {
	EvaluationTimeoutSeconds int            `yaml:"evaluation_timeout_seconds"`
	Custom                   []CustomPolicy `yaml:"custom"`
}

// CustomPolicy declares a firm-specific policy on top of the system set. The
// only supported kind is require_workpaper_kind: the engagement must carry a
// prepared workpaper of the named kind before the transition commits.
type CustomPolicy struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Kind               string   `yaml:"kind"`
	WorkpaperKind      string   `yaml:"workpaper_kind"`
	Blocking           bool     `yaml:"blocking"`
	Transitions        []string `yaml:"transitions"`
	Waivable           bool     `yaml:"waivable"`
	MinWaiverAuthority string   `yaml:"min_waiver_authority"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:          ":8080",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
			IdleTimeoutSeconds:  60,
		},
		Policies: PolicySettings{
			EvaluationTimeoutSeconds: 5,
		},
	}
}

// Load reads the YAML file at path, applied over defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.ReadTimeoutSeconds <= 0 || c.Server.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("config: server timeouts must be positive")
	}
	if c.Policies.EvaluationTimeoutSeconds <= 0 {
		return fmt.Errorf("config: evaluation timeout must be positive")
	}
	for _, cp := range c.Policies.Custom {
		if cp.ID == "" {
			return fmt.Errorf("config: custom policy requires an id")
		}
		if cp.Kind != "require_workpaper_kind" {
			return fmt.Errorf("config: custom policy %s: unsupported kind %q", cp.ID, cp.Kind)
		}
		if cp.WorkpaperKind == "" {
			return fmt.Errorf("config: custom policy %s: workpaper_kind required", cp.ID)
		}
		if len(cp.Transitions) == 0 {
			return fmt.Errorf("config: custom policy %s: at least one transition required", cp.ID)
		}
		if cp.Waivable {
			if _, ok := auth.AuthorityLevelByName(cp.MinWaiverAuthority); !ok {
				return fmt.Errorf("config: custom policy %s: unknown authority %q", cp.ID, cp.MinWaiverAuthority)
			}
		}
	}
	return nil
}

// EvaluationTimeout returns the per-policy evaluation budget.
func (c Config) EvaluationTimeout() time.Duration {
	return time.Duration(c.Policies.EvaluationTimeoutSeconds) * time.Second
}

// ReadTimeout returns the HTTP server read timeout.
func (s Server) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the HTTP server write timeout.
func (s Server) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// IdleTimeout returns the HTTP server idle timeout.
func (s Server) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// RegisterCustomPolicies maps the configured custom policies into the registry.
// Called before Freeze during startup.
func RegisterCustomPolicies(registry *policy.Registry, cfg Config) error {
	for _, cp := range cfg.Policies.Custom {
		transitions := make([]policy.Transition, 0, len(cp.Transitions))
		for _, tr := range cp.Transitions {
			transitions = append(transitions, policy.Transition(tr))
		}

		minAuthority := 0
		if cp.Waivable {
			minAuthority, _ = auth.AuthorityLevelByName(cp.MinWaiverAuthority)
		}

		name := cp.Name
		if name == "" {
			name = cp.ID
		}

		def := policy.Definition{
			ID:                 cp.ID,
			Name:               name,
			Blocking:           cp.Blocking,
			Transitions:        transitions,
			Waivable:           cp.Waivable,
			MinWaiverAuthority: minAuthority,
			Evaluate:           policy.NewWorkpaperKindCheck(cp.WorkpaperKind),
		}
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("config: register custom policy %s: %w", cp.ID, err)
		}
	}
	return nil
}
