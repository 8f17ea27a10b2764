// Package config loads and validates .pipeline/config.yaml. Grounded on
// the teacher's internal/config package (YAML unmarshal, a Duration
// wrapper for "10s"-style strings, parse-then-default-then-validate
// shape), generalized from the teacher's single Concern/Gate model to
// the spec's full key set, with env-var substitution applied before
// parsing and a full revert to defaults on any parse or validation
// failure (spec §6).
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Tier is one entry of the tiers map (small|medium|large), selecting
// which agents run and the size thresholds that classify a change into it.
type Tier struct {
	MaxFiles int      `yaml:"max_files"`
	MaxLines int      `yaml:"max_lines"`
	Agents   []string `yaml:"agents"`
}

// BranchConfig governs branch naming (the Director's background loop is
// configured by DirectorConfig).
type BranchConfig struct {
	Prefix string `yaml:"prefix"`
}

// AgentDef describes one invocable agent (the command/args pair the
// Process Runner spawns, per provider).
type AgentDef struct {
	Name     string   `yaml:"name"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Provider string   `yaml:"provider,omitempty"`
}

// AutoCorrection governs the Pipeline Runner's correction loop (§4.11).
type AutoCorrection struct {
	Enabled     bool   `yaml:"enabled"`
	MaxAttempts int    `yaml:"max_attempts"`
	Agent       string `yaml:"agent"`
}

// DLQConfig mirrors internal/dlq.Config's YAML shape.
type DLQConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Path          string  `yaml:"path"`
	MaxRetries    int     `yaml:"max_retries"`
	BaseDelayMs   int     `yaml:"base_delay_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// Resilience holds the resilience.dlq block.
type Resilience struct {
	DLQ DLQConfig `yaml:"dlq"`
}

// Director governs the background merge loop (§4.12).
type DirectorConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"` // 0 disables
	KeepOnFailure   bool `yaml:"keep_on_failure"`
}

// Cleanup governs post-merge branch/worktree cleanup.
type Cleanup struct {
	RemoveWorktree bool `yaml:"remove_worktree"`
	DeleteBranch   bool `yaml:"delete_branch"`
}

// Adapter is one outbound webhook adapter configuration.
type Adapter struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Secret     string `yaml:"secret,omitempty"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

// Events governs the event bus persistence directory.
type Events struct {
	Path string `yaml:"path"`
}

// Logging governs the ambient slog handler.
type Logging struct {
	Level string `yaml:"level"` // debug|info|warn|error
	JSON  bool   `yaml:"json"`
}

// Config is the full .pipeline/config.yaml schema (spec §6).
type Config struct {
	Tiers          map[string]Tier `yaml:"tiers"`
	Branch         BranchConfig    `yaml:"branch"`
	Agents         []AgentDef      `yaml:"agents"`
	AutoCorrection AutoCorrection  `yaml:"auto_correction"`
	Resilience     Resilience      `yaml:"resilience"`
	Director       DirectorConfig  `yaml:"director"`
	Cleanup        Cleanup         `yaml:"cleanup"`
	Adapters       []Adapter       `yaml:"adapters,omitempty"`
	Events         Events          `yaml:"events"`
	Logging        Logging         `yaml:"logging"`
	Providers      map[string]AgentDef `yaml:"providers,omitempty"`
}

// Default returns the spec's documented defaults (S4: small.max_files=3,
// small.max_lines=50, small.agents=[tests, style]).
func Default() *Config {
	return &Config{
		Tiers: map[string]Tier{
			"small":  {MaxFiles: 3, MaxLines: 50, Agents: []string{"tests", "style"}},
			"medium": {MaxFiles: 15, MaxLines: 400, Agents: []string{"tests", "style", "security"}},
			"large":  {MaxFiles: 1 << 30, MaxLines: 1 << 30, Agents: []string{"tests", "style", "security", "architecture"}},
		},
		Branch: BranchConfig{Prefix: "pipeline/"},
		Agents: []AgentDef{
			{Name: "tests", Command: "claude", Args: []string{"-p"}},
			{Name: "style", Command: "claude", Args: []string{"-p"}},
		},
		AutoCorrection: AutoCorrection{Enabled: true, MaxAttempts: 2, Agent: "tests"},
		Resilience: Resilience{DLQ: DLQConfig{
			Enabled: true, Path: ".pipeline/dlq", MaxRetries: 5, BaseDelayMs: 1000, BackoffFactor: 2,
		}},
		Director: DirectorConfig{IntervalSeconds: 60, KeepOnFailure: true},
		Cleanup:  Cleanup{RemoveWorktree: true, DeleteBranch: true},
		Events:   Events{Path: ".pipeline/events"},
		Logging:  Logging{Level: "info", JSON: false},
		Providers: map[string]AgentDef{
			"claude": {Name: "claude", Command: "claude", Args: []string{"-p", "--output-format", "stream-json", "--verbose"}},
		},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${NAME} in data with the process
// environment's value for NAME, or the empty string if unset. Runs
// before YAML parsing, per the spec's ordering requirement.
func substituteEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, env-substitutes, and parses path. On any parse or
// validation failure, it returns Default() rather than surfacing an
// error — "no exceptions surface" per the spec's config contract — but
// also returns the error so callers can log the fallback.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("reading config, reverting to defaults: %w", err)
	}
	cfg, parseErr := parse(data)
	if parseErr != nil {
		return Default(), fmt.Errorf("parsing config, reverting to defaults: %w", parseErr)
	}
	if errs := Validate(cfg); len(errs) > 0 {
		return Default(), fmt.Errorf("validating config, reverting to defaults: %v", errs)
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	substituted := substituteEnv(data)
	cfg := Default()
	if err := yaml.Unmarshal(substituted, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	fillDefaults(cfg)
	return cfg, nil
}

// fillDefaults backfills any unset sections from Default() — a project
// config can specify only the sections it wants to override.
func fillDefaults(cfg *Config) {
	d := Default()
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = d.Tiers
	}
	if cfg.Branch.Prefix == "" {
		cfg.Branch.Prefix = d.Branch.Prefix
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = d.Agents
	}
	if cfg.Resilience.DLQ.Path == "" {
		cfg.Resilience.DLQ = d.Resilience.DLQ
	}
	if cfg.Events.Path == "" {
		cfg.Events.Path = d.Events.Path
	}
	if cfg.Logging.Level == "" {
		cfg.Logging = d.Logging
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = d.Providers
	}
}

// Validate reports every schema problem found; any invalid tier (as in
// S4: max_files<=0, max_lines<0, or no agents) invalidates the WHOLE
// config, per the spec's "revert to defaults" contract — there is no
// per-tier partial acceptance.
func Validate(cfg *Config) []error {
	var errs []error

	if len(cfg.Tiers) == 0 {
		errs = append(errs, fmt.Errorf("at least one tier is required"))
	}
	for name, t := range cfg.Tiers {
		if t.MaxFiles <= 0 {
			errs = append(errs, fmt.Errorf("tiers.%s.max_files must be > 0", name))
		}
		if t.MaxLines < 0 {
			errs = append(errs, fmt.Errorf("tiers.%s.max_lines must be >= 0", name))
		}
		if len(t.Agents) == 0 {
			errs = append(errs, fmt.Errorf("tiers.%s.agents must be non-empty", name))
		}
	}

	names := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
		} else if names[a.Name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate name %q", i, a.Name))
		} else {
			names[a.Name] = true
		}
		if a.Command == "" {
			errs = append(errs, fmt.Errorf("agents[%d] (%s): command is required", i, a.Name))
		}
	}

	if cfg.Resilience.DLQ.Enabled {
		if cfg.Resilience.DLQ.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("resilience.dlq.max_retries must be >= 0"))
		}
		if cfg.Resilience.DLQ.BackoffFactor <= 0 {
			errs = append(errs, fmt.Errorf("resilience.dlq.backoff_factor must be > 0"))
		}
	}

	return errs
}

// TierFor classifies a change (file count, line count) into a tier name
// by ascending max_files, first tier whose thresholds are not exceeded.
func (cfg *Config) TierFor(fileCount, lineCount int) string {
	type named struct {
		name string
		tier Tier
	}
	var ordered []named
	for name, t := range cfg.Tiers {
		ordered = append(ordered, named{name, t})
	}
	// Deterministic: sort by max_files ascending so "small" is tried first.
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].tier.MaxFiles < ordered[i].tier.MaxFiles {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, n := range ordered {
		if fileCount <= n.tier.MaxFiles && lineCount <= n.tier.MaxLines {
			return n.name
		}
	}
	if len(ordered) > 0 {
		return ordered[len(ordered)-1].name
	}
	return ""
}
