package model

import (
	"fmt"
	"time"
)

// Config is the complete evigate configuration, loaded once at startup.
type Config struct {
	Store      StoreConfig      `json:"store" yaml:"store" mapstructure:"store"`
	Paths      PathsConfig      `json:"paths" yaml:"paths" mapstructure:"paths"`
	Evaluation EvaluationConfig `json:"evaluation" yaml:"evaluation" mapstructure:"evaluation"`
	Approval   ApprovalConfig   `json:"approval" yaml:"approval" mapstructure:"approval"`
	Lease      LeaseConfig      `json:"lease" yaml:"lease" mapstructure:"lease"`
	Replay     ReplayConfig     `json:"replay" yaml:"replay" mapstructure:"replay"`
	Panic      PanicConfig      `json:"panic" yaml:"panic" mapstructure:"panic"`
}

// StoreConfig selects and tunes the persistent store backend.
type StoreConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	DSN      string        `json:"dsn" yaml:"dsn" mapstructure:"dsn"` // SQLite path or DSN
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// PathsConfig locates the process-local safety nets.
type PathsConfig struct {
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir" mapstructure:"checkpoint_dir"`
	SpoolDir      string `json:"spool_dir" yaml:"spool_dir" mapstructure:"spool_dir"`
}

// EvaluationConfig tunes evidence scoring and gating.
type EvaluationConfig struct {
	Threshold float64                `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	TopN      int                    `json:"top_n" yaml:"top_n" mapstructure:"top_n"`
	GoldMin   float64                `json:"gold_min" yaml:"gold_min" mapstructure:"gold_min"`
	SilverMin float64                `json:"silver_min" yaml:"silver_min" mapstructure:"silver_min"`
	Claims    map[string]ClaimPolicy `json:"claims" yaml:"claims" mapstructure:"claims"`

	// RiskCritical is the coarse claim list used by MPC classification.
	// Deliberately distinct from the tier taxonomy.
	RiskCritical []string `json:"risk_critical" yaml:"risk_critical" mapstructure:"risk_critical"`

	// GateOnly claim types must never be softened with hedging language.
	GateOnly []string `json:"gate_only" yaml:"gate_only" mapstructure:"gate_only"`
}

// ApprovalConfig bounds human decisions.
type ApprovalConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"` // Elapsed => fail-closed reject
}

// LeaseConfig tunes cross-process run ownership.
type LeaseConfig struct {
	Duration time.Duration `json:"duration" yaml:"duration" mapstructure:"duration"`
}

// ReplayConfig tunes spool delivery sweeps.
type ReplayConfig struct {
	Workers           int     `json:"workers" yaml:"workers" mapstructure:"workers"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst" mapstructure:"burst"`
}

// PanicConfig tunes emergency shutdown.
type PanicConfig struct {
	// ProcessAllowList holds command substrings a child process must match
	// before SafeStop will terminate it. Broad process-group kills are
	// intentionally impossible.
	ProcessAllowList []string      `json:"process_allow_list" yaml:"process_allow_list" mapstructure:"process_allow_list"`
	TerminateWait    time.Duration `json:"terminate_wait" yaml:"terminate_wait" mapstructure:"terminate_wait"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Enabled:  true,
			DSN:      "evigate.db",
			CacheTTL: 5 * time.Second,
		},
		Paths: PathsConfig{
			CheckpointDir: ".evigate/checkpoints",
			SpoolDir:      ".evigate/spool",
		},
		Evaluation: EvaluationConfig{
			Threshold:    0.6,
			TopN:         3,
			GoldMin:      0.75,
			SilverMin:    0.50,
			Claims:       DefaultClaims(),
			RiskCritical: []string{"price", "voltage", "compatibility"},
			GateOnly:     []string{"voltage", "compatibility", "specs"},
		},
		Approval: ApprovalConfig{
			Timeout: 4 * time.Hour,
		},
		Lease: LeaseConfig{
			Duration: 15 * time.Minute,
		},
		Replay: ReplayConfig{
			Workers:           4,
			RequestsPerSecond: 20,
			Burst:             5,
		},
		Panic: PanicConfig{
			ProcessAllowList: []string{"chromium", "chrome", "headless_shell", "ffmpeg"},
			TerminateWait:    5 * time.Second,
		},
	}
}

// Validate checks the configuration once at startup.
func (c *Config) Validate() error {
	if c.Evaluation.Threshold <= 0 || c.Evaluation.Threshold > 1 {
		return fmt.Errorf("config: evaluation.threshold %v outside (0,1]", c.Evaluation.Threshold)
	}
	if c.Evaluation.TopN <= 0 {
		return fmt.Errorf("config: evaluation.top_n must be positive, got %d", c.Evaluation.TopN)
	}
	if c.Evaluation.SilverMin > c.Evaluation.GoldMin {
		return fmt.Errorf("config: evaluation.silver_min %v above gold_min %v",
			c.Evaluation.SilverMin, c.Evaluation.GoldMin)
	}
	for name, policy := range c.Evaluation.Claims {
		switch policy.Tier {
		case TierCritical, TierImportant, TierInformative:
		default:
			return fmt.Errorf("config: claim %q has unknown tier %q", name, policy.Tier)
		}
		if policy.Weight < 0 || policy.Weight > 1 {
			return fmt.Errorf("config: claim %q weight %v outside [0,1]", name, policy.Weight)
		}
		if policy.TTL <= 0 {
			return fmt.Errorf("config: claim %q has non-positive ttl", name)
		}
	}
	if c.Store.Enabled && c.Store.DSN == "" {
		return fmt.Errorf("config: store.enabled requires store.dsn")
	}
	if c.Lease.Duration <= 0 {
		return fmt.Errorf("config: lease.duration must be positive")
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("config: approval.timeout must be positive")
	}
	return nil
}

// ClaimPolicyFor resolves the policy for a claim type. Unknown types default
// to the informative tier so they never gate or alert.
func (c *Config) ClaimPolicyFor(claimType string) ClaimPolicy {
	if p, ok := c.Evaluation.Claims[claimType]; ok {
		return p
	}
	return ClaimPolicy{Tier: TierInformative, Weight: 0.1, TTL: DefaultClaimTTL}
}

// IsGateOnly reports whether the claim type may never be hedged.
func (c *Config) IsGateOnly(claimType string) bool {
	for _, t := range c.Evaluation.GateOnly {
		if t == claimType {
			return true
		}
	}
	return false
}

// IsRiskCritical reports whether MPC classification treats the claim type
// as risk-critical.
func (c *Config) IsRiskCritical(claimType string) bool {
	for _, t := range c.Evaluation.RiskCritical {
		if t == claimType {
			return true
		}
	}
	return false
}
