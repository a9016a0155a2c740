package model

import "time"

// ClaimTier classifies how much a claim type matters for publishing.
type ClaimTier string

const (
	TierCritical    ClaimTier = "critical"    // Weakness can gate the run (price, voltage, compatibility)
	TierImportant   ClaimTier = "important"   // Weakness raises alerts only (availability, shipping)
	TierInformative ClaimTier = "informative" // Never gates, never alerts (material, color)
)

// ClaimPolicy configures one claim type in the deployment taxonomy.
type ClaimPolicy struct {
	Tier   ClaimTier     `json:"tier" yaml:"tier" mapstructure:"tier"`
	Weight float64       `json:"weight" yaml:"weight" mapstructure:"weight"`
	TTL    time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
}

// WeaknessReason explains why a claim scored weak.
type WeaknessReason string

const (
	WeaknessMissing       WeaknessReason = "missing"        // No evidence at all
	WeaknessExpired       WeaknessReason = "expired"        // Only evidence past its TTL
	WeaknessLowTrust      WeaknessReason = "low_trust"      // Only low-trust fresh evidence
	WeaknessLowConfidence WeaknessReason = "low_confidence" // Fresh, trustworthy, but below threshold
)

// ClaimScore is the per-claim-type scoring outcome.
type ClaimScore struct {
	ClaimType      string         `json:"claim_type"`
	Tier           ClaimTier      `json:"tier"`
	Score          float64        `json:"score"` // Aggregated confidence, 0.0-1.0
	IsWeak         bool           `json:"is_weak"`
	WeaknessReason WeaknessReason `json:"weakness_reason,omitempty"`
	CanAutoRefetch bool           `json:"can_auto_refetch"`
	EvidenceCount  int            `json:"evidence_count"`
}

// DefaultClaims returns the built-in claim taxonomy. Deployments override
// this via configuration; unknown claim types fall back to the informative
// tier with DefaultClaimTTL.
func DefaultClaims() map[string]ClaimPolicy {
	return map[string]ClaimPolicy{
		"price":         {Tier: TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
		"voltage":       {Tier: TierCritical, Weight: 1.0, TTL: 90 * 24 * time.Hour},
		"compatibility": {Tier: TierCritical, Weight: 1.0, TTL: 90 * 24 * time.Hour},
		"specs":         {Tier: TierCritical, Weight: 0.9, TTL: 60 * 24 * time.Hour},
		"availability":  {Tier: TierImportant, Weight: 0.6, TTL: 12 * time.Hour},
		"shipping":      {Tier: TierImportant, Weight: 0.5, TTL: 48 * time.Hour},
		"promo":         {Tier: TierImportant, Weight: 0.4, TTL: 24 * time.Hour},
		"reviews":       {Tier: TierImportant, Weight: 0.4, TTL: 30 * 24 * time.Hour},
		"material":      {Tier: TierInformative, Weight: 0.2, TTL: 180 * 24 * time.Hour},
		"color":         {Tier: TierInformative, Weight: 0.1, TTL: 180 * 24 * time.Hour},
		"warranty":      {Tier: TierInformative, Weight: 0.3, TTL: 180 * 24 * time.Hour},
	}
}

// DefaultClaimTTL applies to claim types absent from the taxonomy.
const DefaultClaimTTL = 30 * 24 * time.Hour
