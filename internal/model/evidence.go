package model

import (
	"fmt"
	"time"
)

// EvidenceItem represents one observation supporting a claim. Items are
// produced by external collectors and consumed transiently; the core never
// mutates or persists them.
type EvidenceItem struct {
	ClaimType  string      `json:"claim_type"`        // Claim type key (e.g., "price", "voltage")
	Confidence float64     `json:"confidence"`        // Collector confidence, 0.0-1.0
	TrustTier  TrustTier   `json:"trust_tier"`        // Source authority, 1-4
	FetchedAt  time.Time   `json:"fetched_at"`        // When the observation was collected
	Value      interface{} `json:"value,omitempty"`   // Opaque observed value
	Source     string      `json:"source,omitempty"`  // Source identity (URL, feed name)
	Product    string      `json:"product,omitempty"` // Product identity, used for conflict grouping
}

// TrustTier rates source authority from 1 (weakest) to 4 (authoritative).
type TrustTier int

const (
	TrustTierAnecdotal     TrustTier = 1 // Forums, user comments
	TrustTierAggregator    TrustTier = 2 // Price aggregators, marketplaces
	TrustTierRetailer      TrustTier = 3 // First-party retailer listings
	TrustTierAuthoritative TrustTier = 4 // Manufacturer, official documentation
)

// Trustworthy reports whether the tier is high enough to score at face value.
func (t TrustTier) Trustworthy() bool {
	return t >= TrustTierRetailer
}

func (t TrustTier) String() string {
	switch t {
	case TrustTierAnecdotal:
		return "anecdotal"
	case TrustTierAggregator:
		return "aggregator"
	case TrustTierRetailer:
		return "retailer"
	case TrustTierAuthoritative:
		return "authoritative"
	default:
		return "unknown"
	}
}

// Age returns how old the observation is relative to now.
func (e EvidenceItem) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Expired reports whether the observation is older than the claim's TTL.
func (e EvidenceItem) Expired(now time.Time, ttl time.Duration) bool {
	return e.Age(now) > ttl
}

// Validate checks the item for malformed collector output.
func (e EvidenceItem) Validate() error {
	if e.ClaimType == "" {
		return fmt.Errorf("evidence: empty claim_type")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("evidence %q: confidence %v outside [0,1]", e.ClaimType, e.Confidence)
	}
	if e.TrustTier < TrustTierAnecdotal || e.TrustTier > TrustTierAuthoritative {
		return fmt.Errorf("evidence %q: trust_tier %d outside [1,4]", e.ClaimType, e.TrustTier)
	}
	if e.FetchedAt.IsZero() {
		return fmt.Errorf("evidence %q: missing fetched_at", e.ClaimType)
	}
	return nil
}
