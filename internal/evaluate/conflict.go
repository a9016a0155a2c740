package evaluate

import (
	"fmt"
	"sort"

	"github.com/ppiankov/evigate/internal/model"
)

// ConflictSeverity ranks how serious a disagreement between authoritative
// sources is.
type ConflictSeverity string

const (
	SeverityCritical ConflictSeverity = "critical"
	SeverityWarning  ConflictSeverity = "warning"
)

// Conflict records authoritative sources disagreeing about the same claim
// on the same product.
type Conflict struct {
	Product   string           `json:"product"`
	ClaimType string           `json:"claim_type"`
	Values    []string         `json:"values"`  // Distinct observed values, sorted
	Sources   []string         `json:"sources"` // Sources reporting them
	Severity  ConflictSeverity `json:"severity"`
}

// DetectConflicts groups authoritative evidence (trust tier 4) by product
// and claim type and reports groups containing distinct values. Conflicts
// on critical claim types are critical, everything else is a warning.
func (ev *Evaluator) DetectConflicts(evidence []model.EvidenceItem) []Conflict {
	type groupKey struct {
		product   string
		claimType string
	}

	groups := make(map[groupKey][]model.EvidenceItem)
	for _, item := range evidence {
		if item.TrustTier < model.TrustTierAuthoritative || item.Value == nil {
			continue
		}
		key := groupKey{product: item.Product, claimType: item.ClaimType}
		groups[key] = append(groups[key], item)
	}

	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].product != keys[j].product {
			return keys[i].product < keys[j].product
		}
		return keys[i].claimType < keys[j].claimType
	})

	var conflicts []Conflict
	for _, key := range keys {
		items := groups[key]
		distinct := make(map[string]bool)
		var sources []string
		for _, item := range items {
			distinct[fmt.Sprintf("%v", item.Value)] = true
			if item.Source != "" {
				sources = append(sources, item.Source)
			}
		}
		if len(distinct) < 2 {
			continue
		}

		values := make([]string, 0, len(distinct))
		for v := range distinct {
			values = append(values, v)
		}
		sort.Strings(values)
		sort.Strings(sources)

		severity := SeverityWarning
		if ev.cfg.ClaimPolicyFor(key.claimType).Tier == model.TierCritical {
			severity = SeverityCritical
		}

		conflicts = append(conflicts, Conflict{
			Product:   key.product,
			ClaimType: key.claimType,
			Values:    values,
			Sources:   sources,
			Severity:  severity,
		})
	}
	return conflicts
}
