package evaluate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ppiankov/evigate/internal/model"
)

// ErrGateOnlyClaim is returned when a caller asks to hedge a claim type
// that may only ever gate or be omitted.
var ErrGateOnlyClaim = errors.New("evaluate: gate-only claim cannot be hedged")

// HedgeAnnotation turns one weak fact into qualified language plus a
// citation built from the best available evidence.
type HedgeAnnotation struct {
	ClaimType string               `json:"claim_type"`
	Tier      model.ClaimTier      `json:"tier"`
	Reason    model.WeaknessReason `json:"reason"`
	Text      string               `json:"text"`
	Citation  string               `json:"citation,omitempty"`
}

// hedgeTemplates is keyed by (weakness reason, tier). Verb placeholder is
// the claim type.
var hedgeTemplates = map[model.WeaknessReason]map[model.ClaimTier]string{
	model.WeaknessMissing: {
		model.TierCritical:    "No current source confirms the %s; treat it as unverified.",
		model.TierImportant:   "The %s could not be confirmed from available sources.",
		model.TierInformative: "The %s is not documented in available sources.",
	},
	model.WeaknessExpired: {
		model.TierCritical:    "The listed %s was last confirmed some time ago and may have changed.",
		model.TierImportant:   "The %s information may be out of date.",
		model.TierInformative: "The %s is based on older material.",
	},
	model.WeaknessLowTrust: {
		model.TierCritical:    "The %s is reported only by unofficial sources.",
		model.TierImportant:   "The %s comes from unofficial sources and may vary.",
		model.TierInformative: "The %s is drawn from informal sources.",
	},
	model.WeaknessLowConfidence: {
		model.TierCritical:    "Sources disagree on the %s; the figure shown is the best supported.",
		model.TierImportant:   "The %s is reported with limited certainty.",
		model.TierInformative: "The %s could not be fully pinned down.",
	},
}

// Hedgeable reports whether the claim type may be rendered with qualifying
// language. Gate-only claim types (voltage, compatibility, core specs) must
// never be softened: if weak they gate, and after a human override they are
// omitted from output entirely. Enforced here, not left to the caller.
func (ev *Evaluator) Hedgeable(claimType string) bool {
	return !ev.cfg.IsGateOnly(claimType)
}

// BuildHedgeAnnotations produces hedging language for every weak claim that
// is allowed to carry it. Gate-only claim types are skipped unconditionally.
func (ev *Evaluator) BuildHedgeAnnotations(scores []model.ClaimScore, evidence []model.EvidenceItem) []HedgeAnnotation {
	byType := make(map[string][]model.EvidenceItem)
	for _, item := range evidence {
		byType[item.ClaimType] = append(byType[item.ClaimType], item)
	}

	var annotations []HedgeAnnotation
	for _, score := range scores {
		if !score.IsWeak || !ev.Hedgeable(score.ClaimType) {
			continue
		}
		ann, err := ev.hedgeClaim(score, byType[score.ClaimType])
		if err != nil {
			continue
		}
		annotations = append(annotations, ann)
	}
	return annotations
}

// hedgeClaim builds one annotation. Errors on gate-only types so no other
// entry point can bypass the safety rule.
func (ev *Evaluator) hedgeClaim(score model.ClaimScore, items []model.EvidenceItem) (HedgeAnnotation, error) {
	if ev.cfg.IsGateOnly(score.ClaimType) {
		return HedgeAnnotation{}, fmt.Errorf("%w: %s", ErrGateOnlyClaim, score.ClaimType)
	}

	tmpl, ok := hedgeTemplates[score.WeaknessReason][score.Tier]
	if !ok {
		tmpl = "The %s could not be verified."
	}

	ann := HedgeAnnotation{
		ClaimType: score.ClaimType,
		Tier:      score.Tier,
		Reason:    score.WeaknessReason,
		Text:      fmt.Sprintf(tmpl, score.ClaimType),
	}
	if best, ok := bestEvidence(items); ok {
		ann.Citation = fmt.Sprintf("Source: %s (as of %s)", best.Source, best.FetchedAt.UTC().Format("2006-01-02"))
	}
	return ann, nil
}

// OmittedClaims lists weak gate-only claim types. When a human overrides a
// gate these must be dropped from rendered output, never hedged.
func (ev *Evaluator) OmittedClaims(scores []model.ClaimScore) []string {
	var omitted []string
	for _, score := range scores {
		if score.IsWeak && ev.cfg.IsGateOnly(score.ClaimType) {
			omitted = append(omitted, score.ClaimType)
		}
	}
	sort.Strings(omitted)
	return omitted
}

// bestEvidence prefers the most authoritative item, breaking ties by recency.
func bestEvidence(items []model.EvidenceItem) (model.EvidenceItem, bool) {
	if len(items) == 0 {
		return model.EvidenceItem{}, false
	}
	best := items[0]
	for _, item := range items[1:] {
		if item.TrustTier > best.TrustTier ||
			(item.TrustTier == best.TrustTier && item.FetchedAt.After(best.FetchedAt)) {
			best = item
		}
	}
	return best, true
}
