package evaluate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/evigate/internal/model"
)

// Evaluator scores collected evidence against the claim taxonomy and decides
// whether a run may proceed. It performs no I/O.
type Evaluator struct {
	cfg *model.Config
	now func() time.Time // Injectable for tests
}

// NewEvaluator creates an evaluator bound to the deployment configuration.
func NewEvaluator(cfg *model.Config) *Evaluator {
	return &Evaluator{
		cfg: cfg,
		now: time.Now,
	}
}

// Result is the gate decision with its full per-claim breakdown.
type Result struct {
	Scores     []model.ClaimScore `json:"scores"` // Sorted by claim type
	ShouldGate bool               `json:"should_gate"`
	GateReason string             `json:"gate_reason,omitempty"`
	Alerts     []string           `json:"alerts,omitempty"` // Non-gating weak important claims

	// CanAutoRefetch is true iff every weak critical claim individually
	// allows an automatic refetch attempt.
	CanAutoRefetch bool    `json:"can_auto_refetch"`
	Threshold      float64 `json:"threshold"`
}

// Evaluate groups evidence by claim type and scores each known type.
// Critical claim types are always evaluated, even with zero evidence.
// The same input always yields the same output.
func (ev *Evaluator) Evaluate(evidence []model.EvidenceItem) (*Result, error) {
	for _, item := range evidence {
		if err := item.Validate(); err != nil {
			return nil, err
		}
	}

	now := ev.now()
	threshold := ev.cfg.Evaluation.Threshold

	grouped := make(map[string][]model.EvidenceItem)
	for _, item := range evidence {
		grouped[item.ClaimType] = append(grouped[item.ClaimType], item)
	}

	// Critical types gate on absence, so they are in scope even when the
	// collectors produced nothing for them.
	for name, policy := range ev.cfg.Evaluation.Claims {
		if policy.Tier == model.TierCritical {
			if _, ok := grouped[name]; !ok {
				grouped[name] = nil
			}
		}
	}

	claimTypes := make([]string, 0, len(grouped))
	for name := range grouped {
		claimTypes = append(claimTypes, name)
	}
	sort.Strings(claimTypes)

	result := &Result{
		Threshold:      threshold,
		CanAutoRefetch: true,
	}

	var gatingClaims []string
	weakCritical := 0

	for _, claimType := range claimTypes {
		score := ev.scoreClaim(claimType, grouped[claimType], now, threshold)
		result.Scores = append(result.Scores, score)

		if !score.IsWeak {
			continue
		}
		switch score.Tier {
		case model.TierCritical:
			weakCritical++
			gatingClaims = append(gatingClaims, fmt.Sprintf("%s (%s)", claimType, score.WeaknessReason))
			if !score.CanAutoRefetch {
				result.CanAutoRefetch = false
			}
		case model.TierImportant:
			result.Alerts = append(result.Alerts,
				fmt.Sprintf("%s: weak (%s, score %.2f)", claimType, score.WeaknessReason, score.Score))
		}
		// Informative weakness is ignored entirely.
	}

	if weakCritical > 0 {
		result.ShouldGate = true
		result.GateReason = "weak critical claims: " + strings.Join(gatingClaims, ", ")
	} else {
		result.CanAutoRefetch = false
	}

	return result, nil
}

// scoreClaim aggregates the evidence for one claim type using a fallback
// ladder: trustworthy-fresh, then any-fresh, then (all expired) the best raw
// confidence marked weak regardless of its value.
func (ev *Evaluator) scoreClaim(claimType string, items []model.EvidenceItem, now time.Time, threshold float64) model.ClaimScore {
	policy := ev.cfg.ClaimPolicyFor(claimType)
	score := model.ClaimScore{
		ClaimType:     claimType,
		Tier:          policy.Tier,
		EvidenceCount: len(items),
	}

	if len(items) == 0 {
		score.IsWeak = true
		score.WeaknessReason = model.WeaknessMissing
		score.CanAutoRefetch = true
		return score
	}

	var fresh, trustedFresh []model.EvidenceItem
	anyTrusted := false
	for _, item := range items {
		if item.TrustTier.Trustworthy() {
			anyTrusted = true
		}
		if item.Expired(now, policy.TTL) {
			continue
		}
		fresh = append(fresh, item)
		if item.TrustTier.Trustworthy() {
			trustedFresh = append(trustedFresh, item)
		}
	}

	if len(fresh) == 0 {
		// Expired evidence about price or voltage cannot be trusted at
		// face value, so the claim is weak no matter how it scores.
		score.Score = maxConfidence(items)
		score.IsWeak = true
		score.WeaknessReason = model.WeaknessExpired
		score.CanAutoRefetch = anyTrusted
		return score
	}

	subset := trustedFresh
	if len(subset) == 0 {
		subset = fresh
	}
	score.Score = maxConfidence(subset)
	score.IsWeak = score.Score < threshold

	if score.IsWeak {
		if len(trustedFresh) == 0 {
			// Refetching the same low-trust sources will not improve quality.
			score.WeaknessReason = model.WeaknessLowTrust
			score.CanAutoRefetch = false
		} else {
			score.WeaknessReason = model.WeaknessLowConfidence
			score.CanAutoRefetch = true
		}
	}

	return score
}

func maxConfidence(items []model.EvidenceItem) float64 {
	best := 0.0
	for _, item := range items {
		if item.Confidence > best {
			best = item.Confidence
		}
	}
	return best
}
