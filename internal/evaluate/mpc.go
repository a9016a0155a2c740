package evaluate

import (
	"sort"

	"github.com/ppiankov/evigate/internal/model"
)

// MPCLevel is the coarse four-level decision produced by mean-per-claim
// classification.
type MPCLevel string

const (
	MPCProceed     MPCLevel = "proceed"
	MPCProceedWarn MPCLevel = "proceed_warn"
	MPCGate        MPCLevel = "gate"

	// MPCAbort exists in the taxonomy for repeated failed refetches but is
	// never reached by classification alone.
	MPCAbort MPCLevel = "abort"
)

// MPCClaim is the mean-per-claim measurement for one claim type.
type MPCClaim struct {
	ClaimType string  `json:"claim_type"`
	Mean      float64 `json:"mean"`     // Unweighted mean of the top-N confidences
	Samples   int     `json:"samples"`  // How many items contributed to the mean
	Band      string  `json:"band"`     // gold, silver, or bronze against the configured minima
	Critical  bool    `json:"critical"` // Member of the risk-critical list
}

// MPCResult classifies the best available evidence base per claim.
type MPCResult struct {
	Claims []MPCClaim `json:"claims"` // Sorted by claim type
	Level  MPCLevel   `json:"level"`
}

// ComputeMPC measures the top-N evidence items per claim type by confidence
// and takes their unweighted mean, so a deep tail of weak fallback items
// cannot drag down the "best available base". Classification uses the
// risk-critical claim list, which is deliberately coarser than the tier
// taxonomy: any critical claim at or below silver_min gates, any other claim
// at or below silver_min warns, otherwise the run proceeds.
func (ev *Evaluator) ComputeMPC(evidence []model.EvidenceItem) *MPCResult {
	topN := ev.cfg.Evaluation.TopN
	goldMin := ev.cfg.Evaluation.GoldMin
	silverMin := ev.cfg.Evaluation.SilverMin

	grouped := make(map[string][]float64)
	for _, item := range evidence {
		grouped[item.ClaimType] = append(grouped[item.ClaimType], item.Confidence)
	}

	claimTypes := make([]string, 0, len(grouped))
	for name := range grouped {
		claimTypes = append(claimTypes, name)
	}
	sort.Strings(claimTypes)

	result := &MPCResult{Level: MPCProceed}

	for _, claimType := range claimTypes {
		confidences := grouped[claimType]
		sort.Sort(sort.Reverse(sort.Float64Slice(confidences)))
		if len(confidences) > topN {
			confidences = confidences[:topN]
		}

		sum := 0.0
		for _, c := range confidences {
			sum += c
		}
		mean := sum / float64(len(confidences))

		claim := MPCClaim{
			ClaimType: claimType,
			Mean:      mean,
			Samples:   len(confidences),
			Critical:  ev.cfg.IsRiskCritical(claimType),
		}
		switch {
		case mean >= goldMin:
			claim.Band = "gold"
		case mean >= silverMin:
			claim.Band = "silver"
		default:
			claim.Band = "bronze"
		}
		result.Claims = append(result.Claims, claim)

		if mean <= silverMin {
			if claim.Critical {
				result.Level = MPCGate
			} else if result.Level != MPCGate {
				result.Level = MPCProceedWarn
			}
		}
	}

	return result
}
