package evaluate

import (
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/evigate/internal/model"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// testConfig keeps the taxonomy small so missing critical claims do not
// drown out the case under test.
func testConfig(claims map[string]model.ClaimPolicy) *model.Config {
	cfg := model.DefaultConfig()
	cfg.Evaluation.Claims = claims
	return cfg
}

func testEvaluator(cfg *model.Config) *Evaluator {
	ev := NewEvaluator(cfg)
	ev.now = func() time.Time { return testNow }
	return ev
}

func fresh(claimType string, confidence float64, tier model.TrustTier) model.EvidenceItem {
	return model.EvidenceItem{
		ClaimType:  claimType,
		Confidence: confidence,
		TrustTier:  tier,
		FetchedAt:  testNow.Add(-time.Hour),
		Source:     "https://example.com/" + claimType,
	}
}

func TestEvaluate_WeakCriticalClaimGates(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"price": {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
	})
	ev := testEvaluator(cfg)

	result, err := ev.Evaluate([]model.EvidenceItem{
		fresh("price", 0.4, model.TrustTierAuthoritative),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !result.ShouldGate {
		t.Error("Expected should_gate=true for weak critical claim")
	}
	if !strings.Contains(result.GateReason, "price") {
		t.Errorf("Expected gate reason to mention price, got %q", result.GateReason)
	}
	if len(result.Scores) != 1 {
		t.Fatalf("Expected 1 score, got %d", len(result.Scores))
	}
	score := result.Scores[0]
	if score.WeaknessReason != model.WeaknessLowConfidence {
		t.Errorf("Expected low_confidence, got %s", score.WeaknessReason)
	}
	if !score.CanAutoRefetch {
		t.Error("Fresh trustworthy but low-scoring evidence should allow auto-refetch")
	}
}

func TestEvaluate_StrongCriticalNeverGates(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"price":        {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
		"availability": {Tier: model.TierImportant, Weight: 0.6, TTL: 12 * time.Hour},
		"color":        {Tier: model.TierInformative, Weight: 0.1, TTL: 24 * time.Hour},
	})
	ev := testEvaluator(cfg)

	result, err := ev.Evaluate([]model.EvidenceItem{
		fresh("price", 0.9, model.TrustTierAuthoritative),
		fresh("availability", 0.2, model.TrustTierRetailer), // weak but only important
		fresh("color", 0.1, model.TrustTierAnecdotal),       // weak but informative
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if result.ShouldGate {
		t.Error("Expected no gate when every critical claim is above threshold")
	}
	if len(result.Alerts) != 1 || !strings.Contains(result.Alerts[0], "availability") {
		t.Errorf("Expected one availability alert, got %v", result.Alerts)
	}
}

func TestEvaluate_MissingCriticalClaimGates(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"voltage": {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
	})
	ev := testEvaluator(cfg)

	result, err := ev.Evaluate(nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !result.ShouldGate {
		t.Error("Expected gate for missing critical evidence")
	}
	score := result.Scores[0]
	if score.WeaknessReason != model.WeaknessMissing {
		t.Errorf("Expected missing, got %s", score.WeaknessReason)
	}
	if !result.CanAutoRefetch {
		t.Error("Missing evidence should allow auto-refetch")
	}
}

func TestEvaluate_ExpiredEvidenceAlwaysWeak(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"price": {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
	})
	ev := testEvaluator(cfg)

	// High confidence but past TTL: must be weak anyway.
	stale := model.EvidenceItem{
		ClaimType:  "price",
		Confidence: 0.95,
		TrustTier:  model.TrustTierAuthoritative,
		FetchedAt:  testNow.Add(-48 * time.Hour),
		Source:     "https://example.com/price",
	}

	result, err := ev.Evaluate([]model.EvidenceItem{stale})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	score := result.Scores[0]
	if !score.IsWeak {
		t.Error("Expired evidence must be marked weak regardless of raw confidence")
	}
	if score.WeaknessReason != model.WeaknessExpired {
		t.Errorf("Expected expired, got %s", score.WeaknessReason)
	}
	if score.Score != 0.95 {
		t.Errorf("Expected fallback score 0.95, got %v", score.Score)
	}
	if !score.CanAutoRefetch {
		t.Error("Expired trustworthy evidence should allow auto-refetch")
	}
}

func TestEvaluate_ExpiredAllLowTrustBlocksRefetch(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"price": {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
	})
	ev := testEvaluator(cfg)

	stale := model.EvidenceItem{
		ClaimType:  "price",
		Confidence: 0.9,
		TrustTier:  model.TrustTierAnecdotal,
		FetchedAt:  testNow.Add(-48 * time.Hour),
	}

	result, err := ev.Evaluate([]model.EvidenceItem{stale})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Scores[0].CanAutoRefetch {
		t.Error("All-low-trust expired evidence should not allow auto-refetch")
	}
	if result.CanAutoRefetch {
		t.Error("Run-level auto-refetch should be false when the weak claim disallows it")
	}
}

func TestEvaluate_LowTrustFreshOnly(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"price": {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
	})
	ev := testEvaluator(cfg)

	result, err := ev.Evaluate([]model.EvidenceItem{
		fresh("price", 0.5, model.TrustTierAnecdotal),
		fresh("price", 0.55, model.TrustTierAggregator),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	score := result.Scores[0]
	if score.WeaknessReason != model.WeaknessLowTrust {
		t.Errorf("Expected low_trust, got %s", score.WeaknessReason)
	}
	if score.CanAutoRefetch {
		t.Error("Refetching low-trust sources will not improve quality")
	}
}

func TestEvaluate_TrustworthyPreferredOverHigherLowTrust(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"price": {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
	})
	ev := testEvaluator(cfg)

	result, err := ev.Evaluate([]model.EvidenceItem{
		fresh("price", 0.99, model.TrustTierAnecdotal), // ignored: trustworthy subset exists
		fresh("price", 0.7, model.TrustTierRetailer),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Scores[0].Score != 0.7 {
		t.Errorf("Expected trustworthy-subset max 0.7, got %v", result.Scores[0].Score)
	}
	if result.ShouldGate {
		t.Error("0.7 from a trustworthy source should not gate at threshold 0.6")
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"price":        {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
		"availability": {Tier: model.TierImportant, Weight: 0.6, TTL: 12 * time.Hour},
	})
	ev := testEvaluator(cfg)

	evidence := []model.EvidenceItem{
		fresh("price", 0.4, model.TrustTierAuthoritative),
		fresh("availability", 0.3, model.TrustTierAggregator),
	}

	first, err := ev.Evaluate(evidence)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	second, err := ev.Evaluate(evidence)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if first.ShouldGate != second.ShouldGate || first.GateReason != second.GateReason {
		t.Error("Evaluate must be deterministic for identical input")
	}
	if len(first.Scores) != len(second.Scores) {
		t.Fatal("Score counts differ between identical evaluations")
	}
	for i := range first.Scores {
		if first.Scores[i] != second.Scores[i] {
			t.Errorf("Score %d differs: %+v vs %+v", i, first.Scores[i], second.Scores[i])
		}
	}
}

func TestEvaluate_RejectsMalformedEvidence(t *testing.T) {
	ev := testEvaluator(model.DefaultConfig())

	_, err := ev.Evaluate([]model.EvidenceItem{
		{ClaimType: "price", Confidence: 1.5, TrustTier: model.TrustTierRetailer, FetchedAt: testNow},
	})
	if err == nil {
		t.Error("Expected validation error for confidence outside [0,1]")
	}
}

func TestEvaluate_UnknownClaimTypeIsInformative(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{})
	ev := testEvaluator(cfg)

	result, err := ev.Evaluate([]model.EvidenceItem{
		fresh("packaging", 0.1, model.TrustTierAnecdotal),
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.ShouldGate || len(result.Alerts) != 0 {
		t.Error("Unknown claim types must never gate or alert")
	}
	if result.Scores[0].Tier != model.TierInformative {
		t.Errorf("Expected informative tier for unknown type, got %s", result.Scores[0].Tier)
	}
}
