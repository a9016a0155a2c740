package runstate

import (
	"fmt"
	"strings"

	"github.com/ppiankov/evigate/internal/evaluate"
)

// RenderGateMessage builds the human-facing gate summary: which claims are
// weak, their scores, and the available actions. It is produced
// synchronously for every gate event so the full context is loggable even
// when the notification channel is down.
func RenderGateMessage(runID, nonce string, result *evaluate.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s paused: evidence too weak to proceed\n", runID)
	fmt.Fprintf(&b, "Reason: %s\n\n", result.GateReason)

	b.WriteString("Weak points:\n")
	for _, score := range result.Scores {
		if !score.IsWeak {
			continue
		}
		fmt.Fprintf(&b, "  - %s [%s]: score %.2f (%s, %d evidence items)\n",
			score.ClaimType, score.Tier, score.Score, score.WeaknessReason, score.EvidenceCount)
	}

	if len(result.Alerts) > 0 {
		b.WriteString("\nAlerts (non-gating):\n")
		for _, alert := range result.Alerts {
			fmt.Fprintf(&b, "  - %s\n", alert)
		}
	}

	b.WriteString("\nActions:\n")
	fmt.Fprintf(&b, "  evigate approve --run %s --nonce %s\n", runID, nonce)
	fmt.Fprintf(&b, "  evigate ignore-weakness --run %s --nonce %s\n", runID, nonce)
	fmt.Fprintf(&b, "  evigate abort --run %s --nonce %s\n", runID, nonce)
	b.WriteString("\nNo decision before the approval timeout rejects the run.\n")

	return b.String()
}
