package evaluate

import "time"

// RefreshSignal carries what is known about a claim's last fetch.
type RefreshSignal struct {
	Age                time.Duration // Time since the last fetch
	ContentHashChanged bool          // Source page content hash differs from last fetch
	IsNewProduct       bool          // Product was listed recently
}

// NeedsRefresh decides per claim type whether a fresh fetch is warranted.
// Pure policy, no side effects: price refreshes whenever its TTL lapses,
// hard specs also refresh when the source content changed, reviews also
// refresh for newly listed products, and everything else is TTL-only.
func (ev *Evaluator) NeedsRefresh(claimType string, sig RefreshSignal) bool {
	expired := sig.Age > ev.cfg.ClaimPolicyFor(claimType).TTL

	switch claimType {
	case "price":
		return expired
	case "specs", "voltage", "compatibility":
		return sig.ContentHashChanged || expired
	case "reviews":
		return sig.IsNewProduct || expired
	default:
		return expired
	}
}
