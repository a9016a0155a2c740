package evaluate

import (
	"testing"
	"time"

	"github.com/ppiankov/evigate/internal/model"
)

func TestNeedsRefresh(t *testing.T) {
	cfg := testConfig(map[string]model.ClaimPolicy{
		"price":   {Tier: model.TierCritical, Weight: 1.0, TTL: 24 * time.Hour},
		"specs":   {Tier: model.TierCritical, Weight: 0.9, TTL: 30 * 24 * time.Hour},
		"reviews": {Tier: model.TierImportant, Weight: 0.4, TTL: 30 * 24 * time.Hour},
		"color":   {Tier: model.TierInformative, Weight: 0.1, TTL: 30 * 24 * time.Hour},
	})
	ev := testEvaluator(cfg)

	tests := []struct {
		name      string
		claimType string
		sig       RefreshSignal
		want      bool
	}{
		{"price fresh", "price", RefreshSignal{Age: time.Hour}, false},
		{"price past ttl", "price", RefreshSignal{Age: 48 * time.Hour}, true},
		{"price hash change alone does not trigger", "price", RefreshSignal{Age: time.Hour, ContentHashChanged: true}, false},
		{"specs hash changed", "specs", RefreshSignal{Age: time.Hour, ContentHashChanged: true}, true},
		{"specs past ttl", "specs", RefreshSignal{Age: 60 * 24 * time.Hour}, true},
		{"specs fresh unchanged", "specs", RefreshSignal{Age: time.Hour}, false},
		{"reviews new product", "reviews", RefreshSignal{Age: time.Hour, IsNewProduct: true}, true},
		{"reviews established fresh", "reviews", RefreshSignal{Age: time.Hour}, false},
		{"reviews past ttl", "reviews", RefreshSignal{Age: 60 * 24 * time.Hour}, true},
		{"default ttl only", "color", RefreshSignal{Age: time.Hour, ContentHashChanged: true, IsNewProduct: true}, false},
		{"default past ttl", "color", RefreshSignal{Age: 60 * 24 * time.Hour}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ev.NeedsRefresh(tt.claimType, tt.sig); got != tt.want {
				t.Errorf("NeedsRefresh(%s, %+v) = %v, want %v", tt.claimType, tt.sig, got, tt.want)
			}
		})
	}
}
