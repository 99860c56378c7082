package detection

import (
	"github.com/liamashdown/claimwatch/internal/claim"
)

// heuristic is base + weight*signal for one detector
type heuristic struct {
	base   float64
	weight float64
}

// Signal meaning per detector:
//   - missing-unit: missing units / units shipped
//   - overcharge: fee excess over schedule, as a ratio of the scheduled fee
//   - damaged-stock: unreimbursed damaged units / units on hand for the SKU
//   - incorrect-fee: fee excess over the correct tier, as a ratio
//   - duplicate-charge: 1 - gap/window between the two charges
var heuristics = map[claim.AnomalyType]heuristic{
	claim.AnomalyMissingUnit:     {base: 0.55, weight: 0.35},
	claim.AnomalyOvercharge:      {base: 0.50, weight: 0.35},
	claim.AnomalyDamagedStock:    {base: 0.60, weight: 0.25},
	claim.AnomalyIncorrectFee:    {base: 0.70, weight: 0.15},
	claim.AnomalyDuplicateCharge: {base: 0.60, weight: 0.30},
}

// HeuristicScore is the deterministic fallback confidence for a candidate
// when the scoring oracle cannot be used
func HeuristicScore(t claim.AnomalyType, signal float64) float64 {
	h, ok := heuristics[t]
	if !ok {
		return 0
	}
	return claim.ClampScore(h.base + h.weight*claim.ClampScore(signal))
}
