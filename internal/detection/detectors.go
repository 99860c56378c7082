package detection

import (
	"sort"
	"strings"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/shopspring/decimal"
)

// detector scans a batch for one anomaly type
type detector struct {
	kind claim.AnomalyType
	run  func(b *claim.Batch) []claim.Candidate
}

func (e *Engine) detectors() []detector {
	return []detector{
		{claim.AnomalyMissingUnit, e.detectMissingUnits},
		{claim.AnomalyOvercharge, e.detectOvercharges},
		{claim.AnomalyDamagedStock, e.detectDamagedStock},
		{claim.AnomalyIncorrectFee, e.detectIncorrectFees},
		{claim.AnomalyDuplicateCharge, e.detectDuplicateCharges},
	}
}

// detectMissingUnits flags shipment lines where fewer units were received
// than shipped, net of units already reimbursed as lost
func (e *Engine) detectMissingUnits(b *claim.Batch) []claim.Candidate {
	reimbursed := reimbursedUnits(b.Reimbursements, func(reason string) bool {
		return reason == claim.ReasonLost
	})

	var out []claim.Candidate
	for _, s := range b.Shipments {
		if s.QuantityShipped <= 0 {
			continue
		}
		missing := s.QuantityShipped - s.QuantityReceived
		if missing <= 0 {
			continue
		}
		if covered := reimbursed[s.SKU]; covered > 0 {
			used := min(covered, missing)
			reimbursed[s.SKU] -= used
			missing -= used
		}
		if missing <= e.cfg.MissingUnitTolerance {
			continue
		}

		signal := float64(missing) / float64(s.QuantityShipped)
		out = append(out, claim.Candidate{
			Type:             claim.AnomalyMissingUnit,
			EstimatedValue:   s.UnitCost.Mul(decimal.NewFromInt(int64(missing))),
			Currency:         s.Currency,
			RelatedRecordIDs: []string{s.ID},
			Signal:           signal,
			EvidenceContext: map[string]interface{}{
				"shipmentId":            s.ShipmentID,
				"quantityShipped":       s.QuantityShipped,
				"quantityReceived":      s.QuantityReceived,
				"missingUnits":          missing,
				"unitCost":              s.UnitCost.String(),
				claim.EvidenceSKU:       s.SKU,
				claim.EvidenceASIN:      s.ASIN,
				claim.EvidenceInvoice:   s.InvoiceNumber,
				claim.EvidenceSupplier:  s.SupplierName,
				claim.EvidenceEventDate: formatDate(s.ClosedAt),
			},
		})
	}
	return out
}

// detectOvercharges flags fee lines above the schedule for their own
// category and tier by more than the configured percentage
func (e *Engine) detectOvercharges(b *claim.Batch) []claim.Candidate {
	threshold := decimal.NewFromFloat(1 + e.cfg.OverchargePct)

	var out []claim.Candidate
	for _, f := range b.Fees {
		expected, ok := e.fees.Expected(f.Category, f.SizeTier)
		if !ok || !expected.IsPositive() {
			continue
		}
		if f.Amount.LessThanOrEqual(expected.Mul(threshold)) {
			continue
		}

		excess := f.Amount.Sub(expected)
		ratio, _ := excess.Div(expected).Float64()
		out = append(out, claim.Candidate{
			Type:             claim.AnomalyOvercharge,
			EstimatedValue:   excess,
			Currency:         f.Currency,
			RelatedRecordIDs: []string{f.ID},
			Signal:           ratio,
			EvidenceContext: map[string]interface{}{
				"orderId":               f.OrderID,
				"category":              f.Category,
				"chargedAmount":         f.Amount.String(),
				"expectedAmount":        expected.String(),
				"excessRatio":           ratio,
				claim.EvidenceSKU:       f.SKU,
				claim.EvidenceASIN:      f.ASIN,
				claim.EvidenceEventDate: formatDate(f.ChargedAt),
			},
		})
	}
	return out
}

// detectDamagedStock flags damaged or unsellable units that no damage
// reimbursement has covered
func (e *Engine) detectDamagedStock(b *claim.Batch) []claim.Candidate {
	reimbursed := reimbursedUnits(b.Reimbursements, func(reason string) bool {
		return reason == claim.ReasonDamaged || reason == ""
	})

	onHand := make(map[string]int)
	for _, r := range b.Inventory {
		if r.Quantity > 0 {
			onHand[r.SKU] += r.Quantity
		}
	}

	var out []claim.Candidate
	for _, r := range b.Inventory {
		if !r.Damaged() || r.Quantity <= 0 {
			continue
		}
		unreimbursed := r.Quantity
		if covered := reimbursed[r.SKU]; covered > 0 {
			used := min(covered, unreimbursed)
			reimbursed[r.SKU] -= used
			unreimbursed -= used
		}
		if unreimbursed <= 0 {
			continue
		}

		signal := float64(unreimbursed) / float64(onHand[r.SKU])
		out = append(out, claim.Candidate{
			Type:             claim.AnomalyDamagedStock,
			EstimatedValue:   r.UnitValue.Mul(decimal.NewFromInt(int64(unreimbursed))),
			Currency:         r.Currency,
			RelatedRecordIDs: []string{r.ID},
			Signal:           signal,
			EvidenceContext: map[string]interface{}{
				"condition":             r.Condition,
				"damagedUnits":          r.Quantity,
				"unreimbursedUnits":     unreimbursed,
				"unitValue":             r.UnitValue.String(),
				"fnsku":                 r.FNSKU,
				claim.EvidenceSKU:       r.SKU,
				claim.EvidenceASIN:      r.ASIN,
				claim.EvidenceEventDate: formatDate(r.RecordedAt),
			},
		})
	}
	return out
}

// detectIncorrectFees flags fees charged at a size tier that does not match
// the item's own tier from inventory, when the charged tier costs more
func (e *Engine) detectIncorrectFees(b *claim.Batch) []claim.Candidate {
	itemTier := make(map[string]string)
	for _, r := range b.Inventory {
		if r.SizeTier != "" {
			itemTier[r.SKU] = normalizeTier(r.SizeTier)
		}
	}

	var out []claim.Candidate
	for _, f := range b.Fees {
		actual, known := itemTier[f.SKU]
		if f.SKU == "" || !known || normalizeTier(f.SizeTier) == actual {
			continue
		}
		correct, ok := e.fees.Expected(f.Category, actual)
		if !ok || !correct.IsPositive() || f.Amount.LessThanOrEqual(correct) {
			continue
		}

		excess := f.Amount.Sub(correct)
		ratio, _ := excess.Div(correct).Float64()
		out = append(out, claim.Candidate{
			Type:             claim.AnomalyIncorrectFee,
			EstimatedValue:   excess,
			Currency:         f.Currency,
			RelatedRecordIDs: []string{f.ID},
			Signal:           ratio,
			EvidenceContext: map[string]interface{}{
				"orderId":               f.OrderID,
				"category":              f.Category,
				"chargedTier":           normalizeTier(f.SizeTier),
				"itemTier":              actual,
				"chargedAmount":         f.Amount.String(),
				"correctAmount":         correct.String(),
				claim.EvidenceSKU:       f.SKU,
				claim.EvidenceASIN:      f.ASIN,
				claim.EvidenceEventDate: formatDate(f.ChargedAt),
			},
		})
	}
	return out
}

// detectDuplicateCharges flags consecutive fee lines with the same order,
// category and amount charged within the duplicate window
func (e *Engine) detectDuplicateCharges(b *claim.Batch) []claim.Candidate {
	window := e.cfg.DuplicateWindow
	if window <= 0 {
		return nil
	}

	groups := make(map[string][]claim.FeeRecord)
	var keys []string
	for _, f := range b.Fees {
		if f.OrderID == "" {
			continue
		}
		key := strings.Join([]string{
			f.OrderID,
			normalizeCategory(f.Category),
			f.Amount.String(),
			claim.NormalizeCurrency(f.Currency),
		}, "|")
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], f)
	}

	var out []claim.Candidate
	for _, key := range keys {
		fees := groups[key]
		if len(fees) < 2 {
			continue
		}
		sort.SliceStable(fees, func(i, j int) bool {
			return fees[i].ChargedAt.Before(fees[j].ChargedAt)
		})

		for i := 1; i < len(fees); i++ {
			first, second := fees[i-1], fees[i]
			gap := second.ChargedAt.Sub(first.ChargedAt)
			if gap > window {
				continue
			}
			out = append(out, claim.Candidate{
				Type:             claim.AnomalyDuplicateCharge,
				EstimatedValue:   second.Amount,
				Currency:         second.Currency,
				RelatedRecordIDs: []string{first.ID, second.ID},
				Signal:           1 - float64(gap)/float64(window),
				EvidenceContext: map[string]interface{}{
					"orderId":               second.OrderID,
					"category":              second.Category,
					"amount":                second.Amount.String(),
					"gapSeconds":            int64(gap / time.Second),
					claim.EvidenceSKU:       second.SKU,
					claim.EvidenceASIN:      second.ASIN,
					claim.EvidenceEventDate: formatDate(second.ChargedAt),
				},
			})
		}
	}
	return out
}

// reimbursedUnits totals reimbursed quantity per SKU for matching reasons
func reimbursedUnits(events []claim.ReimbursementEvent, match func(reason string) bool) map[string]int {
	out := make(map[string]int)
	for _, ev := range events {
		if ev.Quantity > 0 && match(strings.ToLower(strings.TrimSpace(ev.Reason))) {
			out[ev.SKU] += ev.Quantity
		}
	}
	return out
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
