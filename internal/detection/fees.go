package detection

import (
	"fmt"
	"os"
	"strings"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FeeSchedule holds the expected charge per fee category and size tier
type FeeSchedule struct {
	fees map[string]map[string]decimal.Decimal
}

// feeScheduleFile is the YAML layout of FEE_SCHEDULE_FILE:
//
//	fees:
//	  fulfillment:
//	    standard: "3.22"
//	    oversize: "9.73"
type feeScheduleFile struct {
	Fees map[string]map[string]string `yaml:"fees"`
}

// DefaultFeeSchedule returns the built-in per-unit fee table
func DefaultFeeSchedule() *FeeSchedule {
	return &FeeSchedule{fees: map[string]map[string]decimal.Decimal{
		"fulfillment": {
			claim.SizeStandard: decimal.RequireFromString("3.22"),
			claim.SizeOversize: decimal.RequireFromString("9.73"),
		},
		"storage": {
			claim.SizeStandard: decimal.RequireFromString("0.87"),
			claim.SizeOversize: decimal.RequireFromString("0.56"),
		},
		"removal": {
			claim.SizeStandard: decimal.RequireFromString("0.97"),
			claim.SizeOversize: decimal.RequireFromString("2.16"),
		},
		"inbound_placement": {
			claim.SizeStandard: decimal.RequireFromString("0.27"),
			claim.SizeOversize: decimal.RequireFromString("2.11"),
		},
	}}
}

// LoadFeeSchedule reads a YAML fee table and overlays it on the defaults.
// An empty path returns the defaults.
func LoadFeeSchedule(path string) (*FeeSchedule, error) {
	schedule := DefaultFeeSchedule()
	if path == "" {
		return schedule, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fee schedule: %w", err)
	}
	if err := schedule.merge(data); err != nil {
		return nil, fmt.Errorf("parse fee schedule %s: %w", path, err)
	}
	return schedule, nil
}

func (s *FeeSchedule) merge(data []byte) error {
	var file feeScheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	for category, tiers := range file.Fees {
		category = normalizeCategory(category)
		if s.fees[category] == nil {
			s.fees[category] = map[string]decimal.Decimal{}
		}
		for tier, raw := range tiers {
			amount, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("fee %s/%s: %w", category, tier, err)
			}
			if amount.IsNegative() {
				return fmt.Errorf("fee %s/%s is negative", category, tier)
			}
			s.fees[category][normalizeTier(tier)] = amount
		}
	}
	return nil
}

// Expected returns the scheduled fee for a category and size tier
func (s *FeeSchedule) Expected(category, tier string) (decimal.Decimal, bool) {
	tiers, ok := s.fees[normalizeCategory(category)]
	if !ok {
		return decimal.Zero, false
	}
	amount, ok := tiers[normalizeTier(tier)]
	return amount, ok
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

func normalizeTier(tier string) string {
	tier = strings.ToLower(strings.TrimSpace(tier))
	if tier == "" {
		return claim.SizeStandard
	}
	return tier
}
