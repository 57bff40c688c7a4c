// Package rollup arranges per-organization consumption into a principal/child hierarchy.
package rollup

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
)

// OrgTotal is the consumption of one organization in one cycle.
type OrgTotal struct {
	OrgID   string  `json:"org_id"`
	OrgName string  `json:"org_name"`
	IPU     float64 `json:"ipu"`
}

// OrganizationRollup is one row of the hierarchy. Level 0 is the principal
// organization; every other organization sits at level 1 below it.
type OrganizationRollup struct {
	OrgID       string  `json:"org_id"`
	OrgName     string  `json:"org_name"`
	IPU         float64 `json:"ipu"`
	Cost        float64 `json:"cost"`
	Percentage  int64   `json:"percentage"`
	IsPrincipal bool    `json:"is_principal"`
	Level       int     `json:"level"`
	ParentOrgID string  `json:"parent_org_id,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// Rollup ranks organizations by IPU and makes the largest one the principal.
// Percentages are whole numbers, so their sum may differ from 100 by rounding.
// An empty input yields an empty, non-nil result.
func Rollup(orgTotals []OrgTotal, pricing consumption.PricingContext) ([]OrganizationRollup, error) {
	if err := pricing.Validate(); err != nil {
		return nil, err
	}
	for _, o := range orgTotals {
		if math.IsNaN(o.IPU) || math.IsInf(o.IPU, 0) {
			return nil, apperror.Inputf("organization %s has invalid ipu %v", o.OrgID, o.IPU)
		}
	}

	sorted := make([]OrgTotal, len(orgTotals))
	copy(sorted, orgTotals)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IPU != sorted[j].IPU {
			return sorted[i].IPU > sorted[j].IPU
		}
		return sorted[i].OrgID < sorted[j].OrgID
	})

	total := decimal.Zero
	for _, o := range sorted {
		total = total.Add(decimal.NewFromFloat(o.IPU))
	}

	out := make([]OrganizationRollup, len(sorted))
	for i, o := range sorted {
		row := OrganizationRollup{
			OrgID:      o.OrgID,
			OrgName:    o.OrgName,
			IPU:        o.IPU,
			Cost:       pricing.Cost(o.IPU),
			Percentage: percentage(o.IPU, total),
		}
		if i == 0 {
			row.IsPrincipal = true
			row.Level = 0
		} else {
			row.Level = 1
			row.ParentOrgID = sorted[0].OrgID
		}
		out[i] = row
	}
	return out, nil
}

// FromEntry extracts the organization totals of one series entry. names maps org
// ids to display names; ids without a name fall back to the id.
func FromEntry(entry consumption.SeriesEntry, names map[string]string) []OrgTotal {
	out := make([]OrgTotal, 0, len(entry.Totals))
	for id, t := range entry.Totals {
		name := names[id]
		if name == "" {
			name = id
		}
		out = append(out, OrgTotal{OrgID: id, OrgName: name, IPU: t.IPU})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out
}

func percentage(ipu float64, total decimal.Decimal) int64 {
	if !total.IsPositive() {
		return 0
	}
	return decimal.NewFromFloat(ipu).Div(total).Mul(hundred).Round(0).IntPart()
}
