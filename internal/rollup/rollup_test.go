package rollup

import (
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
)

var pricing = consumption.PricingContext{PricePerIPU: 2}

func TestRollup_PrincipalAndChild(t *testing.T) {
	got, err := Rollup([]OrgTotal{
		{OrgID: "B", OrgName: "Beta", IPU: 20},
		{OrgID: "A", OrgName: "Alpha", IPU: 80},
	}, pricing)
	require.NoError(t, err)

	assert.Equal(t, []OrganizationRollup{
		{OrgID: "A", OrgName: "Alpha", IPU: 80, Cost: 160, Percentage: 80, IsPrincipal: true, Level: 0},
		{OrgID: "B", OrgName: "Beta", IPU: 20, Cost: 40, Percentage: 20, IsPrincipal: false, Level: 1, ParentOrgID: "A"},
	}, got)
}

func TestRollup_SingleOrg(t *testing.T) {
	got, err := Rollup([]OrgTotal{{OrgID: "solo", IPU: 3}}, pricing)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.True(t, got[0].IsPrincipal)
	assert.Equal(t, 0, got[0].Level)
	assert.Empty(t, got[0].ParentOrgID)
	assert.Equal(t, int64(100), got[0].Percentage)
}

func TestRollup_Empty(t *testing.T) {
	got, err := Rollup(nil, pricing)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRollup_ZeroConsumption(t *testing.T) {
	got, err := Rollup([]OrgTotal{{OrgID: "a"}, {OrgID: "b"}}, pricing)
	require.NoError(t, err)

	for _, r := range got {
		assert.Zero(t, r.Percentage)
	}
	assert.Equal(t, "a", got[0].OrgID, "ties break by org id")
}

func TestRollup_InvalidPricing(t *testing.T) {
	_, err := Rollup([]OrgTotal{{OrgID: "a", IPU: 1}}, consumption.PricingContext{})
	assert.True(t, apperror.IsKind(err, apperror.KindInvalidPricing))
}

func TestRollup_RejectsNonFiniteIPU(t *testing.T) {
	tests := []struct {
		name string
		ipu  float64
	}{
		{"nan", math.NaN()},
		{"positive inf", math.Inf(1)},
		{"negative inf", math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Rollup([]OrgTotal{{OrgID: "a", IPU: 10}, {OrgID: "b", IPU: tt.ipu}}, pricing)
			require.Error(t, err)
			assert.True(t, apperror.IsKind(err, apperror.KindInput))
		})
	}
}

func TestRollup_RoundsHalfAwayFromZero(t *testing.T) {
	got, err := Rollup([]OrgTotal{
		{OrgID: "a", IPU: 1},
		{OrgID: "b", IPU: 1},
		{OrgID: "c", IPU: 1},
	}, pricing)
	require.NoError(t, err)

	for _, r := range got {
		assert.Equal(t, int64(33), r.Percentage)
	}

	got, err = Rollup([]OrgTotal{{OrgID: "a", IPU: 1}, {OrgID: "b", IPU: 7}}, pricing)
	require.NoError(t, err)
	assert.Equal(t, int64(88), got[0].Percentage)
	assert.Equal(t, int64(13), got[1].Percentage)
}

func TestFromEntry(t *testing.T) {
	entry := consumption.SeriesEntry{
		Totals: map[string]consumption.Totals{
			"org-2": {IPU: 5},
			"org-1": {IPU: 7},
		},
	}

	got := FromEntry(entry, map[string]string{"org-1": "Production"})
	assert.Equal(t, []OrgTotal{
		{OrgID: "org-1", OrgName: "Production", IPU: 7},
		{OrgID: "org-2", OrgName: "org-2", IPU: 5},
	}, got)
}

func TestRollup_PercentageBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("percentages stay in range and sum to about 100", prop.ForAll(
		func(quantities []float64) bool {
			totals := make([]OrgTotal, len(quantities))
			var sum float64
			for i, q := range quantities {
				totals[i] = OrgTotal{OrgID: fmt.Sprintf("org-%d", i), IPU: q}
				sum += q
			}
			got, err := Rollup(totals, pricing)
			if err != nil || len(got) != len(totals) {
				return false
			}
			var pct int64
			for _, r := range got {
				if r.Percentage < 0 || r.Percentage > 100 {
					return false
				}
				pct += r.Percentage
			}
			if sum == 0 {
				return pct == 0
			}
			diff := pct - 100
			if diff < 0 {
				diff = -diff
			}
			return diff <= int64(len(got))
		},
		gen.SliceOf(gen.Float64Range(0, 1e6)),
	))

	properties.TestingRun(t)
}
