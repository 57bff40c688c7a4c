package consumption

import (
	"strings"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
)

// Dimension selects the record field a series is grouped by.
type Dimension string

const (
	// DimOrganization groups by organization id.
	DimOrganization Dimension = "organization"

	// DimProject groups by project name.
	DimProject Dimension = "project"

	// DimMeter groups by meter name.
	DimMeter Dimension = "meter"

	// DimAsset groups by asset id.
	DimAsset Dimension = "asset"
)

// ParseDimension accepts the dimension names used by the API and the edge function.
func ParseDimension(s string) (Dimension, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "organization", "org", "organizations":
		return DimOrganization, nil
	case "project", "projects":
		return DimProject, nil
	case "meter", "metric", "meters":
		return DimMeter, nil
	case "asset", "assets":
		return DimAsset, nil
	}
	return "", apperror.Inputf("unknown dimension %q", s)
}

func (d Dimension) Valid() bool {
	switch d {
	case DimOrganization, DimProject, DimMeter, DimAsset:
		return true
	}
	return false
}

// Value returns the grouping value of r for this dimension.
func (d Dimension) Value(r ConsumptionRecord) string {
	switch d {
	case DimOrganization:
		return r.OrgID
	case DimProject:
		return r.ProjectName
	case DimMeter:
		return r.MeterName
	case DimAsset:
		return r.AssetID
	}
	return ""
}

// Record builds a record whose only grouping value is value under this dimension.
func (d Dimension) Record(cycle BillingCycle, value string, ipu float64) ConsumptionRecord {
	r := ConsumptionRecord{Cycle: cycle, IPU: ipu}
	switch d {
	case DimOrganization:
		r.OrgID = value
	case DimProject:
		r.ProjectName = value
	case DimMeter:
		r.MeterName = value
	case DimAsset:
		r.AssetID = value
	}
	return r
}
