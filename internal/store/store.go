package store

import (
	"context"

	"github.com/vnmchuo/ipu-finops/internal/consumption"
)

// DefaultExcludedMeters are meters left out of cost aggregations unless the
// deployment overrides the list.
var DefaultExcludedMeters = []string{
	"Sandbox Organizations IPU Usage",
	"Metadata Record Consumption",
}

type Tenant struct {
	ClienteID string `json:"cliente_id"`
	Name      string `json:"name,omitempty"`
}

// ConsumptionFilter narrows a raw consumption query. Empty fields do not filter.
type ConsumptionFilter struct {
	OrgID          string
	ProjectName    string
	MeterName      string
	ExcludedMeters []string
	From           *consumption.BillingCycle
}

// Store is the external data store seen by the analytics core.
type Store interface {
	ResolveTenant(ctx context.Context, userID string) (Tenant, error)
	GetPricing(ctx context.Context, clienteID string) (consumption.PricingContext, error)
	ListConfigIDs(ctx context.Context, clienteID string) ([]string, error)
	QueryConsumption(ctx context.Context, configIDs []string, filter ConsumptionFilter) ([]consumption.ConsumptionRecord, error)
	GetAvailableCycles(ctx context.Context) ([]consumption.BillingCycle, error)
}
