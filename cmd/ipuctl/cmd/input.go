package cmd

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
	"github.com/vnmchuo/ipu-finops/internal/forecast"
)

// Input is the file format read by every command. YAML is a superset of JSON,
// so both parse through the same decoder.
type Input struct {
	Pricing Pricing       `yaml:"pricing"`
	Cycles  []CycleSpec   `yaml:"cycles"`
	Records []RecordSpec  `yaml:"records"`
	History []HistorySpec `yaml:"history"`
}

type Pricing struct {
	PricePerIPU    float64 `yaml:"price_per_ipu"`
	ContractedIPUs float64 `yaml:"contracted_ipus"`
}

type CycleSpec struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type RecordSpec struct {
	CycleSpec `yaml:",inline"`
	OrgID     string  `yaml:"org_id"`
	OrgName   string  `yaml:"org_name"`
	Project   string  `yaml:"project"`
	AssetID   string  `yaml:"asset_id"`
	Meter     string  `yaml:"meter"`
	IPU       float64 `yaml:"ipu"`
}

type HistorySpec struct {
	CycleSpec `yaml:",inline"`
	IPU       float64 `yaml:"ipu"`
}

// ReadInput decodes path. Unknown keys are rejected.
func ReadInput(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var in Input
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &in, nil
}

func (p Pricing) context() consumption.PricingContext {
	return consumption.PricingContext{PricePerIPU: p.PricePerIPU, ContractedIPUs: p.ContractedIPUs}
}

func (c CycleSpec) cycle() (consumption.BillingCycle, error) {
	return consumption.ParseCycle(c.Start, c.End)
}

// records converts and validates the raw rows.
func (in *Input) records() ([]consumption.ConsumptionRecord, error) {
	out := make([]consumption.ConsumptionRecord, 0, len(in.Records))
	for i, r := range in.Records {
		cycle, err := r.cycle()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rec := consumption.ConsumptionRecord{
			Cycle:       cycle,
			OrgID:       r.OrgID,
			OrgName:     r.OrgName,
			ProjectName: r.Project,
			AssetID:     r.AssetID,
			MeterName:   r.Meter,
			IPU:         r.IPU,
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// catalog returns the declared cycles, or the cycles seen in the records when
// none are declared.
func (in *Input) catalog(records []consumption.ConsumptionRecord) ([]consumption.BillingCycle, error) {
	if len(in.Cycles) == 0 {
		return consumption.ListCycles(records), nil
	}
	cycles := make([]consumption.BillingCycle, 0, len(in.Cycles))
	for i, c := range in.Cycles {
		cycle, err := c.cycle()
		if err != nil {
			return nil, fmt.Errorf("cycle %d: %w", i, err)
		}
		cycles = append(cycles, cycle)
	}
	return consumption.NormalizeCycles(cycles), nil
}

func (in *Input) history() ([]forecast.HistoryPoint, error) {
	out := make([]forecast.HistoryPoint, 0, len(in.History))
	for i, h := range in.History {
		if math.IsNaN(h.IPU) || math.IsInf(h.IPU, 0) || h.IPU < 0 {
			return nil, apperror.Inputf("history %d: invalid ipu %v", i, h.IPU)
		}
		point := forecast.HistoryPoint{IPU: h.IPU}
		if h.Start != "" || h.End != "" {
			cycle, err := h.cycle()
			if err != nil {
				return nil, fmt.Errorf("history %d: %w", i, err)
			}
			point.Cycle = cycle
		}
		out = append(out, point)
	}
	return out, nil
}
