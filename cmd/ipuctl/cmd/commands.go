package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
	"github.com/vnmchuo/ipu-finops/internal/forecast"
	"github.com/vnmchuo/ipu-finops/internal/rollup"
)

type seriesFlags struct {
	dimension    string
	cycles       int
	items        []string
	completeOnly bool
}

func (f *seriesFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.dimension, "dimension", "d", "organization", "grouping dimension (organization, project, asset, meter)")
	cmd.Flags().IntVarP(&f.cycles, "cycles", "n", 12, "number of newest cycles to aggregate (0 keeps all)")
	cmd.Flags().StringSliceVar(&f.items, "items", nil, "restrict the series to these dimension values")
}

// series aggregates the input over the newest cycles of its catalog.
func (o *options) series(in *Input, f seriesFlags, now time.Time) (consumption.AggregatedSeries, error) {
	dim, err := consumption.ParseDimension(f.dimension)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	records, err := in.records()
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	catalog, err := in.catalog(records)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	window := consumption.LastN(catalog, f.cycles)

	var aggOpts []consumption.AggregateOption
	if len(f.items) > 0 {
		aggOpts = append(aggOpts, consumption.WithSelectedItems(f.items...))
	}
	series, err := consumption.Aggregate(records, window, dim, in.Pricing.context(), aggOpts...)
	if err != nil {
		return consumption.AggregatedSeries{}, err
	}
	if f.completeOnly {
		series = consumption.FilterComplete(series, now)
	}
	o.logger.Debug("series aggregated",
		zap.String("dimension", string(dim)),
		zap.Int("cycles", series.Len()),
		zap.Strings("keys", series.Keys()),
	)
	return series, nil
}

type cyclesOutput struct {
	Cycles         []consumption.BillingCycle `json:"cycles"`
	LatestComplete *consumption.BillingCycle  `json:"latest_complete,omitempty"`
	InProgress     *consumption.BillingCycle  `json:"in_progress,omitempty"`
}

func newCyclesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cycles",
		Short: "List the billing cycle catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := o.clock()
			if err != nil {
				return err
			}
			in, err := o.load()
			if err != nil {
				return err
			}
			records, err := in.records()
			if err != nil {
				return err
			}
			catalog, err := in.catalog(records)
			if err != nil {
				return err
			}

			out := cyclesOutput{Cycles: catalog}
			if c, err := consumption.LatestComplete(catalog, now); err == nil {
				out.LatestComplete = &c
			}
			if c, ok := consumption.InProgress(catalog, now); ok {
				out.InProgress = &c
			}
			return o.write(cmd.OutOrStdout(), out)
		},
	}
}

func newAggregateCmd(o *options) *cobra.Command {
	var f seriesFlags
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate consumption per billing cycle and dimension value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := o.clock()
			if err != nil {
				return err
			}
			in, err := o.load()
			if err != nil {
				return err
			}
			series, err := o.series(in, f, now)
			if err != nil {
				return err
			}
			return o.write(cmd.OutOrStdout(), series)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&f.completeOnly, "complete-only", false, "drop trailing cycles that have not ended")
	return cmd
}

type forecastOutput struct {
	History []forecast.HistoryPoint `json:"history"`
	Points  []forecast.Point        `json:"points"`
}

func newForecastCmd(o *options) *cobra.Command {
	var (
		f       seriesFlags
		horizon int
	)
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast IPU consumption for the next cycles",
		Long: `Forecast blends a linear trend, a seasonal index and a moving average
over completed cycles. When the input carries a history list it is used as is;
otherwise the history is aggregated from the records.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := o.clock()
			if err != nil {
				return err
			}
			in, err := o.load()
			if err != nil {
				return err
			}

			var history []forecast.HistoryPoint
			if len(in.History) > 0 {
				if history, err = in.history(); err != nil {
					return err
				}
			} else {
				f.completeOnly = true
				series, err := o.series(in, f, now)
				if err != nil {
					return err
				}
				history = forecast.FromSeries(series)
			}

			points, err := forecast.Forecast(history, horizon, in.Pricing.context())
			if err != nil {
				return err
			}
			return o.write(cmd.OutOrStdout(), forecastOutput{History: history, Points: points})
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&horizon, "horizon", 3, "number of future cycles")
	return cmd
}

type rollupOutput struct {
	Cycle         consumption.BillingCycle    `json:"cycle"`
	Organizations []rollup.OrganizationRollup `json:"organizations"`
	TotalIPU      float64                     `json:"total_ipu"`
	TotalCost     float64                     `json:"total_cost"`
}

func newRollupCmd(o *options) *cobra.Command {
	var cycleStart string
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Arrange one cycle's organizations into a principal/child hierarchy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := o.clock()
			if err != nil {
				return err
			}
			in, err := o.load()
			if err != nil {
				return err
			}
			records, err := in.records()
			if err != nil {
				return err
			}
			catalog, err := in.catalog(records)
			if err != nil {
				return err
			}
			cycle, err := pickCycle(catalog, cycleStart, now)
			if err != nil {
				return err
			}

			pricing := in.Pricing.context()
			series, err := consumption.Aggregate(records, []consumption.BillingCycle{cycle}, consumption.DimOrganization, pricing)
			if err != nil {
				return err
			}
			names := make(map[string]string)
			for _, r := range records {
				if r.OrgName != "" {
					names[r.OrgID] = r.OrgName
				}
			}
			orgs, err := rollup.Rollup(rollup.FromEntry(series.Entries[0], names), pricing)
			if err != nil {
				return err
			}

			out := rollupOutput{Cycle: cycle, Organizations: orgs}
			for _, org := range orgs {
				out.TotalIPU += org.IPU
			}
			out.TotalCost = pricing.Cost(out.TotalIPU)
			return o.write(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&cycleStart, "cycle", "", "start date of the cycle to roll up (default: latest complete)")
	return cmd
}

// pickCycle returns the cycle starting at start, or the latest complete cycle
// when start is empty.
func pickCycle(catalog []consumption.BillingCycle, start string, now time.Time) (consumption.BillingCycle, error) {
	if strings.TrimSpace(start) == "" {
		return consumption.LatestComplete(catalog, now)
	}
	t, err := time.Parse("2006-01-02", start)
	if err != nil {
		return consumption.BillingCycle{}, fmt.Errorf("invalid --cycle date %q (use YYYY-MM-DD)", start)
	}
	for _, c := range catalog {
		if c.StartDate.Equal(t) {
			return c, nil
		}
	}
	return consumption.BillingCycle{}, apperror.NotFound("billing cycle", start)
}
