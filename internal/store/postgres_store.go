package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/ipu-finops/internal/apperror"
	"github.com/vnmchuo/ipu-finops/internal/consumption"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ResolveTenant(ctx context.Context, userID string) (Tenant, error) {
	query := `
		SELECT p.cliente_id, COALESCE(c.nome, '')
		FROM profiles p
		LEFT JOIN clientes c ON c.id = p.cliente_id
		WHERE p.id = $1
	`
	var t Tenant
	err := s.db.QueryRow(ctx, query, userID).Scan(&t.ClienteID, &t.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, apperror.NotFound("tenant for user", userID)
		}
		return Tenant{}, apperror.UpstreamFetch("resolve tenant", err)
	}
	if t.ClienteID == "" {
		return Tenant{}, apperror.NotFound("tenant for user", userID)
	}
	return t, nil
}

// GetPricing reads the latest contract of a tenant. Prices travel as text and are
// parsed exactly before being handed to the core.
func (s *PostgresStore) GetPricing(ctx context.Context, clienteID string) (consumption.PricingContext, error) {
	query := `
		SELECT price_per_ipu::text, COALESCE(contracted_ipus, 0)::text
		FROM contracts
		WHERE cliente_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var priceText, contractedText string
	err := s.db.QueryRow(ctx, query, clienteID).Scan(&priceText, &contractedText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return consumption.PricingContext{}, apperror.InvalidPricing(0).WithContext("cliente_id", clienteID)
		}
		return consumption.PricingContext{}, apperror.UpstreamFetch("get pricing", err)
	}

	price, err := decimal.NewFromString(priceText)
	if err != nil {
		return consumption.PricingContext{}, apperror.UpstreamFetch("get pricing", fmt.Errorf("parse price %q: %w", priceText, err))
	}
	contracted, err := decimal.NewFromString(contractedText)
	if err != nil {
		return consumption.PricingContext{}, apperror.UpstreamFetch("get pricing", fmt.Errorf("parse contracted ipus %q: %w", contractedText, err))
	}

	pricing := consumption.PricingContext{
		PricePerIPU:    price.InexactFloat64(),
		ContractedIPUs: contracted.InexactFloat64(),
	}
	if err := pricing.Validate(); err != nil {
		return consumption.PricingContext{}, err
	}
	return pricing, nil
}

func (s *PostgresStore) ListConfigIDs(ctx context.Context, clienteID string) ([]string, error) {
	query := `
		SELECT id::text
		FROM api_configurations
		WHERE cliente_id = $1
		ORDER BY id
	`
	rows, err := s.db.Query(ctx, query, clienteID)
	if err != nil {
		return nil, apperror.UpstreamFetch("list config ids", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.UpstreamFetch("list config ids", fmt.Errorf("failed to scan config id: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.UpstreamFetch("list config ids", err)
	}
	return ids, nil
}

// QueryConsumption reads raw consumption rows. Every row is validated here so the
// core never sees a negative quantity or an inverted cycle.
func (s *PostgresStore) QueryConsumption(ctx context.Context, configIDs []string, filter ConsumptionFilter) ([]consumption.ConsumptionRecord, error) {
	if len(configIDs) == 0 {
		return []consumption.ConsumptionRecord{}, nil
	}
	query, args := buildConsumptionQuery(configIDs, filter)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperror.UpstreamFetch("query consumption", err)
	}
	defer rows.Close()

	records := []consumption.ConsumptionRecord{}
	for rows.Next() {
		var r consumption.ConsumptionRecord
		err := rows.Scan(
			&r.OrgID, &r.OrgName, &r.ProjectName, &r.AssetID, &r.MeterName,
			&r.Cycle.StartDate, &r.Cycle.EndDate, &r.IPU,
		)
		if err != nil {
			return nil, apperror.UpstreamFetch("query consumption", fmt.Errorf("failed to scan consumption row: %w", err))
		}
		r.Cycle = consumption.NewCycle(r.Cycle.StartDate, r.Cycle.EndDate)
		if err := r.Validate(); err != nil {
			return nil, apperror.UpstreamFetch("query consumption", err).WithContext("org_id", r.OrgID)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.UpstreamFetch("query consumption", err)
	}
	return records, nil
}

func buildConsumptionQuery(configIDs []string, filter ConsumptionFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`
		SELECT org_id, COALESCE(org_name, ''), COALESCE(project_name, ''), COALESCE(asset_id, ''), meter_name,
		       billing_period_start_date, billing_period_end_date, consumption_ipu
		FROM consumption_records
		WHERE config_id::text = ANY($1)`)
	args := []any{configIDs}

	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, "\n\t\t  AND "+clause, len(args))
	}
	if filter.OrgID != "" {
		add("org_id = $%d", filter.OrgID)
	}
	if filter.ProjectName != "" {
		add("project_name = $%d", filter.ProjectName)
	}
	if filter.MeterName != "" {
		add("meter_name = $%d", filter.MeterName)
	}
	if len(filter.ExcludedMeters) > 0 {
		add("meter_name <> ALL($%d)", filter.ExcludedMeters)
	}
	if filter.From != nil {
		add("billing_period_start_date >= $%d", filter.From.StartDate)
	}
	b.WriteString("\n\t\tORDER BY billing_period_start_date, billing_period_end_date")
	return b.String(), args
}

// GetAvailableCycles calls the get_available_cycles() database function.
func (s *PostgresStore) GetAvailableCycles(ctx context.Context) ([]consumption.BillingCycle, error) {
	rows, err := s.db.Query(ctx, `SELECT billing_period_start_date, billing_period_end_date FROM get_available_cycles()`)
	if err != nil {
		return nil, apperror.UpstreamFetch("get available cycles", err)
	}
	defer rows.Close()

	var cycles []consumption.BillingCycle
	for rows.Next() {
		var c consumption.BillingCycle
		if err := rows.Scan(&c.StartDate, &c.EndDate); err != nil {
			return nil, apperror.UpstreamFetch("get available cycles", fmt.Errorf("failed to scan cycle: %w", err))
		}
		cycles = append(cycles, consumption.NewCycle(c.StartDate, c.EndDate))
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.UpstreamFetch("get available cycles", err)
	}
	return consumption.NormalizeCycles(cycles), nil
}
