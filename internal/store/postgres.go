package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/microcrop/trigger-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const policyColumns = `id, farmer_id, farmer_address, crop_type_id,
		coverage_amount::TEXT, premium_paid::TEXT,
		start_date, end_date, lat, lng, device_id, status, created_at`

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *model.Policy) error {
	return insertPolicy(ctx, s.pool, p)
}

func (s *PostgresStore) RegisterPolicy(ctx context.Context, f *model.Farmer, p *model.Policy) (bool, error) {
	var created bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		if created, err = ensureFarmer(ctx, tx, f); err != nil {
			return err
		}
		if err := insertPolicy(ctx, tx, p); err != nil {
			return err
		}
		return incrementFarmer(ctx, tx, f.ID, FarmerDelta{Policies: 1, Coverage: p.CoverageAmount})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func insertPolicy(ctx context.Context, q execer, p *model.Policy) error {
	_, err := q.Exec(ctx,
		`INSERT INTO policies (id, farmer_id, farmer_address, crop_type_id, coverage_amount, premium_paid,
		                       start_date, end_date, lat, lng, device_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.FarmerID, p.FarmerAddress, p.CropTypeID,
		p.CoverageAmount.String(), p.PremiumPaid.String(),
		p.StartDate, p.EndDate, p.Location.Lat, p.Location.Lng, p.Location.DeviceID,
		p.Status, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("policy %s: %w", p.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}

	p.ClaimHistory, err = s.ListPayoutsByPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	return s.queryPolicies(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY created_at, id`)
}

func (s *PostgresStore) ListPoliciesByFarmer(ctx context.Context, farmerID string) ([]model.Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE farmer_id = $1 ORDER BY created_at, id`, farmerID)
}

func (s *PostgresStore) ListPoliciesByDevice(ctx context.Context, deviceID string) ([]model.Policy, error) {
	return s.queryPolicies(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE device_id = $1 ORDER BY created_at, id`, deviceID)
}

func (s *PostgresStore) UpdatePolicyStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE policies SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update policy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) EnsureFarmer(ctx context.Context, f *model.Farmer) (bool, error) {
	return ensureFarmer(ctx, s.pool, f)
}

func ensureFarmer(ctx context.Context, q execer, f *model.Farmer) (bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO farmers (id, address, total_policies, total_claims, total_coverage, total_payouts, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (id) DO NOTHING`,
		f.ID, f.Address, f.TotalPolicies, f.TotalClaims,
		f.TotalCoverage.String(), f.TotalPayouts.String(), f.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("ensure farmer %s: %w", f.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetFarmer(ctx context.Context, id string) (*model.Farmer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, address, total_policies, total_claims, total_coverage::TEXT, total_payouts::TEXT, created_at
		 FROM farmers WHERE id = $1`, id)
	f, err := scanFarmer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("farmer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get farmer %s: %w", id, err)
	}
	return f, nil
}

func (s *PostgresStore) ListFarmers(ctx context.Context) ([]model.Farmer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, address, total_policies, total_claims, total_coverage::TEXT, total_payouts::TEXT, created_at
		 FROM farmers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var farmers []model.Farmer
	for rows.Next() {
		f, err := scanFarmer(rows)
		if err != nil {
			return nil, err
		}
		farmers = append(farmers, *f)
	}
	return farmers, rows.Err()
}

func (s *PostgresStore) IncrementFarmer(ctx context.Context, id string, d FarmerDelta) error {
	return incrementFarmer(ctx, s.pool, id, d)
}

func incrementFarmer(ctx context.Context, q execer, id string, d FarmerDelta) error {
	tag, err := q.Exec(ctx,
		`UPDATE farmers
		 SET total_policies = total_policies + $2,
		     total_claims   = total_claims + $3,
		     total_coverage = total_coverage + $4::NUMERIC,
		     total_payouts  = total_payouts + $5::NUMERIC
		 WHERE id = $1`,
		id, d.Policies, d.Claims, d.Coverage.String(), d.Payouts.String(),
	)
	if err != nil {
		return fmt.Errorf("increment farmer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("farmer %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertPayout(ctx context.Context, r *model.PayoutRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payouts (id, policy_id, trigger_type, severity, payout_amount, weather_data_hash,
		                      transaction_id, timestamp, bucket, status, error)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.PolicyID, r.TriggerType, r.Severity, r.PayoutAmount.String(), r.WeatherDataHash,
		r.TransactionID, r.Timestamp, Bucket(r.Timestamp), r.Status, r.Error,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("policy %s trigger %s: %w", r.PolicyID, r.TriggerType, ErrDuplicatePayout)
	}
	return err
}

func (s *PostgresStore) ListPayoutsByPolicy(ctx context.Context, policyID string) ([]model.PayoutRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, policy_id, trigger_type, severity, payout_amount::TEXT, weather_data_hash,
		        transaction_id, timestamp, status, error
		 FROM payouts WHERE policy_id = $1 ORDER BY timestamp`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPayouts(rows)
}

func (s *PostgresStore) LastCompletedPayout(ctx context.Context, policyID, trigger string) (*model.PayoutRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, policy_id, trigger_type, severity, payout_amount::TEXT, weather_data_hash,
		        transaction_id, timestamp, status, error
		 FROM payouts
		 WHERE policy_id = $1 AND trigger_type = $2 AND status = 'completed'
		 ORDER BY timestamp DESC LIMIT 1`, policyID, trigger)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanPayouts(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("completed payout for %s/%s: %w", policyID, trigger, ErrNotFound)
	}
	return &recs[0], nil
}

// queryPolicies runs a policy query and attaches each policy's claim history.
func (s *PostgresStore) queryPolicies(ctx context.Context, sql string, args ...any) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	var policies []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		policies = append(policies, *p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range policies {
		policies[i].ClaimHistory, err = s.ListPayoutsByPolicy(ctx, policies[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// pgxRows is the subset of pgx.Rows used by scanPayouts.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPolicy(row rowScanner) (*model.Policy, error) {
	var p model.Policy
	var coverage, premium string
	if err := row.Scan(&p.ID, &p.FarmerID, &p.FarmerAddress, &p.CropTypeID,
		&coverage, &premium,
		&p.StartDate, &p.EndDate, &p.Location.Lat, &p.Location.Lng, &p.Location.DeviceID,
		&p.Status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CoverageAmount, _ = decimal.NewFromString(coverage)
	p.PremiumPaid, _ = decimal.NewFromString(premium)
	return &p, nil
}

func scanFarmer(row rowScanner) (*model.Farmer, error) {
	var f model.Farmer
	var coverage, payouts string
	if err := row.Scan(&f.ID, &f.Address, &f.TotalPolicies, &f.TotalClaims,
		&coverage, &payouts, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.TotalCoverage, _ = decimal.NewFromString(coverage)
	f.TotalPayouts, _ = decimal.NewFromString(payouts)
	return &f, nil
}

func scanPayouts(rows pgxRows) ([]model.PayoutRecord, error) {
	recs := make([]model.PayoutRecord, 0)
	for rows.Next() {
		var r model.PayoutRecord
		var amount string
		if err := rows.Scan(&r.ID, &r.PolicyID, &r.TriggerType, &r.Severity, &amount,
			&r.WeatherDataHash, &r.TransactionID, &r.Timestamp, &r.Status, &r.Error); err != nil {
			return nil, err
		}
		r.PayoutAmount, _ = decimal.NewFromString(amount)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
