// Package store defines the persistence interface for the trigger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/microcrop/trigger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a policy or farmer does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrDuplicatePayout is returned when a second completed payout is
	// inserted for the same (policy, trigger, day bucket).
	ErrDuplicatePayout = errors.New("store: duplicate completed payout")
)

// BucketSize is the width of the payout uniqueness bucket.
const BucketSize = 24 * time.Hour

// Bucket returns the uniqueness bucket index for a payout timestamp.
func Bucket(ts time.Time) int64 {
	return ts.UTC().Unix() / int64(BucketSize/time.Second)
}

// FarmerDelta is an increment applied to a farmer's aggregate totals.
type FarmerDelta struct {
	Policies int
	Claims   int
	Coverage decimal.Decimal
	Payouts  decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Policies ---

	// CreatePolicy persists a new policy.
	CreatePolicy(ctx context.Context, p *model.Policy) error

	// GetPolicy retrieves a policy with its claim history.
	GetPolicy(ctx context.Context, id string) (*model.Policy, error)

	// ListPolicies returns all policies with claim histories.
	ListPolicies(ctx context.Context) ([]model.Policy, error)

	// ListPoliciesByFarmer returns a farmer's policies.
	ListPoliciesByFarmer(ctx context.Context, farmerID string) ([]model.Policy, error)

	// ListPoliciesByDevice returns policies observed by a weather station.
	ListPoliciesByDevice(ctx context.Context, deviceID string) ([]model.Policy, error)

	// UpdatePolicyStatus overwrites a policy's stored status.
	UpdatePolicyStatus(ctx context.Context, id, status string) error

	// RegisterPolicy creates the farmer if absent, persists p and adds it
	// to the farmer's totals as one unit: on error nothing is written.
	// Reports whether the farmer was created.
	RegisterPolicy(ctx context.Context, f *model.Farmer, p *model.Policy) (bool, error)

	// --- Farmers ---

	// EnsureFarmer creates the farmer if absent and reports whether it did.
	EnsureFarmer(ctx context.Context, f *model.Farmer) (bool, error)

	// GetFarmer retrieves a farmer aggregate.
	GetFarmer(ctx context.Context, id string) (*model.Farmer, error)

	// ListFarmers returns all farmers.
	ListFarmers(ctx context.Context) ([]model.Farmer, error)

	// IncrementFarmer applies a delta to a farmer's totals.
	IncrementFarmer(ctx context.Context, id string, d FarmerDelta) error

	// --- Immutable payout ledger ---

	// InsertPayout appends an immutable payout record. Returns
	// ErrDuplicatePayout if a completed record already exists for the
	// same policy, trigger and bucket.
	InsertPayout(ctx context.Context, rec *model.PayoutRecord) error

	// ListPayoutsByPolicy returns a policy's payouts ordered by time.
	ListPayoutsByPolicy(ctx context.Context, policyID string) ([]model.PayoutRecord, error)

	// LastCompletedPayout returns the most recent completed payout for a
	// policy and trigger, or ErrNotFound.
	LastCompletedPayout(ctx context.Context, policyID, trigger string) (*model.PayoutRecord, error)
}
