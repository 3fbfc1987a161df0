package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/microcrop/trigger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for policy lookups. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
//
// Payout reads are never cached: the duplicate-suppression check must see
// the primary's latest state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreatePolicy(ctx context.Context, p *model.Policy) error {
	if err := s.primary.CreatePolicy(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, farmerPoliciesKey(p.FarmerID))
	return nil
}

func (s *CachedStore) RegisterPolicy(ctx context.Context, f *model.Farmer, p *model.Policy) (bool, error) {
	created, err := s.primary.RegisterPolicy(ctx, f, p)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, farmerPoliciesKey(p.FarmerID))
	return created, nil
}

func (s *CachedStore) UpdatePolicyStatus(ctx context.Context, id, status string) error {
	if err := s.primary.UpdatePolicyStatus(ctx, id, status); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, policyKey(id))
	return nil
}

func (s *CachedStore) InsertPayout(ctx context.Context, rec *model.PayoutRecord) error {
	if err := s.primary.InsertPayout(ctx, rec); err != nil {
		return err
	}
	// Claim history is embedded in the cached policy.
	s.rdb.Del(ctx, policyKey(rec.PolicyID))
	return nil
}

func (s *CachedStore) EnsureFarmer(ctx context.Context, f *model.Farmer) (bool, error) {
	return s.primary.EnsureFarmer(ctx, f)
}

func (s *CachedStore) IncrementFarmer(ctx context.Context, id string, d FarmerDelta) error {
	return s.primary.IncrementFarmer(ctx, id, d)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	data, err := s.rdb.Get(ctx, policyKey(id)).Bytes()
	if err == nil {
		var p model.Policy
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, policyKey(id), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListPoliciesByFarmer(ctx context.Context, farmerID string) ([]model.Policy, error) {
	// Only the ID list is cached; policies are resolved through GetPolicy
	// so status and claim invalidations stay in one place.
	ids, err := s.rdb.LRange(ctx, farmerPoliciesKey(farmerID), 0, -1).Result()
	if err == nil && len(ids) > 0 {
		policies := make([]model.Policy, 0, len(ids))
		for _, id := range ids {
			p, err := s.GetPolicy(ctx, id)
			if err != nil {
				return s.listFarmerFromPrimary(ctx, farmerID)
			}
			policies = append(policies, *p)
		}
		return policies, nil
	}
	return s.listFarmerFromPrimary(ctx, farmerID)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	return s.primary.ListPolicies(ctx)
}

func (s *CachedStore) ListPoliciesByDevice(ctx context.Context, deviceID string) ([]model.Policy, error) {
	return s.primary.ListPoliciesByDevice(ctx, deviceID)
}

func (s *CachedStore) GetFarmer(ctx context.Context, id string) (*model.Farmer, error) {
	return s.primary.GetFarmer(ctx, id)
}

func (s *CachedStore) ListFarmers(ctx context.Context) ([]model.Farmer, error) {
	return s.primary.ListFarmers(ctx)
}

func (s *CachedStore) ListPayoutsByPolicy(ctx context.Context, policyID string) ([]model.PayoutRecord, error) {
	return s.primary.ListPayoutsByPolicy(ctx, policyID)
}

func (s *CachedStore) LastCompletedPayout(ctx context.Context, policyID, trigger string) (*model.PayoutRecord, error) {
	return s.primary.LastCompletedPayout(ctx, policyID, trigger)
}

// --- Cache helpers ---

func (s *CachedStore) listFarmerFromPrimary(ctx context.Context, farmerID string) ([]model.Policy, error) {
	policies, err := s.primary.ListPoliciesByFarmer(ctx, farmerID)
	if err != nil {
		return nil, err
	}
	if len(policies) > 0 {
		ids := make([]any, len(policies))
		for i, p := range policies {
			ids[i] = p.ID
		}
		key := farmerPoliciesKey(farmerID)
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, ids...)
		pipe.Expire(ctx, key, s.ttl)
		pipe.Exec(ctx)
	}
	return policies, nil
}

func policyKey(id string) string             { return fmt.Sprintf("policy:%s", id) }
func farmerPoliciesKey(farmer string) string { return fmt.Sprintf("farmer-policies:%s", farmer) }
