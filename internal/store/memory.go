package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/microcrop/trigger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*model.Policy
	farmers  map[string]*model.Farmer
	payouts  []model.PayoutRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*model.Policy),
		farmers:  make(map[string]*model.Farmer),
	}
}

func (s *MemoryStore) CreatePolicy(_ context.Context, p *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertPolicy(p)
}

func (s *MemoryStore) RegisterPolicy(_ context.Context, f *model.Farmer, p *model.Policy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertPolicy(p); err != nil {
		return false, err
	}
	farmer, ok := s.farmers[f.ID]
	if !ok {
		copy := *f
		farmer = &copy
		s.farmers[f.ID] = farmer
	}
	farmer.TotalPolicies++
	farmer.TotalCoverage = farmer.TotalCoverage.Add(p.CoverageAmount)
	return !ok, nil
}

// insertPolicy stores a copy of p. Caller holds s.mu.
func (s *MemoryStore) insertPolicy(p *model.Policy) error {
	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("policy %s: %w", p.ID, ErrAlreadyExists)
	}
	copy := *p
	copy.ClaimHistory = nil
	s.policies[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	out := s.withHistory(p)
	return &out, nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]model.Policy, error) {
	return s.filterPolicies(func(*model.Policy) bool { return true }), nil
}

func (s *MemoryStore) ListPoliciesByFarmer(_ context.Context, farmerID string) ([]model.Policy, error) {
	return s.filterPolicies(func(p *model.Policy) bool { return p.FarmerID == farmerID }), nil
}

func (s *MemoryStore) ListPoliciesByDevice(_ context.Context, deviceID string) ([]model.Policy, error) {
	return s.filterPolicies(func(p *model.Policy) bool { return p.Location.DeviceID == deviceID }), nil
}

func (s *MemoryStore) UpdatePolicyStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	p.Status = status
	return nil
}

func (s *MemoryStore) EnsureFarmer(_ context.Context, f *model.Farmer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.farmers[f.ID]; ok {
		return false, nil
	}
	copy := *f
	s.farmers[f.ID] = &copy
	return true, nil
}

func (s *MemoryStore) GetFarmer(_ context.Context, id string) (*model.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.farmers[id]
	if !ok {
		return nil, fmt.Errorf("farmer %s: %w", id, ErrNotFound)
	}
	copy := *f
	return &copy, nil
}

func (s *MemoryStore) ListFarmers(_ context.Context) ([]model.Farmer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	farmers := make([]model.Farmer, 0, len(s.farmers))
	for _, f := range s.farmers {
		farmers = append(farmers, *f)
	}
	sort.Slice(farmers, func(i, j int) bool { return farmers[i].ID < farmers[j].ID })
	return farmers, nil
}

func (s *MemoryStore) IncrementFarmer(_ context.Context, id string, d FarmerDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.farmers[id]
	if !ok {
		return fmt.Errorf("farmer %s: %w", id, ErrNotFound)
	}
	f.TotalPolicies += d.Policies
	f.TotalClaims += d.Claims
	f.TotalCoverage = f.TotalCoverage.Add(d.Coverage)
	f.TotalPayouts = f.TotalPayouts.Add(d.Payouts)
	return nil
}

// InsertPayout enforces the same uniqueness rule as the partial unique
// index in schema.sql.
func (s *MemoryStore) InsertPayout(_ context.Context, rec *model.PayoutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[rec.PolicyID]; !ok {
		return fmt.Errorf("policy %s: %w", rec.PolicyID, ErrNotFound)
	}

	if rec.Status == model.PayoutCompleted {
		bucket := Bucket(rec.Timestamp)
		for _, e := range s.payouts {
			if e.PolicyID == rec.PolicyID && e.TriggerType == rec.TriggerType &&
				e.Status == model.PayoutCompleted && Bucket(e.Timestamp) == bucket {
				return fmt.Errorf("policy %s trigger %s: %w", rec.PolicyID, rec.TriggerType, ErrDuplicatePayout)
			}
		}
	}

	s.payouts = append(s.payouts, *rec)
	return nil
}

func (s *MemoryStore) ListPayoutsByPolicy(_ context.Context, policyID string) ([]model.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.payoutsFor(policyID), nil
}

func (s *MemoryStore) LastCompletedPayout(_ context.Context, policyID, trigger string) (*model.PayoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *model.PayoutRecord
	for i := range s.payouts {
		e := &s.payouts[i]
		if e.PolicyID != policyID || e.TriggerType != trigger || e.Status != model.PayoutCompleted {
			continue
		}
		if last == nil || e.Timestamp.After(last.Timestamp) {
			last = e
		}
	}
	if last == nil {
		return nil, fmt.Errorf("completed payout for %s/%s: %w", policyID, trigger, ErrNotFound)
	}
	copy := *last
	return &copy, nil
}

// filterPolicies returns copies of matching policies ordered by creation
// time, each with its claim history attached.
func (s *MemoryStore) filterPolicies(keep func(*model.Policy) bool) []model.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Policy, 0)
	for _, p := range s.policies {
		if keep(p) {
			out = append(out, s.withHistory(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// withHistory must be called with s.mu held.
func (s *MemoryStore) withHistory(p *model.Policy) model.Policy {
	out := *p
	out.ClaimHistory = s.payoutsFor(p.ID)
	return out
}

// payoutsFor must be called with s.mu held.
func (s *MemoryStore) payoutsFor(policyID string) []model.PayoutRecord {
	result := make([]model.PayoutRecord, 0)
	for _, e := range s.payouts {
		if e.PolicyID == policyID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result
}
