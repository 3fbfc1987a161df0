// Package registry owns policy and farmer state: issuance, lifecycle
// transitions, claim history and on-demand statistics.
//
// The registry is the single writer of policy state. The payout service
// appends claims through RecordClaim and never touches the store directly.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/microcrop/trigger-engine/internal/model"
	"github.com/microcrop/trigger-engine/internal/store"
	"github.com/microcrop/trigger-engine/internal/weather"
)

var (
	ErrInvalidPolicy     = errors.New("registry: invalid policy")
	ErrUnknownCrop       = errors.New("registry: unknown crop type")
	ErrInvalidStatus     = errors.New("registry: unknown policy status")
	ErrInvalidTransition = errors.New("registry: invalid status transition")
)

// Issuance bounds.
var (
	MinCoverage = decimal.NewFromInt(100)
	MaxCoverage = decimal.NewFromInt(100000)
)

const (
	MinDuration = 30 * 24 * time.Hour
	MaxDuration = 365 * 24 * time.Hour
)

// CreatePolicyInput is the data needed to issue a policy.
type CreatePolicyInput struct {
	FarmerID       string          `json:"farmer_id"`
	FarmerAddress  string          `json:"farmer_address"`
	CropTypeID     string          `json:"crop_type_id"`
	CoverageAmount decimal.Decimal `json:"coverage_amount"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	Location       model.Location  `json:"location"`
}

// Options configures a Service.
type Options struct {
	Limiter *ExposureLimiter // nil disables exposure limits
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Service is the policy registry.
type Service struct {
	store   store.Store
	crops   *Catalog
	limiter *ExposureLimiter
	clock   clockwork.Clock
	logger  *slog.Logger

	// Serializes issuance so the exposure check and the farmer aggregate
	// see every earlier policy.
	mu sync.Mutex
}

// NewService creates a registry over st.
func NewService(st store.Store, crops *Catalog, opts Options) *Service {
	if crops == nil {
		crops = NewCatalog()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:   st,
		crops:   crops,
		limiter: opts.Limiter,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// Create validates and issues a new active policy. The farmer aggregate is
// created with the farmer's first policy.
func (s *Service) Create(ctx context.Context, in CreatePolicyInput) (*model.Policy, error) {
	crop, err := s.validate(in)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	p := &model.Policy{
		ID:             uuid.New().String(),
		FarmerID:       in.FarmerID,
		FarmerAddress:  in.FarmerAddress,
		CropTypeID:     crop.ID,
		CoverageAmount: in.CoverageAmount,
		PremiumPaid:    in.CoverageAmount.Mul(crop.PremiumRate).Round(2),
		StartDate:      in.StartDate.UTC(),
		EndDate:        in.EndDate.UTC(),
		Location:       in.Location,
		Status:         model.PolicyActive,
		ClaimHistory:   []model.ClaimRecord{},
		CreatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limiter != nil {
		active, err := s.ListActive(ctx, now)
		if err != nil {
			return nil, err
		}
		if err := s.limiter.Check(p, active); err != nil {
			return nil, err
		}
	}

	created, err := s.store.RegisterPolicy(ctx, &model.Farmer{
		ID:            in.FarmerID,
		Address:       in.FarmerAddress,
		TotalCoverage: decimal.Zero,
		TotalPayouts:  decimal.Zero,
		CreatedAt:     now,
	}, p)
	if err != nil {
		return nil, fmt.Errorf("create policy: %w", err)
	}
	if created {
		s.logger.Info("farmer registered", "farmer_id", in.FarmerID)
	}

	s.logger.Info("policy created",
		"policy_id", p.ID,
		"farmer_id", p.FarmerID,
		"crop", p.CropTypeID,
		"coverage", p.CoverageAmount.String(),
		"premium", p.PremiumPaid.String(),
		"device_id", p.Location.DeviceID,
	)
	return p, nil
}

func (s *Service) validate(in CreatePolicyInput) (model.CropType, error) {
	invalid := func(format string, args ...any) (model.CropType, error) {
		return model.CropType{}, fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(in.FarmerID) == "" {
		return invalid("farmer_id is required")
	}
	if strings.TrimSpace(in.FarmerAddress) == "" {
		return invalid("farmer_address is required")
	}
	if in.Location.DeviceID == "" {
		return invalid("location.device_id is required")
	}
	if in.Location.Lat < -90 || in.Location.Lat > 90 || in.Location.Lng < -180 || in.Location.Lng > 180 {
		return invalid("location out of range")
	}

	crop, ok := s.crops.Get(in.CropTypeID)
	if !ok {
		return model.CropType{}, fmt.Errorf("%q: %w", in.CropTypeID, ErrUnknownCrop)
	}

	if in.CoverageAmount.LessThan(MinCoverage) || in.CoverageAmount.GreaterThan(MaxCoverage) {
		return invalid("coverage_amount must be between %s and %s", MinCoverage, MaxCoverage)
	}
	if !in.StartDate.Before(in.EndDate) {
		return invalid("start_date must be before end_date")
	}
	if dur := in.EndDate.Sub(in.StartDate); dur < MinDuration || dur > MaxDuration {
		return invalid("duration must be between 30 and 365 days")
	}
	return crop, nil
}

// Get returns a policy with its claim history.
func (s *Service) Get(ctx context.Context, id string) (*model.Policy, error) {
	return s.store.GetPolicy(ctx, id)
}

// ListByFarmer returns a farmer's policies.
func (s *Service) ListByFarmer(ctx context.Context, farmerID string) ([]model.Policy, error) {
	return s.store.ListPoliciesByFarmer(ctx, farmerID)
}

// ListActive returns policies whose stored status is active and whose end
// date is after now.
func (s *Service) ListActive(ctx context.Context, now time.Time) ([]model.Policy, error) {
	all, err := s.store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	out := make([]model.Policy, 0, len(all))
	for _, p := range all {
		if p.Status == model.PolicyActive && p.EndDate.After(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

var transitions = map[string][]string{
	model.PolicyActive: {model.PolicyClaimed, model.PolicyCancelled, model.PolicyExpired},
}

// UpdateStatus moves a policy to status. Only active policies can move,
// and only forward; setting the current status again is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, id, status string) (*model.Policy, error) {
	switch status {
	case model.PolicyActive, model.PolicyClaimed, model.PolicyCancelled, model.PolicyExpired:
	default:
		return nil, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}

	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return p, nil
	}

	allowed := false
	for _, next := range transitions[p.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%s -> %s: %w", p.Status, status, ErrInvalidTransition)
	}

	if err := s.store.UpdatePolicyStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("update policy %s: %w", id, err)
	}
	s.logger.Info("policy status updated", "policy_id", id, "from", p.Status, "to", status)

	p.Status = status
	return p, nil
}

// RecordClaim appends a payout record to the policy's claim history.
// Completed claims add to the farmer's claim count and payout total.
func (s *Service) RecordClaim(ctx context.Context, rec *model.PayoutRecord) error {
	p, err := s.store.GetPolicy(ctx, rec.PolicyID)
	if err != nil {
		return err
	}
	if err := s.store.InsertPayout(ctx, rec); err != nil {
		return err
	}
	if rec.Status != model.PayoutCompleted {
		return nil
	}
	if err := s.store.IncrementFarmer(ctx, p.FarmerID, store.FarmerDelta{
		Claims:  1,
		Payouts: rec.PayoutAmount,
	}); err != nil {
		return fmt.Errorf("update farmer %s: %w", p.FarmerID, err)
	}
	return nil
}

// LastCompletedPayout returns the latest completed payout for a policy and
// trigger, or store.ErrNotFound.
func (s *Service) LastCompletedPayout(ctx context.Context, policyID, trigger string) (*model.PayoutRecord, error) {
	return s.store.LastCompletedPayout(ctx, policyID, trigger)
}

// Payouts returns a policy's payout records, oldest first.
func (s *Service) Payouts(ctx context.Context, policyID string) ([]model.PayoutRecord, error) {
	if _, err := s.store.GetPolicy(ctx, policyID); err != nil {
		return nil, err
	}
	return s.store.ListPayoutsByPolicy(ctx, policyID)
}

// Farmer returns a farmer aggregate.
func (s *Service) Farmer(ctx context.Context, id string) (*model.Farmer, error) {
	return s.store.GetFarmer(ctx, id)
}

// CropType looks up crop reference data.
func (s *Service) CropType(id string) (model.CropType, bool) {
	return s.crops.Get(id)
}

// Crops lists the crop catalog.
func (s *Service) Crops() []model.CropType {
	return s.crops.List()
}

// ResolveByDevice returns the active policies observed by deviceID.
func (s *Service) ResolveByDevice(ctx context.Context, deviceID string, now time.Time) ([]model.Policy, error) {
	ps, err := s.store.ListPoliciesByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("policies for device %s: %w", deviceID, err)
	}
	out := make([]model.Policy, 0, len(ps))
	for _, p := range ps {
		if p.EffectiveStatus(now) == model.PolicyActive {
			out = append(out, p)
		}
	}
	return out, nil
}

// ResolveByLocation returns the active policies within radiusKm of a point.
func (s *Service) ResolveByLocation(ctx context.Context, lat, lng, radiusKm float64, now time.Time) ([]model.Policy, error) {
	active, err := s.ListActive(ctx, now)
	if err != nil {
		return nil, err
	}
	out := make([]model.Policy, 0)
	for _, p := range active {
		if weather.Haversine(lat, lng, p.Location.Lat, p.Location.Lng) <= radiusKm {
			out = append(out, p)
		}
	}
	return out, nil
}

// Stats computes registry aggregates on demand. Status counts use the
// effective status at now.
func (s *Service) Stats(ctx context.Context, now time.Time) (*model.Stats, error) {
	policies, err := s.store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	farmers, err := s.store.ListFarmers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list farmers: %w", err)
	}

	st := &model.Stats{
		TotalPolicies:   len(policies),
		TotalFarmers:    len(farmers),
		TotalCoverage:   decimal.Zero,
		TotalPremiums:   decimal.Zero,
		AverageCoverage: decimal.Zero,
		TotalPayouts:    decimal.Zero,
		ClaimRate:       decimal.Zero,
	}

	claimed := 0
	for _, p := range policies {
		switch p.EffectiveStatus(now) {
		case model.PolicyActive:
			st.ActivePolicies++
		case model.PolicyExpired:
			st.ExpiredPolicies++
		case model.PolicyClaimed:
			st.ClaimedPolicies++
		case model.PolicyCancelled:
			st.CancelledPolicies++
		}
		st.TotalCoverage = st.TotalCoverage.Add(p.CoverageAmount)
		st.TotalPremiums = st.TotalPremiums.Add(p.PremiumPaid)

		hasClaim := false
		for _, c := range p.ClaimHistory {
			if c.Status != model.PayoutCompleted {
				continue
			}
			hasClaim = true
			st.TotalClaims++
			st.TotalPayouts = st.TotalPayouts.Add(c.PayoutAmount)
		}
		if hasClaim {
			claimed++
		}
	}

	if n := len(policies); n > 0 {
		count := decimal.NewFromInt(int64(n))
		st.AverageCoverage = st.TotalCoverage.Div(count).Round(2)
		st.ClaimRate = decimal.NewFromInt(int64(claimed)).Div(count).Round(4)
	}
	return st, nil
}
