// Package payout decides and settles parametric payouts.
//
// Evaluate runs one policy through the full cycle: eligibility gate, evidence
// fetch, analysis, then for each fired trigger duplicate suppression, amount,
// evidence hash, settlement and record. The scheduler sweep, the webhook and
// the operator API all call Evaluate, so identical inputs produce identical
// decisions regardless of entry point.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/microcrop/trigger-engine/internal/analysis"
	"github.com/microcrop/trigger-engine/internal/metrics"
	"github.com/microcrop/trigger-engine/internal/model"
	"github.com/microcrop/trigger-engine/internal/settlement"
	"github.com/microcrop/trigger-engine/internal/store"
	"github.com/microcrop/trigger-engine/internal/weather"
)

// Evaluation outcomes.
const (
	OutcomeNotEligible = "not_eligible"
	OutcomeNoData      = "no_data"
	OutcomeNoTrigger   = "no_trigger"
	OutcomeProcessed   = "processed"
	OutcomeSuppressed  = "suppressed"
	OutcomeFailed      = "failed"
)

// Decision statuses. Completed and failed match the stored record status.
const (
	DecisionCompleted  = model.PayoutCompleted
	DecisionFailed     = model.PayoutFailed
	DecisionSuppressed = "suppressed"
)

const (
	// DuplicateWindow is the rolling idempotency window per policy and trigger.
	DuplicateWindow = 24 * time.Hour

	// EvidenceWindow is how far back readings are fetched.
	EvidenceWindow = 7 * 24 * time.Hour

	defaultSettlementTimeout = 30 * time.Second
)

var ErrUnknownCrop = errors.New("payout: policy references unknown crop type")

// Registry is the policy registry as seen by the payout service.
type Registry interface {
	Get(ctx context.Context, id string) (*model.Policy, error)
	CropType(id string) (model.CropType, bool)
	LastCompletedPayout(ctx context.Context, policyID, trigger string) (*model.PayoutRecord, error)
	RecordClaim(ctx context.Context, rec *model.PayoutRecord) error
}

// WeatherSource supplies evidence readings.
type WeatherSource interface {
	GetHistory(ctx context.Context, deviceID string, start, end time.Time, granularity string) ([]model.WeatherReading, error)
}

// Settler submits a transfer and returns the transaction reference.
type Settler interface {
	Settle(ctx context.Context, t settlement.Transfer) (string, error)
}

// Notifier receives every payout decision, including suppressed ones.
type Notifier interface {
	PayoutDecided(ctx context.Context, d Decision)
}

// SettlementError reports a failed transfer. The failed record has already
// been stored when it is returned.
type SettlementError struct {
	PolicyID string
	Trigger  string
	Err      error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("payout: settlement failed for policy %s trigger %s: %v", e.PolicyID, e.Trigger, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Decision is the outcome for one trigger of one policy.
type Decision struct {
	PolicyID     string              `json:"policy_id"`
	FarmerID     string              `json:"farmer_id"`
	Trigger      analysis.Trigger    `json:"trigger"`
	Amount       decimal.Decimal     `json:"amount"`
	EvidenceHash string              `json:"evidence_hash"`
	Status       string              `json:"status"`
	Record       *model.PayoutRecord `json:"record,omitempty"`
	Error        string              `json:"error,omitempty"`
	DecidedAt    time.Time           `json:"decided_at"`
}

// Result summarizes one Evaluate call.
type Result struct {
	PolicyID    string               `json:"policy_id"`
	Outcome     string               `json:"outcome"`
	Assessment  *analysis.Assessment `json:"assessment,omitempty"`
	Decisions   []Decision           `json:"decisions"`
	EvaluatedAt time.Time            `json:"evaluated_at"`
}

// Options configures a Service. Zero values get defaults.
type Options struct {
	MinQuality        int
	SettlementTimeout time.Duration
	Clock             clockwork.Clock
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
	Notifier          Notifier
}

// Service orchestrates payout decisions. Safe for concurrent use; calls for
// the same policy and trigger are serialized from the duplicate check
// through to the stored record.
type Service struct {
	registry Registry
	weather  WeatherSource
	settler  Settler

	minQuality        int
	settlementTimeout time.Duration
	clock             clockwork.Clock
	metrics           *metrics.Metrics
	logger            *slog.Logger
	notifier          Notifier

	locks *keyedMutex
}

// NewService creates a payout service.
func NewService(reg Registry, wx WeatherSource, settler Settler, opts Options) *Service {
	if opts.SettlementTimeout <= 0 {
		opts.SettlementTimeout = defaultSettlementTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewForTesting()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		registry:          reg,
		weather:           wx,
		settler:           settler,
		minQuality:        opts.MinQuality,
		settlementTimeout: opts.SettlementTimeout,
		clock:             opts.Clock,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		notifier:          opts.Notifier,
		locks:             newKeyedMutex(),
	}
}

// Evaluate runs the payout cycle for one policy.
//
// Ineligible policies and missing evidence are not errors. The returned
// error is non-nil for an unknown policy, a provider authorization failure,
// a store failure, or a failed settlement (*SettlementError, possibly joined
// with others when several triggers failed). Result is always non-nil.
func (s *Service) Evaluate(ctx context.Context, policyID string) (*Result, error) {
	now := s.clock.Now()
	res := &Result{PolicyID: policyID, Decisions: []Decision{}, EvaluatedAt: now}

	p, err := s.registry.Get(ctx, policyID)
	if err != nil {
		res.Outcome = OutcomeFailed
		s.metrics.Evaluations.WithLabelValues(res.Outcome).Inc()
		return res, fmt.Errorf("load policy %s: %w", policyID, err)
	}

	if !p.InForce(now) {
		return s.finish(res, OutcomeNotEligible, nil)
	}

	crop, ok := s.registry.CropType(p.CropTypeID)
	if !ok {
		return s.finish(res, OutcomeFailed, fmt.Errorf("policy %s crop %q: %w", p.ID, p.CropTypeID, ErrUnknownCrop))
	}

	readings, err := s.fetchEvidence(ctx, p, now)
	if err != nil {
		return s.finish(res, OutcomeNoData, err)
	}
	if len(readings) == 0 {
		s.logger.Info("no weather data for policy", "policy_id", p.ID, "device_id", p.Location.DeviceID)
		return s.finish(res, OutcomeNoData, nil)
	}

	assessment := analysis.Analyze(readings, analysis.ThresholdsFor(crop))
	res.Assessment = &assessment
	if !assessment.HasTriggers() {
		return s.finish(res, OutcomeNoTrigger, nil)
	}

	hash := EvidenceHash(readings)
	var errs []error
	for _, tr := range assessment.Triggers {
		s.metrics.TriggersFired.WithLabelValues(tr.Type, tr.Severity).Inc()

		d, err := s.decide(ctx, p, tr, hash)
		res.Decisions = append(res.Decisions, d)
		if err != nil {
			errs = append(errs, err)
		}
		if s.notifier != nil {
			s.notifier.PayoutDecided(ctx, d)
		}
	}

	return s.finish(res, outcomeOf(res.Decisions), errors.Join(errs...))
}

func (s *Service) finish(res *Result, outcome string, err error) (*Result, error) {
	res.Outcome = outcome
	s.metrics.Evaluations.WithLabelValues(outcome).Inc()
	return res, err
}

func outcomeOf(decisions []Decision) string {
	completed := false
	for _, d := range decisions {
		switch d.Status {
		case DecisionFailed:
			return OutcomeFailed
		case DecisionCompleted:
			completed = true
		}
	}
	if completed {
		return OutcomeProcessed
	}
	return OutcomeSuppressed
}

// fetchEvidence returns the evidence window for p. Provider outages are a
// recoverable skip and come back as no readings; only cancellation and
// authorization failures are errors.
func (s *Service) fetchEvidence(ctx context.Context, p *model.Policy, now time.Time) ([]model.WeatherReading, error) {
	end := now.Truncate(time.Minute)
	start := end.Add(-EvidenceWindow)

	readings, err := s.weather.GetHistory(ctx, p.Location.DeviceID, start, end, weather.GranularityHourly)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case weather.IsUnauthorized(err):
		s.metrics.ProviderAlerts.Inc()
		s.logger.Error("weather provider authorization failure", "policy_id", p.ID, "device_id", p.Location.DeviceID, "err", err)
		return nil, err
	default:
		s.logger.Warn("skipping policy: weather data unavailable", "policy_id", p.ID, "device_id", p.Location.DeviceID, "err", err)
		return nil, nil
	}

	if s.minQuality > 0 {
		kept := analysis.FilterByQuality(readings, s.minQuality)
		if dropped := len(readings) - len(kept); dropped > 0 {
			s.logger.Debug("dropped low-quality readings", "policy_id", p.ID, "dropped", dropped, "min_quality", s.minQuality)
		}
		readings = kept
	}
	return readings, nil
}

// decide handles one trigger under the (policy, trigger) lock.
func (s *Service) decide(ctx context.Context, p *model.Policy, tr analysis.Trigger, hash string) (Decision, error) {
	unlock := s.locks.Lock(p.ID + "|" + tr.Type)
	defer unlock()

	now := s.clock.Now()
	d := Decision{
		PolicyID:     p.ID,
		FarmerID:     p.FarmerID,
		Trigger:      tr,
		Amount:       decimal.Zero,
		EvidenceHash: hash,
		DecidedAt:    now,
	}

	last, err := s.registry.LastCompletedPayout(ctx, p.ID, tr.Type)
	switch {
	case err == nil && now.Sub(last.Timestamp) < DuplicateWindow:
		d.Status = DecisionSuppressed
		s.metrics.PayoutsTotal.WithLabelValues(tr.Type, DecisionSuppressed).Inc()
		s.logger.Info("payout suppressed: already paid within window",
			"policy_id", p.ID, "trigger", tr.Type, "last_payout", last.Timestamp)
		return d, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		d.Status = DecisionFailed
		d.Error = err.Error()
		return d, fmt.Errorf("payout history for policy %s trigger %s: %w", p.ID, tr.Type, err)
	}

	amount := ComputeAmount(p.CoverageAmount, tr.Type, tr.Severity)
	rec := &model.PayoutRecord{
		ID:              uuid.NewString(),
		PolicyID:        p.ID,
		TriggerType:     tr.Type,
		Severity:        tr.Severity,
		PayoutAmount:    decimal.Zero,
		WeatherDataHash: hash,
		Timestamp:       now,
	}

	// From here on the transfer may move funds: the outcome is recorded even
	// if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	txID, settleErr := s.settle(ctx, p, tr.Type, amount, hash, now)
	if settleErr != nil {
		rec.Status = model.PayoutFailed
		rec.Error = settleErr.Error()
		if err := s.registry.RecordClaim(ctx, rec); err != nil {
			s.logger.Error("record failed payout", "policy_id", p.ID, "trigger", tr.Type, "err", err)
		}
		s.metrics.PayoutsTotal.WithLabelValues(tr.Type, DecisionFailed).Inc()
		s.logger.Error("settlement failed", "policy_id", p.ID, "trigger", tr.Type, "amount", amount.String(), "err", settleErr)

		d.Status = DecisionFailed
		d.Error = settleErr.Error()
		d.Record = rec
		return d, &SettlementError{PolicyID: p.ID, Trigger: tr.Type, Err: settleErr}
	}

	rec.Status = model.PayoutCompleted
	rec.PayoutAmount = amount
	rec.TransactionID = txID
	d.Amount = amount
	d.Record = rec

	if err := s.registry.RecordClaim(ctx, rec); err != nil {
		// Funds have moved; the record must be reconciled by hand.
		s.logger.Error("settled payout could not be recorded",
			"policy_id", p.ID, "trigger", tr.Type, "transaction_id", txID, "err", err)
		d.Status = DecisionFailed
		d.Error = err.Error()
		return d, fmt.Errorf("record payout for policy %s trigger %s: %w", p.ID, tr.Type, err)
	}

	d.Status = DecisionCompleted
	s.metrics.PayoutsTotal.WithLabelValues(tr.Type, DecisionCompleted).Inc()
	s.metrics.PayoutAmount.WithLabelValues(tr.Type).Add(amount.InexactFloat64())
	s.logger.Info("payout settled",
		"policy_id", p.ID, "trigger", tr.Type, "severity", tr.Severity,
		"amount", amount.String(), "transaction_id", txID)
	return d, nil
}

// settle submits the transfer under the per-policy settlement timeout. ctx
// must already be detached from request cancellation.
func (s *Service) settle(ctx context.Context, p *model.Policy, trigger string, amount decimal.Decimal, hash string, now time.Time) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.settlementTimeout)
	defer cancel()

	start := s.clock.Now()
	txID, err := s.settler.Settle(sctx, settlement.Transfer{
		PayeeAddress: p.FarmerAddress,
		Amount:       amount,
		EvidenceHash: hash,
		Reference:    settlement.NewReference(p.ID, trigger, now).String(),
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.SettlementCalls.WithLabelValues(status).Observe(s.clock.Since(start).Seconds())
	return txID, err
}
