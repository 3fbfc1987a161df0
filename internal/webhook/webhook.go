// Package webhook ingests signed weather alerts pushed by the provider and
// runs the affected policies through the payout cycle.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/microcrop/trigger-engine/internal/metrics"
	"github.com/microcrop/trigger-engine/internal/model"
	"github.com/microcrop/trigger-engine/internal/payout"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
	SignatureHeader = "X-Signature"

	// MaxBodyBytes bounds the alert body.
	MaxBodyBytes = 1 << 20

	// DefaultRadiusKm is the location fallback radius.
	DefaultRadiusKm = 10.0

	// DefaultPolicyTimeout bounds one policy's payout cycle.
	DefaultPolicyTimeout = 45 * time.Second

	// DefaultConcurrency is how many policies of one alert are evaluated
	// at once.
	DefaultConcurrency = 4
)

var errMissingTarget = errors.New("webhook: alert has neither device_id nor location")

// Alert is a provider weather-event payload.
type Alert struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"device_id"`
	Location *AlertLocation  `json:"location,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// AlertLocation is the point an alert refers to.
type AlertLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Resolver finds the policies an alert affects.
type Resolver interface {
	ResolveByDevice(ctx context.Context, deviceID string, now time.Time) ([]model.Policy, error)
	ResolveByLocation(ctx context.Context, lat, lng, radiusKm float64, now time.Time) ([]model.Policy, error)
}

// Evaluator runs the payout cycle for one policy.
type Evaluator interface {
	Evaluate(ctx context.Context, policyID string) (*payout.Result, error)
}

// PolicyOutcome is the per-policy line of a Summary.
type PolicyOutcome struct {
	PolicyID string `json:"policy_id"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// Summary is the response body for an accepted alert.
type Summary struct {
	Type     string          `json:"type"`
	DeviceID string          `json:"device_id,omitempty"`
	Policies int             `json:"policies"`
	Results  []PolicyOutcome `json:"results"`
	Errors   int             `json:"errors"`
}

// Options configures a Handler.
type Options struct {
	RadiusKm float64
	// PolicyTimeout bounds each policy's evaluation independently of the
	// request deadline.
	PolicyTimeout time.Duration
	Concurrency   int
	Clock         clockwork.Clock
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Handler serves POST /webhooks/weather-alerts.
type Handler struct {
	secret        []byte
	resolver      Resolver
	eval          Evaluator
	radiusKm      float64
	policyTimeout time.Duration
	concurrency   int
	clock         clockwork.Clock
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewHandler creates the alert handler. An empty secret rejects every
// delivery.
func NewHandler(secret []byte, resolver Resolver, eval Evaluator, opts Options) *Handler {
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = DefaultRadiusKm
	}
	if opts.PolicyTimeout <= 0 {
		opts.PolicyTimeout = DefaultPolicyTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
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
	return &Handler{
		secret:        secret,
		resolver:      resolver,
		eval:          eval,
		radiusKm:      opts.RadiusKm,
		policyTimeout: opts.PolicyTimeout,
		concurrency:   opts.Concurrency,
		clock:         opts.Clock,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		h.reject(w, "invalid", "read body error", http.StatusBadRequest)
		return
	}
	if len(body) > MaxBodyBytes {
		h.reject(w, "invalid", "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !Verify(h.secret, body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		h.reject(w, "unauthorized", "invalid signature", http.StatusUnauthorized)
		return
	}

	var alert Alert
	if err := json.Unmarshal(body, &alert); err != nil {
		h.reject(w, "invalid", "invalid alert payload", http.StatusBadRequest)
		return
	}

	policies, err := h.resolve(r.Context(), alert)
	if errors.Is(err, errMissingTarget) {
		h.reject(w, "invalid", err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("webhook: resolve policies", "type", alert.Type, "device_id", alert.DeviceID, "err", err)
		h.reject(w, "failed", "failed to resolve policies", http.StatusInternalServerError)
		return
	}

	summary := Summary{
		Type:     alert.Type,
		DeviceID: alert.DeviceID,
		Policies: len(policies),
		Results:  h.evaluateAll(r.Context(), alert.Type, policies),
	}
	for _, line := range summary.Results {
		if line.Error != "" {
			summary.Errors++
		}
	}

	h.logger.Info("weather alert processed",
		"type", alert.Type,
		"device_id", alert.DeviceID,
		"policies", summary.Policies,
		"errors", summary.Errors,
	)

	status, result := http.StatusOK, "accepted"
	if summary.Errors > 0 {
		status, result = http.StatusInternalServerError, "failed"
	}
	h.metrics.WebhookRequests.WithLabelValues(result).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(summary)
}

// evaluateAll runs every policy on its own deadline, detached from the
// request. Results keep the order of policies.
func (h *Handler) evaluateAll(ctx context.Context, alertType string, policies []model.Policy) []PolicyOutcome {
	base := context.WithoutCancel(ctx)
	results := make([]PolicyOutcome, len(policies))

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, p := range policies {
		i, p := i, p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(base, h.policyTimeout)
			defer cancel()

			line := PolicyOutcome{PolicyID: p.ID}
			res, err := h.eval.Evaluate(pctx, p.ID)
			if res != nil {
				line.Outcome = res.Outcome
			}
			if err != nil {
				line.Error = err.Error()
				h.logger.Error("webhook: policy evaluation failed", "policy_id", p.ID, "type", alertType, "err", err)
			}
			results[i] = line
			return nil
		})
	}
	g.Wait()
	return results
}

// resolve returns policies observed by the alert's device, falling back to
// policies near its location.
func (h *Handler) resolve(ctx context.Context, a Alert) ([]model.Policy, error) {
	now := h.clock.Now()
	if a.DeviceID == "" && a.Location == nil {
		return nil, errMissingTarget
	}
	if a.DeviceID != "" {
		ps, err := h.resolver.ResolveByDevice(ctx, a.DeviceID, now)
		if err != nil || len(ps) > 0 || a.Location == nil {
			return ps, err
		}
	}
	return h.resolver.ResolveByLocation(ctx, a.Location.Lat, a.Location.Lng, h.radiusKm, now)
}

func (h *Handler) reject(w http.ResponseWriter, result, message string, status int) {
	h.metrics.WebhookRequests.WithLabelValues(result).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body in constant time. An empty
// secret or signature never verifies.
func Verify(secret, body []byte, signature string) bool {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if len(secret) == 0 || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(secret, body)))
}
