package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/microcrop/trigger-engine/internal/model"
	"github.com/microcrop/trigger-engine/internal/payout"
	"github.com/microcrop/trigger-engine/internal/store"
)

// Evaluator runs the payout cycle for one policy.
type Evaluator interface {
	Evaluate(ctx context.Context, policyID string) (*payout.Result, error)
}

// Handler serves the operator API over the registry.
type Handler struct {
	svc  *Service
	eval Evaluator
}

// NewHandler creates the operator API handlers. eval may be nil, in which
// case manual evaluation is unavailable.
func NewHandler(svc *Service, eval Evaluator) *Handler {
	return &Handler{svc: svc, eval: eval}
}

// Routes mounts the operator endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/policies", h.CreatePolicy)
	r.Get("/policies/{policyID}", h.GetPolicy)
	r.Patch("/policies/{policyID}/status", h.UpdateStatus)
	r.Get("/policies/{policyID}/payouts", h.ListPayouts)
	r.Post("/policies/{policyID}/evaluate", h.Evaluate)
	r.Get("/farmers/{farmerID}", h.GetFarmer)
	r.Get("/farmers/{farmerID}/policies", h.ListFarmerPolicies)
	r.Get("/stats", h.Stats)
	r.Get("/crops", h.ListCrops)
}

// policyView adds the time-derived status to a stored policy.
type policyView struct {
	*model.Policy
	EffectiveStatus string `json:"effective_status"`
}

// UpdateStatusRequest is the JSON body for PATCH /policies/{policyID}/status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// CreatePolicy handles POST /api/v1/policies
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.svc.Create(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidPolicy), errors.Is(err, ErrUnknownCrop):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrFarmerExposureExceeded), errors.Is(err, ErrAreaExposureExceeded),
		errors.Is(err, store.ErrAlreadyExists):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		writeError(w, "failed to create policy", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, policyView{Policy: p, EffectiveStatus: p.EffectiveStatus(h.svc.clock.Now())})
}

// GetPolicy handles GET /api/v1/policies/{policyID}
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeStoreError(w, err, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, policyView{Policy: p, EffectiveStatus: p.EffectiveStatus(h.svc.clock.Now())})
}

// UpdateStatus handles PATCH /api/v1/policies/{policyID}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.svc.UpdateStatus(r.Context(), chi.URLParam(r, "policyID"), req.Status)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidStatus):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
		return
	default:
		writeStoreError(w, err, "policy not found")
		return
	}
	writeJSON(w, http.StatusOK, policyView{Policy: p, EffectiveStatus: p.EffectiveStatus(h.svc.clock.Now())})
}

// ListPayouts handles GET /api/v1/policies/{policyID}/payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Payouts(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeStoreError(w, err, "policy not found")
		return
	}
	if recs == nil {
		recs = []model.PayoutRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Evaluate handles POST /api/v1/policies/{policyID}/evaluate
// Runs the same payout cycle as the scheduled sweep.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	if h.eval == nil {
		writeError(w, "evaluation not configured", http.StatusServiceUnavailable)
		return
	}

	res, err := h.eval.Evaluate(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "policy not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusBadGateway, struct {
			*payout.Result
			Error string `json:"error"`
		}{res, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetFarmer handles GET /api/v1/farmers/{farmerID}
func (h *Handler) GetFarmer(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.Farmer(r.Context(), chi.URLParam(r, "farmerID"))
	if err != nil {
		writeStoreError(w, err, "farmer not found")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// ListFarmerPolicies handles GET /api/v1/farmers/{farmerID}/policies
func (h *Handler) ListFarmerPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.svc.ListByFarmer(r.Context(), chi.URLParam(r, "farmerID"))
	if err != nil {
		writeError(w, "failed to list policies", http.StatusInternalServerError)
		return
	}

	now := h.svc.clock.Now()
	views := make([]policyView, 0, len(policies))
	for i := range policies {
		views = append(views, policyView{Policy: &policies[i], EffectiveStatus: policies[i].EffectiveStatus(now)})
	}
	writeJSON(w, http.StatusOK, views)
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context(), h.svc.clock.Now())
	if err != nil {
		writeError(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListCrops handles GET /api/v1/crops
func (h *Handler) ListCrops(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Crops())
}

func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	writeError(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
