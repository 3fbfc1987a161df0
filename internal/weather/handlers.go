package weather

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/microcrop/trigger-engine/internal/model"
)

const (
	// DefaultNearbyRadiusKm applies when a nearby lookup names no radius.
	DefaultNearbyRadiusKm = 10.0

	// MaxNearbyRadiusKm bounds a nearby lookup.
	MaxNearbyRadiusKm = 100.0
)

// Reader is the part of Client the operator endpoints need.
type Reader interface {
	GetCurrent(ctx context.Context, deviceID string) (model.WeatherReading, error)
	FindNearby(ctx context.Context, lat, lng, radiusKm float64) ([]model.DeviceDescriptor, error)
}

// Handler serves station lookups for operators.
type Handler struct {
	reader Reader
}

// NewHandler creates the station endpoints over reader.
func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// Routes mounts the station endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/devices/nearby", h.Nearby)
	r.Get("/devices/{deviceID}/current", h.Current)
}

// Current handles GET /api/v1/devices/{deviceID}/current
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	reading, err := h.reader.GetCurrent(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// Nearby handles GET /api/v1/devices/nearby?lat=&lng=&radius_km=
func (h *Handler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		writeError(w, "lat and lng are required coordinates", http.StatusBadRequest)
		return
	}

	radius := DefaultNearbyRadiusKm
	if v := q.Get("radius_km"); v != "" {
		var err error
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 || radius > MaxNearbyRadiusKm {
			writeError(w, "radius_km must be in (0, 100]", http.StatusBadRequest)
			return
		}
	}

	devices, err := h.reader.FindNearby(r.Context(), lat, lng, radius)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lat":       lat,
		"lng":       lng,
		"radius_km": radius,
		"devices":   devices,
	})
}

func writeProviderError(w http.ResponseWriter, err error) {
	var se *StatusError
	switch {
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		writeError(w, "device not found", http.StatusNotFound)
	case IsUnavailable(err):
		writeError(w, "weather provider unavailable", http.StatusServiceUnavailable)
	case IsUnauthorized(err):
		writeError(w, "weather provider rejected credentials", http.StatusBadGateway)
	default:
		writeError(w, "weather lookup failed", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
