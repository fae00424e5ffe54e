// Package httpapi is the local control surface for the headless driver
// agent: health, metrics, current state, and manual driver actions. It
// binds to localhost in typical deployments; it is not the patient-facing
// backend, which lives elsewhere.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambu-dispatch/internal/api"
	"github.com/example/ambu-dispatch/internal/driver"
	"github.com/example/ambu-dispatch/internal/models"
	"github.com/example/ambu-dispatch/internal/triplog"
)

// LegEstimator computes a single driver-to-pickup leg for list views. It is
// backed by a shorter-TTL cache than the accepted-ride route estimator since
// the available list churns quickly.
type LegEstimator interface {
	EstimateLeg(ctx context.Context, from, to models.Coord) (minutes int, km float64)
}

type Server struct {
	machine *driver.Machine
	trips   triplog.Log
	legs    LegEstimator
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(machine *driver.Machine, trips triplog.Log, legs LegEstimator, logger *slog.Logger) *Server {
	s := &Server{machine: machine, trips: trips, legs: legs, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.mux.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.mux.HandleFunc("/trips", s.handleTrips).Methods("GET")

	s.mux.HandleFunc("/driver/toggle", s.handleToggle).Methods("POST")
	s.mux.HandleFunc("/driver/location", s.handleLocation).Methods("POST")

	s.mux.HandleFunc("/rides", s.handleRides).Methods("GET")
	s.mux.HandleFunc("/rides/refresh", s.handleRefresh).Methods("POST")
	s.mux.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/rides/{ride_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/rides/{ride_id}/status", s.handleStatusUpdate).Methods("POST")
	s.mux.HandleFunc("/rides/{ride_id}/otp", s.handleOTP).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.machine.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTrips(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	trips, err := s.trips.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.ToggleOnline(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.machine.UpdateLocation(loc)
	w.WriteHeader(http.StatusNoContent)
}

// rideView is an available ride enriched with the driver-to-pickup leg.
type rideView struct {
	models.Ride
	ToPickupMin int     `json:"toPickup"`
	PickupKm    float64 `json:"pickupDistance"`
}

func (s *Server) handleRides(w http.ResponseWriter, r *http.Request) {
	snap := s.machine.Snapshot()
	views := make([]rideView, 0, len(snap.Available))
	for _, ride := range snap.Available {
		v := rideView{Ride: ride}
		if s.legs != nil {
			v.ToPickupMin, v.PickupKm = s.legs.EstimateLeg(r.Context(), snap.Location, ride.Pickup.Coord())
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": views})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.FetchAvailableRides(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if err := s.machine.AcceptRide(r.Context(), rideID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.machine.RejectRide(mux.Vars(r)["ride_id"])
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		Status models.RideStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.machine.UpdateRideStatus(r.Context(), rideID, body.Status); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.machine.VerifyPickupOTP(r.Context(), rideID, body.Code); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "verified"})
}

// writeError maps the client error taxonomy onto control-API status codes
// with an actionable message, never a raw stack.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	var ve *api.ValidationError
	var ae *api.AuthError
	var ne *api.NetworkError
	var se *api.ServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &ae):
		status = http.StatusUnauthorized
		msg = "session expired, sign in again"
	case errors.As(err, &ne):
		status = http.StatusBadGateway
		msg = "backend unreachable, check connectivity"
	case errors.As(err, &se):
		status = se.Status
		msg = se.Message
	case errors.Is(err, driver.ErrRideInProgress):
		status = http.StatusConflict
	}

	s.logger.Warn("control api error", "status", status, "error", err, "kind", api.Kind(err))
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
