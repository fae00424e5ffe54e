// Package driver holds the umbrella state machine for the driver agent:
// online presence, ride visibility, and active-ride progression. It models
// the whole lifecycle as one explicit machine instead of independently
// reacting flags, and it never applies a ride status locally before the
// server confirms it.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ambu-dispatch/internal/api"
	"github.com/example/ambu-dispatch/internal/models"
	"github.com/example/ambu-dispatch/internal/observability"
	"github.com/example/ambu-dispatch/internal/session"
)

type State int

const (
	Offline State = iota
	OnlineSearching
	OnlineRideAccepted
)

func (s State) String() string {
	switch s {
	case OnlineSearching:
		return "online_searching"
	case OnlineRideAccepted:
		return "online_ride_accepted"
	default:
		return "offline"
	}
}

// ErrRideInProgress is returned when an operation is blocked by the
// currently accepted ride, e.g. toggling offline mid-trip.
var ErrRideInProgress = errors.New("driver: ride in progress")

// Backend is the slice of the API client the machine depends on.
type Backend interface {
	DriverProfile(ctx context.Context) (models.DriverProfile, error)
	SetOnlineStatus(ctx context.Context, online bool) error
	DriverRides(ctx context.Context) ([]models.Ride, error)
	AcceptRide(ctx context.Context, rideID string) (models.Ride, error)
	UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus) (models.Ride, error)
	DriverStats(ctx context.Context) (models.DriverStats, error)
}

// RouteEstimator computes the two-leg route for an accepted ride. It never
// fails; fallback values are part of its contract.
type RouteEstimator interface {
	Estimate(ctx context.Context, origin, pickup, drop models.Coord) models.DirectionsResult
}

// SearchGate is the duty-cycle controller deciding when polling is allowed.
type SearchGate interface {
	Start(now time.Time)
	Stop()
	SetRidesVisible(visible bool, now time.Time)
	IsSearching() bool
	MaxReached() bool
}

// TripLog records completed trips. Optional.
type TripLog interface {
	Record(ctx context.Context, t models.TripRecord) error
}

// FareProcessor places and settles fare holds. Optional.
type FareProcessor interface {
	Hold(ctx context.Context, amount int64, rideID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// LifecycleSink receives ride lifecycle events for fleet telemetry. Optional.
type LifecycleSink interface {
	RideEvent(ctx context.Context, event string, ride models.Ride) error
}

// Config carries the machine's timing knobs.
type Config struct {
	// AuthCheckDelay defers the post-online profile sanity check so rapid
	// toggling cannot race it.
	AuthCheckDelay time.Duration
	// RefreshDelay spaces the available-rides refetch away from the state
	// clear after completion.
	RefreshDelay time.Duration
}

// Machine owns all driver-side in-memory state exclusively. Every operation
// either fully succeeds (server-confirmed state applied) or fully fails
// (state unchanged, classified error surfaced).
type Machine struct {
	backend Backend
	est     RouteEstimator
	gate    SearchGate
	sess    session.Store
	log     *slog.Logger
	cfg     Config

	trips    TripLog
	fares    FareProcessor
	events   LifecycleSink
	onNotify func(level, msg string)

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer

	fetching atomic.Bool // in-flight guard for FetchAvailableRides
	toggleMu sync.Mutex  // serializes presence transitions

	mu           sync.Mutex
	online       bool
	profile      models.DriverProfile
	location     models.Coord
	available    []models.Ride
	accepted     *models.Ride
	tripStarted  bool
	destination  *models.Coord
	route        *models.DirectionsResult
	holdID       string
	authTimer    *time.Timer
	refreshTimer *time.Timer
}

func NewMachine(backend Backend, est RouteEstimator, gate SearchGate, sess session.Store, cfg Config, log *slog.Logger) *Machine {
	m := &Machine{
		backend:   backend,
		est:       est,
		gate:      gate,
		sess:      sess,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
	m.onNotify = func(level, msg string) { log.Info("notify", "level", level, "msg", msg) }
	return m
}

// SetTripLog, SetFareProcessor, SetLifecycleSink and SetNotifier attach the
// optional collaborators; nil is allowed and means disabled.
func (m *Machine) SetTripLog(t TripLog)             { m.trips = t }
func (m *Machine) SetFareProcessor(f FareProcessor) { m.fares = f }
func (m *Machine) SetLifecycleSink(s LifecycleSink) { m.events = s }
func (m *Machine) SetNotifier(f func(level, msg string)) {
	if f != nil {
		m.onNotify = f
	}
}

// State derives the lifecycle state from the owned flags.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	switch {
	case !m.online:
		return Offline
	case m.accepted != nil:
		return OnlineRideAccepted
	default:
		return OnlineSearching
	}
}

// ToggleOnline flips the driver's presence. The backend status endpoint is
// called exactly once per actual transition; on failure the local flag is
// reverted so local and remote stay convergent. Going online schedules a
// deferred profile check; if the stored token no longer resolves a valid
// profile the machine forces itself back offline and tells the user to log
// in again. Toggling is blocked while a ride is accepted. Concurrent toggles
// serialize: each one observes the previous transition's outcome, so a rapid
// on/off pair ends offline and the backend sees one push per transition.
func (m *Machine) ToggleOnline(ctx context.Context) error {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.Lock()
	if m.accepted != nil {
		m.mu.Unlock()
		return ErrRideInProgress
	}
	target := !m.online
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	m.mu.Unlock()

	if err := m.backend.SetOnlineStatus(ctx, target); err != nil {
		return fmt.Errorf("set online status: %w", err)
	}

	m.mu.Lock()
	m.online = target
	if target {
		m.gate.Start(m.now())
		m.authTimer = m.afterFunc(m.cfg.AuthCheckDelay, m.deferredAuthCheck)
		observability.OnlineGauge.Set(1)
	} else {
		m.gate.Stop()
		m.available = nil
		observability.OnlineGauge.Set(0)
	}
	m.mu.Unlock()

	m.log.Info("online status changed", "online", target)
	return nil
}

// deferredAuthCheck verifies the stored token still resolves a valid
// profile. It runs once per online transition, after the debounce delay.
func (m *Machine) deferredAuthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	profile, err := m.backend.DriverProfile(ctx)
	if err == nil {
		m.mu.Lock()
		m.profile = profile
		m.mu.Unlock()
		return
	}

	var ae *api.AuthError
	if errors.As(err, &ae) && ae.Refreshed {
		// Token was refreshed under us; one retry is the contract.
		if profile, err = m.backend.DriverProfile(ctx); err == nil {
			m.mu.Lock()
			m.profile = profile
			m.mu.Unlock()
			return
		}
	}

	m.log.Warn("post-online auth check failed, forcing offline", "error", err)
	m.mu.Lock()
	m.online = false
	m.gate.Stop()
	m.available = nil
	observability.OnlineGauge.Set(0)
	m.mu.Unlock()
	_ = m.backend.SetOnlineStatus(ctx, false)
	m.onNotify("error", "Your session expired. Please log in again.")
}

// FetchAvailableRides polls the backend for visible rides. A second call
// while one is in flight is a no-op. The local set is replaced wholesale,
// filtered to rides still searching for a driver; the backend is the source
// of truth and the list is small.
func (m *Machine) FetchAvailableRides(ctx context.Context) error {
	if !m.fetching.CompareAndSwap(false, true) {
		observability.PollsSkipped.Inc()
		return nil
	}
	defer m.fetching.Store(false)

	observability.PollsTotal.Inc()
	rides, err := m.backend.DriverRides(ctx)
	if err != nil {
		m.log.Warn("fetch available rides failed", "error", err, "kind", api.Kind(err))
		return err
	}

	visible := rides[:0]
	for _, r := range rides {
		if models.NormalizeStatus(r.Status) == models.StatusSearchingForRider {
			visible = append(visible, r)
		}
	}

	m.mu.Lock()
	if m.online && m.accepted == nil {
		m.available = append([]models.Ride(nil), visible...)
		m.gate.SetRidesVisible(len(visible) > 0, m.now())
	}
	m.mu.Unlock()
	return nil
}

// AcceptRide claims a visible ride. Only a server-confirmed accept mutates
// state: the accepted ride is set, the visible list cleared, the search gate
// stopped, and the route to pickup and drop estimated. A conflict (someone
// else took it) leaves everything unchanged and surfaces the server error.
func (m *Machine) AcceptRide(ctx context.Context, rideID string) error {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return &api.ValidationError{Field: "state", Reason: "driver is offline"}
	}
	if m.accepted != nil {
		m.mu.Unlock()
		return ErrRideInProgress
	}
	origin := m.location
	m.mu.Unlock()

	ride, err := m.backend.AcceptRide(ctx, rideID)
	if err != nil {
		var se *api.ServerError
		if errors.As(err, &se) && se.Conflict() {
			observability.AcceptConflicts.Inc()
			m.onNotify("warn", "That ride was already taken by another driver.")
		}
		return err
	}
	ride.Status = models.NormalizeStatus(ride.Status)

	route := m.est.Estimate(ctx, origin, ride.Pickup.Coord(), ride.Drop.Coord())
	dest := ride.Pickup.Coord()

	m.mu.Lock()
	m.accepted = &ride
	m.available = nil
	m.tripStarted = false
	m.destination = &dest
	m.route = &route
	m.gate.Stop()
	m.mu.Unlock()

	observability.RidesAccepted.Inc()
	m.log.Info("ride accepted", "ride_id", ride.ID, "eta_pickup_min", route.ToPickupMin)
	m.emitRideEvent(ctx, "accepted", ride)
	m.placeFareHold(ctx, ride)
	return nil
}

// RejectRide is a purely local dismissal: the ride disappears from this
// driver's visible set, no server round-trip. The backend remains the
// source of truth for what other drivers see.
func (m *Machine) RejectRide(rideID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.available[:0]
	for _, r := range m.available {
		if r.ID != rideID {
			kept = append(kept, r)
		}
	}
	m.available = kept
	m.gate.SetRidesVisible(len(kept) > 0, m.now())
}

// UpdateRideStatus asks the server to transition the accepted ride and
// applies only the ride object the server returns. COMPLETED tears down the
// active-ride state, settles the fare hold, journals the trip, and schedules
// a deliberately delayed refresh of available rides so the fetch cannot race
// the state clear.
func (m *Machine) UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus) error {
	m.mu.Lock()
	if m.accepted == nil || m.accepted.ID != rideID {
		m.mu.Unlock()
		return &api.ValidationError{Field: "rideID", Reason: "no such accepted ride"}
	}
	m.mu.Unlock()

	ride, err := m.backend.UpdateRideStatus(ctx, rideID, status)
	if err != nil {
		return err
	}
	ride.Status = models.NormalizeStatus(ride.Status)

	switch ride.Status {
	case models.StatusCompleted:
		m.completeRide(ctx, ride)
	case models.StatusStart, models.StatusArrived:
		m.mu.Lock()
		m.accepted = &ride
		m.tripStarted = true
		m.mu.Unlock()
		m.emitRideEvent(ctx, string(ride.Status), ride)
	default:
		m.mu.Lock()
		m.accepted = &ride
		m.mu.Unlock()
	}
	return nil
}

func (m *Machine) completeRide(ctx context.Context, ride models.Ride) {
	m.mu.Lock()
	holdID := m.holdID
	m.holdID = ""
	m.accepted = nil
	m.destination = nil
	m.route = nil
	m.tripStarted = false
	online := m.online
	if online {
		m.gate.Start(m.now())
	}
	m.mu.Unlock()

	observability.RidesCompleted.Inc()
	m.log.Info("ride completed", "ride_id", ride.ID, "fare", ride.Fare)

	if err := m.sess.ClearOTP(ctx, ride.ID); err != nil {
		m.log.Warn("clear otp flag failed", "ride_id", ride.ID, "error", err)
	}
	if m.fares != nil && holdID != "" {
		if err := m.fares.Capture(ctx, holdID); err != nil {
			m.log.Error("fare capture failed", "ride_id", ride.ID, "error", err)
		}
	}
	if m.trips != nil {
		userID, _, _ := m.sess.Identity(ctx)
		rec := models.TripRecord{
			RideID:      ride.ID,
			DriverID:    userID,
			Pickup:      ride.Pickup,
			Drop:        ride.Drop,
			Fare:        ride.Fare,
			Vehicle:     ride.Vehicle,
			RequestedAt: ride.CreatedAt,
			CompletedAt: m.now(),
		}
		if err := m.trips.Record(ctx, rec); err != nil {
			m.log.Warn("trip log write failed", "ride_id", ride.ID, "error", err)
		}
	}
	m.emitRideEvent(ctx, "completed", ride)

	if online {
		t := m.afterFunc(m.cfg.RefreshDelay, func() {
			fetchCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := m.FetchAvailableRides(fetchCtx); err != nil {
				m.log.Warn("post-completion refresh failed", "error", err)
			}
		})
		m.mu.Lock()
		m.refreshTimer = t
		m.mu.Unlock()
	}
}

// VerifyPickupOTP checks the code the patient was given against the
// accepted ride and persists the verified flag for the ride.
func (m *Machine) VerifyPickupOTP(ctx context.Context, rideID, code string) error {
	m.mu.Lock()
	accepted := m.accepted
	m.mu.Unlock()
	if accepted == nil || accepted.ID != rideID {
		return &api.ValidationError{Field: "rideID", Reason: "no such accepted ride"}
	}
	if code == "" || code != accepted.OTP {
		return &api.ValidationError{Field: "otp", Reason: "code does not match"}
	}
	if err := m.sess.SetOTPVerified(ctx, rideID); err != nil {
		return fmt.Errorf("persist otp flag: %w", err)
	}
	m.log.Info("pickup otp verified", "ride_id", rideID)
	return nil
}

// UpdateLocation records the driver's current position, used as the route
// origin and fed to telemetry by the agent loop.
func (m *Machine) UpdateLocation(loc models.Coord) {
	m.mu.Lock()
	m.location = loc
	m.mu.Unlock()
}

func (m *Machine) placeFareHold(ctx context.Context, ride models.Ride) {
	if m.fares == nil || ride.Fare <= 0 {
		return
	}
	amount := int64(ride.Fare * 100)
	holdID, err := m.fares.Hold(ctx, amount, ride.ID)
	if err != nil {
		// Advisory: dispatch continues, settlement falls back to the backend.
		m.log.Warn("fare hold failed", "ride_id", ride.ID, "error", err)
		return
	}
	m.mu.Lock()
	m.holdID = holdID
	m.mu.Unlock()
}

func (m *Machine) emitRideEvent(ctx context.Context, event string, ride models.Ride) {
	if m.events == nil {
		return
	}
	if err := m.events.RideEvent(ctx, event, ride); err != nil {
		m.log.Debug("lifecycle event publish failed", "event", event, "error", err)
	}
}

// Stats fetches the driver's aggregate stats from the backend.
func (m *Machine) Stats(ctx context.Context) (models.DriverStats, error) {
	return m.backend.DriverStats(ctx)
}

// Snapshot is a consistent copy of the machine's state for the control API.
type Snapshot struct {
	State       string                   `json:"state"`
	Online      bool                     `json:"online"`
	Profile     models.DriverProfile     `json:"profile"`
	Location    models.Coord             `json:"location"`
	Available   []models.Ride            `json:"available_rides"`
	Accepted    *models.Ride             `json:"accepted_ride"`
	TripStarted bool                     `json:"trip_started"`
	Destination *models.Coord            `json:"destination"`
	Route       *models.DirectionsResult `json:"route"`
	Searching   bool                     `json:"searching"`
	MaxReached  bool                     `json:"max_search_reached"`
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State:       m.stateLocked().String(),
		Online:      m.online,
		Profile:     m.profile,
		Location:    m.location,
		Available:   append([]models.Ride(nil), m.available...),
		TripStarted: m.tripStarted,
		Searching:   m.gate.IsSearching(),
		MaxReached:  m.gate.MaxReached(),
	}
	if m.accepted != nil {
		r := *m.accepted
		s.Accepted = &r
	}
	if m.destination != nil {
		d := *m.destination
		s.Destination = &d
	}
	if m.route != nil {
		rt := *m.route
		s.Route = &rt
	}
	return s
}

// Close cancels any pending deferred work.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}
