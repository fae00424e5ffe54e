package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ambu-dispatch/internal/api"
	"github.com/example/ambu-dispatch/internal/models"
	"github.com/example/ambu-dispatch/internal/session"
)

type fakeBackend struct {
	mu          sync.Mutex
	onlineCalls []bool
	onlineEnter chan struct{} // receives once per SetOnlineStatus entry, if set
	onlineWait  chan struct{} // SetOnlineStatus blocks on this, if set
	profile     models.DriverProfile
	profileErr  error
	rides       []models.Ride
	ridesErr    error
	ridesCalls  int
	ridesEnter  chan struct{} // closed when DriverRides is entered, if set
	ridesWait   chan struct{} // DriverRides blocks on this, if set
	acceptRide  models.Ride
	acceptErr   error
	updateRide  models.Ride
	updateErr   error
}

func (f *fakeBackend) DriverProfile(ctx context.Context) (models.DriverProfile, error) {
	return f.profile, f.profileErr
}

func (f *fakeBackend) SetOnlineStatus(ctx context.Context, online bool) error {
	f.mu.Lock()
	f.onlineCalls = append(f.onlineCalls, online)
	enter, wait := f.onlineEnter, f.onlineWait
	f.mu.Unlock()
	if enter != nil {
		enter <- struct{}{}
	}
	if wait != nil {
		<-wait
	}
	return nil
}

func (f *fakeBackend) DriverRides(ctx context.Context) ([]models.Ride, error) {
	f.mu.Lock()
	f.ridesCalls++
	enter, wait := f.ridesEnter, f.ridesWait
	f.mu.Unlock()
	if enter != nil {
		close(enter)
		f.mu.Lock()
		f.ridesEnter = nil
		f.mu.Unlock()
	}
	if wait != nil {
		<-wait
	}
	return f.rides, f.ridesErr
}

func (f *fakeBackend) AcceptRide(ctx context.Context, rideID string) (models.Ride, error) {
	return f.acceptRide, f.acceptErr
}

func (f *fakeBackend) UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus) (models.Ride, error) {
	return f.updateRide, f.updateErr
}

func (f *fakeBackend) DriverStats(ctx context.Context) (models.DriverStats, error) {
	return models.DriverStats{TotalRides: 3}, nil
}

func (f *fakeBackend) onlineCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onlineCalls)
}

type fakeGate struct {
	mu        sync.Mutex
	starts    int
	stops     int
	visible   []bool
	searching bool
}

func (g *fakeGate) Start(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.starts++
	g.searching = true
}

func (g *fakeGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops++
	g.searching = false
}

func (g *fakeGate) SetRidesVisible(v bool, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.visible = append(g.visible, v)
}

func (g *fakeGate) IsSearching() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.searching
}

func (g *fakeGate) MaxReached() bool { return false }

type fakeEstimator struct {
	res models.DirectionsResult
}

func (f *fakeEstimator) Estimate(ctx context.Context, origin, pickup, drop models.Coord) models.DirectionsResult {
	return f.res
}

// timerStub captures deferred work so tests run it synchronously.
type timerStub struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (s *timerStub) afterFunc(d time.Duration, f func()) *time.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, f)
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

func (s *timerStub) runAll() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func newTestMachine(backend *fakeBackend) (*Machine, *fakeGate, *timerStub, *session.MemoryStore) {
	gate := &fakeGate{}
	stub := &timerStub{}
	sess := session.NewMemoryStore()
	m := NewMachine(backend, &fakeEstimator{res: models.DirectionsResult{ToPickupMin: 4, ToDropoffMin: 12, PickupKm: 1.5, DropoffKm: 7.2}},
		gate, sess, Config{AuthCheckDelay: 2 * time.Second, RefreshDelay: 1500 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.afterFunc = stub.afterFunc
	return m, gate, stub, sess
}

func searchingRide(id string) models.Ride {
	return models.Ride{
		ID:     id,
		Status: models.StatusSearchingForRider,
		Pickup: models.Stop{Address: "A", Lat: 12.97, Lon: 77.59},
		Drop:   models.Stop{Address: "B", Lat: 13.00, Lon: 77.65},
		Fare:   450,
		OTP:    "4321",
	}
}

func goOnline(t *testing.T, m *Machine) {
	t.Helper()
	if err := m.ToggleOnline(context.Background()); err != nil {
		t.Fatalf("toggle online: %v", err)
	}
}

func TestToggleOnlinePushesStatusOncePerTransition(t *testing.T) {
	backend := &fakeBackend{profile: models.DriverProfile{ID: "d1", Name: "Asha"}}
	m, gate, stub, _ := newTestMachine(backend)

	goOnline(t, m)
	if got := backend.onlineCallCount(); got != 1 {
		t.Fatalf("expected 1 status push, got %d", got)
	}
	if gate.starts != 1 {
		t.Fatalf("gate should start on online, starts=%d", gate.starts)
	}
	if len(stub.delays) != 1 || stub.delays[0] != 2*time.Second {
		t.Fatalf("auth check should be deferred by the configured delay: %+v", stub.delays)
	}

	// Deferred check succeeds and caches the profile.
	stub.runAll()
	if m.Snapshot().Profile.Name != "Asha" {
		t.Fatal("profile not applied after deferred check")
	}

	goOnline(t, m) // back offline
	if got := backend.onlineCallCount(); got != 2 {
		t.Fatalf("expected 2 status pushes after two transitions, got %d", got)
	}
	if m.State() != Offline || gate.stops == 0 {
		t.Fatal("offline transition must stop the gate")
	}
}

func TestConcurrentTogglesConverge(t *testing.T) {
	backend := &fakeBackend{
		onlineEnter: make(chan struct{}, 2),
		onlineWait:  make(chan struct{}),
	}
	m, _, _, _ := newTestMachine(backend)

	done := make(chan error, 2)
	go func() { done <- m.ToggleOnline(context.Background()) }()
	go func() { done <- m.ToggleOnline(context.Background()) }()

	<-backend.onlineEnter
	// The other toggle must not reach the backend while this one is inside.
	select {
	case <-backend.onlineEnter:
		t.Fatal("second toggle reached the backend before the first finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.onlineWait)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	backend.mu.Lock()
	calls := append([]bool(nil), backend.onlineCalls...)
	backend.mu.Unlock()
	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Fatalf("expected one online push then one offline push, got %v", calls)
	}
	if m.State() != Offline {
		t.Fatalf("rapid toggle pair must end offline, got %v", m.State())
	}
}

func TestDeferredAuthCheckFailureForcesOffline(t *testing.T) {
	backend := &fakeBackend{profileErr: &api.AuthError{Err: errors.New("token dead")}}
	m, _, stub, _ := newTestMachine(backend)

	var notified string
	m.SetNotifier(func(level, msg string) { notified = msg })

	goOnline(t, m)
	stub.runAll()

	if m.State() != Offline {
		t.Fatalf("expected forced offline, state=%v", m.State())
	}
	if notified == "" {
		t.Fatal("user must be told to log in again")
	}
	backend.mu.Lock()
	last := backend.onlineCalls[len(backend.onlineCalls)-1]
	backend.mu.Unlock()
	if last != false {
		t.Fatal("backend must be told the driver is offline again")
	}
}

func TestToggleBlockedWhileRideAccepted(t *testing.T) {
	backend := &fakeBackend{acceptRide: searchingRide("r1")}
	backend.acceptRide.Status = models.StatusStart
	m, _, _, _ := newTestMachine(backend)

	goOnline(t, m)
	if err := m.AcceptRide(context.Background(), "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := m.ToggleOnline(context.Background()); !errors.Is(err, ErrRideInProgress) {
		t.Fatalf("expected ErrRideInProgress, got %v", err)
	}
}

func TestFetchAvailableRidesInFlightGuard(t *testing.T) {
	backend := &fakeBackend{
		rides:      []models.Ride{searchingRide("r1")},
		ridesEnter: make(chan struct{}),
		ridesWait:  make(chan struct{}),
	}
	m, _, _, _ := newTestMachine(backend)
	goOnline(t, m)

	done := make(chan error, 1)
	go func() { done <- m.FetchAvailableRides(context.Background()) }()
	<-backend.ridesEnter // first call is now stuck inside the backend

	if err := m.FetchAvailableRides(context.Background()); err != nil {
		t.Fatalf("overlapping call must be a silent no-op, got %v", err)
	}

	close(backend.ridesWait)
	if err := <-done; err != nil {
		t.Fatalf("first call: %v", err)
	}

	backend.mu.Lock()
	calls := backend.ridesCalls
	backend.mu.Unlock()
	if calls != 1 {
		t.Fatalf("backend must see exactly one fetch, got %d", calls)
	}
	if got := len(m.Snapshot().Available); got != 1 {
		t.Fatalf("expected 1 visible ride, got %d", got)
	}
}

func TestFetchFiltersToSearchingStatus(t *testing.T) {
	taken := searchingRide("r2")
	taken.Status = models.StatusStart
	backend := &fakeBackend{rides: []models.Ride{searchingRide("r1"), taken}}
	m, gate, _, _ := newTestMachine(backend)
	goOnline(t, m)

	if err := m.FetchAvailableRides(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if len(snap.Available) != 1 || snap.Available[0].ID != "r1" {
		t.Fatalf("expected only the searching ride, got %+v", snap.Available)
	}
	gate.mu.Lock()
	lastVisible := gate.visible[len(gate.visible)-1]
	gate.mu.Unlock()
	if !lastVisible {
		t.Fatal("gate must learn rides are visible")
	}
}

func TestAcceptRideSuccess(t *testing.T) {
	accepted := searchingRide("r1")
	accepted.Status = models.StatusStart
	backend := &fakeBackend{rides: []models.Ride{searchingRide("r1")}, acceptRide: accepted}
	m, gate, _, _ := newTestMachine(backend)
	goOnline(t, m)
	_ = m.FetchAvailableRides(context.Background())

	if err := m.AcceptRide(context.Background(), "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	snap := m.Snapshot()
	if snap.Accepted == nil || snap.Accepted.ID != "r1" {
		t.Fatalf("accepted ride not set: %+v", snap.Accepted)
	}
	if len(snap.Available) != 0 {
		t.Fatal("available list must be cleared optimistically")
	}
	if snap.TripStarted {
		t.Fatal("trip must not be marked started yet")
	}
	if snap.Destination == nil || snap.Destination.Lat != 12.97 {
		t.Fatalf("destination should be the pickup point: %+v", snap.Destination)
	}
	if snap.Route == nil || snap.Route.ToPickupMin != 4 {
		t.Fatalf("route not computed: %+v", snap.Route)
	}
	if gate.stops == 0 {
		t.Fatal("search gate must stop once a ride is held")
	}
	if m.State() != OnlineRideAccepted {
		t.Fatalf("wrong state: %v", m.State())
	}
}

func TestAcceptRaceLeavesStateUnchanged(t *testing.T) {
	backend := &fakeBackend{
		rides:     []models.Ride{searchingRide("r1")},
		acceptErr: &api.ServerError{Status: 409, Message: "ride already taken"},
	}
	m, _, _, _ := newTestMachine(backend)
	goOnline(t, m)
	_ = m.FetchAvailableRides(context.Background())

	err := m.AcceptRide(context.Background(), "r1")
	var se *api.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}

	snap := m.Snapshot()
	if snap.Accepted != nil {
		t.Fatal("failed accept must not set the accepted ride")
	}
	if len(snap.Available) != 1 {
		t.Fatal("failed accept must leave the visible set unchanged")
	}
	if m.State() != OnlineSearching {
		t.Fatalf("wrong state after failed accept: %v", m.State())
	}
}

func TestRejectRideIsLocal(t *testing.T) {
	backend := &fakeBackend{rides: []models.Ride{searchingRide("r1"), searchingRide("r2")}}
	m, gate, _, _ := newTestMachine(backend)
	goOnline(t, m)
	_ = m.FetchAvailableRides(context.Background())

	before := backend.ridesCalls
	m.RejectRide("r1")

	snap := m.Snapshot()
	if len(snap.Available) != 1 || snap.Available[0].ID != "r2" {
		t.Fatalf("expected r1 dismissed, got %+v", snap.Available)
	}
	if backend.ridesCalls != before {
		t.Fatal("reject must not hit the backend")
	}
	gate.mu.Lock()
	lastVisible := gate.visible[len(gate.visible)-1]
	gate.mu.Unlock()
	if !lastVisible {
		t.Fatal("gate should still see one visible ride")
	}
}

func TestUpdateRideStatusCompleted(t *testing.T) {
	accepted := searchingRide("r1")
	accepted.Status = models.StatusStart
	completed := accepted
	completed.Status = models.StatusCompleted

	backend := &fakeBackend{rides: nil, acceptRide: accepted, updateRide: completed}
	m, gate, stub, sess := newTestMachine(backend)
	goOnline(t, m)
	if err := m.AcceptRide(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	// Pickup OTP was verified mid-ride; completion must clear it.
	if err := m.VerifyPickupOTP(context.Background(), "r1", "4321"); err != nil {
		t.Fatal(err)
	}

	startsBefore := gate.starts
	if err := m.UpdateRideStatus(context.Background(), "r1", models.StatusCompleted); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap := m.Snapshot()
	if snap.Accepted != nil || snap.Destination != nil || snap.Route != nil || snap.TripStarted {
		t.Fatalf("completion must clear active-ride state: %+v", snap)
	}
	if m.State() != OnlineSearching {
		t.Fatalf("expected OnlineSearching after completion, got %v", m.State())
	}
	if gate.starts != startsBefore+1 {
		t.Fatal("search gate must restart after completion")
	}
	if ok, _ := sess.OTPVerified(context.Background(), "r1"); ok {
		t.Fatal("otp flag must be cleared on completion")
	}

	// The refresh is deferred; running it must hit the backend.
	callsBefore := backend.ridesCalls
	stub.runAll()
	backend.mu.Lock()
	calls := backend.ridesCalls
	backend.mu.Unlock()
	if calls != callsBefore+1 {
		t.Fatal("completion must schedule an available-rides refresh")
	}
}

func TestCloseStopsPendingRefresh(t *testing.T) {
	accepted := searchingRide("r1")
	accepted.Status = models.StatusStart
	completed := accepted
	completed.Status = models.StatusCompleted

	backend := &fakeBackend{acceptRide: accepted, updateRide: completed}
	m, _, _, _ := newTestMachine(backend)
	goOnline(t, m)
	if err := m.AcceptRide(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateRideStatus(context.Background(), "r1", models.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	pending := m.refreshTimer
	m.mu.Unlock()
	if pending == nil {
		t.Fatal("completion must track its deferred refresh")
	}

	m.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshTimer != nil || m.authTimer != nil {
		t.Fatal("close must drop all pending timers")
	}
}

func TestUpdateRideStatusStartMarksTrip(t *testing.T) {
	accepted := searchingRide("r1")
	accepted.Status = models.StatusStart
	started := accepted
	started.Status = models.StatusStarted // legacy spelling from the backend

	backend := &fakeBackend{acceptRide: accepted, updateRide: started}
	m, _, _, _ := newTestMachine(backend)
	goOnline(t, m)
	if err := m.AcceptRide(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdateRideStatus(context.Background(), "r1", models.StatusStart); err != nil {
		t.Fatal(err)
	}
	snap := m.Snapshot()
	if !snap.TripStarted {
		t.Fatal("START must mark the trip started")
	}
	if snap.Accepted.Status != models.StatusStart {
		t.Fatalf("legacy status must be normalized, got %s", snap.Accepted.Status)
	}
}

func TestUpdateRideStatusServerErrorLeavesState(t *testing.T) {
	accepted := searchingRide("r1")
	accepted.Status = models.StatusStart
	backend := &fakeBackend{acceptRide: accepted, updateErr: &api.ServerError{Status: 500, Message: "nope"}}
	m, _, _, _ := newTestMachine(backend)
	goOnline(t, m)
	if err := m.AcceptRide(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	if err := m.UpdateRideStatus(context.Background(), "r1", models.StatusArrived); err == nil {
		t.Fatal("expected error")
	}
	snap := m.Snapshot()
	if snap.Accepted == nil || snap.Accepted.Status != models.StatusStart {
		t.Fatalf("failed update must not mutate the ride: %+v", snap.Accepted)
	}
}

func TestVerifyPickupOTP(t *testing.T) {
	accepted := searchingRide("r1")
	accepted.Status = models.StatusStart
	backend := &fakeBackend{acceptRide: accepted}
	m, _, _, sess := newTestMachine(backend)
	goOnline(t, m)
	if err := m.AcceptRide(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	var ve *api.ValidationError
	if err := m.VerifyPickupOTP(context.Background(), "r1", "0000"); !errors.As(err, &ve) {
		t.Fatalf("wrong code must be a validation error, got %v", err)
	}
	if err := m.VerifyPickupOTP(context.Background(), "other", "4321"); !errors.As(err, &ve) {
		t.Fatalf("unknown ride must be a validation error, got %v", err)
	}

	if err := m.VerifyPickupOTP(context.Background(), "r1", "4321"); err != nil {
		t.Fatalf("correct code: %v", err)
	}
	if ok, _ := sess.OTPVerified(context.Background(), "r1"); !ok {
		t.Fatal("otp flag not persisted")
	}
}
