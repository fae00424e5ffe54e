package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Stop is one endpoint of a ride: a human-readable address plus coordinates.
type Stop struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (s Stop) Coord() Coord { return Coord{Lat: s.Lat, Lon: s.Lon} }

// RideStatus is the server-side lifecycle of a ride. The server is the sole
// arbiter of transitions; clients only display what it confirms.
type RideStatus string

const (
	StatusSearchingForRider RideStatus = "SEARCHING_FOR_RIDER"
	StatusStart             RideStatus = "START"
	StatusArrived           RideStatus = "ARRIVED"
	StatusCompleted         RideStatus = "COMPLETED"

	// StatusStarted is the legacy two-state variant of StatusStart.
	//
	// Deprecated: older rider-flow clients report START as STARTED and skip
	// ARRIVED entirely. Normalize with NormalizeStatus; do not emit.
	StatusStarted RideStatus = "STARTED"
)

// NormalizeStatus maps legacy status spellings onto the current enum.
func NormalizeStatus(s RideStatus) RideStatus {
	if s == StatusStarted {
		return StatusStart
	}
	return s
}

// Active reports whether the ride still needs driver attention.
func (s RideStatus) Active() bool {
	switch NormalizeStatus(s) {
	case StatusSearchingForRider, StatusStart, StatusArrived:
		return true
	}
	return false
}

// VehicleClass is the requested ambulance class.
type VehicleClass string

const (
	VehicleBLS  VehicleClass = "bls" // basic life support
	VehicleALS  VehicleClass = "als" // advanced life support
	VehicleCCS  VehicleClass = "ccs" // critical care support
	VehicleAuto VehicleClass = "auto"
	VehicleBike VehicleClass = "bike"
)

// NormalizeVehicle maps legacy vehicle names from older clients.
func NormalizeVehicle(v VehicleClass) VehicleClass {
	switch v {
	case "basicAmbulance":
		return VehicleBLS
	case "advancedAmbulance":
		return VehicleALS
	}
	return v
}

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Ride is a transport request as returned by the backend.
type Ride struct {
	ID        string       `json:"id"`
	Pickup    Stop         `json:"pickup"`
	Drop      Stop         `json:"drop"`
	Fare      float64      `json:"fare"`
	Status    RideStatus   `json:"status"`
	Vehicle   VehicleClass `json:"vehicle"`
	OTP       string       `json:"otp"`
	Customer  Customer     `json:"customer"`
	CreatedAt time.Time    `json:"createdAt"`
}

// DriverProfile is the authenticated driver's record. The server is the
// source of truth; this is overwritten on every successful fetch.
type DriverProfile struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Phone   string       `json:"phone"`
	Online  bool         `json:"isOnline"`
	Vehicle VehicleClass `json:"vehicle"`
}

type DriverStats struct {
	TotalRides   int     `json:"totalRides"`
	TotalEarning float64 `json:"totalEarning"`
	Rating       float64 `json:"rating"`
}

// DirectionsResult is a derived, non-persistent ETA/distance estimate for
// the two legs of a ride. Values are already rounded for display: minutes
// up to the next whole minute, kilometers to one decimal.
type DirectionsResult struct {
	ToPickupMin  int     `json:"toPickup"`
	ToDropoffMin int     `json:"toDropoff"`
	PickupKm     float64 `json:"pickupDistance"`
	DropoffKm    float64 `json:"dropoffDistance"`
}

// TripRecord is what the trip log persists once a ride completes.
type TripRecord struct {
	RideID      string       `json:"ride_id"`
	DriverID    string       `json:"driver_id"`
	Pickup      Stop         `json:"pickup"`
	Drop        Stop         `json:"drop"`
	Fare        float64      `json:"fare"`
	Vehicle     VehicleClass `json:"vehicle"`
	RequestedAt time.Time    `json:"requested_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// LocationUpdate is a telemetry sample published while a ride is active.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	RideID   string    `json:"ride_id,omitempty"`
	Loc      Coord     `json:"loc"`
	At       time.Time `json:"at"`
}
