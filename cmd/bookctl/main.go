// bookctl is a small patient-side tool: sign in with a phone number and
// book an ambulance. Useful for exercising the backend without the mobile
// app.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/example/ambu-dispatch/internal/api"
	"github.com/example/ambu-dispatch/internal/logging"
	"github.com/example/ambu-dispatch/internal/models"
	"github.com/example/ambu-dispatch/internal/session"
)

func main() {
	var (
		baseURL    = flag.String("api", envOr("API_BASE_URL", "http://localhost:3000"), "backend base URL")
		phone      = flag.String("phone", "", "patient phone number")
		vehicle    = flag.String("vehicle", string(models.VehicleBLS), "ambulance class: bls|als|ccs|auto|bike")
		pickupAddr = flag.String("pickup", "", "pickup address")
		pickupLat  = flag.Float64("pickup-lat", 0, "pickup latitude")
		pickupLon  = flag.Float64("pickup-lon", 0, "pickup longitude")
		dropAddr   = flag.String("drop", "", "drop address")
		dropLat    = flag.Float64("drop-lat", 0, "drop latitude")
		dropLon    = flag.Float64("drop-lon", 0, "drop longitude")
	)
	flag.Parse()

	if *phone == "" {
		log.Fatal("-phone is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := logging.NewLogger(envOr("LOG_LEVEL", "warn"))
	sess := session.NewMemoryStore()
	client := api.NewClient(*baseURL, 15*time.Second, sess, logger)

	if err := client.SignIn(ctx, *phone, "patient"); err != nil {
		log.Fatalf("sign in: %v", err)
	}

	ride, err := client.CreateRide(ctx,
		models.VehicleClass(*vehicle),
		models.Stop{Address: *pickupAddr, Lat: *pickupLat, Lon: *pickupLon},
		models.Stop{Address: *dropAddr, Lat: *dropLat, Lon: *dropLon},
	)
	if err != nil {
		log.Fatalf("create ride: %v", err)
	}

	fmt.Printf("ride booked\n  id:      %s\n  status:  %s\n  fare:    %.2f\n  otp:     %s\n",
		ride.ID, ride.Status, ride.Fare, ride.OTP)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
