package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient settles fares through PaymentIntent hold/capture/cancel.
// The fare amount itself is always server-computed; this client only moves
// the money the backend already priced.
type StripeClient struct{}

// NewStripeClient initializes the stripe client from the STRIPE_API_KEY env
// var. Returns nil when the key is absent: payments disabled is a supported
// configuration, settlement then happens entirely backend-side.
func NewStripeClient() *StripeClient {
	key := os.Getenv("STRIPE_API_KEY")
	if key == "" {
		return nil
	}
	stripe.Key = key
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual so the fare is
// reserved when the driver accepts. Returns the PaymentIntent ID.
func (s *StripeClient) Hold(ctx context.Context, amount int64, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String("inr"),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes the hold once the ride completes.
func (s *StripeClient) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

// Cancel releases the hold, e.g. when the ride is cancelled before pickup.
func (s *StripeClient) Cancel(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
