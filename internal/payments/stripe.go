package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// StripeWallet backs holds with PaymentIntents using manual capture. The
// rider id is used as the Stripe customer id.
type StripeWallet struct {
	api      *client.API
	currency string
}

// NewStripeWallet initializes a stripe client for the given secret key.
func NewStripeWallet(apiKey, currency string) *StripeWallet {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeWallet{api: sc, currency: currency}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeWallet) Hold(ctx context.Context, rideID, riderID string, amount int64) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.currency),
		Customer: stripe.String(riderID),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("ride_id", rideID)
	params.SetIdempotencyKey("hold-" + rideID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return "", fmt.Errorf("%w: %s", ErrInsufficientFunds, se.Msg)
		}
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeWallet) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	return err
}

// Release cancels the PaymentIntent, freeing the held amount.
func (s *StripeWallet) Release(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return err
}
