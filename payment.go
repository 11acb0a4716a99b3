package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// PaymentGateway opens a payment for a placed order and returns the client
// secret the storefront confirms the payment with.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, o Order) (string, error)
}

type StripeGateway struct {
	sc       *client.API
	currency string
}

func NewStripeGateway(secretKey, currency string) *StripeGateway {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeGateway{sc: sc, currency: currency}
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, o Order) (string, error) {
	params := &stripe.PaymentIntentParams{
		// amounts are in the currency's minor unit
		Amount:   stripe.Int64(o.TotalPrice.Shift(2).Round(0).IntPart()),
		Currency: stripe.String(g.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", o.ID)
	params.AddMetadata("user_id", o.UserID)

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ClientSecret, nil
}

func (s *APIServer) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) error {
	if s.payments == nil {
		return notFound("Payments are not enabled")
	}
	who, _ := identityFrom(r.Context())
	o, err := s.orders.GetOrder(r.Context(), who, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	if o.UserID != who.ID {
		return notFound("Order not found")
	}
	if o.Status != StatusPending {
		return badRequest("Only pending orders can be paid")
	}

	secret, err := s.payments.CreatePaymentIntent(r.Context(), o)
	if err != nil {
		s.log.Error("payment intent failed", "order_id", o.ID, "err", err)
		return err
	}
	return WriteJSON(w, http.StatusOK, struct {
		ClientSecret string `json:"clientSecret"`
	}{
		ClientSecret: secret,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) error {
	return WriteJSON(w, http.StatusOK, struct {
		PublishableKey string `json:"publishableKey"`
	}{
		PublishableKey: s.cfg.StripePublishableKey,
	})
}

const maxWebhookBody = 65536

func (s *APIServer) handleWebhook(w http.ResponseWriter, r *http.Request) error {
	if s.payments == nil || s.cfg.StripeWebhookSecret == "" {
		return notFound("Payments are not enabled")
	}
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		return badRequest("Could not read request body")
	}

	event, err := webhook.ConstructEvent(b, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret)
	if err != nil {
		s.log.Warn("webhook signature rejected", "err", err)
		return badRequest("Invalid signature")
	}

	if event.Type == "payment_intent.succeeded" {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return badRequest("Malformed payment intent")
		}
		orderID := pi.Metadata["order_id"]
		o, err := s.orders.MarkPaid(r.Context(), orderID)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			// not one of ours; acknowledging stops Stripe from retrying
			s.log.Warn("payment for unknown order", "order_id", orderID, "payment_intent", pi.ID)
		} else if err != nil {
			return err
		} else {
			s.log.Info("order paid", "order_id", o.ID, "payment_intent", pi.ID)
		}
	}

	return WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}
