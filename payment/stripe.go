package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	Currency      string
}

func NewStripeProcessor(secretKey, webhookSecret, currency string, timeout time.Duration) *StripeProcessor {
	httpClient := &http.Client{Timeout: timeout}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
	}
	return &StripeProcessor{
		api:           client.New(secretKey, backends),
		webhookSecret: webhookSecret,
		Currency:      currency,
	}
}

func (p *StripeProcessor) CreateProduct(ctx context.Context, name, description string) (string, error) {
	params := &stripe.ProductParams{Name: stripe.String(name)}
	if description != "" {
		params.Description = stripe.String(description)
	}
	params.Context = ctx
	product, err := p.api.Products.New(params)
	if err != nil {
		return "", err
	}
	return product.ID, nil
}

func (p *StripeProcessor) CreatePrice(ctx context.Context, productRef string, unitAmount int64) (string, error) {
	params := &stripe.PriceParams{
		Currency:   stripe.String(p.Currency),
		Product:    stripe.String(productRef),
		UnitAmount: stripe.Int64(unitAmount),
	}
	params.Context = ctx
	price, err := p.api.Prices.New(params)
	if err != nil {
		return "", err
	}
	return price.ID, nil
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems:  p.checkoutLineItems(req.Lines),
		Metadata:   req.Metadata,
		// the payment intent carries the same metadata so payment_intent.succeeded
		// can finalize too
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	params.Context = ctx
	session, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (p *StripeProcessor) checkoutLineItems(lines []CheckoutLine) []*stripe.CheckoutSessionLineItemParams {
	out := make([]*stripe.CheckoutSessionLineItemParams, 0, len(lines))
	for _, line := range lines {
		if line.PriceRef != "" {
			out = append(out, &stripe.CheckoutSessionLineItemParams{
				Price:    stripe.String(line.PriceRef),
				Quantity: stripe.Int64(line.Quantity),
			})
			continue
		}
		out = append(out, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(p.Currency),
				UnitAmount: stripe.Int64(line.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(line.Name),
				},
			},
			Quantity: stripe.Int64(line.Quantity),
		})
	}
	return out
}

func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(p.Currency),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		Metadata:      req.Metadata,
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, err
	}
	return &PaymentIntent{ID: pi.ID, Status: PaymentIntentStatus(pi.Status), ClientSecret: pi.ClientSecret}, nil
}

func (p *StripeProcessor) Refund(ctx context.Context, paymentRef string, amount int64) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentRef)}
	if amount > 0 {
		params.Amount = stripe.Int64(amount)
	}
	params.Context = ctx
	refund, err := p.api.Refunds.New(params)
	if err != nil {
		return "", err
	}
	return refund.ID, nil
}

func (p *StripeProcessor) ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	if p.webhookSecret == "" {
		return nil, &utils.SignatureError{Err: errors.New("webhook secret not configured")}
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &utils.SignatureError{Err: err}
	}
	return decodeStripeEvent(event)
}

func decodeStripeEvent(event stripe.Event) (*WebhookEvent, error) {
	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}
	switch out.Type {
	case EventCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		out.SessionId = session.ID
		out.PaymentStatus = string(session.PaymentStatus)
		out.Metadata = session.Metadata
		if session.PaymentIntent != nil {
			out.PaymentRef = session.PaymentIntent.ID
		}
	case EventPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.PaymentRef = pi.ID
		out.PaymentStatus = string(pi.Status)
		out.Metadata = pi.Metadata
	}
	return out, nil
}
