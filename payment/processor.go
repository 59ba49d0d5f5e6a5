// Package payment is the boundary to the external payment processor. Amounts
// crossing it are integer minor units.
package payment

import "context"

const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"

	MetadataPendingOrderId = "pendingOrderId"
	MetadataRestaurantId   = "restaurantId"
)

type PaymentIntentStatus string

const (
	PaymentIntentSucceeded      PaymentIntentStatus = "succeeded"
	PaymentIntentRequiresAction PaymentIntentStatus = "requires_action"
	PaymentIntentProcessing     PaymentIntentStatus = "processing"
	PaymentIntentFailed         PaymentIntentStatus = "requires_payment_method"
	PaymentIntentCanceled       PaymentIntentStatus = "canceled"
)

// CheckoutLine charges either a cached processor price (PriceRef) or an
// ad-hoc amount (Name + UnitAmount).
type CheckoutLine struct {
	PriceRef   string
	Name       string
	UnitAmount int64
	Quantity   int64
}

type CheckoutSessionRequest struct {
	Lines      []CheckoutLine
	Metadata   map[string]string
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type PaymentIntentRequest struct {
	PaymentMethodRef string
	Amount           int64
	Metadata         map[string]string
	// IdempotencyKey makes a retried request return the first intent
	// instead of charging again.
	IdempotencyKey string
}

type PaymentIntent struct {
	ID           string
	Status       PaymentIntentStatus
	ClientSecret string
}

type WebhookEvent struct {
	ID            string
	Type          string
	PaymentStatus string
	SessionId     string
	PaymentRef    string
	Metadata      map[string]string
}

type Processor interface {
	CreateProduct(ctx context.Context, name, description string) (string, error)
	CreatePrice(ctx context.Context, productRef string, unitAmount int64) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	// Refund returns the processor's refund reference. amount 0 refunds the
	// remaining balance.
	Refund(ctx context.Context, paymentRef string, amount int64) (string, error)
	// ParseWebhook verifies the signature header before decoding anything.
	ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error)
}
