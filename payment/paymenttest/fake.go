// Package paymenttest provides an in-memory payment.Processor for tests.
package paymenttest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/CaoNhatLinh/squareup-sub001/payment"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
)

// Fake records every call. Webhook payloads are JSON-encoded
// payment.WebhookEvent values signed with hex HMAC-SHA256 of Secret.
type Fake struct {
	mu sync.Mutex

	Secret string

	Products []string
	Prices   []string
	Sessions []payment.CheckoutSessionRequest
	Intents  []payment.PaymentIntentRequest
	Refunds  []int64

	ProductErr error
	SessionErr error
	IntentErr  error
	RefundErr  error

	// IntentStatus is returned by CreatePaymentIntent; defaults to succeeded.
	IntentStatus payment.PaymentIntentStatus
	// IntentHook runs inside CreatePaymentIntent, e.g. to block until the
	// context expires.
	IntentHook func(ctx context.Context) error
}

func New(secret string) *Fake {
	return &Fake{Secret: secret}
}

func (f *Fake) CreateProduct(_ context.Context, name, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ProductErr != nil {
		return "", f.ProductErr
	}
	f.Products = append(f.Products, name)
	return fmt.Sprintf("prod_%d", len(f.Products)), nil
}

func (f *Fake) CreatePrice(_ context.Context, productRef string, unitAmount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prices = append(f.Prices, productRef)
	return fmt.Sprintf("price_%d_%d", len(f.Prices), unitAmount), nil
}

func (f *Fake) CreateCheckoutSession(_ context.Context, req payment.CheckoutSessionRequest) (*payment.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SessionErr != nil {
		return nil, f.SessionErr
	}
	f.Sessions = append(f.Sessions, req)
	id := fmt.Sprintf("cs_test_%d", len(f.Sessions))
	return &payment.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (f *Fake) CreatePaymentIntent(ctx context.Context, req payment.PaymentIntentRequest) (*payment.PaymentIntent, error) {
	if f.IntentHook != nil {
		if err := f.IntentHook(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IntentErr != nil {
		return nil, f.IntentErr
	}
	f.Intents = append(f.Intents, req)
	status := f.IntentStatus
	if status == "" {
		status = payment.PaymentIntentSucceeded
	}
	id := fmt.Sprintf("pi_test_%d", len(f.Intents))
	return &payment.PaymentIntent{ID: id, Status: status, ClientSecret: id + "_secret"}, nil
}

func (f *Fake) Refund(_ context.Context, paymentRef string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefundErr != nil {
		return "", f.RefundErr
	}
	f.Refunds = append(f.Refunds, amount)
	return fmt.Sprintf("re_test_%d", len(f.Refunds)), nil
}

func (f *Fake) ParseWebhook(payload []byte, signatureHeader string) (*payment.WebhookEvent, error) {
	if !hmac.Equal([]byte(f.Sign(payload)), []byte(signatureHeader)) {
		return nil, &utils.SignatureError{Err: errors.New("signature mismatch")}
	}
	var event payment.WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (f *Fake) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(f.Secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedEvent encodes event and returns the payload with its signature.
func (f *Fake) SignedEvent(event payment.WebhookEvent) ([]byte, string) {
	payload, _ := json.Marshal(event)
	return payload, f.Sign(payload)
}

func (f *Fake) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sessions)
}

func (f *Fake) IntentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Intents)
}
