package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/CaoNhatLinh/squareup-sub001/payment"
	"github.com/CaoNhatLinh/squareup-sub001/store"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/CaoNhatLinh/squareup-sub001/workflow")

// PaymentReconciler turns settled payments into orders. Checkout links,
// direct capture and processor webhooks all end in Finalize.
type PaymentReconciler struct {
	Ledger    *models.PendingOrderLedger
	Orders    *models.OrderBook
	Prices    *models.PriceCache
	Processor payment.Processor
	Locker    utils.Locker
	Events    OrderEventPublisher
	Logger    *logrus.Logger

	SuccessURL     string
	CancelURL      string
	PaymentTimeout time.Duration
	Now            func() time.Time
}

func NewPaymentReconciler(s store.Store, processor payment.Processor, locker utils.Locker, events OrderEventPublisher, logger *logrus.Logger) *PaymentReconciler {
	if locker == nil {
		locker = utils.NopLocker{}
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &PaymentReconciler{
		Ledger:         models.NewPendingOrderLedger(s),
		Orders:         models.NewOrderBook(s),
		Prices:         models.NewPriceCache(s, processor, locker, logger),
		Processor:      processor,
		Locker:         locker,
		Events:         events,
		Logger:         logger,
		PaymentTimeout: 15 * time.Second,
		Now:            time.Now,
	}
}

type PendingOrderRequest struct {
	OrderId      string               `json:"orderId"`
	RestaurantId string               `json:"restaurantId"`
	Items        []models.LineItem    `json:"items"`
	Subtotal     decimal.Decimal      `json:"subtotal"`
	Discounts    decimal.Decimal      `json:"discounts"`
	Total        decimal.Decimal      `json:"total"`
	OrderType    string               `json:"orderType"`
	TableId      string               `json:"tableId"`
	CustomerInfo *models.CustomerInfo `json:"customerInfo"`
}

func (req PendingOrderRequest) validate() error {
	if err := models.ValidateId("restaurantId", req.RestaurantId); err != nil {
		return err
	}
	if len(req.Items) == 0 {
		return utils.NewValidationError("items must not be empty")
	}
	if !req.Total.IsPositive() {
		return utils.NewValidationError("total must be greater than zero")
	}
	if req.Discounts.IsNegative() {
		return utils.NewValidationError("discounts must not be negative")
	}
	return nil
}

func (req PendingOrderRequest) toLedgerInput() models.NewPendingOrder {
	subtotal := req.Subtotal
	if subtotal.IsZero() {
		subtotal = models.SumLineItems(req.Items)
	}
	return models.NewPendingOrder{
		RestaurantId: req.RestaurantId,
		Items:        req.Items,
		Subtotal:     subtotal,
		Discount:     req.Discounts,
		Total:        req.Total,
		OrderType:    req.OrderType,
		TableId:      req.TableId,
		CustomerInfo: req.CustomerInfo,
	}
}

type PaymentLinkResult struct {
	URL            string `json:"url"`
	PendingOrderId string `json:"pendingOrderId"`
	SessionId      string `json:"sessionId"`
}

// CreatePendingOrder stages an order for direct capture.
func (r *PaymentReconciler) CreatePendingOrder(ctx context.Context, req PendingOrderRequest) (*models.PendingOrder, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	return r.Ledger.Create(ctx, req.toLedgerInput())
}

func (r *PaymentReconciler) CreatePaymentLink(ctx context.Context, req PendingOrderRequest) (*PaymentLinkResult, error) {
	ctx, span := tracer.Start(ctx, "PaymentReconciler.CreatePaymentLink",
		trace.WithAttributes(attribute.String("restaurant.id", req.RestaurantId)))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	lines := r.checkoutLines(ctx, req)

	pending, err := r.Ledger.Create(ctx, req.toLedgerInput())
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	metadata := map[string]string{
		payment.MetadataPendingOrderId: pending.ID,
		payment.MetadataRestaurantId:   pending.RestaurantId,
	}
	if req.OrderId != "" {
		metadata["orderId"] = req.OrderId
	}

	callCtx, cancel := r.paymentContext(ctx)
	defer cancel()
	session, err := r.Processor.CreateCheckoutSession(callCtx, payment.CheckoutSessionRequest{
		Lines:      lines,
		Metadata:   metadata,
		SuccessURL: r.SuccessURL,
		CancelURL:  r.CancelURL,
	})
	if err != nil {
		if rmErr := r.Ledger.Remove(ctx, pending.ID); rmErr != nil {
			config.LogError(r.Logger, "PaymentReconciler", "CreatePaymentLink", "remove pending order", pending.ID, rmErr)
		}
		recordSpanError(span, err)
		return nil, utils.NewUpstreamPaymentError("create checkout session", err)
	}

	span.SetAttributes(attribute.String("pending_order.id", pending.ID))
	return &PaymentLinkResult{URL: session.URL, PendingOrderId: pending.ID, SessionId: session.ID}, nil
}

// checkoutLines uses cached processor prices per line when every line can
// be priced and the lines add up to the total. Otherwise the session charges
// one ad-hoc line for the total.
func (r *PaymentReconciler) checkoutLines(ctx context.Context, req PendingOrderRequest) []payment.CheckoutLine {
	total := utils.ToMinorUnits(req.Total)
	fallback := []payment.CheckoutLine{{Name: "Order total", UnitAmount: total, Quantity: 1}}

	if !req.Discounts.IsZero() {
		return fallback
	}
	lines := make([]payment.CheckoutLine, 0, len(req.Items))
	var sum int64
	for _, item := range req.Items {
		unit := utils.ToMinorUnits(item.UnitPrice())
		if unit <= 0 || item.Quantity < 1 {
			return fallback
		}
		entry, err := r.Prices.GetOrCreate(ctx, req.RestaurantId, item.Signature(), unit, item.Name, item.Note)
		if err != nil {
			r.Logger.WithFields(logrus.Fields{
				"field":   "PaymentReconciler",
				"item_id": item.ItemId,
			}).Warn("price cache unavailable, charging order total: " + err.Error())
			return fallback
		}
		lines = append(lines, payment.CheckoutLine{PriceRef: entry.PriceRef, Quantity: int64(item.Quantity)})
		sum += unit * int64(item.Quantity)
	}
	if sum != total {
		return fallback
	}
	return lines
}

type CaptureMetadata struct {
	PendingOrderId string `json:"pendingOrderId"`
	RestaurantId   string `json:"restaurantId"`
}

type CaptureRequest struct {
	PaymentMethodRef string          `json:"paymentMethodRef"`
	Amount           decimal.Decimal `json:"amount"`
	Metadata         CaptureMetadata `json:"metadata"`
}

type CaptureResult struct {
	Status           string `json:"status"`
	OrderRef         string `json:"orderRef,omitempty"`
	ClientSecret     string `json:"clientSecret,omitempty"`
	PaymentIntentRef string `json:"paymentIntentRef,omitempty"`
}

// captureIdempotencyKey is stable per pending order and payment method, so a
// retried capture never creates a second charge.
func captureIdempotencyKey(pendingOrderId, paymentMethodRef string) string {
	return "capture:" + pendingOrderId + ":" + paymentMethodRef
}

// Capture charges a payment method immediately. Only an explicit succeeded
// status finalizes; errors and timeouts leave the pending order in place.
func (r *PaymentReconciler) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	ctx, span := tracer.Start(ctx, "PaymentReconciler.Capture",
		trace.WithAttributes(attribute.String("pending_order.id", req.Metadata.PendingOrderId)))
	defer span.End()

	switch {
	case strings.TrimSpace(req.PaymentMethodRef) == "":
		return nil, utils.NewValidationError("paymentMethodRef is required")
	case !req.Amount.IsPositive():
		return nil, utils.NewValidationError("amount must be greater than zero")
	}
	if err := models.ValidateId("metadata.pendingOrderId", req.Metadata.PendingOrderId); err != nil {
		return nil, err
	}
	if err := models.ValidateId("metadata.restaurantId", req.Metadata.RestaurantId); err != nil {
		return nil, err
	}

	pending, err := r.Ledger.Get(ctx, req.Metadata.PendingOrderId)
	if err != nil {
		return nil, err
	}
	if pending.RestaurantId != req.Metadata.RestaurantId {
		return nil, utils.NewValidationError("pending order %s does not belong to restaurant %s", pending.ID, req.Metadata.RestaurantId)
	}
	if !pending.TotalAmount.Equal(req.Amount) {
		return nil, utils.NewValidationError("amount %s does not match pending order total %s", req.Amount, pending.TotalAmount)
	}

	callCtx, cancel := r.paymentContext(ctx)
	defer cancel()
	intent, err := r.Processor.CreatePaymentIntent(callCtx, payment.PaymentIntentRequest{
		PaymentMethodRef: req.PaymentMethodRef,
		Amount:           utils.ToMinorUnits(req.Amount),
		Metadata: map[string]string{
			payment.MetadataPendingOrderId: pending.ID,
			payment.MetadataRestaurantId:   pending.RestaurantId,
		},
		IdempotencyKey: captureIdempotencyKey(pending.ID, req.PaymentMethodRef),
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, utils.NewUpstreamPaymentError("capture payment", err)
	}

	switch intent.Status {
	case payment.PaymentIntentSucceeded:
		order, err := r.Finalize(ctx, pending.ID, pending.RestaurantId, ProcessorRef{PaymentRef: intent.ID})
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		result := &CaptureResult{Status: string(payment.PaymentIntentSucceeded)}
		if order != nil {
			result.OrderRef = order.ID
		}
		return result, nil
	case payment.PaymentIntentRequiresAction:
		return &CaptureResult{
			Status:           string(payment.PaymentIntentRequiresAction),
			ClientSecret:     intent.ClientSecret,
			PaymentIntentRef: intent.ID,
		}, nil
	default:
		err := utils.NewUpstreamPaymentError("capture payment", fmt.Errorf("payment intent %s ended in status %q", intent.ID, intent.Status))
		recordSpanError(span, err)
		return nil, err
	}
}

// HandleWebhook verifies and applies a processor event. Events that carry no
// settlement, or no order metadata, are acknowledged without side effects.
func (r *PaymentReconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "PaymentReconciler.HandleWebhook")
	defer span.End()

	event, err := r.Processor.ParseWebhook(payload, signatureHeader)
	if err != nil {
		if !errors.Is(err, utils.ErrInvalidSignature) {
			err = &utils.SignatureError{Err: err}
		}
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("event.type", event.Type), attribute.String("event.id", event.ID))

	logger := r.Logger.WithFields(logrus.Fields{
		"field":      "HandleWebhook",
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	var ref ProcessorRef
	switch event.Type {
	case payment.EventCheckoutSessionCompleted:
		if event.PaymentStatus != "paid" {
			logger.Info("checkout session completed without payment; ignoring")
			return nil, nil
		}
		ref = ProcessorRef{SessionId: event.SessionId, PaymentRef: event.PaymentRef}
	case payment.EventPaymentIntentSucceeded:
		ref = ProcessorRef{PaymentRef: event.PaymentRef}
	default:
		logger.Debug("unhandled webhook event type")
		return nil, nil
	}

	pendingOrderId := event.Metadata[payment.MetadataPendingOrderId]
	restaurantId := event.Metadata[payment.MetadataRestaurantId]
	if pendingOrderId == "" || restaurantId == "" {
		logger.Warn("settlement event without order metadata; acknowledging")
		return nil, nil
	}

	order, err := r.Finalize(ctx, pendingOrderId, restaurantId, ref)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return order, nil
}

func (r *PaymentReconciler) paymentContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.PaymentTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.PaymentTimeout)
}

func (r *PaymentReconciler) publish(ctx context.Context, eventType string, order *models.Order) {
	if r.Events == nil || order == nil {
		return
	}
	if err := r.Events.Publish(ctx, newOrderEvent(eventType, order, r.Now().UTC())); err != nil {
		config.LogError(r.Logger, "PaymentReconciler", "publish", eventType, order.ID, err)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
