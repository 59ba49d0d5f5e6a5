package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/CaoNhatLinh/squareup-sub001/payment"
	"github.com/CaoNhatLinh/squareup-sub001/payment/paymenttest"
	"github.com/CaoNhatLinh/squareup-sub001/store"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/shopspring/decimal"
)

type testEnv struct {
	reconciler *PaymentReconciler
	processor  *paymenttest.Fake
	store      *store.MemoryStore
	events     *RecordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := store.NewMemoryStore()
	fake := paymenttest.New("whsec_fake")
	events := &RecordingPublisher{}
	r := NewPaymentReconciler(s, fake, utils.NopLocker{}, events, config.GetLogger())
	r.SuccessURL = "https://pos.test/ok"
	r.CancelURL = "https://pos.test/cancel"
	r.PaymentTimeout = 200 * time.Millisecond
	return &testEnv{reconciler: r, processor: fake, store: s, events: events}
}

func lines(prices ...string) []models.LineItem {
	out := make([]models.LineItem, 0, len(prices))
	for i, p := range prices {
		out = append(out, models.LineItem{
			ItemId:   string(rune('a' + i)),
			Name:     "dish " + string(rune('a'+i)),
			Price:    decimal.RequireFromString(p),
			Quantity: 1,
		})
	}
	return out
}

func (e *testEnv) stagePending(t *testing.T, total string) *models.PendingOrder {
	t.Helper()
	pending, err := e.reconciler.CreatePendingOrder(context.Background(), PendingOrderRequest{
		RestaurantId: "r1",
		Items:        lines(total),
		Total:        decimal.RequireFromString(total),
	})
	if err != nil {
		t.Fatalf("stage pending: %v", err)
	}
	return pending
}

func (e *testEnv) orderCount(t *testing.T, restaurantId string) int {
	t.Helper()
	recs, err := e.store.List(context.Background(), store.Join("restaurants", restaurantId, "orders"))
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	return len(recs)
}

func TestCreatePaymentLink_UsesPriceCachePerLine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := PendingOrderRequest{RestaurantId: "r1", Items: lines("4.50", "3.00"), Total: decimal.RequireFromString("7.50")}

	res, err := env.reconciler.CreatePaymentLink(ctx, req)
	if err != nil {
		t.Fatalf("payment link: %v", err)
	}
	if res.URL == "" || res.PendingOrderId == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	session := env.processor.Sessions[0]
	if len(session.Lines) != 2 || session.Lines[0].PriceRef == "" {
		t.Fatalf("expected cached price lines, got %+v", session.Lines)
	}
	if session.Metadata[payment.MetadataPendingOrderId] != res.PendingOrderId || session.Metadata[payment.MetadataRestaurantId] != "r1" {
		t.Fatalf("metadata not tagged: %v", session.Metadata)
	}
	if _, err := env.reconciler.Ledger.Get(ctx, res.PendingOrderId); err != nil {
		t.Fatalf("pending order should exist: %v", err)
	}

	// same menu lines again: no new processor products
	if _, err := env.reconciler.CreatePaymentLink(ctx, req); err != nil {
		t.Fatalf("second payment link: %v", err)
	}
	if len(env.processor.Products) != 2 {
		t.Fatalf("expected products to be reused, created %d", len(env.processor.Products))
	}
}

func TestCreatePaymentLink_FallsBackToTotalLine(t *testing.T) {
	cases := []struct {
		name string
		req  PendingOrderRequest
	}{
		{"discount", PendingOrderRequest{RestaurantId: "r1", Items: lines("5.00"), Discounts: decimal.NewFromInt(1), Total: decimal.NewFromInt(4)}},
		{"free line", PendingOrderRequest{RestaurantId: "r1", Items: lines("0", "5.00"), Total: decimal.NewFromInt(5)}},
		{"lines disagree with total", PendingOrderRequest{RestaurantId: "r1", Items: lines("5.00"), Total: decimal.NewFromInt(6)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			if _, err := env.reconciler.CreatePaymentLink(context.Background(), tc.req); err != nil {
				t.Fatalf("payment link: %v", err)
			}
			got := env.processor.Sessions[0].Lines
			want := utils.ToMinorUnits(tc.req.Total)
			if len(got) != 1 || got[0].PriceRef != "" || got[0].UnitAmount != want {
				t.Fatalf("expected single ad-hoc line of %d, got %+v", want, got)
			}
		})
	}
}

func TestCreatePaymentLink_Validation(t *testing.T) {
	env := newTestEnv(t)
	for _, req := range []PendingOrderRequest{
		{Items: lines("1"), Total: decimal.NewFromInt(1)},
		{RestaurantId: "r1", Total: decimal.NewFromInt(1)},
		{RestaurantId: "r1", Items: lines("1")},
		{RestaurantId: "r1/../r2", Items: lines("1"), Total: decimal.NewFromInt(1)},
		{RestaurantId: "r1/orders", Items: lines("1"), Total: decimal.NewFromInt(1)},
	} {
		if _, err := env.reconciler.CreatePaymentLink(context.Background(), req); !errors.Is(err, utils.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestCreatePaymentLink_SessionFailureRemovesPending(t *testing.T) {
	env := newTestEnv(t)
	env.processor.SessionErr = errors.New("processor unavailable")

	_, err := env.reconciler.CreatePaymentLink(context.Background(), PendingOrderRequest{
		RestaurantId: "r1", Items: lines("5.00"), Total: decimal.NewFromInt(5),
	})
	if !errors.Is(err, utils.ErrUpstreamPayment) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	recs, _ := env.store.List(context.Background(), "pendingOrders")
	if len(recs) != 0 {
		t.Fatalf("pending order should be removed after session failure")
	}
}

func TestCapture(t *testing.T) {
	t.Run("succeeded finalizes", func(t *testing.T) {
		env := newTestEnv(t)
		pending := env.stagePending(t, "12.00")
		res, err := env.reconciler.Capture(context.Background(), CaptureRequest{
			PaymentMethodRef: "pm_card_visa",
			Amount:           decimal.RequireFromString("12"),
			Metadata:         CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r1"},
		})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if res.Status != "succeeded" || res.OrderRef != FinalizedOrderId(pending.ID) {
			t.Fatalf("unexpected result %+v", res)
		}
		if env.processor.Intents[0].Amount != 1200 {
			t.Fatalf("expected 1200 minor units, got %d", env.processor.Intents[0].Amount)
		}
		if key := env.processor.Intents[0].IdempotencyKey; key != captureIdempotencyKey(pending.ID, "pm_card_visa") {
			t.Fatalf("unexpected idempotency key %q", key)
		}
		order, err := env.reconciler.GetOrder(context.Background(), "r1", res.OrderRef)
		if err != nil || order.PaymentRef == "" {
			t.Fatalf("order not stored: %v", err)
		}
	})

	t.Run("requires action does not finalize", func(t *testing.T) {
		env := newTestEnv(t)
		env.processor.IntentStatus = payment.PaymentIntentRequiresAction
		pending := env.stagePending(t, "5")
		res, err := env.reconciler.Capture(context.Background(), CaptureRequest{
			PaymentMethodRef: "pm_3ds",
			Amount:           decimal.NewFromInt(5),
			Metadata:         CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r1"},
		})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if res.Status != "requires_action" || res.ClientSecret == "" || res.OrderRef != "" {
			t.Fatalf("unexpected result %+v", res)
		}
		if env.orderCount(t, "r1") != 0 {
			t.Fatalf("requires_action must not create an order")
		}
	})

	t.Run("timeout does not finalize", func(t *testing.T) {
		env := newTestEnv(t)
		env.processor.IntentHook = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}
		pending := env.stagePending(t, "5")
		_, err := env.reconciler.Capture(context.Background(), CaptureRequest{
			PaymentMethodRef: "pm_slow",
			Amount:           decimal.NewFromInt(5),
			Metadata:         CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r1"},
		})
		if !errors.Is(err, utils.ErrUpstreamPayment) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected upstream timeout, got %v", err)
		}
		if env.orderCount(t, "r1") != 0 {
			t.Fatalf("timeout must not create an order")
		}
		if _, err := env.reconciler.Ledger.Get(context.Background(), pending.ID); err != nil {
			t.Fatalf("pending order must survive a failed capture: %v", err)
		}
	})

	t.Run("failed status is an upstream error", func(t *testing.T) {
		env := newTestEnv(t)
		env.processor.IntentStatus = payment.PaymentIntentFailed
		pending := env.stagePending(t, "5")
		_, err := env.reconciler.Capture(context.Background(), CaptureRequest{
			PaymentMethodRef: "pm_declined",
			Amount:           decimal.NewFromInt(5),
			Metadata:         CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r1"},
		})
		if !errors.Is(err, utils.ErrUpstreamPayment) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t)
		pending := env.stagePending(t, "5")
		cases := []struct {
			req  CaptureRequest
			want error
		}{
			{CaptureRequest{Amount: decimal.NewFromInt(5), Metadata: CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r1"}}, utils.ErrValidation},
			{CaptureRequest{PaymentMethodRef: "pm", Metadata: CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r1"}}, utils.ErrValidation},
			{CaptureRequest{PaymentMethodRef: "pm", Amount: decimal.NewFromInt(5), Metadata: CaptureMetadata{RestaurantId: "r1"}}, utils.ErrValidation},
			{CaptureRequest{PaymentMethodRef: "pm", Amount: decimal.NewFromInt(4), Metadata: CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r1"}}, utils.ErrValidation},
			{CaptureRequest{PaymentMethodRef: "pm", Amount: decimal.NewFromInt(5), Metadata: CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r2"}}, utils.ErrValidation},
			{CaptureRequest{PaymentMethodRef: "pm", Amount: decimal.NewFromInt(5), Metadata: CaptureMetadata{PendingOrderId: "po_missing", RestaurantId: "r1"}}, utils.ErrorRecordNotFound},
			{CaptureRequest{PaymentMethodRef: "pm", Amount: decimal.NewFromInt(5), Metadata: CaptureMetadata{PendingOrderId: pending.ID, RestaurantId: "r1/x"}}, utils.ErrValidation},
			{CaptureRequest{PaymentMethodRef: "pm", Amount: decimal.NewFromInt(5), Metadata: CaptureMetadata{PendingOrderId: "../" + pending.ID, RestaurantId: "r1"}}, utils.ErrValidation},
		}
		for i, tc := range cases {
			if _, err := env.reconciler.Capture(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("case %d: expected %v, got %v", i, tc.want, err)
			}
		}
		if env.processor.IntentCount() != 0 {
			t.Fatalf("processor must not be called for invalid requests")
		}
	})
}

func TestHandleWebhook(t *testing.T) {
	t.Run("bad signature has no side effects", func(t *testing.T) {
		env := newTestEnv(t)
		pending := env.stagePending(t, "5")
		payload, _ := env.processor.SignedEvent(payment.WebhookEvent{
			Type:          payment.EventCheckoutSessionCompleted,
			PaymentStatus: "paid",
			Metadata:      map[string]string{payment.MetadataPendingOrderId: pending.ID, payment.MetadataRestaurantId: "r1"},
		})
		_, err := env.reconciler.HandleWebhook(context.Background(), payload, "forged")
		if !errors.Is(err, utils.ErrInvalidSignature) {
			t.Fatalf("expected signature error, got %v", err)
		}
		if env.orderCount(t, "r1") != 0 {
			t.Fatalf("no order may be created on a forged webhook")
		}
	})

	t.Run("checkout completed finalizes", func(t *testing.T) {
		env := newTestEnv(t)
		pending := env.stagePending(t, "5")
		payload, sig := env.processor.SignedEvent(payment.WebhookEvent{
			ID:            "evt_1",
			Type:          payment.EventCheckoutSessionCompleted,
			PaymentStatus: "paid",
			SessionId:     "cs_1",
			PaymentRef:    "pi_1",
			Metadata:      map[string]string{payment.MetadataPendingOrderId: pending.ID, payment.MetadataRestaurantId: "r1"},
		})
		order, err := env.reconciler.HandleWebhook(context.Background(), payload, sig)
		if err != nil {
			t.Fatalf("webhook: %v", err)
		}
		if order == nil || order.SessionId != "cs_1" || order.Status != models.OrderStatusPaid {
			t.Fatalf("unexpected order %+v", order)
		}

		// the matching payment_intent.succeeded arrives too
		payload, sig = env.processor.SignedEvent(payment.WebhookEvent{
			ID:         "evt_2",
			Type:       payment.EventPaymentIntentSucceeded,
			PaymentRef: "pi_1",
			Metadata:   map[string]string{payment.MetadataPendingOrderId: pending.ID, payment.MetadataRestaurantId: "r1"},
		})
		again, err := env.reconciler.HandleWebhook(context.Background(), payload, sig)
		if err != nil {
			t.Fatalf("second webhook: %v", err)
		}
		if again == nil || again.ID != order.ID || env.orderCount(t, "r1") != 1 {
			t.Fatalf("second settlement must converge on the same order")
		}
	})

	t.Run("ignored events", func(t *testing.T) {
		env := newTestEnv(t)
		pending := env.stagePending(t, "5")
		for _, event := range []payment.WebhookEvent{
			{Type: "customer.created"},
			{Type: payment.EventCheckoutSessionCompleted, PaymentStatus: "unpaid", Metadata: map[string]string{payment.MetadataPendingOrderId: pending.ID, payment.MetadataRestaurantId: "r1"}},
			{Type: payment.EventPaymentIntentSucceeded},
		} {
			payload, sig := env.processor.SignedEvent(event)
			order, err := env.reconciler.HandleWebhook(context.Background(), payload, sig)
			if err != nil || order != nil {
				t.Fatalf("event %+v should be acknowledged without effect: order=%v err=%v", event, order, err)
			}
		}
		if env.orderCount(t, "r1") != 0 {
			t.Fatalf("ignored events must not create orders")
		}
	})
}

func TestFinalize_Twice_OneOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pending := env.stagePending(t, "9.99")

	first, err := env.reconciler.Finalize(ctx, pending.ID, "r1", ProcessorRef{PaymentRef: "pi_1"})
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	second, err := env.reconciler.Finalize(ctx, pending.ID, "r1", ProcessorRef{PaymentRef: "pi_1"})
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if first.ID != second.ID || env.orderCount(t, "r1") != 1 {
		t.Fatalf("finalize twice produced distinct orders")
	}
	if !first.Total.Equal(decimal.RequireFromString("9.99")) || first.StatusHistory[models.OrderStatusPending].IsZero() {
		t.Fatalf("order not frozen from pending: %+v", first)
	}
	if _, err := env.reconciler.Ledger.Get(ctx, pending.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("pending entry should be gone, got %v", err)
	}
	if n := len(env.events.Events()); n != 1 || env.events.Events()[0].Type != EventOrderPaid {
		t.Fatalf("expected exactly one order.paid event, got %d", n)
	}
}

// Crash between order write and pending delete: the retry must not create a
// second order.
func TestFinalize_RetryAfterPartialFinalize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pending := env.stagePending(t, "5")

	order := models.OrderFromPending(FinalizedOrderId(pending.ID), pending, "", "pi_1", time.Now().UTC())
	if _, _, err := env.reconciler.Orders.Create(ctx, order); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	got, err := env.reconciler.Finalize(ctx, pending.ID, "r1", ProcessorRef{PaymentRef: "pi_1"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got.ID != order.ID || env.orderCount(t, "r1") != 1 {
		t.Fatalf("retry created a duplicate order")
	}
	if _, err := env.reconciler.Ledger.Get(ctx, pending.ID); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("retry should retire the pending entry")
	}
}

func TestFinalize_DuplicateDelivery_IsProcessedOnce(t *testing.T) {
	env := newTestEnv(t)
	pending := env.stagePending(t, "5")

	var wg sync.WaitGroup
	ids := make([]string, 25)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := env.reconciler.Finalize(context.Background(), pending.ID, "r1", ProcessorRef{PaymentRef: "pi_1"})
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			if order != nil {
				ids[i] = order.ID
			}
		}(i)
	}
	wg.Wait()

	if env.orderCount(t, "r1") != 1 {
		t.Fatalf("expected exactly 1 order, got %d", env.orderCount(t, "r1"))
	}
	for _, id := range ids {
		if id != "" && id != FinalizedOrderId(pending.ID) {
			t.Fatalf("unexpected order id %s", id)
		}
	}
	if n := len(env.events.Events()); n != 1 {
		t.Fatalf("expected one order.paid event, got %d", n)
	}
}

// The second delivery finds the order by id even when the metadata names
// the wrong restaurant.
func TestFinalize_Redelivery_WrongRestaurantMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pending := env.stagePending(t, "5")

	first, err := env.reconciler.Finalize(ctx, pending.ID, "r2", ProcessorRef{PaymentRef: "pi_1"})
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if first.RestaurantId != "r1" {
		t.Fatalf("order must belong to the pending order's restaurant, got %s", first.RestaurantId)
	}
	second, err := env.reconciler.Finalize(ctx, pending.ID, "r2", ProcessorRef{PaymentRef: "pi_1"})
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if second == nil || second.ID != first.ID || second.RestaurantId != "r1" {
		t.Fatalf("redelivery should return the existing order, got %+v", second)
	}
	if env.orderCount(t, "r1") != 1 {
		t.Fatalf("expected one order, got %d", env.orderCount(t, "r1"))
	}
}

func TestFinalize_AfterSweep_NoOp(t *testing.T) {
	env := newTestEnv(t)
	order, err := env.reconciler.Finalize(context.Background(), "po_gone", "r1", ProcessorRef{})
	if err != nil || order != nil {
		t.Fatalf("finalize of a swept pending order should be a no-op: order=%v err=%v", order, err)
	}
}

func TestFinalizedOrderId_Deterministic(t *testing.T) {
	a := FinalizedOrderId("po_1_abc")
	if a != FinalizedOrderId("po_1_abc") || a == FinalizedOrderId("po_1_abd") {
		t.Fatalf("order id must be a pure function of the pending id")
	}
	if len(a) != len("ord_")+24 {
		t.Fatalf("unexpected length %d", len(a))
	}
}

func TestUpdateOrderStatusAndRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pending := env.stagePending(t, "10")
	order, err := env.reconciler.Finalize(ctx, pending.ID, "r1", ProcessorRef{PaymentRef: "pi_1"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := env.reconciler.UpdateOrderStatus(ctx, "r1", order.ID, "refunded"); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("refunded is not client settable, got %v", err)
	}
	if _, err := env.reconciler.UpdateOrderStatus(ctx, "r1", "ord_missing", "ready"); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	updated, err := env.reconciler.UpdateOrderStatus(ctx, "r1", order.ID, "ready")
	if err != nil || updated.Status != models.OrderStatusReady {
		t.Fatalf("update status: %v", err)
	}

	env.processor.RefundErr = errors.New("declined")
	if _, err := env.reconciler.RefundOrder(ctx, "r1", order.ID, nil); !errors.Is(err, utils.ErrUpstreamPayment) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	env.processor.RefundErr = nil

	over := decimal.NewFromInt(11)
	if _, err := env.reconciler.RefundOrder(ctx, "r1", order.ID, &over); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("over-refund must be rejected, got %v", err)
	}
	part := decimal.NewFromInt(3)
	partial, err := env.reconciler.RefundOrder(ctx, "r1", order.ID, &part)
	if err != nil || partial.Status == models.OrderStatusRefunded {
		t.Fatalf("partial refund: %v", err)
	}
	full, err := env.reconciler.RefundOrder(ctx, "r1", order.ID, nil)
	if err != nil || full.Status != models.OrderStatusRefunded {
		t.Fatalf("full refund: %v", err)
	}
	if env.processor.Refunds[1] != 700 {
		t.Fatalf("remaining balance should be 700 minor units, got %d", env.processor.Refunds[1])
	}
	if _, err := env.reconciler.RefundOrder(ctx, "r1", order.ID, nil); !errors.Is(err, utils.ErrPreconditionFailed) {
		t.Fatalf("nothing left to refund, got %v", err)
	}
}
