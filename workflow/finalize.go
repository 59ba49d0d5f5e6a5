package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ProcessorRef identifies the processor objects that settled an order.
type ProcessorRef struct {
	SessionId  string
	PaymentRef string
}

// FinalizedOrderId derives the order id from the pending order id, so every
// delivery of the same settlement targets the same order record.
func FinalizedOrderId(pendingOrderId string) string {
	sum := sha256.Sum256([]byte(pendingOrderId))
	return "ord_" + hex.EncodeToString(sum[:])[:24]
}

// Finalize promotes a pending order to a paid order and retires the pending
// entry. Repeated calls converge on one order: the id is deterministic and
// the order is created only if absent. When the pending entry is already gone
// the existing order (or nil) is returned.
func (r *PaymentReconciler) Finalize(ctx context.Context, pendingOrderId, restaurantId string, ref ProcessorRef) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "PaymentReconciler.Finalize",
		trace.WithAttributes(attribute.String("pending_order.id", pendingOrderId)))
	defer span.End()

	release := utils.ObtainBestEffort(ctx, r.Locker, r.Logger, "finalize:"+pendingOrderId)
	defer release()

	orderId := FinalizedOrderId(pendingOrderId)
	logger := r.Logger.WithFields(logrus.Fields{
		"field":            "Finalize",
		"pending_order_id": pendingOrderId,
		"order_id":         orderId,
	})

	pending, err := r.Ledger.Get(ctx, pendingOrderId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		// look the order up by id; the metadata restaurant may be wrong
		existing, getErr := r.Orders.Locate(ctx, orderId)
		if errors.Is(getErr, utils.ErrorRecordNotFound) {
			logger.Warn("pending order not found and no order exists; already swept or never created")
			return nil, nil
		}
		if getErr != nil {
			recordSpanError(span, getErr)
			return nil, getErr
		}
		logger.Info("pending order already finalized")
		return existing, nil
	}
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	if restaurantId != "" && pending.RestaurantId != restaurantId {
		logger.WithField("metadata_restaurant_id", restaurantId).
			Warn("settlement metadata names a different restaurant; using the pending order's")
	}

	order := models.OrderFromPending(orderId, pending, ref.SessionId, ref.PaymentRef, r.Now().UTC())
	stored, created, err := r.Orders.Create(ctx, order)
	if err != nil {
		config.LogError(r.Logger, "PaymentReconciler", "Finalize", "create order", pendingOrderId, err)
		recordSpanError(span, err)
		return nil, err
	}

	// the order is durable at this point; a failed delete leaves the entry
	// for the next delivery or the sweeper
	if err := r.Ledger.Remove(ctx, pendingOrderId); err != nil {
		config.LogError(r.Logger, "PaymentReconciler", "Finalize", "remove pending order", pendingOrderId, err)
	}

	if created {
		logger.Info("order finalized")
		r.publish(ctx, EventOrderPaid, stored)
	} else {
		logger.Info("order already existed; pending entry retired")
	}
	return stored, nil
}

func (r *PaymentReconciler) GetOrder(ctx context.Context, restaurantId, orderId string) (*models.Order, error) {
	return r.Orders.Get(ctx, restaurantId, orderId)
}

func (r *PaymentReconciler) ListOrders(ctx context.Context, restaurantId string) ([]*models.Order, error) {
	return r.Orders.List(ctx, restaurantId)
}

func (r *PaymentReconciler) UpdateOrderStatus(ctx context.Context, restaurantId, orderId, status string) (*models.Order, error) {
	parsed, err := models.ParseClientOrderStatus(status)
	if err != nil {
		return nil, err
	}
	order, err := r.Orders.UpdateStatus(ctx, restaurantId, orderId, parsed)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, EventOrderStatusChanged, order)
	return order, nil
}

// RefundOrder refunds amount, or the remaining balance when amount is nil.
// Nothing is written unless the processor accepted the refund.
func (r *PaymentReconciler) RefundOrder(ctx context.Context, restaurantId, orderId string, amount *decimal.Decimal) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "PaymentReconciler.RefundOrder",
		trace.WithAttributes(attribute.String("order.id", orderId)))
	defer span.End()

	order, err := r.Orders.Get(ctx, restaurantId, orderId)
	if err != nil {
		return nil, err
	}
	if order.PaymentRef == "" {
		return nil, &utils.PreconditionFailedError{Message: "order has no captured payment to refund"}
	}
	remaining := order.RefundableAmount()
	if !remaining.IsPositive() {
		return nil, &utils.PreconditionFailedError{Message: "order is already fully refunded"}
	}

	refundAmount := remaining
	if amount != nil {
		refundAmount = *amount
	}
	if !refundAmount.IsPositive() || refundAmount.GreaterThan(remaining) {
		return nil, utils.NewValidationError("refund amount must be greater than zero and at most %s", remaining)
	}

	callCtx, cancel := r.paymentContext(ctx)
	defer cancel()
	refundRef, err := r.Processor.Refund(callCtx, order.PaymentRef, utils.ToMinorUnits(refundAmount))
	if err != nil {
		recordSpanError(span, err)
		return nil, utils.NewUpstreamPaymentError("refund payment", err)
	}

	updated, err := r.Orders.AddRefund(ctx, restaurantId, orderId, models.Refund{
		RefundRef: refundRef,
		Amount:    refundAmount,
		CreatedAt: r.Now().UTC(),
	})
	if err != nil {
		config.LogError(r.Logger, "PaymentReconciler", "RefundOrder", "record refund", refundRef, err)
		recordSpanError(span, err)
		return nil, err
	}
	r.publish(ctx, EventOrderRefunded, updated)
	return updated, nil
}
