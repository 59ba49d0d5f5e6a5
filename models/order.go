package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/store"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// statuses a client may set; paid and refunded are only reached through
// payment settlement and refunds
var clientOrderStatuses = map[OrderStatus]bool{
	OrderStatusPending:   true,
	OrderStatusAccepted:  true,
	OrderStatusPreparing: true,
	OrderStatusReady:     true,
	OrderStatusCompleted: true,
	OrderStatusCancelled: true,
}

// ParseClientOrderStatus accepts only the exact lower-case status names.
func ParseClientOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !clientOrderStatuses[status] {
		return "", utils.NewValidationError("invalid order status %q", s)
	}
	return status, nil
}

type Refund struct {
	RefundRef string          `json:"refundRef"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Order struct {
	ID             string                    `json:"id"`
	RestaurantId   string                    `json:"restaurantId"`
	Items          []LineItem                `json:"items"`
	Subtotal       decimal.Decimal           `json:"subtotal"`
	Discount       decimal.Decimal           `json:"discount"`
	Tax            decimal.Decimal           `json:"tax"`
	Total          decimal.Decimal           `json:"total"`
	Status         OrderStatus               `json:"status"`
	StatusHistory  map[OrderStatus]time.Time `json:"statusHistory"`
	OrderType      string                    `json:"orderType,omitempty"`
	TableId        string                    `json:"tableId,omitempty"`
	CustomerInfo   *CustomerInfo             `json:"customerInfo,omitempty"`
	SessionId      string                    `json:"sessionId"`
	PaymentRef     string                    `json:"paymentRef,omitempty"`
	PendingOrderId string                    `json:"pendingOrderId"`
	Refunds        []Refund                  `json:"refunds,omitempty"`
	CreatedAt      time.Time                 `json:"createdAt"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

func (o *Order) SetVersion(v time.Time) {
	o.UpdatedAt = v
	if o.CreatedAt.IsZero() {
		o.CreatedAt = v
	}
}

func (o *Order) RefundedAmount() decimal.Decimal {
	total := decimal.Zero
	for _, r := range o.Refunds {
		total = total.Add(r.Amount)
	}
	return total
}

func (o *Order) RefundableAmount() decimal.Decimal {
	return o.Total.Sub(o.RefundedAmount())
}

// OrderFromPending freezes the pending order's lines and amounts into a paid
// order.
func OrderFromPending(orderId string, pending *PendingOrder, sessionId, paymentRef string, paidAt time.Time) *Order {
	return &Order{
		ID:           orderId,
		RestaurantId: pending.RestaurantId,
		Items:        copyLineItems(pending.Items),
		Subtotal:     pending.Subtotal,
		Discount:     pending.Discount,
		Tax:          decimal.Zero,
		Total:        pending.TotalAmount,
		Status:       OrderStatusPaid,
		StatusHistory: map[OrderStatus]time.Time{
			OrderStatusPending: pending.CreatedAt,
			OrderStatusPaid:    paidAt,
		},
		OrderType:      pending.OrderType,
		TableId:        pending.TableId,
		CustomerInfo:   pending.CustomerInfo,
		SessionId:      sessionId,
		PaymentRef:     paymentRef,
		PendingOrderId: pending.ID,
		CreatedAt:      paidAt,
	}
}

type OrderBook struct {
	store store.Store
	Now   func() time.Time
}

func NewOrderBook(s store.Store) *OrderBook {
	return &OrderBook{store: s, Now: time.Now}
}

func orderPath(restaurantId, orderId string) string {
	return store.Join("restaurants", restaurantId, "orders", orderId)
}

// orderLocation maps an order id to its restaurant so an order can be found
// from its id alone.
type orderLocation struct {
	OrderId      string    `json:"orderId"`
	RestaurantId string    `json:"restaurantId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (l *orderLocation) SetVersion(v time.Time) { l.UpdatedAt = v }

func orderLocationPath(orderId string) string {
	return store.Join("orderLocations", orderId)
}

func orderStoreError(err error, orderId string) error {
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		return &utils.ConflictError{Resource: "order", ID: orderId, CurrentUpdatedAt: conflict.Current}
	case errors.Is(err, store.ErrNotFound):
		return utils.NewNotFoundError("order", orderId)
	}
	return err
}

func (b *OrderBook) Get(ctx context.Context, restaurantId, orderId string) (*Order, error) {
	order, _, err := store.Load[Order](ctx, b.store, orderPath(restaurantId, orderId))
	if err != nil {
		return nil, orderStoreError(err, orderId)
	}
	return order, nil
}

// Locate returns the order with this id from whichever restaurant owns it.
func (b *OrderBook) Locate(ctx context.Context, orderId string) (*Order, error) {
	loc, _, err := store.Load[orderLocation](ctx, b.store, orderLocationPath(orderId))
	if err != nil {
		return nil, orderStoreError(err, orderId)
	}
	return b.Get(ctx, loc.RestaurantId, orderId)
}

func (b *OrderBook) List(ctx context.Context, restaurantId string) ([]*Order, error) {
	orders, err := store.LoadAll[Order](ctx, b.store, store.Join("restaurants", restaurantId, "orders"))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// Create writes the order only if its id is unused. When the id is taken the
// stored order is returned with created=false.
func (b *OrderBook) Create(ctx context.Context, order *Order) (*Order, bool, error) {
	// the location goes first; an order is never stored without one
	loc := &orderLocation{OrderId: order.ID, RestaurantId: order.RestaurantId}
	if _, err := store.Insert(ctx, b.store, orderLocationPath(order.ID), loc); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return nil, false, err
	}

	created, err := store.Insert(ctx, b.store, orderPath(order.RestaurantId, order.ID), order)
	if err == nil {
		return created, true, nil
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		existing, getErr := b.Get(ctx, order.RestaurantId, order.ID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	return nil, false, err
}

func (b *OrderBook) UpdateStatus(ctx context.Context, restaurantId, orderId string, status OrderStatus) (*Order, error) {
	now := b.Now().UTC()
	updated, err := store.Modify(ctx, b.store, orderPath(restaurantId, orderId), nil, func(o *Order) error {
		o.Status = status
		if o.StatusHistory == nil {
			o.StatusHistory = make(map[OrderStatus]time.Time)
		}
		o.StatusHistory[status] = now
		return nil
	})
	if err != nil {
		return nil, orderStoreError(err, orderId)
	}
	return updated, nil
}

// AddRefund records a processor refund. The order moves to refunded once the
// full total has been returned.
func (b *OrderBook) AddRefund(ctx context.Context, restaurantId, orderId string, refund Refund) (*Order, error) {
	now := b.Now().UTC()
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = now
	}
	updated, err := store.Modify(ctx, b.store, orderPath(restaurantId, orderId), nil, func(o *Order) error {
		o.Refunds = append(o.Refunds, refund)
		if !o.RefundableAmount().IsPositive() {
			o.Status = OrderStatusRefunded
			if o.StatusHistory == nil {
				o.StatusHistory = make(map[OrderStatus]time.Time)
			}
			o.StatusHistory[OrderStatusRefunded] = now
		}
		return nil
	})
	if err != nil {
		return nil, orderStoreError(err, orderId)
	}
	return updated, nil
}
