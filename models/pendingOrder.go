package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/store"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const PendingOrderStatus = "pending"

// PendingOrder stages an order while its payment is in flight. It is written
// once and then either promoted to an Order or swept.
type PendingOrder struct {
	ID           string          `json:"id"`
	RestaurantId string          `json:"restaurantId"`
	Items        []LineItem      `json:"items"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Discount     decimal.Decimal `json:"discount"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	Status       string          `json:"status"`
	OrderType    string          `json:"orderType,omitempty"`
	TableId      string          `json:"tableId,omitempty"`
	CustomerInfo *CustomerInfo   `json:"customerInfo,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func (p *PendingOrder) SetVersion(v time.Time) {
	p.UpdatedAt = v
	if p.CreatedAt.IsZero() {
		p.CreatedAt = v
	}
}

type NewPendingOrder struct {
	RestaurantId string
	Items        []LineItem
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	Total        decimal.Decimal
	OrderType    string
	TableId      string
	CustomerInfo *CustomerInfo
}

type PendingOrderLedger struct {
	store store.Store
	Now   func() time.Time
}

func NewPendingOrderLedger(s store.Store) *PendingOrderLedger {
	return &PendingOrderLedger{store: s, Now: time.Now}
}

const pendingOrdersPrefix = "pendingOrders"

func pendingOrderPath(id string) string {
	return store.Join(pendingOrdersPrefix, id)
}

// NewPendingOrderId combines a millisecond timestamp with a random suffix so
// ids are unique without a central sequence.
func NewPendingOrderId(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("po_%d_%s", now.UnixMilli(), suffix)
}

// ValidateId rejects ids that cannot be used as a single store path segment.
func ValidateId(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return utils.NewValidationError("%s is required", field)
	}
	if strings.Contains(id, "/") {
		return utils.NewValidationError("%s must not contain '/'", field)
	}
	return nil
}

func (l *PendingOrderLedger) Create(ctx context.Context, input NewPendingOrder) (*PendingOrder, error) {
	if err := ValidateId("restaurantId", input.RestaurantId); err != nil {
		return nil, err
	}
	if len(input.Items) == 0 {
		return nil, utils.NewValidationError("items must not be empty")
	}
	if err := validateLineItems(input.Items); err != nil {
		return nil, err
	}

	now := l.Now().UTC()
	pending := &PendingOrder{
		ID:           NewPendingOrderId(now),
		RestaurantId: input.RestaurantId,
		Items:        copyLineItems(input.Items),
		Subtotal:     input.Subtotal,
		Discount:     input.Discount,
		TotalAmount:  input.Total,
		Status:       PendingOrderStatus,
		OrderType:    input.OrderType,
		TableId:      input.TableId,
		CustomerInfo: input.CustomerInfo,
		CreatedAt:    now,
	}
	return store.Insert(ctx, l.store, pendingOrderPath(pending.ID), pending)
}

func (l *PendingOrderLedger) Get(ctx context.Context, id string) (*PendingOrder, error) {
	pending, _, err := store.Load[PendingOrder](ctx, l.store, pendingOrderPath(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, utils.NewNotFoundError("pending order", id)
		}
		return nil, err
	}
	return pending, nil
}

// Remove is a no-op when the entry is already gone.
func (l *PendingOrderLedger) Remove(ctx context.Context, id string) error {
	return l.store.Delete(ctx, pendingOrderPath(id))
}

func (l *PendingOrderLedger) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*PendingOrder, error) {
	all, err := store.LoadAll[PendingOrder](ctx, l.store, pendingOrdersPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*PendingOrder, 0)
	for _, p := range all {
		if !p.CreatedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}
