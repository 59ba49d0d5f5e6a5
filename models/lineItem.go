package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/shopspring/decimal"
)

type ItemModifier struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// LineItem is a menu line as ordered. Lines are never coalesced: two
// identical lines stay two lines.
type LineItem struct {
	ItemId    string          `json:"itemId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Note      string          `json:"note,omitempty"`
	Modifiers []ItemModifier  `json:"modifiers,omitempty"`
}

// UnitPrice is the base price plus every modifier.
func (l LineItem) UnitPrice() decimal.Decimal {
	total := l.Price
	for _, m := range l.Modifiers {
		total = total.Add(m.Price)
	}
	return total
}

func (l LineItem) LineTotal() decimal.Decimal {
	return l.UnitPrice().Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Signature identifies a menu line independent of quantity, so the same dish
// with the same modifiers maps to the same processor product.
func (l LineItem) Signature() string {
	names := make([]string, 0, len(l.Modifiers))
	for _, m := range l.Modifiers {
		names = append(names, strings.ToLower(strings.TrimSpace(m.Name)))
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(l.ItemId + "|" + strings.TrimSpace(l.Name) + "|" + strings.Join(names, ",")))
	return hex.EncodeToString(sum[:])[:32]
}

func validateLineItems(items []LineItem) error {
	for i, item := range items {
		if strings.TrimSpace(item.ItemId) == "" {
			return utils.NewValidationError("items[%d].itemId is required", i)
		}
		if item.Quantity < 1 {
			return utils.NewValidationError("items[%d].quantity must be at least 1", i)
		}
		if item.Price.IsNegative() {
			return utils.NewValidationError("items[%d].price must not be negative", i)
		}
	}
	return nil
}

func SumLineItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

func copyLineItems(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	for _, item := range items {
		if item.Modifiers != nil {
			item.Modifiers = append([]ItemModifier(nil), item.Modifiers...)
		}
		out = append(out, item)
	}
	return out
}
