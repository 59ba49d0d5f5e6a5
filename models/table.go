package models

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/store"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/google/uuid"
)

type TableStatus string

const (
	TableStatusAvailable TableStatus = "available"
	TableStatusOccupied  TableStatus = "occupied"
)

type CustomerInfo struct {
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Guests int    `json:"guests,omitempty"`
}

type Table struct {
	ID           string        `json:"id"`
	RestaurantId string        `json:"restaurantId"`
	Name         string        `json:"name"`
	Items        []LineItem    `json:"items"`
	Status       TableStatus   `json:"status"`
	IsActive     bool          `json:"isActive"`
	CustomerInfo *CustomerInfo `json:"customerInfo"`
	Notes        *string       `json:"notes"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func (t *Table) SetVersion(v time.Time) {
	t.UpdatedAt = v
	if t.CreatedAt.IsZero() {
		t.CreatedAt = v
	}
}

// setItems keeps status in step with items; every write goes through it.
func (t *Table) setItems(items []LineItem) {
	if items == nil {
		items = []LineItem{}
	}
	t.Items = items
	t.Status = deriveTableStatus(items)
}

func deriveTableStatus(items []LineItem) TableStatus {
	if len(items) > 0 {
		return TableStatusOccupied
	}
	return TableStatusAvailable
}

type NewTable struct {
	Name  string     `json:"name"`
	Items []LineItem `json:"items"`
}

// TablePatch applies only the fields that are present. customerInfo and notes
// may be sent as null to clear them.
type TablePatch struct {
	Name              *string                `json:"name"`
	Items             *[]LineItem            `json:"items"`
	CustomerInfo      Optional[CustomerInfo] `json:"customerInfo"`
	Notes             Optional[string]       `json:"notes"`
	ExpectedUpdatedAt *time.Time             `json:"expectedUpdatedAt"`
}

func (input NewTable) validate() error {
	if strings.TrimSpace(input.Name) == "" {
		return utils.NewValidationError("name is required")
	}
	return validateLineItems(input.Items)
}

func (patch TablePatch) validate() error {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return utils.NewValidationError("name must not be empty")
	}
	if patch.Items != nil {
		return validateLineItems(*patch.Items)
	}
	return nil
}

type TableRepository struct {
	store store.Store
}

func NewTableRepository(s store.Store) *TableRepository {
	return &TableRepository{store: s}
}

func tablePath(restaurantId, tableId string) string {
	return store.Join("restaurants", restaurantId, "tables", tableId)
}

func tablesPrefix(restaurantId string) string {
	return store.Join("restaurants", restaurantId, "tables")
}

func tableStoreError(err error, tableId string) error {
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		return &utils.ConflictError{Resource: "table", ID: tableId, CurrentUpdatedAt: conflict.Current}
	case errors.Is(err, store.ErrNotFound):
		return utils.NewNotFoundError("table", tableId)
	}
	return err
}

func (r *TableRepository) Create(ctx context.Context, restaurantId string, input NewTable) (*Table, error) {
	if strings.TrimSpace(restaurantId) == "" {
		return nil, utils.NewValidationError("restaurantId is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	table := &Table{
		ID:           uuid.NewString(),
		RestaurantId: restaurantId,
		Name:         strings.TrimSpace(input.Name),
		IsActive:     true,
	}
	table.setItems(copyLineItems(input.Items))

	created, err := store.Insert(ctx, r.store, tablePath(restaurantId, table.ID), table)
	if err != nil {
		return nil, tableStoreError(err, table.ID)
	}
	return created, nil
}

// Get does not serve soft-deleted tables.
func (r *TableRepository) Get(ctx context.Context, restaurantId, tableId string) (*Table, error) {
	table, _, err := r.load(ctx, restaurantId, tableId)
	return table, err
}

func (r *TableRepository) load(ctx context.Context, restaurantId, tableId string) (*Table, time.Time, error) {
	table, version, err := store.Load[Table](ctx, r.store, tablePath(restaurantId, tableId))
	if err != nil {
		return nil, time.Time{}, tableStoreError(err, tableId)
	}
	if !table.IsActive {
		return nil, time.Time{}, utils.NewNotFoundError("table", tableId)
	}
	return table, version, nil
}

// List returns active tables, newest first.
func (r *TableRepository) List(ctx context.Context, restaurantId string) ([]*Table, error) {
	all, err := store.LoadAll[Table](ctx, r.store, tablesPrefix(restaurantId))
	if err != nil {
		return nil, err
	}
	tables := make([]*Table, 0, len(all))
	for _, t := range all {
		if t.IsActive {
			tables = append(tables, t)
		}
	}
	sort.SliceStable(tables, func(i, j int) bool {
		if tables[i].CreatedAt.Equal(tables[j].CreatedAt) {
			return tables[i].ID < tables[j].ID
		}
		return tables[i].CreatedAt.After(tables[j].CreatedAt)
	})
	return tables, nil
}

func (r *TableRepository) Update(ctx context.Context, restaurantId, tableId string, patch TablePatch) (*Table, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}
	return r.modify(ctx, restaurantId, tableId, patch.ExpectedUpdatedAt, func(t *Table) error {
		if patch.Name != nil {
			t.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Items != nil {
			t.setItems(copyLineItems(*patch.Items))
		}
		if patch.CustomerInfo.Set {
			t.CustomerInfo = patch.CustomerInfo.Value
		}
		if patch.Notes.Set {
			t.Notes = patch.Notes.Value
		}
		return nil
	})
}

func (r *TableRepository) Clear(ctx context.Context, restaurantId, tableId string, expectedUpdatedAt *time.Time) (*Table, error) {
	return r.modify(ctx, restaurantId, tableId, expectedUpdatedAt, func(t *Table) error {
		t.setItems(nil)
		t.CustomerInfo = nil
		t.Notes = nil
		return nil
	})
}

// Delete soft-deletes an empty table. The items check runs inside the
// conditional write so an item added concurrently is never dropped.
func (r *TableRepository) Delete(ctx context.Context, restaurantId, tableId string) (*Table, error) {
	return r.modify(ctx, restaurantId, tableId, nil, func(t *Table) error {
		if len(t.Items) > 0 {
			return &utils.PreconditionFailedError{Message: "has pending items"}
		}
		t.IsActive = false
		return nil
	})
}

func (r *TableRepository) modify(ctx context.Context, restaurantId, tableId string, expected *time.Time, fn func(*Table) error) (*Table, error) {
	updated, err := store.Modify(ctx, r.store, tablePath(restaurantId, tableId), expected, func(t *Table) error {
		if !t.IsActive {
			return utils.NewNotFoundError("table", tableId)
		}
		if t.Items == nil {
			t.Items = []LineItem{}
		}
		return fn(t)
	})
	if err != nil {
		return nil, tableStoreError(err, tableId)
	}
	return updated, nil
}
