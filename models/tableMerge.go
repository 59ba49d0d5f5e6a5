package models

import (
	"context"
	"strings"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/utils"
)

type MergeTables struct {
	SourceTableIds    []string             `json:"sourceTableIds"`
	TargetTableId     string               `json:"targetTableId"`
	NewTableName      *string              `json:"newTableName"`
	ExpectedUpdatedAt map[string]time.Time `json:"expectedUpdatedAt"`
}

func (input MergeTables) validate() error {
	if len(input.SourceTableIds) == 0 {
		return utils.NewValidationError("sourceTableIds must not be empty")
	}
	if strings.TrimSpace(input.TargetTableId) == "" {
		return utils.NewValidationError("targetTableId is required")
	}
	seen := make(map[string]bool, len(input.SourceTableIds))
	for _, id := range input.SourceTableIds {
		if strings.TrimSpace(id) == "" {
			return utils.NewValidationError("sourceTableIds must not contain empty ids")
		}
		if id == input.TargetTableId {
			return utils.NewValidationError("table %s cannot be merged into itself", id)
		}
		if seen[id] {
			return utils.NewValidationError("table %s is listed more than once", id)
		}
		seen[id] = true
	}
	for id := range input.ExpectedUpdatedAt {
		if id != input.TargetTableId && !seen[id] {
			return utils.NewValidationError("expectedUpdatedAt names table %s which is not part of the merge", id)
		}
	}
	return nil
}

type loadedTable struct {
	table   *Table
	version time.Time
}

// Merge moves every source table's items onto the target and retires the
// sources. All participants are loaded and checked against the expected
// versions before anything is written; writes then use the loaded versions as
// preconditions. The target is written first. If retiring a source fails
// afterwards the target keeps the merged items and a PartialMergeError names
// the sources still active.
func (r *TableRepository) Merge(ctx context.Context, restaurantId string, input MergeTables) (*Table, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	target, err := r.loadForMerge(ctx, restaurantId, input.TargetTableId)
	if err != nil {
		return nil, err
	}
	sources := make([]loadedTable, 0, len(input.SourceTableIds))
	for _, id := range input.SourceTableIds {
		src, err := r.loadForMerge(ctx, restaurantId, id)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	participants := append([]loadedTable{target}, sources...)
	for _, p := range participants {
		expected, ok := input.ExpectedUpdatedAt[p.table.ID]
		if ok && !expected.Equal(p.version) {
			return nil, &utils.ConflictError{Resource: "table", ID: p.table.ID, CurrentUpdatedAt: p.version}
		}
	}

	merged := make([]LineItem, 0)
	for _, src := range sources {
		merged = append(merged, copyLineItems(src.table.Items)...)
	}
	merged = append(merged, copyLineItems(target.table.Items)...)

	var newName string
	if input.NewTableName != nil {
		newName = strings.TrimSpace(*input.NewTableName)
	}

	targetVersion := target.version
	result, err := r.modify(ctx, restaurantId, target.table.ID, &targetVersion, func(t *Table) error {
		t.setItems(merged)
		if newName != "" {
			t.Name = newName
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var (
		unmerged []string
		firstErr error
	)
	for _, src := range sources {
		version := src.version
		_, err := r.modify(ctx, restaurantId, src.table.ID, &version, func(t *Table) error {
			t.setItems(nil)
			t.CustomerInfo = nil
			t.Notes = nil
			t.IsActive = false
			return nil
		})
		if err != nil {
			unmerged = append(unmerged, src.table.ID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(unmerged) > 0 {
		return result, &utils.PartialMergeError{TargetId: result.ID, UnmergedSources: unmerged, Err: firstErr}
	}
	return result, nil
}

func (r *TableRepository) loadForMerge(ctx context.Context, restaurantId, tableId string) (loadedTable, error) {
	t, version, err := r.load(ctx, restaurantId, tableId)
	if err != nil {
		return loadedTable{}, err
	}
	if t.Items == nil {
		t.Items = []LineItem{}
	}
	return loadedTable{table: t, version: version}, nil
}

// VersionsOf is a convenience for callers building an expectedUpdatedAt map.
func VersionsOf(tables ...*Table) map[string]time.Time {
	out := make(map[string]time.Time, len(tables))
	for _, t := range tables {
		out[t.ID] = t.UpdatedAt
	}
	return out
}
