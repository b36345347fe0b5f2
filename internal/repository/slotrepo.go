// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/robosync/internal/model"
)

// SlotRepository persists identity slots and their per-coordinator robots.
// Tokens are never stored; slots are keyed by (garage, account index).
type SlotRepository interface {
	// SaveSlot inserts or updates a slot and replaces its robot rows.
	SaveSlot(ctx context.Context, rec model.SlotRecord) error

	// ListSlots returns the live slots of a garage ordered by account index.
	ListSlots(ctx context.Context, garageID string) ([]model.SlotRecord, error)

	// DeleteSlot tombstones a slot so its index is never handed out again.
	DeleteSlot(ctx context.Context, garageID string, accountIndex uint32) error

	// NextAccountIndex returns one past the highest index ever saved, tombstones included.
	NextAccountIndex(ctx context.Context, garageID string) (uint32, error)

	// WipeGarage removes every row of a garage.
	WipeGarage(ctx context.Context, garageID string) error
}
