// Package memory is a process-local SlotRepository used when no database is configured.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

type key struct {
	garage string
	index  uint32
}

// SlotRepo keeps slot records in a map.
type SlotRepo struct {
	mu    sync.Mutex
	slots map[key]model.SlotRecord
}

// NewSlotRepo returns an empty repository.
func NewSlotRepo() *SlotRepo { return &SlotRepo{slots: make(map[key]model.SlotRecord)} }

func (r *SlotRepo) SaveSlot(_ context.Context, rec model.SlotRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{rec.GarageID, rec.AccountIndex}
	if prev, ok := r.slots[k]; ok && !prev.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	rec.Deleted = false
	rec.Robots = slices.Clone(rec.Robots)
	r.slots[k] = rec
	return nil
}

func (r *SlotRepo) ListSlots(_ context.Context, garageID string) ([]model.SlotRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SlotRecord
	for k, rec := range r.slots {
		if k.garage == garageID && !rec.Deleted {
			rec.Robots = slices.Clone(rec.Robots)
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b model.SlotRecord) int { return int(a.AccountIndex) - int(b.AccountIndex) })
	return out, nil
}

func (r *SlotRepo) DeleteSlot(_ context.Context, garageID string, accountIndex uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{garageID, accountIndex}
	rec, ok := r.slots[k]
	if !ok || rec.Deleted {
		return errs.ErrNotFound
	}
	rec.Deleted = true
	rec.Robots = nil
	rec.UpdatedAt = time.Now()
	r.slots[k] = rec
	return nil
}

func (r *SlotRepo) NextAccountIndex(_ context.Context, garageID string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next uint32
	for k := range r.slots {
		if k.garage == garageID && k.index+1 > next {
			next = k.index + 1
		}
	}
	return next, nil
}

func (r *SlotRepo) WipeGarage(_ context.Context, garageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.slots {
		if k.garage == garageID {
			delete(r.slots, k)
		}
	}
	return nil
}
