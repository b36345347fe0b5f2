package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/robosync/internal/errs"
	"github.com/and161185/robosync/internal/model"
)

func TestSlotRepo_TombstonesKeepIndex(t *testing.T) {
	t.Parallel()
	r := NewSlotRepo()
	ctx := context.Background()

	n, err := r.NextAccountIndex(ctx, "g")
	require.NoError(t, err)
	require.Zero(t, n)

	for _, idx := range []uint32{0, 1, 2} {
		require.NoError(t, r.SaveSlot(ctx, model.SlotRecord{GarageID: "g", AccountIndex: idx,
			Robots: []model.Robot{{ShortAlias: "temple"}}}))
	}
	require.NoError(t, r.SaveSlot(ctx, model.SlotRecord{GarageID: "other", AccountIndex: 9}))

	require.NoError(t, r.DeleteSlot(ctx, "g", 2))
	require.ErrorIs(t, r.DeleteSlot(ctx, "g", 2), errs.ErrNotFound)

	recs, err := r.ListSlots(ctx, "g")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint32(1), recs[1].AccountIndex)

	n, err = r.NextAccountIndex(ctx, "g")
	require.NoError(t, err)
	require.Equal(t, uint32(3), n, "deleted index is not reused")

	require.NoError(t, r.WipeGarage(ctx, "g"))
	n, _ = r.NextAccountIndex(ctx, "g")
	require.Zero(t, n)
	recs, _ = r.ListSlots(ctx, "other")
	require.Len(t, recs, 1)
}
