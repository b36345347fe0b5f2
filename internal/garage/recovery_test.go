package garage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/robosync/internal/keyderiv"
	"github.com/and161185/robosync/internal/repository/memory"
)

// recoveryFixture: index 0 and 2 have traded, index 4 only has a relay marker.
func recoveryFixture(t *testing.T) (*fakeRegistrar, *fakeMarkers) {
	t.Helper()
	k := testKey(t)
	history := map[string]bool{}
	for _, idx := range []uint32{0, 2} {
		id, err := keyderiv.Derive(k, idx)
		require.NoError(t, err)
		history[id.TokenSHA256] = true
	}
	// beyond the gap, never reached
	far, err := keyderiv.Derive(k, 11)
	require.NoError(t, err)
	history[far.TokenSHA256] = true

	markers := newMarkers()
	sk, _, err := k.NostrKeys()
	require.NoError(t, err)
	require.NoError(t, markers.PublishAccountMarker(context.Background(), sk, 4))
	return &fakeRegistrar{history: history}, markers
}

func TestRecoverFromRelays_FindsActiveAccounts(t *testing.T) {
	t.Parallel()
	reg, markers := recoveryFixture(t)
	g := newGarage(t, WithMarkers(markers))

	res, err := g.RecoverFromRelays(context.Background(), reg)
	require.NoError(t, err)
	require.Equal(t, 3, res.Found)
	require.Equal(t, []uint32{0, 2, 4}, res.Indices)
	require.Equal(t, uint32(10), res.Scanned, "stops after five empty indices")

	require.Len(t, g.Slots(), 3)
	require.Equal(t, uint32(5), g.NextIndex())
	cur, ok := g.Current()
	require.True(t, ok)
	require.Equal(t, uint32(4), cur.AccountIndex())

	r, ok := g.Slots()[0].Robot("a")
	require.True(t, ok)
	require.Equal(t, int64(77), r.LastOrderID)
}

func TestRecoverFromRelays_MarkerBeyondGap(t *testing.T) {
	t.Parallel()
	markers := newMarkers()
	sk, _, err := testKey(t).NostrKeys()
	require.NoError(t, err)
	for _, idx := range []uint32{0, 10} {
		require.NoError(t, markers.PublishAccountMarker(context.Background(), sk, idx))
	}
	g := newGarage(t, WithMarkers(markers))

	res, err := g.RecoverFromRelays(context.Background(), &fakeRegistrar{})
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 10}, res.Indices)
	require.Equal(t, uint32(16), res.Scanned, "gap counted again after the last marker")
	require.Equal(t, uint32(11), g.NextIndex())
}

func TestRecoverFromRelays_Idempotent(t *testing.T) {
	t.Parallel()
	reg, markers := recoveryFixture(t)
	repo := memory.NewSlotRepo()
	g := newGarage(t, WithMarkers(markers), WithRepository(repo))
	ctx := context.Background()

	first, err := g.RecoverFromRelays(ctx, reg)
	require.NoError(t, err)
	tokens := func() []string {
		var out []string
		for _, s := range g.Slots() {
			out = append(out, s.Token())
		}
		return out
	}
	before := tokens()

	second, err := g.RecoverFromRelays(ctx, reg)
	require.NoError(t, err)
	require.Equal(t, first.Indices, second.Indices)
	require.Equal(t, before, tokens())

	// a fresh garage on the same storage recovers the same set
	g2 := newGarage(t, WithMarkers(markers), WithRepository(repo))
	third, err := g2.RecoverFromRelays(ctx, reg)
	require.NoError(t, err)
	require.Equal(t, first.Indices, third.Indices)
}

func TestRecoverFromRelays_NothingFound(t *testing.T) {
	t.Parallel()
	g := newGarage(t, WithRecoveryGap(3))
	res, err := g.RecoverFromRelays(context.Background(), &fakeRegistrar{})
	require.NoError(t, err)
	require.Zero(t, res.Found)
	require.Equal(t, uint32(3), res.Scanned)
	require.Empty(t, g.Slots())
	require.Zero(t, g.NextIndex())
}

func TestRecoverFromRelays_LegacyScansOnlyIndexZero(t *testing.T) {
	t.Parallel()
	g := New()
	require.NoError(t, g.SetMasterSecret(context.Background(), "Zq8rT2mVx7LpN4kW9cHy3BdF6gJs1QaE5uR0oIeK"))
	id, err := keyderiv.Derive(mustLegacy(t), 0)
	require.NoError(t, err)

	res, err := g.RecoverFromRelays(context.Background(), &fakeRegistrar{history: map[string]bool{id.TokenSHA256: true}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Found)
	require.Equal(t, uint32(1), res.Scanned)
}

func mustLegacy(t *testing.T) keyderiv.LegacyToken {
	t.Helper()
	tok, err := keyderiv.NewLegacyToken("Zq8rT2mVx7LpN4kW9cHy3BdF6gJs1QaE5uR0oIeK")
	require.NoError(t, err)
	return tok
}
