package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_TerminalSet(t *testing.T) {
	t.Parallel()
	var terminal []Status
	for i := 0; i < NumStatuses; i++ {
		if Status(i).IsTerminal() {
			terminal = append(terminal, Status(i))
		}
	}
	require.Equal(t, []Status{
		StatusCancelled, StatusExpired, StatusCollabCancelled,
		StatusSuccessful, StatusMakerLostDispute, StatusTakerLostDispute,
	}, terminal)
	require.False(t, StatusUnknown.IsTerminal())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StatusPublic, ParseStatus(1))
	assert.Equal(t, StatusTakerLostDispute, ParseStatus(18))
	assert.Equal(t, StatusUnknown, ParseStatus(19))
	assert.Equal(t, StatusUnknown, ParseStatus(-3))
	assert.Equal(t, "Public", StatusPublic.String())
	assert.Equal(t, "Unknown(-1)", StatusUnknown.String())
}

func TestOrder_ExpiredLocally(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o := &Order{Status: StatusPublic, ExpiresAt: now.Add(-time.Minute)}
	require.True(t, o.ExpiredLocally(now))

	o.ExpiresAt = now.Add(time.Minute)
	require.False(t, o.ExpiredLocally(now))

	o = &Order{Status: StatusSuccessful, ExpiresAt: now.Add(-time.Hour)}
	require.False(t, o.ExpiredLocally(now), "terminal orders keep their server status")

	var none *Order
	require.False(t, none.ExpiredLocally(now))
	require.False(t, (&Order{Status: StatusPublic}).ExpiredLocally(now))
}
