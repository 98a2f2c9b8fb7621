package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	tickets := NewTickets("secret", time.Hour)

	token, err := tickets.Issue("R1", "Alice", "conn-1")
	require.NoError(t, err)

	claims, err := tickets.Verify(token, "R1")
	require.NoError(t, err)
	require.Equal(t, "R1", claims.RoomID)
	require.Equal(t, "Alice", claims.Username)
	require.Equal(t, "conn-1", claims.Subject)
}

func TestVerifyRejectsOtherRoom(t *testing.T) {
	tickets := NewTickets("secret", time.Hour)
	token, err := tickets.Issue("R1", "Alice", "conn-1")
	require.NoError(t, err)

	_, err = tickets.Verify(token, "R2")
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	token, err := NewTickets("one", time.Hour).Issue("R1", "Alice", "conn-1")
	require.NoError(t, err)

	_, err = NewTickets("two", time.Hour).Verify(token, "R1")
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tickets := NewTickets("secret", time.Minute)
	tickets.nowFn = func() time.Time { return now }

	token, err := tickets.Issue("R1", "Alice", "conn-1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = tickets.Verify(token, "R1")
	require.ErrorIs(t, err, ErrInvalidTicket)

	_, err = tickets.Verify("garbage", "R1")
	require.ErrorIs(t, err, ErrInvalidTicket)
}
