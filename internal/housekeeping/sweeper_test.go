package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type failingPurger struct{}

func (failingPurger) PurgeExpiredTokens(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestRunOnceHonoursRetention(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateRefreshToken(ctx, &auth.RefreshToken{ID: "old", UserID: "u", FamilyID: "old", ExpiresAt: t0.Add(-48 * time.Hour)}))
	require.NoError(t, store.CreateRefreshToken(ctx, &auth.RefreshToken{ID: "recent", UserID: "u", FamilyID: "recent", ExpiresAt: t0.Add(-time.Hour)}))
	require.NoError(t, store.CreateRefreshToken(ctx, &auth.RefreshToken{ID: "live", UserID: "u", FamilyID: "live", ExpiresAt: t0.Add(time.Hour)}))

	sw, err := New("@every 1h", 24*time.Hour, WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	sw.Add("memory", store)

	n, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// the expired-but-retained record still exists and still cannot be redeemed
	_, err = store.RedeemRefreshToken(ctx, "recent", t0)
	assert.ErrorIs(t, err, auth.ErrTokenSpent)
	_, err = store.RedeemRefreshToken(ctx, "old", t0)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateVerificationToken(ctx, &auth.VerificationToken{ID: "v", UserID: "u", ExpiresAt: t0.Add(-time.Hour)}))

	sw, err := New("@hourly", 0, WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	sw.Add("broken", failingPurger{})
	sw.Add("memory", store)

	n, err := sw.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.EqualValues(t, 1, n)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New("every now and then", time.Hour)
	require.Error(t, err)
	_, err = New("@hourly", -time.Second)
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	sw, err := New("@every 1h", time.Hour)
	require.NoError(t, err)
	require.NoError(t, sw.Start())
	select {
	case <-sw.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
