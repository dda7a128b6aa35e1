package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantrykit.org/internal/auth"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupRedisStoreTest(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	mr.SetTime(t0)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, "test:"), mr
}

func refresh(id, family string) *auth.RefreshToken {
	return &auth.RefreshToken{ID: id, UserID: "u1", FamilyID: family, IssuedAt: t0, ExpiresAt: t0.Add(time.Hour)}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	s, mr := setupRedisStoreTest(t)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.CreateRefreshToken(ctx, refresh("rt1", "rt1")))
	require.ErrorIs(t, s.CreateRefreshToken(ctx, refresh("rt1", "rt1")), auth.ErrConflict)
	assert.True(t, mr.Exists("test:rt:rt1"))
	assert.True(t, mr.Exists("test:rtfam:rt1"))

	rec, err := s.RedeemRefreshToken(ctx, "rt1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	require.NotNil(t, rec.RedeemedAt)
	assert.Equal(t, t0.Add(time.Minute), *rec.RedeemedAt)

	rec, err = s.RedeemRefreshToken(ctx, "rt1", t0.Add(2*time.Minute))
	require.ErrorIs(t, err, auth.ErrTokenSpent)
	assert.Equal(t, t0.Add(time.Minute), *rec.RedeemedAt, "replay must not move the redemption time")

	_, err = s.RedeemRefreshToken(ctx, "missing", t0)
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRedeemRejectsExpired(t *testing.T) {
	ctx := context.Background()
	s, _ := setupRedisStoreTest(t)
	require.NoError(t, s.CreateRefreshToken(ctx, refresh("rt", "rt")))

	_, err := s.RedeemRefreshToken(ctx, "rt", t0.Add(time.Hour))
	require.ErrorIs(t, err, auth.ErrTokenSpent)
}

func TestConcurrentRedeemHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s, _ := setupRedisStoreTest(t)
	require.NoError(t, s.CreateRefreshToken(ctx, refresh("rt", "rt")))

	const racers = 24
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RedeemRefreshToken(ctx, "rt", t0.Add(time.Second))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		require.True(t, errors.Is(err, auth.ErrTokenSpent), "unexpected error %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestFamilyAndUserRevocation(t *testing.T) {
	ctx := context.Background()
	s, _ := setupRedisStoreTest(t)
	require.NoError(t, s.CreateRefreshToken(ctx, refresh("a", "fam")))
	require.NoError(t, s.CreateRefreshToken(ctx, refresh("b", "fam")))
	require.NoError(t, s.CreateRefreshToken(ctx, refresh("c", "other")))

	n, err := s.RevokeRefreshFamily(ctx, "fam", t0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = s.RedeemRefreshToken(ctx, "b", t0)
	require.ErrorIs(t, err, auth.ErrTokenSpent)

	n, err = s.RevokeUserRefreshTokens(ctx, "u1", t0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only the token outside the revoked family remains")

	require.NoError(t, s.RevokeRefreshToken(ctx, "c", t0))
	require.ErrorIs(t, s.RevokeRefreshToken(ctx, "zzz", t0), auth.ErrNotFound)
}

func TestVerificationTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s, _ := setupRedisStoreTest(t)
	require.NoError(t, s.CreateVerificationToken(ctx, &auth.VerificationToken{
		ID: "v", UserID: "u1", CreatedAt: t0, ExpiresAt: t0.Add(48 * time.Hour),
	}))

	rec, err := s.ConsumeVerificationToken(ctx, "v", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)

	_, err = s.ConsumeVerificationToken(ctx, "v", t0.Add(2*time.Hour))
	require.ErrorIs(t, err, auth.ErrTokenSpent)
	_, err = s.ConsumeVerificationToken(ctx, "nope", t0)
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestPurgeDropsDanglingIndexEntries(t *testing.T) {
	ctx := context.Background()
	s, mr := setupRedisStoreTest(t)
	require.NoError(t, s.CreateRefreshToken(ctx, refresh("a", "fam")))
	require.NoError(t, s.CreateRefreshToken(ctx, refresh("b", "fam")))

	mr.Del("test:rt:a")

	n, err := s.PurgeExpiredTokens(ctx, t0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "a is dropped from both the family and the user index")

	members, err := mr.SMembers("test:rtfam:fam")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}
