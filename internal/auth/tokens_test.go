package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/store/memory"
)

func newIssuer(t *testing.T, c *clock) (*auth.TokenIssuer, *memory.Store) {
	t.Helper()
	store := memory.New()
	iss, err := auth.NewTokenIssuer(store, auth.TokenConfig{
		Secret:     testSecret,
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
		Now:        c.Now,
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return iss, store
}

func TestNewTokenIssuerRejectsShortSecret(t *testing.T) {
	_, err := auth.NewTokenIssuer(memory.New(), auth.TokenConfig{Secret: []byte("short")})
	if err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	c := newClock()
	iss, _ := newIssuer(t, c)

	token, exp, err := iss.IssueAccessToken("user-42")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
	sub, err := iss.VerifyAccessToken(token)
	if err != nil || sub != "user-42" {
		t.Fatalf("verify: sub=%q err=%v", sub, err)
	}

	c.Advance(59 * time.Second)
	if _, err := iss.VerifyAccessToken(token); err != nil {
		t.Fatalf("token rejected before expiry: %v", err)
	}
	// expiry is exact even though the parser allows clock skew
	c.Advance(time.Second)
	if _, err := iss.VerifyAccessToken(token); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("expected expired token to be invalid, got %v", err)
	}
}

func TestAccessTokenRejectsTampering(t *testing.T) {
	c := newClock()
	iss, _ := newIssuer(t, c)
	token, _, _ := iss.IssueAccessToken("alice")
	other, _, _ := iss.IssueAccessToken("mallory")

	parts := strings.Split(token, ".")
	forged := strings.Join([]string{parts[0], strings.Split(other, ".")[1], parts[2]}, ".")

	foreign, err := auth.NewTokenIssuer(memory.New(), auth.TokenConfig{
		Secret: []byte("another-secret-another-secret-xx"),
		Now:    c.Now,
	})
	if err != nil {
		t.Fatalf("foreign issuer: %v", err)
	}
	foreignToken, _, _ := foreign.IssueAccessToken("alice")

	_, refresh, _, err := iss.IssueRefreshToken(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	for name, tok := range map[string]string{
		"empty":          "",
		"garbage":        "not.a.token",
		"swapped claims": forged,
		"foreign key":    foreignToken,
		"refresh token":  refresh,
	} {
		if _, err := iss.VerifyAccessToken(tok); !errors.Is(err, auth.ErrTokenInvalid) {
			t.Fatalf("%s: expected invalid, got %v", name, err)
		}
	}
}

func TestRefreshRotationAndReplay(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	iss, _ := newIssuer(t, c)

	pair, err := iss.IssuePair(ctx, "alice", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rotated, err := iss.RedeemRefreshToken(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}
	if _, err := iss.RedeemRefreshToken(ctx, pair.RefreshToken); err != auth.ErrTokenInvalid {
		t.Fatalf("replay: expected bare ErrTokenInvalid, got %v", err)
	}
	// replay must not resurrect or poison the successor
	if _, err := iss.RedeemRefreshToken(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("successor rejected: %v", err)
	}
}

func TestRefreshConcurrentRedeemHasOneWinner(t *testing.T) {
	ctx := context.Background()
	iss, _ := newIssuer(t, newClock())
	pair, err := iss.IssuePair(ctx, "alice", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const racers = 32
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := iss.RedeemRefreshToken(ctx, pair.RefreshToken)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, auth.ErrTokenInvalid):
				losses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 || losses.Load() != racers-1 {
		t.Fatalf("wins=%d losses=%d", wins.Load(), losses.Load())
	}
}

func TestRefreshExpiryAndRevocation(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	iss, _ := newIssuer(t, c)

	expiring, _ := iss.IssuePair(ctx, "alice", "")
	revoked, _ := iss.IssuePair(ctx, "alice", "")
	other, _ := iss.IssuePair(ctx, "bob", "")

	if err := iss.RevokeToken(ctx, revoked.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := iss.RedeemRefreshToken(ctx, revoked.RefreshToken); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("revoked token redeemed: %v", err)
	}
	if err := iss.Revoke(ctx, "unknown-id"); err != nil {
		t.Fatalf("revoking an unknown id should be a no-op, got %v", err)
	}

	c.Advance(time.Hour)
	if _, err := iss.RedeemRefreshToken(ctx, expiring.RefreshToken); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("expired token redeemed: %v", err)
	}
	if _, err := iss.RedeemRefreshToken(ctx, other.RefreshToken); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("expired token redeemed: %v", err)
	}
}

func TestRevokeUserAndFamily(t *testing.T) {
	ctx := context.Background()
	iss, _ := newIssuer(t, newClock())

	first, _ := iss.IssuePair(ctx, "alice", "")
	second, _ := iss.IssuePair(ctx, "alice", "")
	bob, _ := iss.IssuePair(ctx, "bob", "")

	n, err := iss.RevokeUser(ctx, "alice")
	if err != nil || n != 2 {
		t.Fatalf("revoke user: n=%d err=%v", n, err)
	}
	for _, p := range []auth.TokenPair{first, second} {
		if _, err := iss.RedeemRefreshToken(ctx, p.RefreshToken); !errors.Is(err, auth.ErrTokenInvalid) {
			t.Fatalf("revoked token redeemed: %v", err)
		}
	}
	if _, err := iss.RedeemRefreshToken(ctx, bob.RefreshToken); err != nil {
		t.Fatalf("other user's token revoked: %v", err)
	}

	id, tok, _, err := iss.IssueRefreshToken(ctx, "carol", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec, err := iss.Redeem(ctx, tok)
	if err != nil || rec.FamilyID != id {
		t.Fatalf("first token must start its own family: rec=%+v err=%v", rec, err)
	}
	_, next, _, _ := iss.IssueRefreshToken(ctx, "carol", rec.FamilyID)
	// the redeemed ancestor is revoked too
	if n, err := iss.RevokeFamily(ctx, rec.FamilyID); err != nil || n != 2 {
		t.Fatalf("revoke family: n=%d err=%v", n, err)
	}
	if _, err := iss.RedeemRefreshToken(ctx, next); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("family member survived revocation: %v", err)
	}
}

func TestVerificationTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	iss, _ := newIssuer(t, c)

	token, err := iss.IssueVerificationToken(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := iss.VerifyAccessToken(token); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatal("verification token accepted as access token")
	}
	userID, err := iss.ConsumeVerificationToken(ctx, token)
	if err != nil || userID != "alice" {
		t.Fatalf("consume: user=%q err=%v", userID, err)
	}
	if _, err := iss.ConsumeVerificationToken(ctx, token); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("second consume: %v", err)
	}

	late, _ := iss.IssueVerificationToken(ctx, "bob")
	c.Advance(49 * time.Hour)
	if _, err := iss.ConsumeVerificationToken(ctx, late); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("expired verification token consumed: %v", err)
	}
}
