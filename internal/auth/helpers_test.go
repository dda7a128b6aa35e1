package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/store/memory"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	testParams = auth.HashParams{MemoryKiB: 64, Iterations: 1, Threads: 1, SaltLen: 16, KeyLen: 32}
	t0         = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capturedMail struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *capturedMail) SendVerification(_ context.Context, user *auth.User, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = map[string]string{}
	}
	m.tokens[user.ID] = token
	return nil
}

func (m *capturedMail) token(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[userID]
}

type fixture struct {
	svc   *auth.Service
	store *memory.Store
	clock *clock
	mail  *capturedMail
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: newClock(), mail: &capturedMail{}}
	base := []auth.ServiceOption{
		auth.WithClock(f.clock.Now),
		auth.WithHashParams(testParams),
		auth.WithVerificationSender(f.mail),
	}
	svc, err := auth.NewService(f.store, testSecret, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("ensure builtins: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, email, password string) auth.TokenPair {
	t.Helper()
	pair, err := f.svc.Register(context.Background(), auth.Profile{Email: email, Password: password})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return pair
}

func (f *fixture) assign(t *testing.T, userID, roleID, tenant string) auth.RoleAssignment {
	t.Helper()
	a, err := f.svc.AssignRole(context.Background(), auth.RoleAssignment{UserID: userID, RoleID: roleID, TenantID: tenant})
	if err != nil {
		t.Fatalf("assign %s to %s in %q: %v", roleID, userID, tenant, err)
	}
	return a
}

func (f *fixture) decide(t *testing.T, token string, perm auth.Permission, tenant string) auth.Decision {
	t.Helper()
	v, err := f.svc.Authorize(context.Background(), token, perm, tenant)
	if err != nil {
		t.Fatalf("authorize %s in %q: %v", perm, tenant, err)
	}
	return v.Decision
}
