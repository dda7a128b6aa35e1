package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{ErrInvalidCredentials, KindInvalidCredentials},
		{ErrAccountLocked, KindAccountLocked},
		{ErrEmailTaken, KindEmailTaken},
		{fmt.Errorf("%w: %w", ErrTokenInvalid, ErrTokenSpent), KindTokenInvalid},
		{ErrTokenSpent, KindTokenInvalid},
		{ErrUnauthorized, KindUnauthorized},
		{ErrForbidden, KindForbidden},
		{ErrSystemRoleImmutable, KindForbidden},
		{fmt.Errorf("%w: x", ErrCyclicRole), KindInvalidInput},
		{fmt.Errorf("%w: \"bogus\"", ErrUnknownPermission), KindInvalidInput},
		{ErrNotFound, KindNotFound},
		{ErrConflict, KindConflict},
		{context.DeadlineExceeded, KindDependencyUnavailable},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestDependencyErrorKeepsDomainSentinels(t *testing.T) {
	if err := dependencyError(ErrConflict); !errors.Is(err, ErrConflict) {
		t.Fatalf("conflict rewritten: %v", err)
	}
	err := dependencyError(errors.New("dial tcp: connection refused"))
	if !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("driver error not folded: %v", err)
	}
	if dependencyError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestBoundedReportsTimeouts(t *testing.T) {
	err := bounded(context.Background(), 1, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("expected dependency failure, got %v", err)
	}
}

func TestParsePermissions(t *testing.T) {
	perms, err := ParsePermissions([]string{" Recipe.Read", "recipe.read", "shopping_list.update"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(perms) != 2 || perms[0] != PermRecipeRead || perms[1] != PermShoppingListUpdate {
		t.Fatalf("unexpected permissions %v", perms)
	}
	if _, err := ParsePermissions([]string{"recipe.*"}); !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("wildcards must be rejected, got %v", err)
	}
}

func TestBuiltinRolesUseCatalog(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range BuiltinRoles() {
		if !r.System || r.TenantID != "" {
			t.Fatalf("builtin %s must be a global system role", r.ID)
		}
		if err := validatePermissions(r.Permissions); err != nil {
			t.Fatalf("builtin %s: %v", r.ID, err)
		}
		if r.ParentID != "" && !seen[r.ParentID] {
			t.Fatalf("builtin %s listed before its parent %s", r.ID, r.ParentID)
		}
		seen[r.ID] = true
	}
}

func TestPublicMessageOnlyForCallerInput(t *testing.T) {
	err := fmt.Errorf("assign: %w", invalidf("role is not available in this tenant"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("validation error lost its kind: %v", err)
	}
	msg, ok := PublicMessage(err)
	if !ok || msg != "invalid input: role is not available in this tenant" {
		t.Fatalf("unexpected public message %q (%v)", msg, ok)
	}

	cyclic := rejectf(ErrCyclicRole, "role cannot be its own parent")
	if KindOf(cyclic) != KindInvalidInput || !errors.Is(cyclic, ErrCyclicRole) {
		t.Fatalf("unexpected classification of %v", cyclic)
	}

	store := fmt.Errorf("%w: role_assignments_role_id_fkey", ErrInvalidInput)
	if _, ok := PublicMessage(store); ok {
		t.Fatal("store constraint detail must not be public")
	}
	if dependencyError(invalidf("x")) == nil || !errors.Is(dependencyError(invalidf("x")), ErrInvalidInput) {
		t.Fatal("validation errors pass through dependencyError")
	}
}
