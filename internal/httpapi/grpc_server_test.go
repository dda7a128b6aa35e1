package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"pantrykit.org/internal/auth"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogging))
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func TestGRPCAuthorizerCheck(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.register(t, "alice@example.com", "T1")
	env.grant(t, alice.UserID, auth.RoleEditor, "T1")

	conn, cleanup := startBufGRPC(t, NewGRPCServer(env.svc, ReadyProbe{}, "1.2.3"))
	defer cleanup()
	client := NewAuthorizerClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := client.Check(ctx, alice.AccessToken, auth.PermRecipeUpdate, "T1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if v.Decision != auth.Allow || v.UserID != alice.UserID {
		t.Fatalf("unexpected verdict: %+v", v)
	}

	v, err = client.Check(ctx, alice.AccessToken, auth.PermRecipeUpdate, "T2")
	if err != nil || v.Decision != auth.Forbidden {
		t.Fatalf("expected forbidden in T2, got %+v, %v", v, err)
	}

	v, err = client.Check(ctx, "garbage", auth.PermRecipeRead, "T1")
	if err != nil || v.Decision != auth.Unauthorized {
		t.Fatalf("expected unauthorized, got %+v, %v", v, err)
	}

	// token carried in metadata
	mdCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+alice.AccessToken)
	v, err = client.Check(mdCtx, "", auth.PermRecipeRead, "T1")
	if err != nil || v.Decision != auth.Allow {
		t.Fatalf("expected allow via metadata, got %+v, %v", v, err)
	}

	_, err = client.Check(ctx, alice.AccessToken, "", "T1")
	if st, ok := status.FromError(err); !ok || st.Code() != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

type failingReadiness struct{}

func (failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCHealth(t *testing.T) {
	env := newTestEnv(t, Config{})
	srv := NewGRPCServer(env.svc, ReadyProbe{}, "1.0.0")
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.RefreshHealth(ctx); err != nil {
		t.Fatalf("refresh health: %v", err)
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: AuthorizerService})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}

	srv.readiness = failingReadiness{}
	if err := srv.RefreshHealth(ctx); err == nil {
		t.Fatal("expected readiness error")
	}
	resp, err = healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: AuthorizerService})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestGRPCErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{auth.ErrDependencyUnavailable, codes.Unavailable},
		{auth.ErrInvalidInput, codes.InvalidArgument},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(grpcError(tc.err)); got != tc.code {
			t.Fatalf("grpcError(%v) = %s, want %s", tc.err, got, tc.code)
		}
	}

	_, perr := auth.ParsePermissions([]string{"recipe.teleport"})
	if msg := status.Convert(grpcError(perr)).Message(); !strings.Contains(msg, "recipe.teleport") {
		t.Fatalf("caller input should be echoed, got %q", msg)
	}
	fk := fmt.Errorf("%w: role_assignments_role_id_fkey", auth.ErrInvalidInput)
	if msg := status.Convert(grpcError(fk)).Message(); msg != "invalid input" {
		t.Fatalf("store detail leaked: %q", msg)
	}
}
