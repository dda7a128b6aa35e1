package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/obs"
)

const (
	// AuthorizerService is the fully qualified gRPC service name.
	AuthorizerService = "pantrykit.authz.v1.Authorizer"
	checkMethod       = "/" + AuthorizerService + "/Check"
)

// AuthorizerServer answers authorization checks for sibling services.
// Requests and responses are google.protobuf.Struct values:
//
//	request:  {access_token, permission, tenant_id}
//	response: {decision, user_id}
type AuthorizerServer interface {
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var authorizerDesc = grpc.ServiceDesc{
	ServiceName: AuthorizerService,
	HandlerType: (*AuthorizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: authorizerCheckHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pantrykit/authz/v1/authorizer.proto",
}

func authorizerCheckHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizerServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizerServer).Check(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer exposes the decision point and a standard health service.
type GRPCServer struct {
	svc       *auth.Service
	readiness readinessChecker
	version   string
	health    *health.Server
	log       *logrus.Entry
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(svc *auth.Service, r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{
		svc:       svc,
		readiness: r,
		version:   version,
		health:    health.NewServer(),
		log:       obs.Component("grpc"),
	}
}

// Register attaches the authorizer and health services to server.
func (s *GRPCServer) Register(server *grpc.Server) {
	server.RegisterService(&authorizerDesc, s)
	healthpb.RegisterHealthServer(server, s.health)
}

// RefreshHealth re-runs the readiness probe and publishes the result
// through the health service.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		s.log.WithError(err).Warn("readiness check failed")
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(AuthorizerService, st)
	return err
}

// Shutdown flips every health status to NOT_SERVING.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

// Check evaluates one authorization request. The token falls back to the
// bearer value of the "authorization" metadata key.
func (s *GRPCServer) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	perm := auth.Permission(strings.TrimSpace(fields["permission"].GetStringValue()))
	if perm == "" {
		return nil, status.Error(codes.InvalidArgument, "permission is required")
	}
	token := strings.TrimSpace(fields["access_token"].GetStringValue())
	if token == "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 {
				token, _ = extractBearerToken(vals[0])
			}
		}
	}
	tenant := strings.TrimSpace(fields["tenant_id"].GetStringValue())

	verdict, err := s.svc.Authorize(ctx, token, perm, tenant)
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{
		"decision": string(verdict.Decision),
		"user_id":  verdict.UserID,
	})
}

func grpcError(err error) error {
	switch auth.KindOf(err) {
	case auth.KindDependencyUnavailable:
		return status.Error(codes.Unavailable, "service temporarily unavailable")
	case auth.KindInvalidInput:
		if msg, ok := auth.PublicMessage(err); ok {
			return status.Error(codes.InvalidArgument, msg)
		}
		return status.Error(codes.InvalidArgument, "invalid input")
	}
	return status.Error(codes.Internal, "internal error")
}

// UnaryLogging logs one line per unary call.
func UnaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Component("grpc").WithFields(logrus.Fields{
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}).Info("rpc_complete")
	return resp, err
}

// AuthorizerClient calls a remote Authorizer.
type AuthorizerClient struct {
	cc grpc.ClientConnInterface
}

// NewAuthorizerClient wraps an established connection.
func NewAuthorizerClient(cc grpc.ClientConnInterface) *AuthorizerClient {
	return &AuthorizerClient{cc: cc}
}

// Check asks the remote decision point about accessToken.
func (c *AuthorizerClient) Check(ctx context.Context, accessToken string, perm auth.Permission, tenantID string, opts ...grpc.CallOption) (auth.Verdict, error) {
	in, err := structpb.NewStruct(map[string]any{
		"access_token": accessToken,
		"permission":   string(perm),
		"tenant_id":    tenantID,
	})
	if err != nil {
		return auth.Verdict{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, checkMethod, in, out, opts...); err != nil {
		return auth.Verdict{}, err
	}
	fields := out.GetFields()
	v := auth.Verdict{
		Decision: auth.Decision(fields["decision"].GetStringValue()),
		UserID:   fields["user_id"].GetStringValue(),
	}
	switch v.Decision {
	case auth.Allow, auth.Unauthorized, auth.Forbidden:
	default:
		return auth.Verdict{}, errors.New("authorizer: unexpected decision " + string(v.Decision))
	}
	return v, nil
}
