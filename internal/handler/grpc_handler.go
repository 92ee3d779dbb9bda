package handler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/service"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
)

// PipelineServiceName is the fully qualified gRPC service name.
const PipelineServiceName = "crm.pipeline.v1.PipelineService"

const (
	methodTransition = "/" + PipelineServiceName + "/Transition"
	methodGetRecord  = "/" + PipelineServiceName + "/GetRecord"
)

// PipelineServer is the server API of crm.pipeline.v1.PipelineService.
// Requests and responses are google.protobuf.Struct documents.
type PipelineServer interface {
	Transition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// PipelineServiceDesc describes the service for grpc.Server.RegisterService.
var PipelineServiceDesc = grpc.ServiceDesc{
	ServiceName: PipelineServiceName,
	HandlerType: (*PipelineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Transition", Handler: transitionHandler},
		{MethodName: "GetRecord", Handler: getRecordHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crm/pipeline/v1/pipeline.proto",
}

// RegisterPipelineServer registers srv on s.
func RegisterPipelineServer(s grpc.ServiceRegistrar, srv PipelineServer) {
	s.RegisterService(&PipelineServiceDesc, srv)
}

func transitionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServer).Transition(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTransition}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PipelineServer).Transition(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getRecordHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServer).GetRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetRecord}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PipelineServer).GetRecord(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// PipelineClient calls crm.pipeline.v1.PipelineService.
type PipelineClient struct {
	cc grpc.ClientConnInterface
}

// NewPipelineClient creates a client over cc.
func NewPipelineClient(cc grpc.ClientConnInterface) *PipelineClient {
	return &PipelineClient{cc: cc}
}

// Transition invokes PipelineService/Transition.
func (c *PipelineClient) Transition(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodTransition, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRecord invokes PipelineService/GetRecord.
func (c *PipelineClient) GetRecord(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetRecord, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCHandler implements PipelineServer
type GRPCHandler struct {
	records *service.RecordService
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(records *service.RecordService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		records: records,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Transition moves a record to targetStage. Request fields: kind, id,
// targetStage, targetTenant. Approval outcomes are reported in the
// "outcome" field rather than as errors.
func (h *GRPCHandler) Transition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, ok := auth.ActorFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	fields := req.GetFields()
	kind, err := stagegraph.ParseKind(fields["kind"].GetStringValue())
	if err != nil {
		return nil, toStatus(errors.InvalidInput("kind", err.Error()))
	}
	id := fields["id"].GetStringValue()
	target := stagegraph.Stage(strings.ToUpper(fields["targetStage"].GetStringValue()))
	if id == "" || target == "" {
		return nil, toStatus(errors.InvalidInput("request", "id and targetStage are required"))
	}

	h.logger.Info().
		Str("record_kind", string(kind)).
		Str("record_id", id).
		Str("target_stage", string(target)).
		Str("actor_id", actor.ID).
		Msg("gRPC Transition called")

	outcome, err := h.records.Update(ctx, actor, service.UpdateRequest{
		Kind:         kind,
		RecordID:     id,
		TargetStage:  &target,
		TargetTenant: fields["targetTenant"].GetStringValue(),
	})
	if err != nil {
		return nil, toStatus(err)
	}

	resp := map[string]any{"outcome": string(outcome.Kind)}
	switch outcome.Kind {
	case service.OutcomeApplied:
		resp["record"] = newRecordResponse(outcome)
	default:
		resp["approvalRequestId"] = outcome.ApprovalRequest.ID
	}
	return toStruct(resp)
}

// GetRecord returns one record. Request fields: kind, id, targetTenant.
func (h *GRPCHandler) GetRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, ok := auth.ActorFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	fields := req.GetFields()
	kind, err := stagegraph.ParseKind(fields["kind"].GetStringValue())
	if err != nil {
		return nil, toStatus(errors.InvalidInput("kind", err.Error()))
	}

	rec, err := h.records.Get(ctx, actor, kind, fields["id"].GetStringValue(), fields["targetTenant"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(rec)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

// GRPCCode maps an error code to a gRPC status code.
func GRPCCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeInvalidTransition, errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeUnauthorized:
		return codes.Unauthenticated
	case errors.ErrCodeForbidden:
		return codes.PermissionDenied
	case errors.ErrCodeImmutable, errors.ErrCodeHasDependents, errors.ErrCodeInsufficientStock:
		return codes.FailedPrecondition
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// toStatus converts err to a gRPC status carrying the same body the HTTP
// surface returns as a detail.
func toStatus(err error) error {
	code, body := ErrorBody(err)
	st := status.New(GRPCCode(code), body["message"].(string))
	if detail, convErr := toStruct(body); convErr == nil {
		if withDetail, detErr := st.WithDetails(detail); detErr == nil {
			st = withDetail
		}
	}
	return st.Err()
}

// ── interceptors ─────────────────────────────────────────────────────────────

// AuthInterceptor validates the bearer token in the "authorization"
// metadata and stores the actor on the context. Health and reflection
// methods are public.
func AuthInterceptor(v *auth.Validator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if publicMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		token, ok := auth.BearerToken(values[0])
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "malformed authorization metadata")
		}
		actor, err := v.Validate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		return handler(auth.WithActor(ctx, actor), req)
	}
}

// LoggingInterceptor logs each unary call with its status code.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		code := status.Code(err)
		ev := log.Debug()
		if code == codes.Internal || code == codes.Unknown {
			ev = log.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).Str("code", code.String()).Msg("gRPC request")
		return resp, err
	}
}

func publicMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/") ||
		strings.HasPrefix(fullMethod, "/grpc.reflection.")
}
