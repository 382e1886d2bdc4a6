package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/pipe-storage/internal/core/domain"
	"github.com/rl1809/pipe-storage/internal/core/service"
	"github.com/rl1809/pipe-storage/internal/port"
)

const (
	GRPCServiceName = "pipestorage.v1.WorkflowEngine"

	// JSONCodec is the content subtype clients select with
	// grpc.CallContentSubtype.
	JSONCodec = "json"

	mdOperatorID         = "x-operator-id"
	mdOperatorPrivileged = "x-operator-privileged"
	mdIdempotencyKey     = "idempotency-key"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodec }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type IDRequest struct {
	ID string `json:"id"`
}

type ListStorageUnitsRequest struct {
	TenantID string `json:"tenant_id"`
}

type LoadQuery struct {
	RequestID string `json:"request_id"`
	Direction string `json:"direction,omitempty"`
}

// EngineServer is the gRPC surface of the workflow engine. Domain failures
// travel in the Response envelope; only transport problems such as an
// undecodable message or a missing operator become status errors.
type EngineServer interface {
	CreateStorageUnit(context.Context, *CreateStorageUnitRequest) (*Response, error)
	GetStorageUnit(context.Context, *IDRequest) (*Response, error)
	ListStorageUnits(context.Context, *ListStorageUnitsRequest) (*Response, error)
	AdjustOccupancy(context.Context, *AdjustOccupancyRequest) (*Response, error)
	SubmitRequest(context.Context, *SubmitRequestRequest) (*Response, error)
	GetRequest(context.Context, *IDRequest) (*Response, error)
	ApproveRequest(context.Context, *ApproveRequestRequest) (*Response, error)
	RejectRequest(context.Context, *RejectRequestRequest) (*Response, error)
	ListInventoryItems(context.Context, *IDRequest) (*Response, error)
	ListLoads(context.Context, *LoadQuery) (*Response, error)
	CanBookNextLoad(context.Context, *LoadQuery) (*Response, error)
	BookLoad(context.Context, *BookLoadRequest) (*Response, error)
	GetLoad(context.Context, *IDRequest) (*Response, error)
	ApproveLoad(context.Context, *IDRequest) (*Response, error)
	MarkInTransit(context.Context, *IDRequest) (*Response, error)
	CancelLoad(context.Context, *CancelLoadRequest) (*Response, error)
	StageForPickup(context.Context, *StageForPickupRequest) (*Response, error)
	CompleteInbound(context.Context, *CompleteInboundRequest) (*Response, error)
	CompleteOutbound(context.Context, *CompleteOutboundRequest) (*Response, error)
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateStorageUnit", EngineServer.CreateStorageUnit),
		unary("GetStorageUnit", EngineServer.GetStorageUnit),
		unary("ListStorageUnits", EngineServer.ListStorageUnits),
		unary("AdjustOccupancy", EngineServer.AdjustOccupancy),
		unary("SubmitRequest", EngineServer.SubmitRequest),
		unary("GetRequest", EngineServer.GetRequest),
		unary("ApproveRequest", EngineServer.ApproveRequest),
		unary("RejectRequest", EngineServer.RejectRequest),
		unary("ListInventoryItems", EngineServer.ListInventoryItems),
		unary("ListLoads", EngineServer.ListLoads),
		unary("CanBookNextLoad", EngineServer.CanBookNextLoad),
		unary("BookLoad", EngineServer.BookLoad),
		unary("GetLoad", EngineServer.GetLoad),
		unary("ApproveLoad", EngineServer.ApproveLoad),
		unary("MarkInTransit", EngineServer.MarkInTransit),
		unary("CancelLoad", EngineServer.CancelLoad),
		unary("StageForPickup", EngineServer.StageForPickup),
		unary("CompleteInbound", EngineServer.CompleteInbound),
		unary("CompleteOutbound", EngineServer.CompleteOutbound),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pipestorage/v1/engine.proto",
}

func unary[Req any](name string, call func(EngineServer, context.Context, *Req) (*Response, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + GRPCServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*Req))
			})
		},
	}
}

func RegisterGRPCHandler(s grpc.ServiceRegistrar, h EngineServer) {
	s.RegisterService(&engineServiceDesc, h)
}

type GRPCHandler struct {
	engine *service.Engine
	guard  port.IdempotencyGuard
	log    *logrus.Entry
}

var _ EngineServer = (*GRPCHandler)(nil)

func NewGRPCHandler(engine *service.Engine, guard port.IdempotencyGuard, log *logrus.Entry) *GRPCHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GRPCHandler{engine: engine, guard: guard, log: log}
}

func (h *GRPCHandler) CreateStorageUnit(ctx context.Context, req *CreateStorageUnitRequest) (*Response, error) {
	if err := validateStruct(req); err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "create_storage_unit", func(ctx context.Context, op domain.Operator) (any, error) {
		u, err := h.engine.CreateStorageUnit(ctx, op, uuid.MustParse(req.TenantID), req.Name, req.Capacity)
		if err != nil {
			return nil, err
		}
		return unitView(*u), nil
	})
}

func (h *GRPCHandler) GetStorageUnit(ctx context.Context, req *IDRequest) (*Response, error) {
	id, err := parseID("id", req.ID)
	if err != nil {
		return h.fail(err), nil
	}
	u, err := h.engine.GetStorageUnit(ctx, id)
	if err != nil {
		return h.fail(err), nil
	}
	return h.succeed(unitView(*u)), nil
}

func (h *GRPCHandler) ListStorageUnits(ctx context.Context, req *ListStorageUnitsRequest) (*Response, error) {
	tenantID, err := parseID("tenant_id", req.TenantID)
	if err != nil {
		return h.fail(err), nil
	}
	units, err := h.engine.ListStorageUnits(ctx, tenantID)
	if err != nil {
		return h.fail(err), nil
	}
	return h.succeed(unitViews(units)), nil
}

func (h *GRPCHandler) AdjustOccupancy(ctx context.Context, req *AdjustOccupancyRequest) (*Response, error) {
	id, err := parseID("unit_id", req.UnitID)
	if err == nil {
		err = validateStruct(req)
	}
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "manual_adjustment", func(ctx context.Context, op domain.Operator) (any, error) {
		u, err := h.engine.AdjustOccupancy(ctx, op, id, req.Delta, req.Reason)
		if err != nil {
			return nil, err
		}
		return unitView(*u), nil
	})
}

func (h *GRPCHandler) SubmitRequest(ctx context.Context, req *SubmitRequestRequest) (*Response, error) {
	if err := validateStruct(req); err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "submit_request", func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.SubmitRequest(ctx, op, uuid.MustParse(req.TenantID), req.ReferenceCode, req.Quantity)
		if err != nil {
			return nil, err
		}
		return requestView(*out), nil
	})
}

func (h *GRPCHandler) GetRequest(ctx context.Context, req *IDRequest) (*Response, error) {
	id, err := parseID("id", req.ID)
	if err != nil {
		return h.fail(err), nil
	}
	out, err := h.engine.GetRequest(ctx, id)
	if err != nil {
		return h.fail(err), nil
	}
	return h.succeed(requestView(*out)), nil
}

func (h *GRPCHandler) ApproveRequest(ctx context.Context, req *ApproveRequestRequest) (*Response, error) {
	id, err := parseID("request_id", req.RequestID)
	if err == nil {
		err = validateStruct(req)
	}
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "approve_request", func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.ApproveRequest(ctx, op, id, req.assignments(), req.Notes)
		if err != nil {
			return nil, err
		}
		return requestView(*out), nil
	})
}

func (h *GRPCHandler) RejectRequest(ctx context.Context, req *RejectRequestRequest) (*Response, error) {
	id, err := parseID("request_id", req.RequestID)
	if err == nil {
		err = validateStruct(req)
	}
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "reject_request", func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.RejectRequest(ctx, op, id, req.Reason)
		if err != nil {
			return nil, err
		}
		return requestView(*out), nil
	})
}

func (h *GRPCHandler) ListInventoryItems(ctx context.Context, req *IDRequest) (*Response, error) {
	id, err := parseID("id", req.ID)
	if err != nil {
		return h.fail(err), nil
	}
	items, err := h.engine.ListInventoryItems(ctx, id)
	if err != nil {
		return h.fail(err), nil
	}
	return h.succeed(itemViews(items)), nil
}

func (h *GRPCHandler) ListLoads(ctx context.Context, req *LoadQuery) (*Response, error) {
	id, err := parseID("request_id", req.RequestID)
	if err != nil {
		return h.fail(err), nil
	}
	var direction domain.LoadDirection
	if req.Direction != "" {
		if direction, err = domain.ParseDirection(req.Direction); err != nil {
			return h.fail(err), nil
		}
	}
	loads, err := h.engine.ListLoads(ctx, id, direction)
	if err != nil {
		return h.fail(err), nil
	}
	return h.succeed(loadViews(loads)), nil
}

func (h *GRPCHandler) CanBookNextLoad(ctx context.Context, req *LoadQuery) (*Response, error) {
	id, err := parseID("request_id", req.RequestID)
	if err != nil {
		return h.fail(err), nil
	}
	direction, err := domain.ParseDirection(req.Direction)
	if err != nil {
		return h.fail(err), nil
	}
	check, err := h.engine.CanBookNextLoad(ctx, id, direction)
	if err != nil {
		return h.fail(err), nil
	}
	return h.succeed(bookingCheckView(*check)), nil
}

func (h *GRPCHandler) BookLoad(ctx context.Context, req *BookLoadRequest) (*Response, error) {
	id, err := parseID("request_id", req.RequestID)
	if err == nil {
		err = validateStruct(req)
	}
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "book_load", func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.BookLoad(ctx, op, id, service.BookLoadInput{
			Direction:   domain.LoadDirection(req.Direction),
			Planned:     req.Planned.toDomain(),
			WindowStart: req.WindowStart,
			WindowEnd:   req.WindowEnd,
		})
		if err != nil {
			return nil, err
		}
		return loadView(*out), nil
	})
}

func (h *GRPCHandler) GetLoad(ctx context.Context, req *IDRequest) (*Response, error) {
	id, err := parseID("id", req.ID)
	if err != nil {
		return h.fail(err), nil
	}
	out, err := h.engine.GetLoad(ctx, id)
	if err != nil {
		return h.fail(err), nil
	}
	return h.succeed(loadView(*out)), nil
}

func (h *GRPCHandler) ApproveLoad(ctx context.Context, req *IDRequest) (*Response, error) {
	return h.loadTransition(ctx, "approve_load", req, h.engine.ApproveLoad)
}

func (h *GRPCHandler) MarkInTransit(ctx context.Context, req *IDRequest) (*Response, error) {
	return h.loadTransition(ctx, "mark_in_transit", req, h.engine.MarkInTransit)
}

func (h *GRPCHandler) loadTransition(ctx context.Context, operation string, req *IDRequest,
	fn func(ctx context.Context, op domain.Operator, loadID uuid.UUID) (*domain.Load, error)) (*Response, error) {
	id, err := parseID("id", req.ID)
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, operation, func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := fn(ctx, op, id)
		if err != nil {
			return nil, err
		}
		return loadView(*out), nil
	})
}

func (h *GRPCHandler) CancelLoad(ctx context.Context, req *CancelLoadRequest) (*Response, error) {
	id, err := parseID("load_id", req.LoadID)
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "cancel_load", func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.CancelLoad(ctx, op, id, req.Reason)
		if err != nil {
			return nil, err
		}
		return loadView(*out), nil
	})
}

func (h *GRPCHandler) CompleteInbound(ctx context.Context, req *CompleteInboundRequest) (*Response, error) {
	id, err := parseID("load_id", req.LoadID)
	if err == nil {
		err = validateStruct(req)
	}
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "complete_inbound", func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.CompleteInbound(ctx, op, id, req.Actual.toDomain(), req.manifest())
		if err != nil {
			return nil, err
		}
		return InboundView{Load: loadView(out.Load), Items: itemViews(out.Items), Warnings: out.Warnings}, nil
	})
}

func (h *GRPCHandler) CompleteOutbound(ctx context.Context, req *CompleteOutboundRequest) (*Response, error) {
	id, err := parseID("load_id", req.LoadID)
	if err == nil {
		err = validateStruct(req)
	}
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "complete_outbound", func(ctx context.Context, op domain.Operator) (any, error) {
		out, err := h.engine.CompleteOutbound(ctx, op, id, req.itemIDs())
		if err != nil {
			return nil, err
		}
		return OutboundView{
			Load:             loadView(out.Load),
			Items:            itemViews(out.Items),
			Request:          requestView(out.Request),
			RequestCompleted: out.RequestCompleted,
		}, nil
	})
}

func (h *GRPCHandler) StageForPickup(ctx context.Context, req *StageForPickupRequest) (*Response, error) {
	id, err := parseID("load_id", req.LoadID)
	if err == nil {
		err = validateStruct(req)
	}
	if err != nil {
		return h.fail(err), nil
	}
	return h.mutate(ctx, "stage_for_pickup", func(ctx context.Context, op domain.Operator) (any, error) {
		items, err := h.engine.StageForPickup(ctx, op, id, req.itemIDs())
		if err != nil {
			return nil, err
		}
		return itemViews(items), nil
	})
}

func (h *GRPCHandler) mutate(ctx context.Context, operation string, fn func(ctx context.Context, op domain.Operator) (any, error)) (*Response, error) {
	op, err := operatorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	key := firstMetadata(ctx, mdIdempotencyKey)
	if key != "" {
		key = operation + ":" + op.ID.String() + ":" + key
	}
	var data any
	err = idempotent(ctx, h.guard, h.log, key, func() error {
		var err error
		data, err = fn(ctx, op)
		return err
	})
	if err != nil {
		return h.fail(err), nil
	}
	return h.succeed(data), nil
}

func (h *GRPCHandler) succeed(data any) *Response {
	resp := ok(data)
	return &resp
}

func (h *GRPCHandler) fail(err error) *Response {
	if domain.KindName(err) == kindInternal && !errors.Is(err, errBadRequest) && !errors.Is(err, errDuplicateRequest) {
		h.log.WithError(err).Error("grpc: request failed")
	}
	resp := failure(err)
	return &resp
}

func operatorFromMetadata(ctx context.Context) (domain.Operator, error) {
	op, err := parseOperator(firstMetadata(ctx, mdOperatorID), firstMetadata(ctx, mdOperatorPrivileged))
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return op, status.Error(codes.Unauthenticated, "operator identity missing or malformed")
	case err != nil:
		return op, status.Error(codes.InvalidArgument, err.Error())
	}
	return op, nil
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s %q is not a valid id", errBadRequest, field, raw)
	}
	return id, nil
}
