package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/block-reserve/internal/core/domain"
	"github.com/rl1809/block-reserve/internal/core/service"
)

const adminServiceName = "blockreserve.admin.v1.AdminService"

type ConfirmReservationRequest struct {
	ReservationID string `json:"reservation_id"`
}

type ConfirmReservationResponse struct {
	ReservationID string                      `json:"reservation_id"`
	Outcome       domain.ConfirmOutcome       `json:"outcome"`
	Remaining     int                         `json:"remaining"`
	OperatorAlert bool                        `json:"operator_alert"`
	Fault         *domain.ReconciliationFault `json:"fault,omitempty"`
}

type ListFaultsRequest struct {
	Limit int `json:"limit"`
}

type ListFaultsResponse struct {
	Faults []domain.ReconciliationFault `json:"faults"`
}

// AdminServer is the operator-facing gRPC surface.
type AdminServer interface {
	ConfirmReservation(context.Context, *ConfirmReservationRequest) (*ConfirmReservationResponse, error)
	ListFaults(context.Context, *ListFaultsRequest) (*ListFaultsResponse, error)
}

type GRPCHandler struct {
	dispatcher *service.ConfirmationDispatcher
	catalog    *service.StockCatalog
	log        *slog.Logger
}

func NewGRPCHandler(log *slog.Logger, dispatcher *service.ConfirmationDispatcher, catalog *service.StockCatalog) *GRPCHandler {
	return &GRPCHandler{dispatcher: dispatcher, catalog: catalog, log: log}
}

func (h *GRPCHandler) ConfirmReservation(ctx context.Context, req *ConfirmReservationRequest) (*ConfirmReservationResponse, error) {
	who, _ := IdentityFromContext(ctx)
	res, err := h.dispatcher.ConfirmManual(ctx, who, req.ReservationID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	if res.Outcome == domain.OutcomeNotFound {
		return nil, status.Errorf(codes.NotFound, "reservation %s not found", req.ReservationID)
	}
	return &ConfirmReservationResponse{
		ReservationID: res.ReservationID,
		Outcome:       res.Outcome,
		Remaining:     res.Remaining,
		OperatorAlert: res.NeedsOperator(),
		Fault:         res.Fault,
	}, nil
}

func (h *GRPCHandler) ListFaults(ctx context.Context, req *ListFaultsRequest) (*ListFaultsResponse, error) {
	who, _ := IdentityFromContext(ctx)
	faults, err := h.catalog.ListFaults(ctx, who, req.Limit)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &ListFaultsResponse{Faults: faults}, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, domain.ErrReservationNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		h.log.Error("admin rpc failed", "err", err)
		return status.Error(codes.Unavailable, "temporarily unavailable")
	}
}

// AuthInterceptor verifies the "authorization" metadata entry on every call.
func (v *TokenVerifier) AuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		who, err := v.verifyHeader(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "unauthenticated")
		}
		return handler(WithIdentity(ctx, who), req)
	}
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ConfirmReservation", Handler: confirmReservationHandler},
		{MethodName: "ListFaults", Handler: listFaultsHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func confirmReservationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ConfirmReservationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ConfirmReservation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/ConfirmReservation"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).ConfirmReservation(ctx, req.(*ConfirmReservationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listFaultsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListFaultsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListFaults(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceName + "/ListFaults"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).ListFaults(ctx, req.(*ListFaultsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// AdminClient calls the admin service with the JSON codec.
type AdminClient struct {
	cc    grpc.ClientConnInterface
	token string
}

func NewAdminClient(cc grpc.ClientConnInterface, token string) *AdminClient {
	return &AdminClient{cc: cc, token: token}
}

func (c *AdminClient) ConfirmReservation(ctx context.Context, reservationID string) (*ConfirmReservationResponse, error) {
	out := new(ConfirmReservationResponse)
	err := c.cc.Invoke(c.outgoing(ctx), "/"+adminServiceName+"/ConfirmReservation",
		&ConfirmReservationRequest{ReservationID: reservationID}, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) ListFaults(ctx context.Context, limit int) ([]domain.ReconciliationFault, error) {
	out := new(ListFaultsResponse)
	err := c.cc.Invoke(c.outgoing(ctx), "/"+adminServiceName+"/ListFaults",
		&ListFaultsRequest{Limit: limit}, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out.Faults, nil
}

func (c *AdminClient) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+strings.TrimSpace(c.token))
}
