package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/digital-storefront/internal/core/service"
	"github.com/rl1809/digital-storefront/pkg/logger"
)

const (
	CheckoutServiceName = "storefront.checkout.v1.Checkout"

	// JSONCodecName is the gRPC content-subtype the checkout service speaks.
	JSONCodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type CheckoutRequest struct {
	CustomerID string `json:"customer_id"`
	Method     string `json:"method,omitempty"`
	Material   string `json:"material,omitempty"`
}

// CheckoutServer is the server API for the checkout service.
type CheckoutServer interface {
	StartCheckout(context.Context, *CheckoutRequest) (*CheckoutResponse, error)
	SelectMethod(context.Context, *CheckoutRequest) (*CheckoutResponse, error)
	SubmitProof(context.Context, *CheckoutRequest) (*CheckoutResponse, error)
	Cancel(context.Context, *CheckoutRequest) (*CheckoutResponse, error)
}

var CheckoutServiceDesc = grpc.ServiceDesc{
	ServiceName: CheckoutServiceName,
	HandlerType: (*CheckoutServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartCheckout", Handler: unaryHandler("StartCheckout", CheckoutServer.StartCheckout)},
		{MethodName: "SelectMethod", Handler: unaryHandler("SelectMethod", CheckoutServer.SelectMethod)},
		{MethodName: "SubmitProof", Handler: unaryHandler("SubmitProof", CheckoutServer.SubmitProof)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", CheckoutServer.Cancel)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storefront/checkout/v1/checkout.proto",
}

func RegisterCheckoutServer(s grpc.ServiceRegistrar, srv CheckoutServer) {
	s.RegisterService(&CheckoutServiceDesc, srv)
}

type checkoutCall func(CheckoutServer, context.Context, *CheckoutRequest) (*CheckoutResponse, error)

func unaryHandler(method string, call checkoutCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + CheckoutServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(CheckoutRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CheckoutServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CheckoutServer), ctx, req.(*CheckoutRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type GRPCHandler struct {
	checkout *service.CheckoutService
}

func NewGRPCHandler(checkout *service.CheckoutService) *GRPCHandler {
	return &GRPCHandler{checkout: checkout}
}

func (h *GRPCHandler) StartCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	if req.CustomerID == "" {
		return nil, status.Error(codes.InvalidArgument, "customer_id is required")
	}
	return respond(h.checkout.StartCheckout(ctx, req.CustomerID))
}

func (h *GRPCHandler) SelectMethod(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	if req.CustomerID == "" {
		return nil, status.Error(codes.InvalidArgument, "customer_id is required")
	}
	return respond(h.checkout.SelectMethod(ctx, req.CustomerID, req.Method))
}

func (h *GRPCHandler) SubmitProof(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	if req.CustomerID == "" {
		return nil, status.Error(codes.InvalidArgument, "customer_id is required")
	}
	return respond(h.checkout.SubmitProof(ctx, req.CustomerID, req.Material))
}

func (h *GRPCHandler) Cancel(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	if req.CustomerID == "" {
		return nil, status.Error(codes.InvalidArgument, "customer_id is required")
	}
	return respond(h.checkout.Cancel(ctx, req.CustomerID))
}

// respond reports business outcomes in the response body; only faults with no
// outcome become gRPC errors.
func respond(res service.Result, err error) (*CheckoutResponse, error) {
	if err != nil && res.Outcome == "" {
		return nil, status.Error(codes.Internal, "internal error")
	}
	out := newCheckoutResponse(res)
	return &out, nil
}

// UnaryLogging attaches the request id from metadata and logs each call.
func UnaryLogging(logs *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get("x-request-id"); len(ids) > 0 {
				ctx = logs.WithRequestID(ctx, ids[0])
			}
		}
		ctx = logs.WithField(ctx, "rpc", info.FullMethod)
		start := time.Now()

		resp, err := handler(ctx, req)

		ctx = logs.WithFields(ctx, map[string]any{
			"code":        status.Code(err).String(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			logs.Error(ctx, "rpc.failed", err)
		} else {
			logs.Info(ctx, "rpc.complete")
		}
		return resp, err
	}
}

// CheckoutClient calls the checkout service over a JSON-coded connection.
type CheckoutClient struct {
	cc grpc.ClientConnInterface
}

func NewCheckoutClient(cc grpc.ClientConnInterface) *CheckoutClient {
	return &CheckoutClient{cc: cc}
}

func (c *CheckoutClient) invoke(ctx context.Context, method string, in *CheckoutRequest, opts ...grpc.CallOption) (*CheckoutResponse, error) {
	out := new(CheckoutResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+CheckoutServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CheckoutClient) StartCheckout(ctx context.Context, in *CheckoutRequest, opts ...grpc.CallOption) (*CheckoutResponse, error) {
	return c.invoke(ctx, "StartCheckout", in, opts...)
}

func (c *CheckoutClient) SelectMethod(ctx context.Context, in *CheckoutRequest, opts ...grpc.CallOption) (*CheckoutResponse, error) {
	return c.invoke(ctx, "SelectMethod", in, opts...)
}

func (c *CheckoutClient) SubmitProof(ctx context.Context, in *CheckoutRequest, opts ...grpc.CallOption) (*CheckoutResponse, error) {
	return c.invoke(ctx, "SubmitProof", in, opts...)
}

func (c *CheckoutClient) Cancel(ctx context.Context, in *CheckoutRequest, opts ...grpc.CallOption) (*CheckoutResponse, error) {
	return c.invoke(ctx, "Cancel", in, opts...)
}
