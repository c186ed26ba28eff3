package grpc

import (
	"context"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The admin service has two unary methods over well-known wrapper types,
// so its descriptor is declared here instead of generated from a .proto.
const (
	KeyAdminServiceName       = "securemsg.admin.v1.KeyAdmin"
	KeyAdminForceRotateMethod = "/" + KeyAdminServiceName + "/ForceRotate"
	KeyAdminRunJobMethod      = "/" + KeyAdminServiceName + "/RunJob"
)

// KeyAdminServer is the server API of the admin service.
type KeyAdminServer interface {
	// ForceRotate rotates every active key of the user named in the request
	// and returns how many were rotated.
	ForceRotate(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
	// RunJob runs a maintenance job now and returns how many items it handled.
	RunJob(context.Context, *wrapperspb.StringValue) (*wrapperspb.Int64Value, error)
}

var KeyAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: KeyAdminServiceName,
	HandlerType: (*KeyAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ForceRotate", Handler: forceRotateHandler},
		{MethodName: "RunJob", Handler: runJobHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "securemsg/admin/v1/admin.proto",
}

func RegisterKeyAdminServer(s grpc.ServiceRegistrar, srv KeyAdminServer) {
	s.RegisterService(&KeyAdminServiceDesc, srv)
}

func forceRotateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KeyAdminServer).ForceRotate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: KeyAdminForceRotateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KeyAdminServer).ForceRotate(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func runJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KeyAdminServer).RunJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: KeyAdminRunJobMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KeyAdminServer).RunJob(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// AdminClient calls the admin service with a fixed access token.
type AdminClient struct {
	conn        *grpc.ClientConn
	accessToken string
}

func NewAdminClient(endpoint, accessToken string) (*AdminClient, error) {
	c := &AdminClient{accessToken: accessToken}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor))
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *AdminClient) accessTokenInterceptor(ctx context.Context, method string, req, reply any,
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return invoker(withAccessToken(ctx, c.accessToken), method, req, reply, cc, opts...)
}

func (c *AdminClient) ForceRotate(ctx context.Context, userID string) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, KeyAdminForceRotateMethod, wrapperspb.String(userID), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *AdminClient) RunJob(ctx context.Context, job string) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, KeyAdminRunJobMethod, wrapperspb.String(job), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *AdminClient) Close() error {
	return c.conn.Close()
}
