package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// adminInterceptor requires an admin access token on every KeyAdmin method.
// Other services, such as health, pass through.
func (s *GRPCServer) adminInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+KeyAdminServiceName+"/") {
		return handler(ctx, req)
	}

	var accessToken string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 {
			accessToken = values[0]
		}
	}
	if accessToken == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	id, err := auth.ParseToken(accessToken, s.jwtSecret)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
		}
		return nil, status.Error(codes.Unauthenticated, common.ErrInvalidToken.Error())
	}
	if !id.IsAdmin() {
		logging.Audit(s.logger).Warn(ctx, "admin call denied", "user_id", id.UserID, "method", info.FullMethod)
		return nil, status.Error(codes.PermissionDenied, "admin role required")
	}

	ctx = common.WithUserID(ctx, id.UserID)
	if id.TenantID != "" {
		ctx = common.WithTenant(ctx, id.TenantID)
	}
	return handler(ctx, req)
}
