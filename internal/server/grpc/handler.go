package grpc

import (
	"context"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func (s *GRPCServer) ForceRotate(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	userID := req.GetValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user id is required")
	}

	admin, _ := common.UserIDFromContext(ctx)
	logging.Audit(s.logger).Info(ctx, "force rotate requested", "user_id", userID, "admin", admin)

	n, err := s.rotator.ForceRotate(ctx, userID)
	if err != nil {
		s.logger.Error(ctx, "force rotate failed", "user_id", userID, "rotated", n, "error", err)
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(int64(n)), nil
}

func (s *GRPCServer) RunJob(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.Int64Value, error) {
	job := req.GetValue()
	if job == "" {
		return nil, status.Error(codes.InvalidArgument, "job name is required")
	}

	s.logger.Info(ctx, "job requested", "job", job)

	n, err := s.jobs.RunNow(ctx, job)
	if err != nil {
		s.logger.Error(ctx, "job failed", "job", job, "error", err)
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(n), nil
}

// toStatus maps an error kind to a gRPC status. Infrastructure failures are
// Unavailable so callers know to retry.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch common.KindOf(err) {
	case common.KindValidation, common.KindCrypto:
		code = codes.InvalidArgument
	case common.KindNotFound:
		code = codes.NotFound
	case common.KindState:
		code = codes.FailedPrecondition
	case common.KindUnauthorized:
		code = codes.PermissionDenied
	case common.KindInfrastructure:
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
