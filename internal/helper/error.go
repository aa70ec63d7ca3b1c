package helper

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func ErrInternal(err error) error { return status.Errorf(codes.Internal, "%s", err.Error()) }
func ErrInternalf(format string, a ...interface{}) error {
	return status.Errorf(codes.Internal, format, a...)
}

func ErrInvalidArgument(err error) error { return status.Errorf(codes.InvalidArgument, err.Error()) }
func ErrInvalidArgumentf(format string, a ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, a...)
}

func ErrPreconditionFailed(err error) error {
	return status.Errorf(codes.FailedPrecondition, "%s", err.Error())
}

func ErrPreconditionFailedf(format string, a ...interface{}) error {
	return status.Errorf(codes.FailedPrecondition, format, a...)
}

func ErrNotFound(err error) error { return status.Errorf(codes.NotFound, "%s", err.Error()) }

func ErrUnavailable(err error) error { return status.Errorf(codes.Unavailable, "%s", err.Error()) }

// GrpcCode translates errors into codes.Code values.
func GrpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown
	}

	return st.Code()
}
