package firebase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/adrianmcphee/polybase"
)

// mapError translates SDK errors into the polybase sentinels.
func mapError(err error, ctx map[string]interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return polybase.Wrap(polybase.ErrTimeout, err, ctx)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	switch {
	case auth.IsUserNotFound(err):
		return polybase.Wrap(polybase.ErrNotFound, err, ctx)
	case auth.IsEmailAlreadyExists(err), auth.IsUIDAlreadyExists(err):
		return polybase.Wrap(polybase.ErrAlreadyExists, err, ctx)
	case auth.IsIDTokenInvalid(err), auth.IsIDTokenExpired(err), auth.IsIDTokenRevoked(err):
		return polybase.Wrap(polybase.ErrInvalidToken, err, ctx)
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.NotFound:
			return polybase.Wrap(polybase.ErrNotFound, err, ctx)
		case codes.AlreadyExists:
			return polybase.Wrap(polybase.ErrAlreadyExists, err, ctx)
		case codes.Aborted, codes.FailedPrecondition:
			return polybase.Wrap(polybase.ErrConflict, err, ctx)
		case codes.InvalidArgument, codes.OutOfRange:
			return polybase.Wrap(polybase.ErrInvalidData, err, ctx)
		case codes.PermissionDenied, codes.Unauthenticated:
			return polybase.Wrap(polybase.ErrUnauthorized, err, ctx)
		case codes.DeadlineExceeded:
			return polybase.Wrap(polybase.ErrTimeout, err, ctx)
		case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
			return polybase.Wrap(polybase.ErrBackendUnavailable, err, ctx)
		case codes.Unimplemented:
			return polybase.Wrap(polybase.ErrUnsupported, err, ctx)
		}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return polybase.Wrap(statusSentinel(gerr.Code), err, ctx)
	}
	return polybase.Wrap(polybase.ErrBackendUnavailable, err, ctx)
}

// statusSentinel maps an HTTP status code.
func statusSentinel(code int) error {
	switch {
	case code == http.StatusNotFound:
		return polybase.ErrNotFound
	case code == http.StatusConflict:
		return polybase.ErrAlreadyExists
	case code == http.StatusBadRequest:
		return polybase.ErrInvalidData
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return polybase.ErrUnauthorized
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return polybase.ErrTimeout
	case code >= 500, code == http.StatusTooManyRequests:
		return polybase.ErrBackendUnavailable
	}
	return fmt.Errorf("%w: unexpected status %d", polybase.ErrBackendUnavailable, code)
}
