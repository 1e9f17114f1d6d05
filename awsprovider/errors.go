package awsprovider

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"

	"github.com/adrianmcphee/polybase"
)

// errorCodes maps AWS API error codes shared across services onto sentinels.
var errorCodes = map[string]error{
	"ResourceNotFoundException":              polybase.ErrNotFound,
	"UserNotFoundException":                  polybase.ErrNotFound,
	"NotFoundException":                      polybase.ErrNotFound,
	"NotFound":                               polybase.ErrNotFound,
	"ResourceConflictException":              polybase.ErrConflict,
	"TransactionConflictException":           polybase.ErrConflict,
	"TransactionCanceledException":           polybase.ErrConflict,
	"UsernameExistsException":                polybase.ErrAlreadyExists,
	"ResourceInUseException":                 polybase.ErrAlreadyExists,
	"ValidationException":                    polybase.ErrInvalidData,
	"InvalidParameterException":              polybase.ErrInvalidData,
	"InvalidParameterValueException":         polybase.ErrInvalidData,
	"InvalidPasswordException":               polybase.ErrInvalidData,
	"NotAuthorizedException":                 polybase.ErrAuthentication,
	"AccessDeniedException":                  polybase.ErrUnauthorized,
	"AuthorizationErrorException":            polybase.ErrUnauthorized,
	"UnrecognizedClientException":            polybase.ErrUnauthorized,
	"ProvisionedThroughputExceededException": polybase.ErrBackendUnavailable,
	"RequestLimitExceeded":                   polybase.ErrBackendUnavailable,
	"ThrottlingException":                    polybase.ErrBackendUnavailable,
	"TooManyRequestsException":               polybase.ErrBackendUnavailable,
	"Throttling":                             polybase.ErrBackendUnavailable,
	"ServiceUnavailable":                     polybase.ErrBackendUnavailable,
	"InternalServerError":                    polybase.ErrBackendUnavailable,
	"InternalErrorException":                 polybase.ErrBackendUnavailable,
	"ServiceException":                       polybase.ErrBackendUnavailable,
}

// mapError translates SDK errors into the polybase sentinels. A failed condition
// check maps to conditional, which differs per call site.
func mapError(err error, conditional error, ctx map[string]interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return polybase.Wrap(polybase.ErrTimeout, err, ctx)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "ConditionalCheckFailedException" && conditional != nil {
			return polybase.Wrap(conditional, err, ctx)
		}
		if s, ok := errorCodes[code]; ok {
			return polybase.Wrap(s, err, ctx)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return polybase.Wrap(polybase.ErrBackendUnavailable, err, ctx)
		}
		return polybase.Wrap(polybase.ErrInvalidData, err, ctx)
	}
	// Transport-level failures (connection refused, DNS).
	return polybase.Wrap(polybase.ErrBackendUnavailable, err, ctx)
}

// call runs fn through the breaker with errors mapped inside, so only transient
// failures trip it.
func call(ctx context.Context, cb *polybase.CircuitBreaker, op string, conditional error, fn func(ctx context.Context) error) error {
	return cb.Execute(ctx, func(ctx context.Context) error {
		return mapError(fn(ctx), conditional, map[string]interface{}{"operation": op})
	})
}
