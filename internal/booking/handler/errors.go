package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/booking/registry"
	"github.com/example/taxidispatch/internal/booking/repository"
	"github.com/example/taxidispatch/internal/booking/service"
	"github.com/example/taxidispatch/internal/georoute"
)

// statusFor maps service and engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, registry.ErrTaxiNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, registry.ErrStatusConflict),
		errors.Is(err, dispatch.ErrStaleReply),
		errors.Is(err, dispatch.ErrAlreadyDispatching),
		errors.Is(err, dispatch.ErrInvalidBookingState):
		return http.StatusConflict
	case errors.Is(err, georoute.ErrRouteUnavailable), errors.Is(err, dispatch.ErrAborted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var grpcCodes = map[int]codes.Code{
	http.StatusBadRequest:          codes.InvalidArgument,
	http.StatusForbidden:           codes.PermissionDenied,
	http.StatusNotFound:            codes.NotFound,
	http.StatusConflict:            codes.FailedPrecondition,
	http.StatusServiceUnavailable:  codes.Unavailable,
	http.StatusGatewayTimeout:      codes.DeadlineExceeded,
	http.StatusInternalServerError: codes.Internal,
}

func codeFor(err error) codes.Code {
	return grpcCodes[statusFor(err)]
}
