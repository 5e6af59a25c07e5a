package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/streamdecode/internal/decode"
	"github.com/samcharles93/streamdecode/internal/inference"
	"github.com/samcharles93/streamdecode/internal/plancache"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg   string
	param string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{msg: msg, param: param}
}

// classify maps an engine or request error to an HTTP status and the error
// envelope fields.
func classify(err error) (status int, errType, code string) {
	var step *inference.StepError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, decode.ErrInvalidInput), errors.Is(err, inference.ErrNoTokenizer):
		return http.StatusBadRequest, "invalid_request_error", ""
	case errors.Is(err, plancache.ErrWaitTimeout):
		return http.StatusServiceUnavailable, "server_error", "plan_build_timeout"
	case errors.Is(err, plancache.ErrBuild):
		return http.StatusInternalServerError, "server_error", "plan_build_failed"
	case errors.As(err, &step):
		return http.StatusInternalServerError, "server_error", "step_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "server_error", "cancelled"
	default:
		return http.StatusInternalServerError, "server_error", ""
	}
}

func errorParam(err error) string {
	var ir invalidRequestError
	if errors.As(err, &ir) {
		return ir.param
	}
	return ""
}
