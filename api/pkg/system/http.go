package system

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError400(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusBadRequest, Message: message}
}

func NewHTTPError403(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusForbidden, Message: message}
}

func NewHTTPError409(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusConflict, Message: message}
}

func NewHTTPError412(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusPreconditionFailed, Message: message}
}

func NewHTTPError500(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusInternalServerError, Message: message}
}

func NewHTTPError502(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusBadGateway, Message: message}
}

// handlers that return data and know their http status codes
type httpWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, *HTTPError)

// Wrapper adapts a data-returning handler into an http.HandlerFunc. Errors
// become JSON bodies with the right status code - never the router's
// default HTML error page, because the proxied callers (gRPC-Web, XHR)
// expect a specific content type.
func Wrapper[T any](handler httpWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	return func(res http.ResponseWriter, req *http.Request) {
		data, err := handler(res, req)
		if err != nil {
			WriteError(res, err.StatusCode, err.Message)
			return
		}
		WriteJSON(res, http.StatusOK, data)
	}
}

// WriteJSON encodes data as the response body with the given status.
func WriteJSON(res http.ResponseWriter, status int, data any) {
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(status)
	if err := json.NewEncoder(res).Encode(data); err != nil {
		// Usually the client went away; nothing corrective to send.
		log.Warn().Err(err).Msg("failed to encode JSON response")
	}
}

// WriteError emits the uniform JSON error shape.
func WriteError(res http.ResponseWriter, status int, message string) {
	statusCode := status
	if statusCode == 0 {
		statusCode = http.StatusInternalServerError
	}
	WriteJSON(res, statusCode, types.ErrorResponse{Error: message})
}
