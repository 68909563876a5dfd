package api

import (
	"net/http"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/sync"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func statusFor(code sync.Code) int {
	switch code {
	case sync.CodeNotFound:
		return http.StatusNotFound
	case sync.CodeInvalidState, sync.CodeConflict:
		return http.StatusConflict
	case sync.CodeInvalidInput:
		return http.StatusBadRequest
	case sync.CodeTimeout:
		return http.StatusGatewayTimeout
	case sync.CodeUnavailable:
		return http.StatusServiceUnavailable
	case sync.CodeRepositoryFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// submitErrorResponse carries the partial outcome of an apply that stopped early.
type submitErrorResponse struct {
	Error  errorBody          `json:"error"`
	Result *sync.SubmitResult `json:"result"`
}

func errorFor(r *http.Request, err error) (int, errorBody) {
	code := sync.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Log.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	return status, errorBody{Code: string(code), Message: msg, Retryable: sync.Retryable(err)}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorFor(r, err)
	writeJSON(w, status, errorResponse{Error: body})
}

func writeErrorBody(w http.ResponseWriter, status int, code, msg string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg, Retryable: retryable}})
}
