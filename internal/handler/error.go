package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

// statusByCode maps domain error codes onto HTTP statuses. Unknown codes
// are 500.
var statusByCode = map[string]int{
	domain.EINVALID:        http.StatusBadRequest,
	domain.EINVALIDFORMAT:  http.StatusBadRequest,
	domain.EUNAUTHORIZED:   http.StatusUnauthorized,
	domain.EPAYMENT:        http.StatusPaymentRequired,
	domain.EFORBIDDEN:      http.StatusForbidden,
	domain.ENOTFOUND:       http.StatusNotFound,
	domain.ECONFLICT:       http.StatusConflict,
	domain.ETOOLARGE:       http.StatusRequestEntityTooLarge,
	domain.EMISSINGCOLUMN:  http.StatusUnprocessableEntity,
	domain.ETOOMANYPERIODS: http.StatusUnprocessableEntity,
	domain.ERATELIMIT:      http.StatusTooManyRequests,
}

// ErrorCodeToHTTPStatus returns the status a domain error code is served
// with.
func ErrorCodeToHTTPStatus(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorResponse renders err as a JSON error body. Internal errors carry a
// generic message; their details only reach the log.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := domain.ErrorCode(err)
	status := ErrorCodeToHTTPStatus(code)

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("code", code),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
	}
	if op := domain.ErrorOp(err); op != "" {
		attrs = append(attrs, slog.String("op", op))
	}
	if cause := errors.Unwrap(err); cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}
	logger.LogAttrs(r.Context(), level, "request failed", attrs...)

	var body JSONError
	body.Error.Code = code
	body.Error.Kind = string(domain.Kind(err))
	body.Error.Message = domain.ErrorMessage(err)
	writeJSON(w, status, body)
}

// ValidationErrorResponse renders field-level errors with 400. Other errors
// fall through to ErrorResponse.
func ValidationErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		ErrorResponse(w, r, logger, err)
		return
	}

	logger.LogAttrs(r.Context(), slog.LevelInfo, "validation failed",
		slog.String("op", ve.Op),
		slog.Int("field_count", len(ve.Fields)),
		slog.String("path", r.URL.Path),
	)

	var body JSONError
	body.Error.Code = domain.EINVALID
	body.Error.Kind = string(domain.KindRequest)
	body.Error.Message = "Validation failed"
	body.Error.Fields = ve.Fields
	writeJSON(w, http.StatusBadRequest, body)
}

func NotFoundResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	ErrorResponse(w, r, logger, domain.Errorf(domain.ENOTFOUND, "", "The requested resource was not found"))
}

func UnauthorizedResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	ErrorResponse(w, r, logger, domain.Errorf(domain.EUNAUTHORIZED, "", "Authentication required"))
}

func ForbiddenResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	ErrorResponse(w, r, logger, domain.Errorf(domain.EFORBIDDEN, "", "You don't have permission to access this resource"))
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError is a typed response structure for API errors.
type JSONError struct {
	Error struct {
		Code    string            `json:"code"`
		Kind    string            `json:"kind,omitempty"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	} `json:"error"`
}
