package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Categories of transport failures. Validation and authentication reuse the
// shared go-errors categories so callers can branch with goerrors.IsValidation
// and goerrors.IsAuth.
var (
	CategoryNetwork = goerrors.CategoryExternal.Extend("network")
	CategoryTimeout = goerrors.CategoryExternal.Extend("timeout")
	CategoryServer  = goerrors.CategoryExternal.Extend("server")
)

// Text codes attached to transport errors.
const (
	TextCodeNetwork      = "NETWORK_ERROR"
	TextCodeTimeout      = "REQUEST_TIMEOUT"
	TextCodeServer       = "SERVER_ERROR"
	TextCodeValidation   = "VALIDATION_FAILED"
	TextCodeUnauthorized = "UNAUTHORIZED"
	TextCodeDecode       = "DECODE_ERROR"
)

// NetworkError reports a request that never got a response.
func NetworkError(err error) *goerrors.Error {
	return goerrors.Wrap(err, CategoryNetwork, "no response from server").
		WithTextCode(TextCodeNetwork)
}

// TimeoutError reports a request that exceeded its deadline.
func TimeoutError(err error) *goerrors.Error {
	return goerrors.Wrap(err, CategoryTimeout, "request timed out").
		WithCode(goerrors.CodeRequestTimeout).
		WithTextCode(TextCodeTimeout)
}

// ServerError reports a non success status without field level detail.
func ServerError(status int, body string) *goerrors.Error {
	msg := detailMessage([]byte(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return goerrors.New(msg, CategoryServer).
		WithCode(status).
		WithTextCode(TextCodeServer).
		WithMetadata(map[string]any{"body": body})
}

// ValidationError reports a rejected request with optional field errors.
func ValidationError(status int, message string, fields ...goerrors.FieldError) *goerrors.Error {
	if message == "" {
		message = "request validation failed"
	}
	return goerrors.NewValidation(message, fields...).
		WithCode(status).
		WithTextCode(TextCodeValidation)
}

// AuthenticationError reports a 401 response.
func AuthenticationError(message string) *goerrors.Error {
	if message == "" {
		message = "not authenticated"
	}
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(goerrors.CodeUnauthorized).
		WithTextCode(TextCodeUnauthorized)
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return goerrors.IsAuth(err)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	return goerrors.IsCategory(err, CategoryTimeout)
}

// IsNetwork reports whether err means no response was received.
func IsNetwork(err error) bool {
	return goerrors.IsCategory(err, CategoryNetwork)
}

// IsValidation reports whether the server rejected the input.
func IsValidation(err error) bool {
	return goerrors.IsValidation(err)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *goerrors.Error
	if goerrors.As(err, &e) {
		return e.Code
	}
	return 0
}

// FieldErrors returns field level validation detail carried by err.
func FieldErrors(err error) map[string]string {
	fields, ok := goerrors.GetValidationErrors(err)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.Field] = f.Message
	}
	return out
}

// FetchError is the flat view of a failure rendered by consumers.
type FetchError struct {
	HTTPStatus int
	Message    string
	IsTimeout  bool
}

func (e FetchError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%d: %s", e.HTTPStatus, e.Message)
	}
	return e.Message
}

// AsFetchError flattens any error into a FetchError.
func AsFetchError(err error) FetchError {
	if err == nil {
		return FetchError{}
	}
	fe := FetchError{
		HTTPStatus: StatusOf(err),
		Message:    err.Error(),
		IsTimeout:  IsTimeout(err),
	}
	var e *goerrors.Error
	if goerrors.As(err, &e) {
		fe.Message = e.Message
		if fe.IsTimeout {
			fe.HTTPStatus = 0
		}
	}
	return fe
}

// classifyTransport maps a failed round trip.
func classifyTransport(err error) *goerrors.Error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return TimeoutError(err)
	}
	return NetworkError(err)
}

// classifyDecode maps a failure while reading a success body. Timeouts
// can still fire mid body.
func classifyDecode(err error) *goerrors.Error {
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return TimeoutError(err)
	}
	return goerrors.Wrap(err, CategoryServer, "decode response").WithTextCode(TextCodeDecode)
}

// classifyStatus maps an error response.
func classifyStatus(status int, body []byte) *goerrors.Error {
	switch {
	case status == http.StatusUnauthorized:
		return AuthenticationError(detailMessage(body))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		msg, fields := parseDetail(body)
		if msg == "" && len(fields) == 0 {
			return ServerError(status, string(body))
		}
		return ValidationError(status, msg, fields...)
	default:
		return ServerError(status, string(body))
	}
}

// errorBody is the backend error envelope: detail is either a message or a
// list of field errors.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type detailItem struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

func detailMessage(body []byte) string {
	msg, fields := parseDetail(body)
	if msg != "" {
		return msg
	}
	if len(fields) > 0 {
		return goerrors.ValidationErrors(fields).Error()
	}
	return ""
}

func parseDetail(body []byte) (string, []goerrors.FieldError) {
	var env errorBody
	if err := json.Unmarshal(body, &env); err != nil || len(env.Detail) == 0 {
		return "", nil
	}

	var msg string
	if err := json.Unmarshal(env.Detail, &msg); err == nil {
		return msg, nil
	}

	var items []detailItem
	if err := json.Unmarshal(env.Detail, &items); err != nil {
		return "", nil
	}
	fields := make([]goerrors.FieldError, 0, len(items))
	for _, it := range items {
		fields = append(fields, goerrors.FieldError{Field: fieldPath(it.Loc), Message: it.Msg})
	}
	return "request validation failed", fields
}

// fieldPath drops the leading location kind ("body", "query") and joins the
// rest, e.g. ["body", "phone"] becomes "phone".
func fieldPath(loc []any) string {
	parts := make([]string, 0, len(loc))
	for i, p := range loc {
		s := fmt.Sprint(p)
		if i == 0 && len(loc) > 1 && (s == "body" || s == "query" || s == "path") {
			continue
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ".")
}
