// api carries the request/response envelope shared by every entry point:
// JSON bodies, a bearer token in the Authorization header, and responses of
// the shape {statusCode, body}. It also owns the error taxonomy and its
// mapping to HTTP status codes. Internal error detail is logged, never
// returned to callers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// Failure classes. Operations wrap one of these so handlers can map an error
// chain to a status code without inspecting message text.
var (
	ErrValidation   = errors.New("invalid request")
	ErrAuth         = errors.New("not authorized")
	ErrQuota        = errors.New("quota exceeded")
	ErrNotFound     = errors.New("not found")
	ErrProvisioning = errors.New("provisioning failed")
	ErrDependency   = errors.New("dependency failure")
)

// StatusFor maps an error chain to the status code the caller sees.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth), errors.Is(err, ErrQuota):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// BearerToken extracts the bearer token from the request headers. API
// Gateway passes header names through as-sent, so the lookup is
// case-insensitive.
func BearerToken(headers map[string]string) string {
	for name, value := range headers {
		if strings.EqualFold(name, "Authorization") {
			return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "Bearer "))
		}
	}
	return ""
}

// ParseBody decodes the JSON request body into v. An empty body decodes as
// an empty object.
func ParseBody(body string, v any) error {
	if strings.TrimSpace(body) == "" {
		body = "{}"
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", ErrValidation)
	}
	return nil
}

// OK wraps v as a 200 response.
func OK(v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return Error(http.StatusInternalServerError, "failed to encode response")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// Error builds a response carrying only the given safe message.
func Error(status int, msg string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// Fail maps err to a status code and returns a response with the safe
// message. The error itself is for the caller to log.
func Fail(err error, msg string) events.APIGatewayProxyResponse {
	return Error(StatusFor(err), msg)
}
