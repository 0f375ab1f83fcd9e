package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veridoc/apigate/internal/clock"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"github.com/veridoc/apigate/internal/engine"
	"github.com/veridoc/apigate/internal/permission"
	"github.com/veridoc/apigate/internal/plan"
	"github.com/veridoc/apigate/internal/ratelimit"
	"github.com/veridoc/apigate/internal/scope"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	ResetAt string            `json:"reset_at,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInternal       = errors.New("internal_error")
	ErrInvalidRequest = errors.New("invalid_request")
)

// ErrorHandlingMiddleware converts the last gin error to the wire
// response. Denial reasons are never conflated: a bad key, a denied
// scope and an exhausted quota each map to their own type. Retry-After
// is computed against the same clock that produced the reset time.
func ErrorHandlingMiddleware(clk clock.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusTooManyRequests {
			if retryAfter := retryAfterSeconds(lastErr.Err, clk.Now()); retryAfter > 0 {
				c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			}
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var limitErr *ratelimit.LimitExceededError
	if errors.As(err, &limitErr) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limit_exceeded",
			Message: "rate limit exceeded",
			ResetAt: limitErr.ResetAt.UTC().Format(time.RFC3339),
		}
	}

	switch {
	case isAuthenticationError(err):
		return http.StatusUnauthorized, errorPayload{
			Type:    authenticationErrorType(err),
			Message: "unauthorized",
		}
	case isPermissionError(err):
		return http.StatusForbidden, errorPayload{
			Type:    permissionErrorType(err),
			Message: "forbidden",
		}
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limit_exceeded",
			Message: "rate limit exceeded",
		}
	case isValidationError(err):
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	case errors.Is(err, credentialdomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "status transition not allowed",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "store_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func retryAfterSeconds(err error, now time.Time) int64 {
	var limitErr *ratelimit.LimitExceededError
	if !errors.As(err, &limitErr) {
		return 0
	}
	seconds := int64(math.Ceil(limitErr.ResetAt.Sub(now).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isAuthenticationError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, credentialdomain.ErrInvalidCredential) ||
		errors.Is(err, credentialdomain.ErrExpiredCredential) ||
		errors.Is(err, credentialdomain.ErrRevokedCredential) ||
		errors.Is(err, credentialdomain.ErrSuspendedCredential)
}

func authenticationErrorType(err error) string {
	switch {
	case errors.Is(err, credentialdomain.ErrExpiredCredential):
		return "expired_credential"
	case errors.Is(err, credentialdomain.ErrRevokedCredential):
		return "revoked_credential"
	case errors.Is(err, credentialdomain.ErrSuspendedCredential):
		return "suspended_credential"
	default:
		return "invalid_credential"
	}
}

func isPermissionError(err error) bool {
	return errors.Is(err, permission.ErrScopeDenied) ||
		errors.Is(err, permission.ErrEnvironmentMismatch) ||
		errors.Is(err, permission.ErrIPNotAllowed)
}

func permissionErrorType(err error) string {
	switch {
	case errors.Is(err, permission.ErrEnvironmentMismatch):
		return "environment_mismatch"
	case errors.Is(err, permission.ErrIPNotAllowed):
		return "ip_not_allowed"
	default:
		return "scope_denied"
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, scope.ErrInvalidScope),
		errors.Is(err, plan.ErrUnknownTier),
		errors.Is(err, usagedomain.ErrInvalidRange),
		errors.Is(err, engine.ErrInvalidDocument),
		errors.Is(err, engine.ErrInvalidCalculation),
		errors.Is(err, credentialdomain.ErrInvalidOwner),
		errors.Is(err, credentialdomain.ErrInvalidName),
		errors.Is(err, credentialdomain.ErrInvalidKeyID),
		errors.Is(err, credentialdomain.ErrInvalidEnvironment),
		errors.Is(err, credentialdomain.ErrInvalidExpiry),
		errors.Is(err, credentialdomain.ErrInvalidAllowList):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, credentialdomain.ErrNotFound),
		errors.Is(err, engine.ErrCalculationNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog maps an error to low-cardinality type and code
// labels for the request log.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit", payload.Type
	case status == http.StatusUnauthorized:
		return "authentication", payload.Type
	case status == http.StatusForbidden:
		return "permission", payload.Type
	case status == http.StatusBadRequest:
		return "validation_error", payload.Type
	case status >= http.StatusInternalServerError:
		return "internal", payload.Type
	default:
		return "request_error", payload.Type
	}
}
