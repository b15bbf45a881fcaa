// Package errors provides structured error handling for the auth boundary.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeNotFound       Code = "NOT_FOUND"
	CodeInternal       Code = "INTERNAL"

	// Passkey ceremony errors
	CodeNoChallenge  Code = "NO_CHALLENGE"
	CodeNoPasskeys   Code = "NO_PASSKEYS"
	CodeVerifyFailed Code = "VERIFY_FAILED"

	// Token ledger errors
	CodeInvalidToken Code = "INVALID_TOKEN"
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	CodeTokenUsed    Code = "TOKEN_USED"

	// Registration errors
	CodeResendCooldown Code = "RESEND_COOLDOWN"
	CodeEmailExists    Code = "EMAIL_EXISTS"

	// Delivery errors
	CodeEmailDeliveryFailed Code = "EMAIL_DELIVERY_FAILED"

	// CodeRateLimited rejects a client sending too many requests.
	CodeRateLimited Code = "RATE_LIMITED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures and consumed or stale credentials
	case CodeInvalidRequest,
		CodeNoChallenge,
		CodeVerifyFailed,
		CodeInvalidToken,
		CodeTokenExpired,
		CodeTokenUsed,
		CodeEmailExists:
		return http.StatusBadRequest

	case CodeUnauthorized:
		return http.StatusUnauthorized

	case CodeNotFound,
		CodeNoPasskeys:
		return http.StatusNotFound

	case CodeResendCooldown,
		CodeRateLimited:
		return http.StatusTooManyRequests

	case CodeEmailDeliveryFailed:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
