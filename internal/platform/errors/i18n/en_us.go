package i18n

// Error codes must match the codes defined in internal/platform/errors/codes.go.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL"
	CodeNoChallenge         = "NO_CHALLENGE"
	CodeNoPasskeys          = "NO_PASSKEYS"
	CodeVerifyFailed        = "VERIFY_FAILED"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeTokenUsed           = "TOKEN_USED"
	CodeResendCooldown      = "RESEND_COOLDOWN"
	CodeEmailExists         = "EMAIL_EXISTS"
	CodeEmailDeliveryFailed = "EMAIL_DELIVERY_FAILED"
	CodeRateLimited         = "RATE_LIMITED"
)

var enUSMessages = map[Code]string{
	CodeInvalidRequest:      "The request is invalid{{if .Field}}: check {{.Field}}{{end}}.",
	CodeUnauthorized:        "You need to sign in to continue.",
	CodeNotFound:            "We could not find what you were looking for.",
	CodeInternal:            "Something went wrong. Please try again.",
	CodeNoChallenge:         "Your sign-in attempt timed out. Please start again.",
	CodeNoPasskeys:          "No passkeys are registered for this email.",
	CodeVerifyFailed:        "We could not verify your passkey.",
	CodeInvalidToken:        "This link is not valid.",
	CodeTokenExpired:        "This link has expired. Please request a new one.",
	CodeTokenUsed:           "This link has already been used.",
	CodeResendCooldown:      "Please wait {{.remainingSeconds}} seconds before requesting another email.",
	CodeEmailExists:         "An account with this email already exists.",
	CodeEmailDeliveryFailed: "We could not send the email. Please try again later.",
	CodeRateLimited:         "Too many attempts. Please slow down and try again shortly.",
}
