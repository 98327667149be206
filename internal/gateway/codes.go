// internal/gateway/codes.go
package gateway

// Custom WebSocket close codes. These give clients a more specific reason
// for closure than the standard 1xxx range.
const (
	BadSubprotocolError     = 3000 // Client connected with an unsupported subprotocol.
	InvalidDeviceTokenError = 3001 // Device token was missing, invalid or expired.
	InvalidDeviceIDError    = 3002 // Device ID was malformed or rejected.
	IdentifyTimeoutError    = 3003 // Connection never identified within the allowed window.
)

// Error codes the gateway itself puts in error frames. Codes minted by the
// services behind the gateway pass through untouched.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeUnauthenticated = "unauthenticated"
	ErrCodeUnknownEvent    = "unknown_event"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeMessageTooLarge = "message_too_large"
	ErrCodeUpstreamError   = "upstream_error"
)
