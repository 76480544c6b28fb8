package proxy

import (
	"errors"
	"fmt"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeListenerCreateFailed = "E1002"
	ErrCodeAdListLoadFailed     = "E1003"
	ErrCodeInvalidServerConfig  = "E1004"
	ErrCodeStatsInitFailed      = "E1005"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed      = "E2001"
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeConnectionRefused     = "E2003"
	ErrCodeHostUnreachable       = "E2004"
	ErrCodeConnectionClosed      = "E2005"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"
	ErrCodeSOCKS5DialerFailed    = "E2011"
	ErrCodeProxyAuthFailed       = "E2012"

	// Request Parsing Errors (E3000-E3999)
	ErrCodeInvalidRequest      = "E3001"
	ErrCodeRequestHeadTooLarge = "E3002"
	ErrCodeRequestReadFailed   = "E3003"

	// Relay Errors (E4000-E4999)
	ErrCodeResponseReadFailed  = "E4001"
	ErrCodeResponseWriteFailed = "E4002"
	ErrCodeRequestWriteFailed  = "E4003"

	// Decode and Filter Errors (E5000-E5999)
	ErrCodeDecodeFailed         = "E5001"
	ErrCodeUnsupportedEncoding  = "E5002"
	ErrCodeFilterFailed         = "E5003"
	ErrCodeResponseBodyTooLarge = "E5004"

	// Ad Blocking (E7000-E7999)
	ErrCodeAdBlocked = "E7001"

	// Resource Errors (E9000-E9899)
	ErrCodeConcurrencyLimitReached = "E9001"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeAdListLoadFailed:     "Failed to load ad domain list",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeStatsInitFailed:      "Failed to initialize statistics collector",

	ErrCodeConnectionFailed:      "Failed to establish connection",
	ErrCodeConnectionTimeout:     "Connection timed out",
	ErrCodeConnectionRefused:     "Connection refused by target",
	ErrCodeHostUnreachable:       "Target host unreachable or unresolvable",
	ErrCodeConnectionClosed:      "Connection closed unexpectedly",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect through upstream proxy",
	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeProxyAuthFailed:       "Upstream proxy rejected the CONNECT request",

	ErrCodeInvalidRequest:      "Malformed or non-HTTP request",
	ErrCodeRequestHeadTooLarge: "Request head exceeds size limit",
	ErrCodeRequestReadFailed:   "Failed to read request from client",

	ErrCodeResponseReadFailed:  "Failed to read response from origin",
	ErrCodeResponseWriteFailed: "Failed to write response to client",
	ErrCodeRequestWriteFailed:  "Failed to forward request to origin",

	ErrCodeDecodeFailed:         "Failed to decode response body",
	ErrCodeUnsupportedEncoding:  "Unsupported content encoding",
	ErrCodeFilterFailed:         "Failed to filter HTML response",
	ErrCodeResponseBodyTooLarge: "Response body exceeds filter limit",

	ErrCodeAdBlocked: "Request blocked by ad domain list",

	ErrCodeConcurrencyLimitReached: "Maximum concurrent connections reached",

	ErrCodeInternalError:  "Internal proxy error",
	ErrCodePanicRecovered: "Recovered from panic in connection handler",
}

// NewConfigurationError creates an error in the E1xxx range
func NewConfigurationError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewConnectionError creates an error in the E2xxx range
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewRequestError creates an error in the E3xxx range
func NewRequestError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewDecodeError creates an error in the E5xxx range
func NewDecodeError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ""
}

func codeInRange(err error, lo, hi string) bool {
	code := ErrorCode(err)
	return code != "" && code >= lo && code < hi
}

// IsConfigurationError checks if the error is configuration-related
func IsConfigurationError(err error) bool {
	return codeInRange(err, "E1000", "E2000")
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return codeInRange(err, "E2000", "E3000")
}

// IsRequestError checks if the error came from request parsing
func IsRequestError(err error) bool {
	return codeInRange(err, "E3000", "E4000")
}

// IsDecodeError checks if the error came from body decoding or filtering
func IsDecodeError(err error) bool {
	return codeInRange(err, "E5000", "E6000")
}

// IsInternalError checks if the error is internal/system-related
func IsInternalError(err error) bool {
	return ErrorCode(err) >= "E9900"
}
