// internal/api/error_codes.go
package api

// API error code constants
const (
	// Generic errors
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"

	// Session and story errors
	ErrorSessionNotFound = "SESSION_NOT_FOUND"
	ErrorStoryNotActive  = "STORY_NOT_ACTIVE"
	ErrorStoryEnded      = "STORY_ENDED"
	ErrorChoiceInvalid   = "CHOICE_INVALID"

	// Character errors
	ErrorCharacterNotFound = "CHARACTER_NOT_FOUND"

	// Template and library errors
	ErrorTemplateNotFound = "TEMPLATE_NOT_FOUND"
	ErrorStoryNotFound    = "STORY_NOT_FOUND"
	ErrorJobNotFound      = "JOB_NOT_FOUND"
	ErrorStoryIncomplete  = "STORY_INCOMPLETE"

	// Collaborator errors
	ErrorUpstreamFailure  = "UPSTREAM_FAILURE"
	ErrorTransportFailure = "TRANSPORT_FAILURE"
	ErrorUnparseable      = "UNPARSEABLE_RESPONSE"
	ErrorInvalidContent   = "INVALID_CONTENT"
	ErrorProxyMisconfig   = "PROXY_MISCONFIGURED"
)
