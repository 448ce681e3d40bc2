package healthsdk

import (
	"errors"
	"fmt"

	"github.com/careforge/healthlink/pkg/shellauth"
)

var (
	// ErrNotAuthenticated reports an operation that requires a completed
	// Authenticate call first.
	ErrNotAuthenticated = errors.New("healthsdk: call Authenticate first")

	// ErrShellAuth reports a Shell callback that did not yield an instance
	// id. Alias of the shellauth sentinel so callers can match either.
	ErrShellAuth = shellauth.ErrNoInstanceID

	// ErrCancelled reports a user-aborted browser flow.
	ErrCancelled = shellauth.ErrCancelled
)

// AuthError reports a failed provisioning or credential-acquisition step.
type AuthError struct {
	Step string // "provision", "session", "person"
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("healthsdk: authentication failed during %s: %v", e.Step, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PlatformError is a failure status returned by the platform on the XML
// channel. The code and message are surfaced unmodified.
type PlatformError struct {
	Code    int
	Message string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("healthsdk: platform returned status %d", e.Code)
	}
	return fmt.Sprintf("healthsdk: platform returned status %d: %s", e.Code, e.Message)
}

// HTTPError is a non-success HTTP status from the platform's REST API,
// carrying the parsed (or generic) error message.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("healthsdk: HTTP %d: %s", e.StatusCode, e.Message)
}
