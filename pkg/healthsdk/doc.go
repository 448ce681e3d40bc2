/*
Package healthsdk is the client SDK core for the healthlink platform: the
connection/authentication lifecycle and the request-signing protocol shared by
the XML method channel and the REST JSON API.

# Connection

Connection is the central type. It lazily provisions an application instance
(the SODA flow), negotiates a session credential, loads the authenticated
person's profile, and caches all four artifacts through the local object
store so later processes skip straight to the ready state:

	conn := healthsdk.NewConnection(cfg, objectStore, browserBroker)
	if err := conn.Authenticate(ctx); err != nil {
		// *AuthError, ErrCancelled, ...
	}

Authenticate is idempotent and re-entrant safe: every sub-step is guarded by
one authenticate lock per connection, so concurrent callers trigger at most
one provisioning or credential exchange and then observe the cached state.

# Signing

XML calls carry an auth-session block built by PrepareAuthHeader; the
envelope itself is assembled by the wire package with an HMAC over the header
and a SHA-256 info hash. REST calls are signed by RESTClient with the MSH-V1
Authorization header, and SignLegacyRequest adds the x-msh-hmac/x-msh-sha256
pair for older transports.

# Errors

Platform XML failure statuses surface as *PlatformError with the code and
message unmodified. REST failures surface as *HTTPError with the message
parsed from the JSON error body. The only retry in the SDK is the HTTP 500
policy on Connection (configurable count and sleep).
*/
package healthsdk
