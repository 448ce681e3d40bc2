package healthsdk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careforge/healthlink/pkg/hmacx"
)

// signingTimeLayout is the platform's "u" timestamp pattern, second
// precision, always UTC.
const signingTimeLayout = "2006-01-02 15:04:05Z"

// SessionCredentialClient exchanges a signed create-session payload for a
// SessionCredential. The payload is signed with the application's shared
// secret, not a session secret: the session does not exist yet.
type SessionCredentialClient struct {
	conn            *Connection
	appInstanceID   uuid.UUID
	appSharedSecret string

	// now is swapped in tests for a deterministic signing time.
	now func() time.Time
}

// GetSessionCredential performs the create-session exchange. A platform
// failure status is surfaced unmodified as a PlatformError.
func (sc *SessionCredentialClient) GetSessionCredential(ctx context.Context) (*SessionCredential, error) {
	info, err := sc.buildInfo()
	if err != nil {
		return nil, err
	}

	resp, err := sc.conn.callMethod(ctx, methodCall{
		method:  methodCreateSessionToken,
		version: "2",
		info:    info,
		appID:   sc.appInstanceID.String(),
	})
	if err != nil {
		return nil, err
	}

	token, err := requiredText(resp.Info, "token")
	if err != nil {
		return nil, err
	}
	sharedSecret, err := requiredText(resp.Info, "shared-secret")
	if err != nil {
		return nil, err
	}
	expiresText, err := requiredText(resp.Info, "expires")
	if err != nil {
		return nil, err
	}
	expires, err := parseExpiration(expiresText)
	if err != nil {
		return nil, err
	}

	return &SessionCredential{
		Token:         token,
		SharedSecret:  sharedSecret,
		ExpirationUTC: expires,
	}, nil
}

// buildInfo assembles the appserver2 payload: the HMAC of the canonical
// content fragment, followed by the fragment itself.
func (sc *SessionCredentialClient) buildInfo() (string, error) {
	now := time.Now
	if sc.now != nil {
		now = sc.now
	}

	content := fmt.Sprintf("<content><app-id>%s</app-id><hmac>%s</hmac><signing-time>%s</signing-time></content>",
		sc.appInstanceID.String(),
		hmacx.AlgorithmHMACSHA256,
		now().UTC().Format(signingTimeLayout),
	)

	mac, err := hmacx.Sign(sc.appSharedSecret, []byte(content))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`<appserver2><hmacSig algName="%s">%s</hmacSig>%s</appserver2>`,
		hmacx.AlgorithmHMACSHA256, mac, content), nil
}
