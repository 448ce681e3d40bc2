package healthsdk

import (
	"net/http"
	"strings"
	"time"

	"github.com/careforge/healthlink/pkg/hmacx"
)

// Legacy transport signature headers. Older REST deployments authenticate
// each request with a content hash plus an HMAC over the canonical request
// string, independently of the MSH-V1 Authorization header.
const (
	headerLegacyHMAC   = "x-msh-hmac"
	headerLegacySHA256 = "x-msh-sha256"

	legacyHMACPrefix = "V1-HMACSHA256 "
)

// SignLegacyRequest attaches the legacy signature headers to req. The
// Authorization header must already be set (see AuthorizeRequest); it is part
// of the signed string. The HMAC is computed over
//
//	{verb}&{path}&{authHeader}&{contentHash}&{contentType}&{date}
//
// keyed by the current session shared secret.
func (rc *RESTClient) SignLegacyRequest(req *http.Request, body []byte, date time.Time) error {
	cred := rc.conn.currentSessionCredential()
	if cred == nil {
		return ErrNotAuthenticated
	}

	contentHash := hmacx.Digest(body)
	req.Header.Set(headerLegacySHA256, contentHash)

	dateText := date.UTC().Format(http.TimeFormat)
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", dateText)
	}

	canonical := strings.Join([]string{
		req.Method,
		req.URL.Path,
		req.Header.Get("Authorization"),
		contentHash,
		req.Header.Get("Content-Type"),
		dateText,
	}, "&")

	mac, err := hmacx.Sign(cred.SharedSecret, []byte(canonical))
	if err != nil {
		return err
	}
	req.Header.Set(headerLegacyHMAC, legacyHMACPrefix+mac)
	return nil
}
