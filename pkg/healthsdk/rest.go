package healthsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/careforge/healthlink/pkg/idx"
)

// RESTClient dispatches typed requests to the platform's JSON API, attaching
// the MSH-V1 Authorization header per request.
type RESTClient struct {
	conn *Connection
	root string

	// UserToken adds a user-token segment to the Authorization header for
	// online (user-present) scenarios.
	UserToken string

	// CorrelationID is attached as the Correlation-Id header when set.
	CorrelationID idx.CorrelationID
}

// NewRESTClient returns a REST client bound to this connection.
func (c *Connection) NewRESTClient() *RESTClient {
	return &RESTClient{
		conn: c,
		root: strings.TrimSuffix(c.cfg.RESTRootURL, "/"),
	}
}

// RESTRequest is one JSON API call. Path may be absolute or relative to the
// configured REST root. RecordID scopes the call to a record when non-empty.
type RESTRequest struct {
	Method   string
	Path     string
	Query    url.Values
	Body     any
	RecordID string
}

// RESTResponse carries a decoded-status reply. Body is the raw (already
// decompressed) payload.
type RESTResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UnmarshalJSON-style helper: decode the response body into v.
func (r *RESTResponse) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("healthsdk: decode response: %w", err)
	}
	return nil
}

// AuthorizeRequest attaches the Authorization header to an outgoing request.
// If the current session credential is expired a refresh is triggered first,
// so the header always carries an unexpired token. The header format is
//
//	MSH-V1 app-token={token}[,user-token={userToken}][,record-id={recordId}]
func (rc *RESTClient) AuthorizeRequest(ctx context.Context, req *http.Request, recordID string) error {
	token, err := rc.validToken(ctx)
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("MSH-V1 app-token=")
	b.WriteString(token)
	if rc.UserToken != "" {
		b.WriteString(",user-token=")
		b.WriteString(rc.UserToken)
	}
	if recordID != "" {
		b.WriteString(",record-id=")
		b.WriteString(recordID)
	}
	req.Header.Set("Authorization", b.String())
	return nil
}

// validToken returns the current session token, refreshing it when expired.
func (rc *RESTClient) validToken(ctx context.Context) (string, error) {
	cred := rc.conn.currentSessionCredential()
	if cred != nil && !cred.IsExpired() {
		return cred.Token, nil
	}
	return rc.conn.refreshSessionCredential(ctx)
}

// Execute resolves, signs and dispatches one REST request. Non-success
// statuses are mapped to an HTTPError carrying the platform's error message
// when the body holds {"error":{"message":...}}, or a generic message
// otherwise.
func (rc *RESTClient) Execute(ctx context.Context, r RESTRequest) (*RESTResponse, error) {
	target, err := rc.resolveURL(r)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if r.Body != nil {
		payload, err = json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("healthsdk: marshal request body: %w", err)
		}
	}

	resp, err := rc.conn.doWithRetry(ctx, func() (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip, deflate")
		req.Header.Set("Version", rc.conn.cfg.RESTVersion)
		if rc.CorrelationID != idx.Zero {
			req.Header.Set("Correlation-Id", rc.CorrelationID.String())
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if err := rc.AuthorizeRequest(ctx, req, r.RecordID); err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("healthsdk: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseRESTError(resp.StatusCode, respBody)
	}

	return &RESTResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// resolveURL combines a relative path with the REST root and encodes the
// query.
func (rc *RESTClient) resolveURL(r RESTRequest) (string, error) {
	target := r.Path
	if !strings.Contains(target, "://") {
		target = rc.root + "/" + strings.TrimPrefix(target, "/")
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("healthsdk: resolve url %q: %w", r.Path, err)
	}
	if len(r.Query) > 0 {
		u.RawQuery = r.Query.Encode()
	}
	return u.String(), nil
}

// parseRESTError extracts {"error":{"message":...}} from a failure body,
// falling back to the HTTP status text when the body isn't parseable JSON.
func parseRESTError(status int, body []byte) *HTTPError {
	var wrapper struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return &HTTPError{StatusCode: status, Message: wrapper.Error.Message}
	}
	return &HTTPError{StatusCode: status, Message: http.StatusText(status)}
}
