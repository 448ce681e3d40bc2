// Package shellauth drives the platform's hosted web UI ("Shell") for the
// interactive consent flows: provisioning a new application instance and
// authorizing additional records. The actual browser round-trip is delegated
// to a BrowserAuthBroker supplied by the host (system browser, WebView, test
// fake); this package only builds the redirect URLs and parses the callback.
package shellauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	redirectPath = "/redirect.aspx"

	// completeMarker is the substring of the Shell callback URL that marks a
	// finished flow.
	completeMarker = "application/complete"

	instanceIDParam = "instanceid="
)

var (
	// ErrCancelled reports that the user aborted the interactive browser flow.
	ErrCancelled = errors.New("shellauth: operation cancelled")

	// ErrNoInstanceID reports a Shell callback without the expected
	// instanceid marker.
	ErrNoInstanceID = errors.New("shellauth: redirect did not contain an instance id")
)

// BrowserAuthBroker runs an interactive browser flow starting at startURL and
// returns the first URL the browser reaches for which isComplete returns
// true. Implementations return ErrCancelled when the user aborts.
type BrowserAuthBroker interface {
	Authenticate(ctx context.Context, startURL *url.URL, isComplete func(*url.URL) bool) (*url.URL, error)
}

// Service builds consent URLs and runs them through the broker.
type Service struct {
	Broker BrowserAuthBroker

	// IsMultiRecordApp reflects the application's multi-record configuration
	// and is forwarded to the Shell as the ismra parameter.
	IsMultiRecordApp bool

	// MultiInstanceAware appends aib=true to provisioning URLs when set.
	MultiInstanceAware bool
}

// ProvisionApplication walks the user through the Shell's application
// provisioning consent flow and returns the environment instance id the
// Shell redirected back with.
func (s *Service) ProvisionApplication(ctx context.Context, shellURL, masterAppID, appCreationToken, appInstanceID string) (string, error) {
	start, err := url.Parse(s.provisionURL(shellURL, masterAppID, appCreationToken, appInstanceID))
	if err != nil {
		return "", fmt.Errorf("shellauth: build provisioning url: %w", err)
	}

	final, err := s.Broker.Authenticate(ctx, start, isComplete)
	if err != nil {
		return "", err
	}

	instanceID, ok := extractInstanceID(final.String())
	if !ok {
		return "", ErrNoInstanceID
	}
	return instanceID, nil
}

// AuthorizeAdditionalRecords walks the user through the Shell's
// authorize-additional-records flow. Success is the broker returning without
// error; the callback carries no value to parse.
func (s *Service) AuthorizeAdditionalRecords(ctx context.Context, shellURL, masterAppID string) error {
	start, err := url.Parse(s.authorizeURL(shellURL, masterAppID))
	if err != nil {
		return fmt.Errorf("shellauth: build authorize url: %w", err)
	}

	_, err = s.Broker.Authenticate(ctx, start, isComplete)
	return err
}

// provisionURL keeps the Shell's expected parameter order, so the query is
// assembled by hand rather than through url.Values.
func (s *Service) provisionURL(shellURL, masterAppID, appCreationToken, appInstanceID string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(shellURL, "/"))
	b.WriteString(redirectPath)
	b.WriteString("?appid=")
	b.WriteString(url.QueryEscape(masterAppID))
	b.WriteString("&appCreationToken=")
	b.WriteString(url.QueryEscape(appCreationToken))
	b.WriteString("&instanceName=")
	b.WriteString(url.QueryEscape(appInstanceID))
	b.WriteString("&ismra=")
	b.WriteString(strconv.FormatBool(s.IsMultiRecordApp))
	if s.MultiInstanceAware {
		b.WriteString("&aib=true")
	}
	return b.String()
}

func (s *Service) authorizeURL(shellURL, masterAppID string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(shellURL, "/"))
	b.WriteString(redirectPath)
	b.WriteString("?appid=")
	b.WriteString(url.QueryEscape(masterAppID))
	b.WriteString("&ismra=")
	b.WriteString(strconv.FormatBool(s.IsMultiRecordApp))
	return b.String()
}

func isComplete(u *url.URL) bool {
	return strings.Contains(u.String(), completeMarker)
}

// extractInstanceID pulls the instanceid query fragment out of the callback
// URL: everything after "instanceid=" up to the next '&' or end of string.
func extractInstanceID(callback string) (string, bool) {
	idx := strings.Index(callback, instanceIDParam)
	if idx < 0 {
		return "", false
	}
	rest := callback[idx+len(instanceIDParam):]
	if amp := strings.IndexByte(rest, '&'); amp >= 0 {
		rest = rest[:amp]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
