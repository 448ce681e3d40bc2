package healthsdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/careforge/healthlink/pkg/shellauth"
	"github.com/careforge/healthlink/pkg/store"
)

var (
	testMasterAppID = uuid.MustParse("11111111-2222-3333-4444-555555555555")
	testAppID       = uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	testPersonID    = uuid.MustParse("0b4edcc9-3b13-4d28-9b93-8a4b0f3ec3a1")
	testRecordID    = uuid.MustParse("99999999-8888-7777-6666-555555555555")

	testAppSecret     = base64.StdEncoding.EncodeToString([]byte("app-shared-secret-32-bytes-long!"))
	testSessionSecret = base64.StdEncoding.EncodeToString([]byte("session-shared-secret-32-bytes!!"))
)

// fakePlatform fakes the platform's XML channel behind the transport
// interface. It parses each envelope, counts calls per method and answers
// with canned info sections.
type fakePlatform struct {
	t *testing.T

	mu       sync.Mutex
	calls    map[string]int
	lastURL  string
	token    string
	expires  time.Time
	failWith map[string]*PlatformError
}

func newFakePlatform(t *testing.T) *fakePlatform {
	return &fakePlatform{
		t:        t,
		calls:    make(map[string]int),
		token:    "ASAAS-token-1",
		expires:  time.Now().UTC().Add(time.Hour),
		failWith: make(map[string]*PlatformError),
	}
}

func (f *fakePlatform) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakePlatform) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakePlatform) Do(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	require.NoError(f.t, err)

	doc := etree.NewDocument()
	require.NoError(f.t, doc.ReadFromBytes(body))
	method := doc.FindElement("/request/header/method").Text()

	f.mu.Lock()
	f.calls[method]++
	f.lastURL = req.URL.String()
	fail := f.failWith[method]
	token := f.token
	expires := f.expires
	f.mu.Unlock()

	if fail != nil {
		return xmlResponse(fmt.Sprintf(
			`<response><status><code>%d</code><error><message>%s</message></error></status></response>`,
			fail.Code, fail.Message)), nil
	}

	switch method {
	case methodNewApplicationCreationInfo:
		return xmlResponse(fmt.Sprintf(
			`<response><status><code>0</code></status><info><app-id>%s</app-id><shared-secret>%s</shared-secret><app-token>creation-token-1</app-token></info></response>`,
			testAppID, testAppSecret)), nil

	case methodGetServiceDefinition:
		return xmlResponse(
			`<response><status><code>0</code></status><info><instances>` +
				`<instance><id>eu-west-1</id><name>EU</name><description>Europe</description><platform-url>https://platform.eu.example/platform.ashx</platform-url><shell-url>https://shell.eu.example</shell-url></instance>` +
				`<instance><id>us-east-1</id><name>US</name><description>United States</description><platform-url>https://platform.us.example/platform.ashx</platform-url><shell-url>https://shell.us.example</shell-url></instance>` +
				`</instances></info></response>`), nil

	case methodCreateSessionToken:
		return xmlResponse(fmt.Sprintf(
			`<response><status><code>0</code></status><info><token>%s</token><shared-secret>%s</shared-secret><expires>%s</expires></info></response>`,
			token, testSessionSecret, expires.Format(time.RFC3339))), nil

	case methodGetPersonInfo:
		got := doc.FindElement("/request/header/auth-session/auth-token")
		require.NotNil(f.t, got, "GetPersonInfo must carry an auth-session")
		require.Equal(f.t, token, got.Text())
		return xmlResponse(fmt.Sprintf(
			`<response><status><code>0</code></status><info><person-info><person-id>%s</person-id><name>Alex Example</name><record id="%s"/></person-info></info></response>`,
			testPersonID, testRecordID)), nil
	}

	f.t.Fatalf("unexpected method %q", method)
	return nil, nil
}

func xmlResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/xml; charset=utf-8"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

// scriptedBroker replies with a fixed callback URL.
type scriptedBroker struct {
	mu        sync.Mutex
	startURLs []string
	callback  string
	err       error
}

func (b *scriptedBroker) Authenticate(_ context.Context, startURL *url.URL, _ func(*url.URL) bool) (*url.URL, error) {
	b.mu.Lock()
	b.startURLs = append(b.startURLs, startURL.String())
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return url.Parse(b.callback)
}

// countingStore counts writes so tests can assert cache idempotence.
type countingStore struct {
	store.ObjectStore
	mu   sync.Mutex
	puts int
}

func (s *countingStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.ObjectStore.Put(ctx, key, value)
}

func (s *countingStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func testConfig() Config {
	cfg := DefaultConfig(testMasterAppID)
	cfg.IsMultiRecordApp = true
	cfg.MultiInstanceAware = true
	cfg.RetryOnInternal500Sleep = time.Millisecond
	return cfg
}

func newTestConnection(t *testing.T) (*Connection, *fakePlatform, *countingStore, *scriptedBroker) {
	t.Helper()

	platform := newFakePlatform(t)
	objects := &countingStore{ObjectStore: store.NewMemory()}
	broker := &scriptedBroker{
		callback: "https://shell.example.com/application/complete?instanceid=us-east-1",
	}
	conn := NewConnection(testConfig(), objects, broker, WithTransport(platform))
	return conn, platform, objects, broker
}

func TestAuthenticateFullFlow(t *testing.T) {
	t.Parallel()

	conn, platform, objects, broker := newTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.Authenticate(ctx))

	// One call per step.
	require.Equal(t, 1, platform.callCount(methodNewApplicationCreationInfo))
	require.Equal(t, 1, platform.callCount(methodGetServiceDefinition))
	require.Equal(t, 1, platform.callCount(methodCreateSessionToken))
	require.Equal(t, 1, platform.callCount(methodGetPersonInfo))

	// The provisioning consent URL carries the creation token, instance name
	// and both feature flags.
	require.Len(t, broker.startURLs, 1)
	start := broker.startURLs[0]
	require.Contains(t, start, "appid="+testMasterAppID.String())
	require.Contains(t, start, "appCreationToken=creation-token-1")
	require.Contains(t, start, "instanceName="+testAppID.String())
	require.Contains(t, start, "ismra=true")
	require.Contains(t, start, "aib=true")

	// The connection is bound to the resolved instance.
	instance := conn.ServiceInstance()
	require.NotNil(t, instance)
	require.Equal(t, "us-east-1", instance.ID)
	require.Equal(t, "https://platform.us.example/platform.ashx", instance.PlatformURL)

	person, err := conn.PersonInfo()
	require.NoError(t, err)
	require.Equal(t, testPersonID, person.PersonID)
	require.Equal(t, []uuid.UUID{testRecordID}, person.AuthorizedRecords)

	// All four artifacts were persisted.
	for _, key := range []string{keyServiceInstance, keyCreationInfo, keySessionCred, keyPersonInfo} {
		_, err := objects.Get(ctx, key)
		require.NoError(t, err, key)
	}
}

func TestAuthenticateIdempotent(t *testing.T) {
	t.Parallel()

	conn, platform, objects, _ := newTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.Authenticate(ctx))
	callsAfterFirst := platform.totalCalls()
	putsAfterFirst := objects.putCount()

	require.NoError(t, conn.Authenticate(ctx))
	require.Equal(t, callsAfterFirst, platform.totalCalls(), "second Authenticate must not hit the network")
	require.Equal(t, putsAfterFirst, objects.putCount(), "second Authenticate must not rewrite the cache")
}

func TestAuthenticateReadsThroughStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	platform := newFakePlatform(t)
	objects := store.NewMemory()

	// A previous process left everything cached and still valid.
	require.NoError(t, store.PutJSON(ctx, objects, keyServiceInstance, &ServiceInstance{
		ID: "us-east-1", PlatformURL: "https://platform.us.example/platform.ashx", ShellURL: "https://shell.us.example",
	}))
	require.NoError(t, store.PutJSON(ctx, objects, keyCreationInfo, &ApplicationCreationInfo{
		AppInstanceID: testAppID, SharedSecret: testAppSecret, CreationToken: "creation-token-1",
	}))
	require.NoError(t, store.PutJSON(ctx, objects, keySessionCred, &SessionCredential{
		Token: "cached-token", SharedSecret: testSessionSecret, ExpirationUTC: time.Now().UTC().Add(time.Hour),
	}))
	require.NoError(t, store.PutJSON(ctx, objects, keyPersonInfo, &PersonInfo{
		PersonID: testPersonID, Name: "Alex Example",
	}))

	broker := &scriptedBroker{}
	conn := NewConnection(testConfig(), objects, broker, WithTransport(platform))

	require.NoError(t, conn.Authenticate(ctx))
	require.Zero(t, platform.totalCalls())
	require.Empty(t, broker.startURLs)

	header, err := conn.PrepareAuthHeader("")
	require.NoError(t, err)
	require.Equal(t, "cached-token", header.AuthToken)
}

func TestAuthenticateRefreshesExpiredSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	platform := newFakePlatform(t)
	objects := store.NewMemory()

	require.NoError(t, store.PutJSON(ctx, objects, keyServiceInstance, &ServiceInstance{
		ID: "us-east-1", PlatformURL: "https://platform.us.example/platform.ashx", ShellURL: "https://shell.us.example",
	}))
	require.NoError(t, store.PutJSON(ctx, objects, keyCreationInfo, &ApplicationCreationInfo{
		AppInstanceID: testAppID, SharedSecret: testAppSecret, CreationToken: "creation-token-1",
	}))
	require.NoError(t, store.PutJSON(ctx, objects, keySessionCred, &SessionCredential{
		Token: "stale-token", SharedSecret: testSessionSecret, ExpirationUTC: time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, store.PutJSON(ctx, objects, keyPersonInfo, &PersonInfo{PersonID: testPersonID}))

	conn := NewConnection(testConfig(), objects, &scriptedBroker{}, WithTransport(platform))
	require.NoError(t, conn.Authenticate(ctx))

	require.Equal(t, 1, platform.callCount(methodCreateSessionToken))
	require.Zero(t, platform.callCount(methodNewApplicationCreationInfo))

	header, err := conn.PrepareAuthHeader("")
	require.NoError(t, err)
	require.Equal(t, "ASAAS-token-1", header.AuthToken)
}

func TestConcurrentAuthenticateRunsOnce(t *testing.T) {
	t.Parallel()

	conn, platform, _, _ := newTestConnection(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = conn.Authenticate(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, platform.callCount(methodNewApplicationCreationInfo))
	require.Equal(t, 1, platform.callCount(methodCreateSessionToken))
	require.Equal(t, 1, platform.callCount(methodGetPersonInfo))
}

func TestAuthorizeAdditionalRecords(t *testing.T) {
	t.Parallel()

	conn, platform, _, broker := newTestConnection(t)
	ctx := context.Background()

	// Must be rejected before the first Authenticate.
	require.ErrorIs(t, conn.AuthorizeAdditionalRecords(ctx), ErrNotAuthenticated)

	require.NoError(t, conn.Authenticate(ctx))
	require.NoError(t, conn.AuthorizeAdditionalRecords(ctx))

	// The authorize flow hits the Shell without the creation-token params
	// and refreshes the person profile afterwards.
	require.Len(t, broker.startURLs, 2)
	authorizeURL := broker.startURLs[1]
	require.Contains(t, authorizeURL, "appid="+testMasterAppID.String())
	require.NotContains(t, authorizeURL, "appCreationToken")
	require.Equal(t, 2, platform.callCount(methodGetPersonInfo))
}

func TestPrepareAuthHeader(t *testing.T) {
	t.Parallel()

	conn, _, _, _ := newTestConnection(t)
	ctx := context.Background()

	_, err := conn.PrepareAuthHeader("")
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, conn.Authenticate(ctx))

	t.Run("without record id", func(t *testing.T) {
		header, err := conn.PrepareAuthHeader("")
		require.NoError(t, err)
		require.Equal(t, "ASAAS-token-1", header.AuthToken)
		require.Empty(t, header.OfflinePersonID)
	})

	t.Run("with record id", func(t *testing.T) {
		header, err := conn.PrepareAuthHeader(testRecordID.String())
		require.NoError(t, err)
		require.Equal(t, "ASAAS-token-1", header.AuthToken)
		require.Equal(t, testPersonID.String(), header.OfflinePersonID)
	})
}

func TestSignOut(t *testing.T) {
	t.Parallel()

	conn, platform, objects, _ := newTestConnection(t)
	ctx := context.Background()

	require.NoError(t, conn.Authenticate(ctx))
	require.NoError(t, conn.SignOut(ctx))

	_, err := objects.Get(ctx, keySessionCred)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = objects.Get(ctx, keyPersonInfo)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Provisioning survives sign-out.
	_, err = objects.Get(ctx, keyCreationInfo)
	require.NoError(t, err)

	_, err = conn.PrepareAuthHeader("")
	require.ErrorIs(t, err, ErrNotAuthenticated)

	// Re-authenticating fetches a session and person again but does not
	// re-provision.
	require.NoError(t, conn.Authenticate(ctx))
	require.Equal(t, 1, platform.callCount(methodNewApplicationCreationInfo))
	require.Equal(t, 2, platform.callCount(methodCreateSessionToken))
	require.Equal(t, 2, platform.callCount(methodGetPersonInfo))
}

func TestAuthenticateSurfacesPlatformFailure(t *testing.T) {
	t.Parallel()

	conn, platform, objects, _ := newTestConnection(t)
	platform.failWith[methodCreateSessionToken] = &PlatformError{Code: 11, Message: "invalid app"}

	err := conn.Authenticate(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "session", authErr.Step)

	var platformErr *PlatformError
	require.ErrorAs(t, err, &platformErr)
	require.Equal(t, 11, platformErr.Code)
	require.Equal(t, "invalid app", platformErr.Message)

	// The failed step left no partial session state behind.
	ctx := context.Background()
	_, getErr := objects.Get(ctx, keySessionCred)
	require.ErrorIs(t, getErr, store.ErrNotFound)
}

func TestProvisioningCancelledByUser(t *testing.T) {
	t.Parallel()

	conn, _, objects, broker := newTestConnection(t)
	broker.err = shellauth.ErrCancelled

	err := conn.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	ctx := context.Background()
	_, getErr := objects.Get(ctx, keyCreationInfo)
	require.ErrorIs(t, getErr, store.ErrNotFound)
}

func TestProvisioningWithoutInstanceID(t *testing.T) {
	t.Parallel()

	conn, _, objects, broker := newTestConnection(t)
	broker.callback = "https://shell.example.com/application/complete?foo=bar"

	err := conn.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrShellAuth)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "provision", authErr.Step)

	ctx := context.Background()
	_, getErr := objects.Get(ctx, keyServiceInstance)
	require.ErrorIs(t, getErr, store.ErrNotFound)
}

func TestSessionCredentialClientFactory(t *testing.T) {
	t.Parallel()

	conn, _, _, _ := newTestConnection(t)

	_, err := conn.SessionCredentialClient()
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, conn.Authenticate(context.Background()))

	client, err := conn.SessionCredentialClient()
	require.NoError(t, err)
	require.Equal(t, testAppID, client.appInstanceID)
	require.Equal(t, testAppSecret, client.appSharedSecret)
	require.Same(t, conn, client.conn)
}
