package healthsdk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/careforge/healthlink/pkg/shellauth"
	"github.com/careforge/healthlink/pkg/slogx"
	"github.com/careforge/healthlink/pkg/store"
	"github.com/careforge/healthlink/pkg/transport"
	"github.com/careforge/healthlink/pkg/wire"
)

// Connection is the authentication state machine. It guarantees that by the
// time any platform call is signed there is a provisioned application
// instance, an unexpired session credential and a loaded person profile,
// performing at most one concurrent authentication sequence.
type Connection struct {
	cfg    Config
	store  store.ObjectStore
	shell  *shellauth.Service
	client transport.Doer
	log    *slog.Logger

	// authMu serializes the authentication sub-steps and is the sole writer
	// of the connection's store keys. Callers that arrive while a sequence
	// is in flight block here and then observe the cached state.
	authMu sync.Mutex

	// mu guards the cached state for readers outside the auth lock.
	mu            sync.RWMutex
	instance      *ServiceInstance
	creation      *ApplicationCreationInfo
	session       *SessionCredential
	person        *PersonInfo
	authenticated bool
}

// Option customises a Connection.
type Option func(*Connection)

// WithTransport substitutes the HTTP transport. Tests use this to fake the
// platform.
func WithTransport(d transport.Doer) Option {
	return func(c *Connection) { c.client = d }
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(c *Connection) { c.log = log }
}

// NewConnection builds a connection over the given object store and browser
// auth broker.
func NewConnection(cfg Config, objects store.ObjectStore, broker shellauth.BrowserAuthBroker, opts ...Option) *Connection {
	c := &Connection{
		cfg:   cfg,
		store: objects,
		shell: &shellauth.Service{
			Broker:             broker,
			IsMultiRecordApp:   cfg.IsMultiRecordApp,
			MultiInstanceAware: cfg.MultiInstanceAware,
		},
		log: slogx.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = transport.New(transport.Config{
			Timeout:   cfg.RequestTimeout,
			UserAgent: "healthlink-go/1.0",
		})
	}
	return c
}

// Authenticate brings the connection to the ready state. It is idempotent:
// each sub-step is skipped when valid cached data is already present, so a
// second call performs no network I/O. Concurrent callers serialize on the
// authenticate lock.
func (c *Connection) Authenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if err := c.loadCachedState(ctx); err != nil {
		return err
	}

	if err := c.ensureProvisioned(ctx); err != nil {
		return err
	}
	if err := c.ensureSessionCredential(ctx); err != nil {
		return err
	}
	if err := c.ensurePersonInfo(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

// AuthorizeAdditionalRecords drives the Shell's authorize-additional-records
// flow and refreshes the person profile. Authenticate must have completed at
// least once.
func (c *Connection) AuthorizeAdditionalRecords(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.mu.RLock()
	ready := c.authenticated
	shellURL := c.cfg.DefaultShellURL
	if c.instance != nil && c.instance.ShellURL != "" {
		shellURL = c.instance.ShellURL
	}
	c.mu.RUnlock()

	if !ready {
		return ErrNotAuthenticated
	}

	if err := c.shell.AuthorizeAdditionalRecords(ctx, shellURL, c.cfg.MasterAppID.String()); err != nil {
		return err
	}

	person, err := c.fetchPersonInfo(ctx)
	if err != nil {
		return &AuthError{Step: "person", Err: err}
	}
	if err := store.PutJSON(ctx, c.store, keyPersonInfo, person); err != nil {
		return err
	}

	c.mu.Lock()
	c.person = person
	c.mu.Unlock()
	return nil
}

// PrepareAuthHeader produces the auth-session block for an XML call. The
// offline-person block is included only when a record id is supplied, since
// record-scoped calls authenticate on behalf of a specific person.
func (c *Connection) PrepareAuthHeader(recordID string) (*wire.AuthSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return nil, ErrNotAuthenticated
	}
	as := &wire.AuthSession{AuthToken: c.session.Token}
	if recordID != "" {
		if c.person == nil {
			return nil, ErrNotAuthenticated
		}
		as.OfflinePersonID = c.person.PersonID.String()
	}
	return as, nil
}

// SessionCredentialClient returns a credential client bound to this
// connection's provisioned application. The create-session call it issues is
// authenticated by the app-level shared secret, not a session token.
func (c *Connection) SessionCredentialClient() (*SessionCredentialClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.creation == nil {
		return nil, ErrNotAuthenticated
	}
	return &SessionCredentialClient{
		conn:            c,
		appInstanceID:   c.creation.AppInstanceID,
		appSharedSecret: c.creation.SharedSecret,
	}, nil
}

// PersonInfo returns the cached person profile.
func (c *Connection) PersonInfo() (*PersonInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.person == nil {
		return nil, ErrNotAuthenticated
	}
	cp := *c.person
	return &cp, nil
}

// ServiceInstance returns the bound service instance, if provisioned.
func (c *Connection) ServiceInstance() *ServiceInstance {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.instance == nil {
		return nil
	}
	cp := *c.instance
	return &cp
}

// SignOut deletes the session credential and person profile from the store
// and resets the in-memory state. Provisioning info is kept; the application
// instance remains registered.
func (c *Connection) SignOut(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if err := c.store.Delete(ctx, keySessionCred); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, keyPersonInfo); err != nil {
		return err
	}

	c.mu.Lock()
	c.session = nil
	c.person = nil
	c.authenticated = false
	c.mu.Unlock()

	c.log.DebugContext(ctx, "signed out")
	return nil
}

// loadCachedState fills any missing in-memory state from the object store.
// A missing key is a routine cache miss, not a failure.
func (c *Connection) loadCachedState(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instance == nil {
		var inst ServiceInstance
		found, err := store.GetJSON(ctx, c.store, keyServiceInstance, &inst)
		if err != nil {
			return err
		}
		if found {
			c.instance = &inst
		}
	}
	if c.creation == nil {
		var creation ApplicationCreationInfo
		found, err := store.GetJSON(ctx, c.store, keyCreationInfo, &creation)
		if err != nil {
			return err
		}
		if found {
			c.creation = &creation
		}
	}
	if c.session == nil {
		var cred SessionCredential
		found, err := store.GetJSON(ctx, c.store, keySessionCred, &cred)
		if err != nil {
			return err
		}
		if found {
			c.session = &cred
		}
	}
	if c.person == nil {
		var person PersonInfo
		found, err := store.GetJSON(ctx, c.store, keyPersonInfo, &person)
		if err != nil {
			return err
		}
		if found {
			c.person = &person
		}
	}
	return nil
}

// ensureProvisioned runs the SODA provisioning sequence when no application
// instance exists yet: obtain creation info anonymously, drive the Shell
// consent flow, resolve the returned environment instance id against the
// service directory, then persist instance and creation info together.
func (c *Connection) ensureProvisioned(ctx context.Context) error {
	c.mu.RLock()
	creation := c.creation
	c.mu.RUnlock()
	if creation != nil {
		return nil
	}

	shellURL := c.cfg.DefaultShellURL
	c.mu.RLock()
	if c.instance != nil && c.instance.ShellURL != "" {
		shellURL = c.instance.ShellURL
	}
	c.mu.RUnlock()

	newCreation, err := c.fetchApplicationCreationInfo(ctx)
	if err != nil {
		return &AuthError{Step: "provision", Err: err}
	}

	instanceID, err := c.shell.ProvisionApplication(ctx, shellURL,
		c.cfg.MasterAppID.String(), newCreation.CreationToken, newCreation.AppInstanceID.String())
	if err != nil {
		if errors.Is(err, shellauth.ErrCancelled) {
			return err
		}
		return &AuthError{Step: "provision", Err: err}
	}

	instance, err := c.resolveServiceInstance(ctx, instanceID)
	if err != nil {
		return &AuthError{Step: "provision", Err: err}
	}

	// Persist only after the whole step succeeded.
	if err := store.PutJSON(ctx, c.store, keyServiceInstance, instance); err != nil {
		return err
	}
	if err := store.PutJSON(ctx, c.store, keyCreationInfo, newCreation); err != nil {
		return err
	}

	c.mu.Lock()
	c.instance = instance
	c.creation = newCreation
	c.mu.Unlock()

	c.log.DebugContext(ctx, "application provisioned",
		"app_instance_id", newCreation.AppInstanceID.String(),
		"service_instance", instance.ID)
	return nil
}

// ensureSessionCredential acquires a session credential when none is cached
// or the cached one is expired.
func (c *Connection) ensureSessionCredential(ctx context.Context) error {
	c.mu.RLock()
	session := c.session
	creation := c.creation
	c.mu.RUnlock()

	if session != nil && !session.IsExpired() {
		return nil
	}
	if creation == nil {
		return &AuthError{Step: "session", Err: errors.New("not provisioned")}
	}

	client := &SessionCredentialClient{
		conn:            c,
		appInstanceID:   creation.AppInstanceID,
		appSharedSecret: creation.SharedSecret,
	}
	cred, err := client.GetSessionCredential(ctx)
	if err != nil {
		return &AuthError{Step: "session", Err: err}
	}
	if err := store.PutJSON(ctx, c.store, keySessionCred, cred); err != nil {
		return err
	}

	c.mu.Lock()
	c.session = cred
	c.mu.Unlock()

	c.log.DebugContext(ctx, "session credential acquired", "expires", cred.ExpirationUTC)
	return nil
}

// ensurePersonInfo loads the person profile on first authentication.
func (c *Connection) ensurePersonInfo(ctx context.Context) error {
	c.mu.RLock()
	person := c.person
	c.mu.RUnlock()
	if person != nil {
		return nil
	}

	fetched, err := c.fetchPersonInfo(ctx)
	if err != nil {
		return &AuthError{Step: "person", Err: err}
	}
	if err := store.PutJSON(ctx, c.store, keyPersonInfo, fetched); err != nil {
		return err
	}

	c.mu.Lock()
	c.person = fetched
	c.mu.Unlock()
	return nil
}

// refreshSessionCredential replaces an expired session credential and returns
// the token to sign with. It takes the authenticate lock so that concurrent
// refresh attempts collapse into one exchange.
func (c *Connection) refreshSessionCredential(ctx context.Context) (string, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session != nil && !session.IsExpired() {
		return session.Token, nil
	}

	if err := c.ensureSessionCredential(ctx); err != nil {
		return "", err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Token, nil
}

// currentSessionCredential returns the cached credential without refreshing.
func (c *Connection) currentSessionCredential() *SessionCredential {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.session == nil {
		return nil
	}
	cp := *c.session
	return &cp
}

// platformURL returns the bound instance's platform URL, or the default while
// unprovisioned.
func (c *Connection) platformURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.instance != nil && c.instance.PlatformURL != "" {
		return c.instance.PlatformURL
	}
	return c.cfg.DefaultPlatformURL
}

// methodCall describes one XML channel invocation.
type methodCall struct {
	method  string
	version string
	info    string

	appID       string
	authSession *wire.AuthSession
	anonymous   bool
	authSecret  string
}

// callMethod marshals, dispatches and decodes one XML method call. A
// non-zero platform status becomes a PlatformError with the code and message
// unmodified.
func (c *Connection) callMethod(ctx context.Context, call methodCall) (*wire.Response, error) {
	body, err := wire.Marshal(wire.Request{
		Header: wire.Header{
			Method:        call.method,
			MethodVersion: call.version,
			AppID:         call.appID,
			AuthSession:   call.authSession,
			Anonymous:     call.anonymous,
			CultureCode:   c.cfg.CultureCode,
		},
		Info:       call.info,
		AuthSecret: call.authSecret,
	})
	if err != nil {
		return nil, err
	}

	endpoint := c.platformURL()
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("healthsdk: read %s response: %w", call.method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	decoded, err := wire.Unmarshal(respBody)
	if err != nil {
		return nil, err
	}
	if !decoded.OK() {
		return nil, &PlatformError{Code: decoded.Code, Message: decoded.Message}
	}
	return decoded, nil
}

// doWithRetry dispatches a request, retrying HTTP 500 responses up to the
// configured count with the configured sleep. Every other status returns
// immediately. build is invoked per attempt so the body reader is fresh.
func (c *Connection) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	attempts := c.cfg.RetryOnInternal500Count + 1
	if attempts < 1 {
		attempts = 1
	}

	var resp *http.Response
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.log.DebugContext(ctx, "retrying after internal server error",
				"attempt", attempt, "sleep", c.cfg.RetryOnInternal500Sleep)
			select {
			case <-time.After(c.cfg.RetryOnInternal500Sleep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err = c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusInternalServerError {
			return resp, nil
		}
		if attempt < attempts-1 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}
	return resp, nil
}
