package healthsdk

import (
	"time"

	"github.com/google/uuid"
)

// Storage keys for the local object store. The Connection is the sole writer
// of these keys; writers are serialized by the authenticate lock.
const (
	keyServiceInstance = "ServiceInstance"
	keyCreationInfo    = "ApplicationCreationInfo"
	keySessionCred     = "SessionCredential"
	keyPersonInfo      = "PersonInfo"
)

// ApplicationCreationInfo is the result of provisioning a new application
// instance with the platform. Immutable once obtained.
type ApplicationCreationInfo struct {
	// AppInstanceID is the per-installation application id.
	AppInstanceID uuid.UUID `json:"app_instance_id"`

	// SharedSecret is the base64 app-level shared secret used to sign the
	// create-session call.
	SharedSecret string `json:"shared_secret"`

	// CreationToken is the opaque token the Shell consumes during the
	// provisioning consent flow.
	CreationToken string `json:"creation_token"`
}

// SessionCredential is the short-lived token + shared secret that signs
// ordinary platform calls.
type SessionCredential struct {
	Token         string    `json:"token"`
	SharedSecret  string    `json:"shared_secret"`
	ExpirationUTC time.Time `json:"expiration_utc"`
}

// IsExpired reports whether the credential must not be used for signing
// anymore.
func (c *SessionCredential) IsExpired() bool {
	return !time.Now().UTC().Before(c.ExpirationUTC)
}

// ServiceInstance identifies the regional platform deployment a provisioned
// application is bound to. Once provisioning selects an instance, all later
// calls target its URLs, not the defaults.
type ServiceInstance struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PlatformURL string `json:"platform_url"`
	ShellURL    string `json:"shell_url"`
}

// PersonInfo is the authenticated user's profile, including the records the
// person is authorized to access.
type PersonInfo struct {
	PersonID          uuid.UUID   `json:"person_id"`
	Name              string      `json:"name"`
	AuthorizedRecords []uuid.UUID `json:"authorized_records"`
}
