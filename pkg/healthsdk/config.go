package healthsdk

import (
	"time"

	"github.com/google/uuid"
)

// Config carries the application identity and tunables for a Connection.
type Config struct {
	// MasterAppID is the master application id registered with the platform.
	// Provisioned instances are children of this application.
	MasterAppID uuid.UUID

	// DefaultPlatformURL and DefaultShellURL are used until provisioning
	// binds the connection to a concrete service instance.
	DefaultPlatformURL string
	DefaultShellURL    string

	// RESTRootURL is the base of the platform's JSON API.
	RESTRootURL string

	// IsMultiRecordApp and MultiInstanceAware are forwarded to the Shell
	// consent flows.
	IsMultiRecordApp   bool
	MultiInstanceAware bool

	CultureCode string

	// RESTVersion is sent as the Version header on REST calls.
	RESTVersion string

	// RetryOnInternal500Count and RetryOnInternal500Sleep control the only
	// retry policy in the SDK: platform calls answered with HTTP 500 are
	// retried this many times with this sleep between attempts. All other
	// statuses propagate immediately.
	RetryOnInternal500Count int
	RetryOnInternal500Sleep time.Duration

	RequestTimeout time.Duration
}

// DefaultConfig returns the stock configuration for a master application id.
func DefaultConfig(masterAppID uuid.UUID) Config {
	return Config{
		MasterAppID:             masterAppID,
		DefaultPlatformURL:      "https://platform.healthlink.example/platform.ashx",
		DefaultShellURL:         "https://account.healthlink.example",
		RESTRootURL:             "https://api.healthlink.example",
		CultureCode:             "en-US",
		RESTVersion:             "1.0",
		RetryOnInternal500Count: 2,
		RetryOnInternal500Sleep: time.Second,
		RequestTimeout:          30 * time.Second,
	}
}
