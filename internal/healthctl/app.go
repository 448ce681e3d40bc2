// Package healthctl wires the SDK into the healthctl command line tool:
// configuration from the environment, a SQLite object store, a console
// browser broker and a logger.
package healthctl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/careforge/healthlink/pkg/healthsdk"
	"github.com/careforge/healthlink/pkg/slogx"
	"github.com/careforge/healthlink/pkg/store/drivers/sqlite"
)

type App struct {
	Conn *healthsdk.Connection

	log     *slog.Logger
	objects *sqlite.Store
	out     io.Writer
}

// New builds the application from config. Close must be called when done.
func New(cfg Config, in io.Reader, out io.Writer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("healthctl: invalid master app id: %w", err)
	}

	log := slogx.New(slogx.Config{
		Service: "healthctl",
		Version: "1.0",
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Output:  os.Stderr,
	})

	objects, err := sqlite.NewStore(cfg.DatabaseFile)
	if err != nil {
		return nil, fmt.Errorf("healthctl: open object store: %w", err)
	}
	if err := objects.ApplyMigrations(); err != nil {
		_ = objects.Close()
		return nil, fmt.Errorf("healthctl: migrate object store: %w", err)
	}

	sdkCfg := healthsdk.DefaultConfig(uuid.MustParse(cfg.MasterAppID))
	if cfg.PlatformURL != "" {
		sdkCfg.DefaultPlatformURL = cfg.PlatformURL
	}
	if cfg.ShellURL != "" {
		sdkCfg.DefaultShellURL = cfg.ShellURL
	}
	if cfg.RESTURL != "" {
		sdkCfg.RESTRootURL = cfg.RESTURL
	}
	sdkCfg.IsMultiRecordApp = cfg.IsMultiRecordApp
	sdkCfg.MultiInstanceAware = cfg.MultiInstanceAware
	sdkCfg.RetryOnInternal500Count = cfg.RetryCount
	sdkCfg.RetryOnInternal500Sleep = cfg.RetrySleep
	sdkCfg.RequestTimeout = cfg.RequestTimeout

	conn := healthsdk.NewConnection(sdkCfg, objects,
		&ConsoleBroker{In: in, Out: out},
		healthsdk.WithLogger(log),
	)

	return &App{Conn: conn, log: log, objects: objects, out: out}, nil
}

func (a *App) Close() error { return a.objects.Close() }

// Authenticate runs the full connection sequence, provisioning on first use.
func (a *App) Authenticate(ctx context.Context) error {
	if err := a.Conn.Authenticate(ctx); err != nil {
		return err
	}
	person, err := a.Conn.PersonInfo()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s\n", person.Name)
	return nil
}

// ShowPerson prints the cached person profile and authorized records.
func (a *App) ShowPerson(ctx context.Context) error {
	if err := a.Conn.Authenticate(ctx); err != nil {
		return err
	}
	person, err := a.Conn.PersonInfo()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Person:  %s (%s)\n", person.Name, person.PersonID)
	if instance := a.Conn.ServiceInstance(); instance != nil {
		fmt.Fprintf(a.out, "Instance: %s (%s)\n", instance.Name, instance.ID)
	}
	fmt.Fprintf(a.out, "Authorized records:\n")
	for _, id := range person.AuthorizedRecords {
		fmt.Fprintf(a.out, "  - %s\n", id)
	}
	return nil
}

// SignOut drops the session credential and person profile.
func (a *App) SignOut(ctx context.Context) error {
	if err := a.Conn.SignOut(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Signed out.")
	return nil
}
