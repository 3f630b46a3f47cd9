package main

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"

	"github.com/chronologion/mo-local/internal/config"
	"github.com/chronologion/mo-local/internal/configfile"
	"github.com/chronologion/mo-local/internal/crypto"
	"github.com/chronologion/mo-local/internal/envelope"
	"github.com/chronologion/mo-local/internal/eventlog"
	"github.com/chronologion/mo-local/internal/keyring"
	"github.com/chronologion/mo-local/internal/keystore"
	"github.com/chronologion/mo-local/internal/lockfile"
	"github.com/chronologion/mo-local/internal/projection"
	"github.com/chronologion/mo-local/internal/publisher"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// app bundles the process-wide state every subcommand needs: the opened
// event store, the key hierarchy, and the registries that sit above them.
// Exactly one app is constructed per CLI invocation.
type app struct {
	dir       string
	settings  *config.Settings
	log       *slog.Logger
	store     *eventlog.Store
	master    *keystore.MasterKeyHolder
	keys      *keyring.Manager
	registry  *envelope.Registry
	bus       *publisher.Bus
	artifacts *projection.ArtifactStore
	deviceID  string
}

// newApp resolves the mo-local data directory, loads its settings, opens
// the event log, and wires the keyring and encryption registries on top
// of it. Every subcommand's RunE calls this first.
func newApp(ctx context.Context, log *slog.Logger) (*app, error) {
	dir := config.FindDir()
	if dir == "" {
		return nil, fmt.Errorf("no %s directory found in %q or any parent; run from inside a mo-local project", config.DirName, mustGetwd())
	}

	settings, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	master := keystore.NewMasterKeyHolder()
	if settings.MasterKeyPath != "" {
		if err := master.LoadFromFile(settings.MasterKeyPath); err != nil {
			log.Warn("master key not loaded", "path", settings.MasterKeyPath, "error", err)
		}
	}

	dbPath := settings.ResolvedDBPath(dir)
	store, err := eventlog.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event store %q: %w", dbPath, err)
	}

	artifacts, err := projection.NewArtifactStore(ctx, store.DB())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	aggKeys := keystore.NewAggregateKeyStore(master)
	keyringState := eventlog.NewKeyringStateStore(store)
	keys := keyring.NewManager(aggKeys, keyringState)

	devicePriv, deviceID, err := configfile.Load(dir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load device identity: %w", err)
	}
	if devicePriv == nil {
		devicePriv, deviceID, err = provisionDevice(dir)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	return &app{
		dir:       dir,
		settings:  settings,
		log:       log,
		store:     store,
		master:    master,
		keys:      keys,
		registry:  envelope.NewRegistry(),
		bus:       publisher.NewBus(),
		artifacts: artifacts,
		deviceID:  deviceID,
	}, nil
}

// provisionDevice generates and persists a new device identity the first
// time mo-local runs against a directory.
func provisionDevice(dir string) (*ecdh.PrivateKey, string, error) {
	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, "", fmt.Errorf("generate device key pair: %w", err)
	}
	id, err := newDeviceID()
	if err != nil {
		return nil, "", err
	}
	if err := configfile.Save(dir, id, keyPair.Private); err != nil {
		return nil, "", fmt.Errorf("save device identity: %w", err)
	}
	return keyPair.Private, id, nil
}

func newDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return fmt.Sprintf("dev-%x", buf), nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// acquireLock takes the single-writer daemon lock for long-running
// subcommands (project, publish) that must never run concurrently
// against the same database from two processes.
func (a *app) acquireLock() (*lockfile.Handle, error) {
	handle, err := lockfile.TryDaemonLock(a.dir, a.settings.ResolvedDBPath(a.dir), Version)
	if err != nil {
		if lockfile.IsLocked(err) {
			return nil, fmt.Errorf("another mo-local process is already running against %s", a.dir)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return handle, nil
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
