// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Moss-service is the trust and identity daemon for a serpent-os
// build infrastructure instance. It owns the instance's Ed25519
// signing key, the account and group store, and the pairing
// relationships with peer instances, and serves the pairing API on
// the public listener.
//
// On startup:
//  1. Loads and validates the YAML configuration.
//  2. Loads or generates the signing keypair in the state directory.
//  3. Opens the sqlite store and ensures the built-in groups exist.
//  4. Serves the pairing API until interrupted, then drains.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/serpent-os/moss-service/lib/config"
	"github.com/serpent-os/moss-service/lib/identity"
	"github.com/serpent-os/moss-service/lib/keymanager"
	"github.com/serpent-os/moss-service/lib/kvstore"
	"github.com/serpent-os/moss-service/lib/pairing"
	"github.com/serpent-os/moss-service/lib/service"
	"github.com/serpent-os/moss-service/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVarP(&configPath, "config", "c", "", "path to the service.yaml config file")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.Full())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := keymanager.New(keymanager.Config{
		StateDir: cfg.Paths.State,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer keys.Close()
	logger.Info("signing key ready", "fingerprint", keys.Fingerprint())

	db, err := kvstore.Open(kvstore.Config{
		Path:   cfg.Paths.Database,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	identities, err := identity.NewStore(db, logger)
	if err != nil {
		return err
	}
	if err := identities.EnsureBuiltinGroups(ctx); err != nil {
		return err
	}

	coordinator, err := pairing.New(pairing.Config{
		KeyManager: keys,
		DB:         db,
		Identities: identities,
		InstanceID: cfg.Instance.ID,
		PublicURL:  cfg.Instance.URL,
		Role:       pairing.Role(cfg.Instance.Role),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/services/", pairing.NewAPI(coordinator))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "ok",
			"instance":  cfg.Instance.ID,
			"role":      cfg.Instance.Role,
			"publicKey": keys.PublicKey(),
			"version":   version.Short(),
		})
	})

	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Listen.Address,
		Handler: mux,
		Logger:  logger,
	})

	logger.Info("starting",
		"instance", cfg.Instance.ID,
		"role", cfg.Instance.Role,
		"version", version.Info())
	return server.Serve(ctx)
}
