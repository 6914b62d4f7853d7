package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/secure-model-distribution/api/unsealhandler"
	"github.com/ruteri/secure-model-distribution/cmd/flags"
	"github.com/ruteri/secure-model-distribution/config"
	"github.com/ruteri/secure-model-distribution/cryptoutils"
	"github.com/ruteri/secure-model-distribution/httpserver"
	"github.com/ruteri/secure-model-distribution/keystore"
)

// openSealer obtains the keystore master key for the configured seal mode.
// For shamir sealing it serves the unseal API until enough administrators
// have submitted shares, and returns that handler so the main server keeps
// reporting the unseal status.
func openSealer(cfg *config.Config, logger *slog.Logger) (*keystore.Sealer, *unsealhandler.Handler, error) {
	switch cfg.Keystore.Seal {
	case "none":
		logger.Warn("Keystore sealing disabled, key material is persisted in the clear")
		return nil, nil, nil

	case "passphrase":
		passphrase := os.Getenv(cfg.Keystore.PassphraseEnv)
		if passphrase == "" {
			return nil, nil, fmt.Errorf("%s is not set", cfg.Keystore.PassphraseEnv)
		}
		masterKey := cryptoutils.DeriveMasterKey([]byte(passphrase), []byte(cfg.Keystore.Salt))
		defer cryptoutils.Zeroize(masterKey)

		sealer, err := keystore.NewSealer(masterKey)
		return sealer, nil, err

	case "shamir":
		return unsealWithShares(cfg, logger)

	default:
		return nil, nil, fmt.Errorf("unknown keystore seal %q", cfg.Keystore.Seal)
	}
}

func unsealWithShares(cfg *config.Config, logger *slog.Logger) (*keystore.Sealer, *unsealhandler.Handler, error) {
	logger.Info("Loading admin keys", "file", cfg.Keystore.AdminKeysFile)
	adminKeysData, err := os.Open(cfg.Keystore.AdminKeysFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open admin keys file: %w", err)
	}
	defer adminKeysData.Close()

	adminKeys, err := unsealhandler.LoadAdminKeys(adminKeysData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load admin keys: %w", err)
	}
	logger.Info("Admin keys loaded successfully", "count", len(adminKeys))

	unsealHandler, err := unsealhandler.NewHandler(logger, cfg.Keystore.Threshold, adminKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("could not initialize unseal handler: %w", err)
	}

	// Only the unseal API is served while the keystore is sealed.
	bootstrapCfg := flags.ConfigureServer(cfg.Server, logger)
	bootstrapCfg.DrainDuration = 0
	bootstrapServer, err := httpserver.New(bootstrapCfg, unsealHandler)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create bootstrap server: %w", err)
	}
	bootstrapServer.SetReady(false)
	bootstrapServer.RunInBackground()
	defer bootstrapServer.Shutdown()

	logger.Info("Waiting for keystore unseal", "timeout", cfg.Keystore.UnsealTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Keystore.UnsealTimeout)
	defer cancel()

	unsealer, err := unsealHandler.WaitForUnseal(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("keystore was not unsealed within %s", cfg.Keystore.UnsealTimeout)
		}
		return nil, nil, err
	}
	defer unsealer.Close()

	masterKey, err := unsealer.MasterKey()
	if err != nil {
		return nil, nil, err
	}
	defer cryptoutils.Zeroize(masterKey)

	sealer, err := keystore.NewSealer(masterKey)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Keystore unsealed")
	return sealer, unsealHandler, nil
}
