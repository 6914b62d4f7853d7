package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/secure-model-distribution/api/keyhandler"
	"github.com/ruteri/secure-model-distribution/api/transferhandler"
	"github.com/ruteri/secure-model-distribution/blockcipher"
	"github.com/ruteri/secure-model-distribution/blockstore"
	"github.com/ruteri/secure-model-distribution/cmd/flags"
	"github.com/ruteri/secure-model-distribution/common"
	"github.com/ruteri/secure-model-distribution/config"
	"github.com/ruteri/secure-model-distribution/httpserver"
	"github.com/ruteri/secure-model-distribution/hwbind"
	"github.com/ruteri/secure-model-distribution/interfaces"
	"github.com/ruteri/secure-model-distribution/keystore"
	"github.com/ruteri/secure-model-distribution/kms"
	"github.com/ruteri/secure-model-distribution/metrics"
	"github.com/ruteri/secure-model-distribution/notify"
	"github.com/ruteri/secure-model-distribution/transfer"
	"github.com/urfave/cli/v2"
)

var adminNodeIDFlag = &cli.StringFlag{
	Name:  "node-id",
	Value: "admin-node",
	Usage: "identifier of this admin node in transfer sessions",
}

var localClientFlag = &cli.StringSliceFlag{
	Name:  "local-client",
	Usage: "serve a client node in-process, as <client-id>=<private-key-pem-file>",
}

func main() {
	app := &cli.App{
		Name:  "distd",
		Usage: "Serve hardware-bound model keys and encrypted block transfers",
		Flags: append([]cli.Flag{adminNodeIDFlag, localClientFlag}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				return err
			}

			logger := flags.SetupLogger(cfg.Log)
			return run(cCtx, cfg, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context, cfg *config.Config, logger *slog.Logger) error {
	binder, err := hwbind.New(cfg.Hardware.Binder, logger)
	if err != nil {
		return err
	}

	sealer, unsealHandler, err := openSealer(cfg, logger)
	if err != nil {
		logger.Error("Failed to unseal keystore", "err", err)
		return err
	}
	defer sealer.Close()

	store, err := keystore.Open(cfg.Keystore.URI, sealer, logger)
	if err != nil {
		logger.Error("Failed to open keystore", "err", err, slog.String("uri", cfg.Keystore.URI))
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info("Keystore opened", slog.String("backend", store.Name()))

	keyOpts := []kms.Option{
		kms.WithMetrics(metrics.NewKeyMetrics(common.PackageName)),
		kms.WithPolicy(kms.KeyPolicy{
			DefaultLifetimeDays: cfg.Keys.DefaultLifetimeDays,
			DrainPeriod:         cfg.Keys.DrainPeriod,
			Algorithm:           interfaces.AlgorithmAES256GCM,
		}),
	}
	if notifier := newNotifier(cfg.Notify, logger); notifier != nil {
		keyOpts = append(keyOpts, kms.WithNotifier(notifier))
	}
	keyManager := kms.NewKeyManager(store, binder, logger, keyOpts...)

	backend, err := blockstore.NewFactory(logger).Open(cfg.Blockstore.URIs)
	if err != nil {
		logger.Error("Failed to open block storage", "err", err)
		return err
	}
	blockStore := blockstore.NewBlockStore(backend, logger)
	cipher := blockcipher.New(keyManager, logger, blockcipher.WithParallelism(cfg.Transfer.Parallelism))

	sender := transfer.NewLocalSender()
	for _, spec := range cCtx.StringSlice(localClientFlag.Name) {
		clientID, receiver, err := newLocalReceiver(spec, blockStore, logger)
		if err != nil {
			return err
		}
		sender.Register(clientID, receiver)
		logger.Info("Serving client node in-process", slog.String("client_node_id", clientID))
	}

	coordinator, err := transfer.NewCoordinator(keyManager, sender, logger,
		transfer.WithConfig(transfer.Config{
			MaxRetries:   cfg.Transfer.MaxRetries,
			BaseDelay:    cfg.Transfer.BaseDelay,
			MaxDelay:     cfg.Transfer.MaxDelay,
			Parallelism:  cfg.Transfer.Parallelism,
			ArchiveLimit: cfg.Transfer.ArchiveLimit,
		}),
		transfer.WithMetrics(metrics.NewTransferMetrics(common.PackageName)),
	)
	if err != nil {
		return err
	}

	transferHandler := transferhandler.NewHandler(coordinator, blockStore, cipher, logger,
		transferhandler.WithBlockSize(cfg.Blockstore.BlockSize),
		transferhandler.WithAdminNodeID(cCtx.String(adminNodeIDFlag.Name)),
		transferhandler.WithSessionOpener(func(sessionID, clientNodeID string) error {
			_, err := sender.Open(coordinator, sessionID, clientNodeID)
			return err
		}),
	)
	defer transferHandler.Close()

	routes := []httpserver.RouteRegistrar{
		keyhandler.NewHandler(keyManager, logger),
		transferHandler,
		rotationRoutes{log: logger},
	}
	if unsealHandler != nil {
		routes = append(routes, unsealHandler)
	}

	server, err := httpserver.New(flags.ConfigureServer(cfg.Server, logger), routes...)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go keyManager.RunCleanupLoop(ctx, cfg.Keys.CleanupInterval)
	if badgerStore, ok := store.(*keystore.BadgerKeystore); ok {
		go badgerStore.RunGC(ctx, cfg.Keys.CleanupInterval)
	}

	logger.Info("Starting server", slog.String("admin_node_id", cCtx.String(adminNodeIDFlag.Name)))
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

// newNotifier returns nil when no client node endpoints are configured.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) interfaces.ClientNotifier {
	var resolver notify.Resolver
	switch {
	case cfg.DNSDomain != "":
		resolver = notify.NewDNSResolver(cfg.DNSDomain, cfg.DNSServer)
	case len(cfg.Endpoints) > 0:
		resolver = notify.NewStaticResolver(cfg.Endpoints)
	default:
		return nil
	}

	opts := notify.DefaultHTTPOptions()
	opts.Retries = cfg.Retries
	opts.Timeout = cfg.Timeout
	return notify.NewHTTPNotifier(resolver, opts, logger)
}

func newLocalReceiver(spec string, store interfaces.BlockStorageBackend, logger *slog.Logger) (string, *transfer.Receiver, error) {
	clientID, keyFile, ok := strings.Cut(spec, "=")
	if !ok || clientID == "" || keyFile == "" {
		return "", nil, fmt.Errorf("invalid local client %q, expected <client-id>=<key-file>", spec)
	}

	privateKeyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read key of client %s: %w", clientID, err)
	}

	receiver, err := transfer.NewReceiver(privateKeyPEM, store, logger.With(slog.String("client_node_id", clientID)))
	if err != nil {
		return "", nil, err
	}
	return clientID, receiver, nil
}

// rotationRoutes accepts rotation notices addressed to in-process client nodes.
type rotationRoutes struct {
	log *slog.Logger
}

func (rr rotationRoutes) RegisterRoutes(r chi.Router) {
	r.Method("POST", notify.RotationPath, notify.Handler(func(ctx context.Context, event interfaces.KeyRotationEvent) error {
		rr.log.Info("Key rotation notice received",
			slog.String("model_id", event.ModelID),
			slog.String("old_key_id", event.OldKeyID),
			slog.String("new_key_id", event.NewKeyID),
		)
		return nil
	}, rr.log))
}
