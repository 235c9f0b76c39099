package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentpod/agentpod/internal/chat"
	"github.com/agentpod/agentpod/internal/common/config"
	"github.com/agentpod/agentpod/internal/common/logger"
	"github.com/agentpod/agentpod/internal/common/tracing"
	"github.com/agentpod/agentpod/internal/db"
	"github.com/agentpod/agentpod/internal/events"
	"github.com/agentpod/agentpod/internal/gitrepo"
	"github.com/agentpod/agentpod/internal/oauth"
	"github.com/agentpod/agentpod/internal/orchestrator"
	"github.com/agentpod/agentpod/internal/runtime/docker"
	"github.com/agentpod/agentpod/internal/sandbox/spec"
	"github.com/agentpod/agentpod/internal/server"
	"github.com/agentpod/agentpod/internal/storage"
	"github.com/agentpod/agentpod/internal/terminal"
	"github.com/agentpod/agentpod/pkg/agentapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AgentPod server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("loading configuration: %w", err)}
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agentpod",
		zap.String("version", version),
		zap.String("data_dir", cfg.Data.Dir))

	for _, dir := range []string{cfg.Data.Dir, cfg.Data.ReposDir(), cfg.Data.VolumesDir(), cfg.Data.DBDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}

	// One instance per data dir. Two servers sharing the SQLite database
	// and the container label namespace would fight over both.
	dataLock := flock.New(cfg.Data.LockPath())
	locked, err := dataLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data dir %s is in use by another agentpod instance", cfg.Data.Dir)
	}
	defer func() { _ = dataLock.Unlock() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("initializing event bus: %w", err)
	}
	defer closeBus()

	pool, closePool, err := db.Open(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closePool() }()

	cipher, err := oauth.NewCipher(cfg.OAuth.EncryptionKey, cfg.Data.Dir)
	if err != nil {
		return fmt.Errorf("initializing token cipher: %w", err)
	}

	stores, err := storage.New(pool, cipher)
	if err != nil {
		return fmt.Errorf("initializing stores: %w", err)
	}

	dockerClient, err := docker.New(cfg.Docker, log)
	if err != nil {
		return fmt.Errorf("initializing docker client: %w", err)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		// The daemon may come up later; lifecycle calls fail until then.
		log.Warn("docker daemon not reachable", zap.Error(err))
	}

	repos, err := gitrepo.NewManager(cfg.Data.ReposDir(), log)
	if err != nil {
		return fmt.Errorf("initializing repo manager: %w", err)
	}

	catalog, err := spec.LoadCatalog(filepath.Join(cfg.Data.Dir, "catalog.yaml"))
	if err != nil {
		return fmt.Errorf("loading image catalog: %w", err)
	}

	hub := chat.NewHub(cfg.Chat.SubscriberBuffer, log)
	chatMgr := chat.NewManager(stores.Chat, hub, chat.Limits{
		MaxMessages:     cfg.Chat.MaxMessages,
		EvictBatch:      cfg.Chat.EvictBatch,
		MaxMessageBytes: cfg.Chat.MaxMessageBytes,
	}, func(host string) chat.AgentClient {
		return agentapi.NewClient(host, log)
	}, log)
	defer chatMgr.Close()

	orch := orchestrator.New(orchestrator.Options{
		Store:   stores.Sandboxes,
		Runtime: dockerClient,
		Repos:   repos,
		Builder: spec.NewBuilder(catalog),
		Bus:     eventBus,
		Chat:    chatMgr,
		Config:  cfg,
		Logger:  log,
	})

	terminals := terminal.NewManager(orch, cfg.Terminal, eventBus, log)
	defer terminals.Close()
	orch.SetTerminals(terminals)

	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer orch.Close()

	callbackURL := cfg.OAuth.CallbackURL
	if callbackURL == "" {
		callbackURL = fmt.Sprintf("http://localhost:%d/api/v1/oauth/callback", cfg.Server.Port)
	}
	oauthMgr := oauth.NewManager(stores.OAuth, cipher, callbackURL, log)

	srv := server.New(server.Options{
		Orchestrator: orch,
		Terminals:    terminals,
		Chat:         chatMgr,
		ChatStore:    stores.Chat,
		Repos:        repos,
		OAuth:        oauthMgr,
		Bus:          eventBus,
		Config:       cfg,
		Logger:       log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	log.Info("agentpod ready",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("base_domain", cfg.Proxy.BaseDomain))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var received os.Signal
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
		received = sig
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}

	log.Info("agentpod stopped")
	if received != nil {
		return &exitError{code: signalExitCode(received)}
	}
	return nil
}

// signalExitCode maps a termination signal to the conventional 128+signum
// exit status: 130 for SIGINT, 143 for SIGTERM.
func signalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 0
}
