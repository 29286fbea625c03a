// Package main is the entry point for a Peagen worker daemon.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/peagen-io/peagen/internal/config"
	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/rpc"
	"github.com/peagen-io/peagen/internal/vcs"
	"github.com/peagen-io/peagen/internal/worker"
)

const exitConfig = 1

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}
	if cfg.Worker.GatewayURL == "" || cfg.Worker.Endpoint == "" {
		fmt.Fprintln(os.Stderr, "worker.gateway_url and worker.endpoint are required")
		return exitConfig
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	signer, armored, err := loadOrCreateSigner(cfg.Worker.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signing key setup failed: %v\n", err)
		return exitConfig
	}
	identity, err := loadOrCreateIdentity(cfg.Worker.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity setup failed: %v\n", err)
		return exitConfig
	}

	gateway := rpc.NewClient(cfg.Worker.GatewayURL, rpc.WithSigner(signer))

	registry := worker.NewRegistry()
	registerBuiltins(registry)

	rt := worker.New(worker.Config{
		GatewayURL:        cfg.Worker.GatewayURL,
		Endpoint:          cfg.Worker.Endpoint,
		Pool:              cfg.Worker.Pool,
		StateDir:          cfg.Worker.StateDir,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Concurrency:       cfg.Worker.Concurrency,
		QueueSize:         cfg.Worker.QueueSize,
		ArtifactRoot:      cfg.Storage.ArtifactRoot,
	}, registry, gateway, logger,
		worker.WithIdentity(identity),
		worker.WithRepository(vcs.NewRecorder()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         cfg.Worker.ListenAddr,
		Handler:      rt.RPCHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	// Signing keys verify Work.finished and Secret.get calls; register
	// ours before the first dispatch can arrive.
	var uploaded struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := gateway.Call(ctx, "PublicKey.upload", map[string]string{
		"armored": armored,
		"role":    "worker",
	}, &uploaded); err != nil {
		logger.Error("key upload failed", slog.String("error", err.Error()))
		return exitConfig
	}

	if err := rt.Start(ctx); err != nil {
		logger.Error("registration failed", slog.String("error", err.Error()))
		return exitConfig
	}
	logger.Info("worker running",
		slog.String("worker_id", rt.WorkerID().String()),
		slog.String("pool", cfg.Worker.Pool),
		slog.String("listen_addr", cfg.Worker.ListenAddr),
	)

	select {
	case err := <-errCh:
		logger.Error("server failed", slog.String("error", err.Error()))
		return exitConfig
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
	logger.Info("worker stopped")
	return 0
}

// registerBuiltins installs the stock handlers. Deployments embedding the
// runtime register their own kinds instead.
func registerBuiltins(r *worker.Registry) {
	r.Register("process", func(ctx context.Context, job worker.Job) (worker.Result, error) {
		out, err := json.Marshal(map[string]interface{}{"echo": job.Args})
		if err != nil {
			return worker.Result{}, err
		}
		return worker.Result{Result: out}, nil
	})
}

const (
	signerFile   = "signing.key"
	identityFile = "identity.key"

	pemTypeSigningPrivate = "PEAGEN ED25519 PRIVATE KEY"
)

// loadOrCreateSigner reads the persisted ed25519 key or generates one. The
// private key never leaves StateDir.
func loadOrCreateSigner(dir string) (*keys.Signer, string, error) {
	path := filepath.Join(dir, signerFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(raw)
		if block == nil || block.Type != pemTypeSigningPrivate || len(block.Bytes) != ed25519.PrivateKeySize {
			return nil, "", fmt.Errorf("corrupt signing key at %s", path)
		}
		priv := ed25519.PrivateKey(block.Bytes)
		return keys.NewSigner(priv), keys.ArmorSigning(priv.Public().(ed25519.PublicKey)), nil
	}
	if !os.IsNotExist(err) {
		return nil, "", err
	}

	signer, armored, err := keys.GenerateSigner()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", err
	}
	blob := pem.EncodeToMemory(&pem.Block{Type: pemTypeSigningPrivate, Bytes: signer.PrivateKey()})
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return nil, "", err
	}
	return signer, armored, nil
}

// loadOrCreateIdentity reads the persisted X25519 keypair used to unwrap
// secret envelopes, generating one on first start.
func loadOrCreateIdentity(dir string) (*keys.Identity, error) {
	path := filepath.Join(dir, identityFile)
	raw, err := os.ReadFile(path)
	if err == nil {
		id, err := keys.ParseIdentity(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt identity at %s: %w", path, err)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := keys.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, keys.EncodeIdentity(id), 0o600); err != nil {
		return nil, err
	}
	return id, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
