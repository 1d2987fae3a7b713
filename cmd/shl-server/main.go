package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/config"
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/storage"
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/telemetry"
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/platform/webhook"
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/server"
	"github.com/FHIRfly-io/fhirfly-shl-sub000/internal/shl"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shl-server",
		Short: "SMART Health Links server and tooling",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(revokeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the SHL manifest server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Encrypt a FHIR document and mint a sharable SHL token",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			passcode, _ := cmd.Flags().GetString("passcode")
			label, _ := cmd.Flags().GetString("label")
			maxAccesses, _ := cmd.Flags().GetInt("max-accesses")
			expiresIn, _ := cmd.Flags().GetDuration("expires-in")
			attachPaths, _ := cmd.Flags().GetStringArray("attach")

			if file == "" {
				return fmt.Errorf("--file is required")
			}
			document, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}

			opts := shl.Options{
				Passcode: passcode,
				Label:    label,
			}
			if cmd.Flags().Changed("max-accesses") {
				opts.MaxAccesses = &maxAccesses
			}
			if expiresIn > 0 {
				exp := time.Now().Add(expiresIn)
				opts.ExpiresAt = &exp
			}
			for _, p := range attachPaths {
				data, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read attachment %s: %w", p, err)
				}
				opts.Attachments = append(opts.Attachments, shl.Attachment{
					ContentType: attachmentContentType(p),
					Data:        data,
				})
			}

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			store, err := buildStore(cfg, logger)
			if err != nil {
				return err
			}

			result, err := shl.Create(cmd.Context(), store, document, opts)
			if err != nil {
				return err
			}

			fmt.Printf("SHL ID: %s\n", result.ID)
			if result.Passcode != "" {
				fmt.Printf("Passcode: %s\n", result.Passcode)
			}
			if result.ExpiresAt != nil {
				fmt.Printf("Expires: %s\n", result.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Println(result.Token)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the FHIR JSON document to share")
	cmd.Flags().String("passcode", "", "Passcode required to retrieve the manifest")
	cmd.Flags().String("label", "", "Short human-readable description of the share")
	cmd.Flags().Int("max-accesses", 0, "Maximum number of successful manifest accesses")
	cmd.Flags().Duration("expires-in", 0, "Lifetime of the link, e.g. 720h")
	cmd.Flags().StringArray("attach", nil, "Additional file to encrypt and list (repeatable)")
	return cmd
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <shl-id>",
		Short: "Delete every stored artifact of an SHL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			store, err := buildStore(cfg, logger)
			if err != nil {
				return err
			}

			if err := shl.Revoke(cmd.Context(), store, args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if !cfg.ServesManifests() {
		logger.Fatal().Str("backend", cfg.StorageBackend).
			Msg("the hosted backend delegates serving to the hosted service; serve requires a local backend")
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	serverStore, ok := store.(storage.ServerStore)
	if !ok {
		logger.Fatal().Str("backend", cfg.StorageBackend).Msg("backend cannot serve manifests")
	}

	var notifier *webhook.Notifier
	if cfg.WebhookURL != "" {
		notifier, err = webhook.NewNotifier(webhook.NotifierConfig{
			URL:        cfg.WebhookURL,
			Secret:     cfg.WebhookSecret,
			MaxRetries: 2,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure webhook")
		}
	}

	metrics := telemetry.NewProvider("shl-server")
	engine := shl.NewEngine(shl.EngineConfig{
		Store:   serverStore,
		Metrics: metrics,
		CORS: shl.CORSConfig{
			Disabled:    cfg.CORSDisabled,
			AllowOrigin: cfg.CORSOrigin,
		},
		Logger: logger,
		OnAccess: func(ev shl.AccessEvent) {
			logger.Info().
				Str("shl_id", ev.ShlID).
				Int("access_count", ev.AccessCount).
				Time("at", ev.Timestamp).
				Msg("manifest accessed")
			if notifier != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_ = notifier.Notify(ctx, webhook.Event{
					ShlID:       ev.ShlID,
					AccessCount: ev.AccessCount,
					Timestamp:   ev.Timestamp,
				})
			}
		},
	})

	e := server.New(engine, logger, metrics)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.StorageBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildStore maps the configured backend to a storage implementation. The
// hosted backend is write-only: create and revoke work against it, serve
// does not.
func buildStore(cfg *config.Config, logger zerolog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return storage.NewMemoryStore(cfg.BaseURL), nil
	case config.BackendLocal:
		return storage.NewLocalStore(cfg.LocalDir, cfg.BaseURL)
	case config.BackendS3:
		return storage.NewObjectStore(storage.ObjectStoreConfig{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    cfg.S3Prefix,
			BaseURL:   cfg.BaseURL,
			UseSSL:    cfg.S3UseSSL,
			Logger:    logger,
		})
	case config.BackendHosted:
		return storage.NewHostedStore(storage.HostedStoreConfig{
			Endpoint: cfg.HostedEndpoint,
			APIKey:   cfg.HostedAPIKey,
			BaseURL:  cfg.BaseURL,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func attachmentContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
