// Package main is the entry point for the mediastore media delivery server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/akshaykher243/payload-template/internal/config"
	"github.com/akshaykher243/payload-template/internal/logging"
	"github.com/akshaykher243/payload-template/internal/metadata"
	"github.com/akshaykher243/payload-template/internal/metrics"
	"github.com/akshaykher243/payload-template/internal/server"
	"github.com/akshaykher243/payload-template/internal/storage"
)

func main() {
	configPath := flag.String("config", "mediastore.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 3000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	backend := flag.String("backend", "", "override storage backend: s3, minio, gcs, azure, memory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
		if *backend == "memory" && cfg.Storage.Bucket == "" {
			cfg.Storage.Bucket = "media"
		}
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	records, err := openRecords(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize record store: %v\n", err)
		os.Exit(1)
	}
	defer records.Close()

	srv, err := server.New(cfg, server.WithStorageBackend(store), server.WithRecordStore(records))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := cfg.Addr()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mediastore listening", "addr", addr, "backend", cfg.Storage.Backend, "bucket", cfg.Storage.Bucket)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// openStore builds the configured blob store. The returned func releases
// resources held by the backend and is safe to call for every backend.
func openStore(ctx context.Context, cfg *config.Config) (storage.Backend, func(), error) {
	noop := func() {}
	sc := cfg.Storage

	switch sc.Backend {
	case "s3":
		b, err := storage.NewS3Backend(ctx, storage.S3Options{
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			UsePathStyle:    sc.UsePathStyle,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			MaxConnections:  sc.MaxConnections,
		})
		if err != nil {
			return nil, noop, err
		}
		slog.Info("Storage backend initialized", "backend", "s3", "bucket", sc.Bucket, "region", sc.Region, "endpoint", sc.Endpoint)
		return b, noop, nil
	case "minio":
		b, err := storage.NewMinioBackend(ctx, storage.MinioOptions{
			Bucket:          sc.Bucket,
			Region:          sc.Region,
			Endpoint:        sc.Endpoint,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
		})
		if err != nil {
			return nil, noop, err
		}
		slog.Info("Storage backend initialized", "backend", "minio", "bucket", sc.Bucket, "endpoint", sc.Endpoint)
		return b, noop, nil
	case "gcs":
		b, err := storage.NewGCSBackend(ctx, sc.Bucket, sc.GCS.CredentialsFile)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("Storage backend initialized", "backend", "gcs", "bucket", sc.Bucket)
		return b, noop, nil
	case "azure":
		accountURL := cfg.AzureAccountURL()
		b, err := storage.NewAzureBackend(ctx, storage.AzureOptions{
			Container:          sc.Bucket,
			AccountURL:         accountURL,
			ConnectionString:   sc.Azure.ConnectionString,
			UseManagedIdentity: sc.Azure.UseManagedIdentity,
		})
		if err != nil {
			return nil, noop, err
		}
		slog.Info("Storage backend initialized", "backend", "azure", "container", sc.Bucket, "account", accountURL)
		return b, noop, nil
	default:
		b, err := storage.NewMemoryBackend(storage.MemoryOptions{
			Bucket:           sc.Bucket,
			MaxSizeBytes:     sc.Memory.MaxSizeBytes,
			SnapshotPath:     sc.Memory.SnapshotPath,
			SnapshotInterval: time.Duration(sc.Memory.SnapshotInterval) * time.Second,
		})
		if err != nil {
			return nil, noop, err
		}
		slog.Info("Storage backend initialized", "backend", "memory", "bucket", sc.Bucket, "snapshot", sc.Memory.SnapshotPath)
		return b, func() {
			if err := b.Close(); err != nil {
				slog.Error("Closing memory backend", "error", err)
			}
		}, nil
	}
}

func openRecords(ctx context.Context, cfg *config.Config) (metadata.RecordStore, error) {
	switch cfg.Records.Engine {
	case "memory":
		slog.Info("Record store initialized", "engine", "memory")
		return metadata.NewMemoryStore(), nil
	case "dynamodb":
		dc := cfg.Records.DynamoDB
		region := dc.Region
		if region == "" {
			region = cfg.Storage.Region
		}
		store, err := metadata.NewDynamoDBStore(ctx, metadata.DynamoDBOptions{
			Table:    dc.Table,
			Region:   region,
			Endpoint: dc.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Record store initialized", "engine", "dynamodb", "table", dc.Table, "region", region)
		return store, nil
	}

	path := cfg.Records.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating records directory: %w", err)
	}
	store, err := metadata.NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	slog.Info("Record store initialized", "engine", "sqlite", "path", path)
	return store, nil
}
