// Package config handles loading and parsing of the media store configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/akshaykher243/payload-template/internal/variant"
)

// DefaultUploadThreshold is the payload size at which uploads switch to
// multipart writes (50 MiB).
const DefaultUploadThreshold int64 = 50 << 20

// Config is the top-level configuration.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Logging     LoggingConfig               `yaml:"logging"`
	Storage     StorageConfig               `yaml:"storage"`
	Uploads     UploadsConfig               `yaml:"uploads"`
	Collections map[string]CollectionConfig `yaml:"collections"`
	Variants    []variant.Spec              `yaml:"variants"`
	Auth        AuthConfig                  `yaml:"auth"`
	Records     RecordsConfig               `yaml:"records"`
	Debug       DebugConfig                 `yaml:"debug"`
	Metrics     MetricsConfig               `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PublicBaseURL prefixes the URLs written into media records.
	PublicBaseURL string `yaml:"public_base_url"`
	// ShutdownTimeout is the graceful shutdown window in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxUploadBytes caps multipart form uploads on POST /media.
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds object store settings.
type StorageConfig struct {
	// Backend is one of "s3", "minio", "gcs", "azure" or "memory".
	Backend         string `yaml:"backend"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// ACL is "private" or "public-read".
	ACL          string `yaml:"acl"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// UploadThreshold selects multipart writes at or above this many bytes.
	UploadThreshold int64 `yaml:"upload_threshold"`
	// MaxConnections bounds the store client's keep-alive pool.
	MaxConnections int          `yaml:"max_connections"`
	GCS            GCSConfig    `yaml:"gcs"`
	Azure          AzureConfig  `yaml:"azure"`
	Memory         MemoryConfig `yaml:"memory"`
}

// GCSConfig holds Google Cloud Storage settings.
type GCSConfig struct {
	// CredentialsFile is a service account JSON key. Empty means
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds Azure Blob Storage settings. Bucket names the container.
type AzureConfig struct {
	// Account is used to build the account URL when AccountURL is empty.
	Account            string `yaml:"account"`
	AccountURL         string `yaml:"account_url"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// MemoryConfig holds in-process store settings.
type MemoryConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	// SnapshotPath, when set, persists blobs to a SQLite file.
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotInterval is in seconds. Zero snapshots only on shutdown.
	SnapshotInterval int `yaml:"snapshot_interval"`
}

// UploadsConfig holds upload and delivery settings.
type UploadsConfig struct {
	// ClientUploads mounts the signed upload URL endpoint.
	ClientUploads bool `yaml:"client_uploads"`
	// SignedURLExpiry is in seconds.
	SignedURLExpiry    int                   `yaml:"signed_url_expiry"`
	SignedDownloads    SignedDownloadsConfig `yaml:"signed_downloads"`
	VariantConcurrency int                   `yaml:"variant_concurrency"`
}

// SignedDownloadsConfig controls redirecting reads to presigned URLs.
type SignedDownloadsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Expiry is in seconds.
	Expiry int `yaml:"expiry"`
}

// CollectionConfig holds per-collection settings.
type CollectionConfig struct {
	Prefix string `yaml:"prefix"`
	// SignedDownloads overrides Uploads.SignedDownloads when set.
	SignedDownloads *SignedDownloadsConfig `yaml:"signed_downloads"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RecordsConfig holds media record store settings.
type RecordsConfig struct {
	// Engine is "sqlite", "dynamodb" or "memory".
	Engine string `yaml:"engine"`
	// Path is the SQLite database file.
	Path     string         `yaml:"path"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// DynamoDBConfig holds settings for the DynamoDB record engine. The table
// needs a string partition key "pk" and a string sort key "sk".
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
	// Endpoint points at DynamoDB Local or LocalStack in development.
	Endpoint string `yaml:"endpoint"`
}

// DebugConfig toggles the /media/debug endpoints.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig toggles Prometheus collection and /metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML configuration file from the given path, applies
// defaults and then environment overrides. A .env file in the working
// directory is loaded first when present. An empty path skips the file.
// If the primary path fails, it falls back to mediastore.example.yaml in
// the same directory or its parent.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			fallbackPaths := []string{
				filepath.Join(filepath.Dir(path), "mediastore.example.yaml"),
				filepath.Join(filepath.Dir(path), "..", "mediastore.example.yaml"),
			}
			var fallbackErr error = err
			for _, fp := range fallbackPaths {
				data, fallbackErr = os.ReadFile(fp)
				if fallbackErr == nil {
					break
				}
			}
			if fallbackErr != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Storage.Backend == "memory" && cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = "media"
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			PublicBaseURL:   "http://localhost:3000",
			ShutdownTimeout: 30,
			MaxUploadBytes:  512 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend:         "s3",
			Region:          "us-east-1",
			ACL:             "private",
			UploadThreshold: DefaultUploadThreshold,
			MaxConnections:  100,
		},
		Uploads: UploadsConfig{
			SignedURLExpiry: 3600,
			SignedDownloads: SignedDownloadsConfig{Expiry: 7200},
		},
		Records: RecordsConfig{
			Engine: "sqlite",
			Path:   "./data/media.db",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 512 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "s3"
	}
	if cfg.Storage.ACL == "" {
		cfg.Storage.ACL = "private"
	}
	if cfg.Storage.UploadThreshold == 0 {
		cfg.Storage.UploadThreshold = DefaultUploadThreshold
	}
	if cfg.Storage.MaxConnections == 0 {
		cfg.Storage.MaxConnections = 100
	}
	if cfg.Uploads.SignedURLExpiry == 0 {
		cfg.Uploads.SignedURLExpiry = 3600
	}
	if cfg.Uploads.SignedDownloads.Expiry == 0 {
		cfg.Uploads.SignedDownloads.Expiry = 7200
	}
	if len(cfg.Collections) == 0 {
		cfg.Collections = map[string]CollectionConfig{"media": {}}
	}
	if len(cfg.Variants) == 0 {
		cfg.Variants = variant.Defaults()
	}
	if cfg.Records.Engine == "" {
		cfg.Records.Engine = "sqlite"
	}
	if cfg.Records.Path == "" {
		cfg.Records.Path = "./data/media.db"
	}
}

// applyEnv overlays MEDIA_* environment variables.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"MEDIA_STORAGE_BACKEND":   &cfg.Storage.Backend,
		"MEDIA_BUCKET":            &cfg.Storage.Bucket,
		"MEDIA_REGION":            &cfg.Storage.Region,
		"MEDIA_ENDPOINT":          &cfg.Storage.Endpoint,
		"MEDIA_ACCESS_KEY_ID":     &cfg.Storage.AccessKeyID,
		"MEDIA_SECRET_ACCESS_KEY": &cfg.Storage.SecretAccessKey,
		"MEDIA_ACL":               &cfg.Storage.ACL,
		"MEDIA_JWT_SECRET":        &cfg.Auth.JWTSecret,
		"MEDIA_PUBLIC_BASE_URL":   &cfg.Server.PublicBaseURL,
		"MEDIA_RECORDS_ENGINE":    &cfg.Records.Engine,
		"MEDIA_DYNAMODB_TABLE":    &cfg.Records.DynamoDB.Table,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("MEDIA_UPLOAD_THRESHOLD"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing MEDIA_UPLOAD_THRESHOLD: %w", err)
		}
		cfg.Storage.UploadThreshold = n
	}

	bools := map[string]*bool{
		"MEDIA_CLIENT_UPLOADS":   &cfg.Uploads.ClientUploads,
		"MEDIA_SIGNED_DOWNLOADS": &cfg.Uploads.SignedDownloads.Enabled,
	}
	for name, dst := range bools {
		if v, ok := os.LookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", name, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "s3", "minio", "gcs", "azure", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend != "memory" && c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.bucket is required"))
	}
	switch c.Storage.ACL {
	case "private", "public-read":
	default:
		errs = append(errs, fmt.Errorf("storage.acl: must be private or public-read, got %q", c.Storage.ACL))
	}
	if c.Storage.UploadThreshold <= 0 {
		errs = append(errs, errors.New("storage.upload_threshold must be positive"))
	}
	switch c.Records.Engine {
	case "sqlite", "memory":
	case "dynamodb":
		if c.Records.DynamoDB.Table == "" {
			errs = append(errs, errors.New("records.dynamodb.table is required for the dynamodb engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("records.engine: unknown engine %q", c.Records.Engine))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	seen := make(map[string]bool, len(c.Variants))
	for _, spec := range c.Variants {
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("variants: %w", err))
		}
		if seen[spec.Name] {
			errs = append(errs, fmt.Errorf("variants: duplicate name %q", spec.Name))
		}
		seen[spec.Name] = true
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CollectionPrefixes maps collection slugs to their key prefixes.
func (c *Config) CollectionPrefixes() map[string]string {
	out := make(map[string]string, len(c.Collections))
	for slug, col := range c.Collections {
		out[slug] = strings.Trim(col.Prefix, "/")
	}
	return out
}

// SignedURLExpiry returns the signed upload URL lifetime.
func (c *Config) SignedURLExpiry() time.Duration {
	return time.Duration(c.Uploads.SignedURLExpiry) * time.Second
}

// Duration converts a seconds value to a time.Duration.
func (s SignedDownloadsConfig) Duration() time.Duration {
	return time.Duration(s.Expiry) * time.Second
}

// AzureAccountURL returns the configured account URL, building it from the
// account name when unset.
func (c *Config) AzureAccountURL() string {
	if c.Storage.Azure.AccountURL != "" || c.Storage.Azure.Account == "" {
		return c.Storage.Azure.AccountURL
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", c.Storage.Azure.Account)
}

// Summary reports the effective configuration with secrets masked as SET or
// NOT_SET.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"backend":          c.Storage.Backend,
		"bucket":           c.Storage.Bucket,
		"region":           c.Storage.Region,
		"endpoint":         c.Storage.Endpoint,
		"acl":              c.Storage.ACL,
		"uploadThreshold":  c.Storage.UploadThreshold,
		"clientUploads":    c.Uploads.ClientUploads,
		"signedDownloads":  c.Uploads.SignedDownloads.Enabled,
		"accessKeyId":      setOrNot(c.Storage.AccessKeyID),
		"secretAccessKey":  setOrNot(c.Storage.SecretAccessKey),
		"connectionString": setOrNot(c.Storage.Azure.ConnectionString),
		"jwtSecret":        setOrNot(c.Auth.JWTSecret),
		"collections":      c.CollectionPrefixes(),
		"recordsEngine":    c.Records.Engine,
		"publicBaseUrl":    c.Server.PublicBaseURL,
	}
}

func setOrNot(s string) string {
	if s == "" {
		return "NOT_SET"
	}
	return "SET"
}
