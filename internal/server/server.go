// Package server implements the mediastore HTTP server and route wiring.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akshaykher243/payload-template/internal/auth"
	"github.com/akshaykher243/payload-template/internal/config"
	"github.com/akshaykher243/payload-template/internal/deletion"
	"github.com/akshaykher243/payload-template/internal/handlers"
	"github.com/akshaykher243/payload-template/internal/keys"
	"github.com/akshaykher243/payload-template/internal/metadata"
	"github.com/akshaykher243/payload-template/internal/retrieval"
	"github.com/akshaykher243/payload-template/internal/signedurl"
	"github.com/akshaykher243/payload-template/internal/storage"
	"github.com/akshaykher243/payload-template/internal/upload"
)

// checkTimeout bounds each dependency probe in health checks.
const checkTimeout = 5 * time.Second

// Server is the mediastore HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      storage.Backend
	records    metadata.RecordStore
	media      *handlers.MediaHandler
	recordsAPI *handlers.RecordsHandler
	signed     *handlers.SignedURLHandler
	debug      *handlers.DebugHandler
	httpServer *http.Server
}

// CheckResult is the outcome of one dependency probe.
type CheckResult struct {
	Status    string `json:"status" example:"ok" doc:"ok or error"`
	LatencyMs int64  `json:"latency_ms" doc:"Probe latency in milliseconds"`
	Error     string `json:"error,omitempty" doc:"Probe error, when failed"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]CheckResult `json:"checks" doc:"Per-dependency results"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithStorageBackend sets the blob store.
func WithStorageBackend(store storage.Backend) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithRecordStore sets the media record store.
func WithRecordStore(records metadata.RecordStore) ServerOption {
	return func(s *Server) {
		s.records = records
	}
}

// New creates a Server for cfg and wires every route. A storage backend is
// required; records default to an in-memory store.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("mediastore API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		return nil, errors.New("server: storage backend is required")
	}
	if s.records == nil {
		s.records = metadata.NewMemoryStore()
	}

	prefixes := cfg.CollectionPrefixes()

	svc := retrieval.NewService(s.store, keys.NewResolver(s.store), retrieval.Options{
		Downloads:   downloadPolicy(cfg.Uploads.SignedDownloads),
		Collections: collectionPolicies(cfg.Collections),
	})
	s.media = handlers.NewMediaHandler(svc, s.records, cfg.Storage.Bucket)

	pipeline := upload.NewPipeline(s.store, upload.Options{
		Threshold:          cfg.Storage.UploadThreshold,
		ACL:                cfg.Storage.ACL,
		Variants:           cfg.Variants,
		VariantConcurrency: cfg.Uploads.VariantConcurrency,
		PublicBaseURL:      cfg.Server.PublicBaseURL,
	})
	s.recordsAPI = handlers.NewRecordsHandler(pipeline, deletion.NewPipeline(s.store), s.records, handlers.RecordsOptions{
		Prefixes:       prefixes,
		PublicBaseURL:  cfg.Server.PublicBaseURL,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})

	if cfg.Uploads.ClientUploads {
		s.signed = handlers.NewSignedURLHandler(signedurl.NewIssuer(s.store, signedurl.Options{
			Prefixes: prefixes,
			ACL:      cfg.Storage.ACL,
			Expires:  cfg.SignedURLExpiry(),
		}))
	}
	if cfg.Debug.Enabled {
		s.debug = handlers.NewDebugHandler(s.store, cfg.Storage.Bucket, cfg.Variants, cfg.Summary)
	}

	s.registerRoutes()
	return s, nil
}

func downloadPolicy(c config.SignedDownloadsConfig) retrieval.DownloadPolicy {
	return retrieval.DownloadPolicy{Enabled: c.Enabled, Expires: c.Duration()}
}

// collectionPolicies returns the collections that override the global
// signed download settings.
func collectionPolicies(cols map[string]config.CollectionConfig) map[string]retrieval.DownloadPolicy {
	out := make(map[string]retrieval.DownloadPolicy)
	for slug, col := range cols {
		if col.SignedDownloads != nil {
			out[slug] = downloadPolicy(*col.SignedDownloads)
		}
	}
	return out
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> requestLogger -> cors -> auth -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = auth.Middleware(s.cfg.Auth.JWTSecret)(handler)
	if len(s.cfg.Server.CORSOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Server.CORSOrigins,
			AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-None-Match"},
			ExposedHeaders:   []string{"ETag", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		})(handler)
	}
	handler = requestLogger(handler)
	handler = commonHeaders(handler)
	if s.cfg.Metrics.Enabled {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health of the server and its blob and record stores.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		body := HealthBody{Status: "ok", Checks: s.runChecks(ctx)}
		status := http.StatusOK
		for _, c := range body.Checks {
			if c.Status != "ok" {
				body.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		return &HealthOutput{Status: status, Body: body}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	// Liveness: the process is serving.
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness: both stores answer.
	s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range s.runChecks(r.Context()) {
			if c.Status != "ok" {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Get("/media/file/{filename}", s.media.GetFile)
	s.router.Head("/media/file/{filename}", s.media.GetFile)
	s.router.Get("/media/size/{size}/{filename}", s.media.GetSize)
	s.router.Head("/media/size/{size}/{filename}", s.media.GetSize)

	s.router.Get("/media/records", s.recordsAPI.List)
	s.router.Get("/media/records/{id}", s.recordsAPI.Get)
	s.router.Group(func(r chi.Router) {
		r.Use(auth.RequireIdentity)
		r.Post("/media", s.recordsAPI.Create)
		r.Put("/media/records/{id}", s.recordsAPI.Replace)
		r.Patch("/media/records/{id}", s.recordsAPI.Update)
		r.Delete("/media/records/{id}", s.recordsAPI.Delete)
	})

	if s.signed != nil {
		s.router.Post("/storage/generate-signed-url", s.signed.Generate)
	}

	if s.debug != nil {
		s.router.Get("/media/debug/mime-type", s.debug.MimeType)
		s.router.Get("/media/debug/files", s.debug.Files)
		s.router.Get("/media/debug/environment", s.debug.Environment)
		s.router.Get("/media/debug/variants", s.debug.Variants)
	}

	s.router.NotFound(notFound)
	s.router.MethodNotAllowed(methodNotAllowed)
}

// runChecks probes the blob store and the record store.
func (s *Server) runChecks(ctx context.Context) map[string]CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return map[string]CheckResult{
		"storage": probe(func() error { return s.store.HealthCheck(ctx) }),
		"records": probe(func() error { return s.records.Ping(ctx) }),
	}
}

func probe(fn func() error) CheckResult {
	start := time.Now()
	err := fn()
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}
