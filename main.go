package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oceanprotocol/uploader-backend/internal/db"
	"github.com/oceanprotocol/uploader-backend/internal/gateway"
	"github.com/oceanprotocol/uploader-backend/internal/quote"
	"github.com/oceanprotocol/uploader-backend/internal/registry"
	"github.com/oceanprotocol/uploader-backend/internal/staging"
	"github.com/oceanprotocol/uploader-backend/internal/storage/blob"
	"github.com/oceanprotocol/uploader-backend/internal/storage/file"
)

var log = logging.Logger("api")

var (
	commit    string
	buildDate string
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "location of config file. If non is specified config will be loaded from the environment")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("build info", "commit", commit, "date", buildDate)

	var (
		cfg Config
		err error
	)
	if configPath != "" {
		log.Infow("loading config from file", "path", configPath)
		err = cfg.Load(configPath)
	} else {
		log.Info("loading config from env")
		err = cfg.LoadFromEnv()
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	lvl, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	logging.SetAllLoggers(lvl)

	store, err := db.New(cfg.DBDriver, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer store.Close()

	adder, publicURL, local, err := newAdder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("staging: %w", err)
	}

	var (
		reg    = registry.New(store)
		gw     = gateway.New(&http.Client{}, cfg.BackendTimeout)
		stager = staging.NewUploader(adder, store, publicURL)
		guard  = quote.NewGuard(store, cfg.AllowedSigners)
	)

	quotes, err := quote.New(quote.Config{QuoteTTL: cfg.QuoteTTL}, store, reg, gw, stager, guard)
	if err != nil {
		return fmt.Errorf("quote service: %w", err)
	}

	h := &handlers{
		config:   cfg,
		quotes:   quotes,
		registry: reg,
		db:       store,
		staged:   local,
	}

	go reg.RunSweeper(ctx, cfg.SweepInterval, cfg.BackendTTL)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: newRouter(h),
	}

	errc := make(chan error, 1)
	go func() {
		log.Infow("api listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newAdder picks the staging service. The local store is returned as well
// when files stay on this host, so they can be served.
func newAdder(ctx context.Context, cfg Config) (staging.Adder, staging.URLFunc, *file.Store, error) {
	switch cfg.StagingType {
	case stagingS3:
		bucket, err := blob.New(ctx, cfg.S3Bucket)
		if err != nil {
			return nil, nil, nil, err
		}
		return staging.NewS3(bucket, cfg.StagingTimeout, cfg.MaxUploadBytes()), staging.PrefixURL(cfg.S3PublicBase), nil, nil
	case stagingLocal:
		store, err := file.New(cfg.LocalDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return staging.NewLocal(store, cfg.MaxUploadBytes()), staging.PrefixURL(cfg.LocalPublicBase), store, nil
	default:
		return staging.NewIPFS(cfg.IPFSAddURL, &http.Client{}, cfg.StagingTimeout), staging.GatewayURL(cfg.IPFSGateway), nil, nil
	}
}

func newRouter(h *handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(metricsMiddleware)

	r.Get("/", h.handleListStorages)
	r.Post("/register", h.handleRegister)
	r.Post("/getQuote", h.handleGetQuote)
	r.Post("/upload", h.handleUpload)
	r.Get("/getStatus", h.handleGetStatus)
	r.Get("/getLink", h.handleGetLink)
	r.Get("/getHistory", h.handleGetHistory)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if h.staged != nil {
		r.Get("/staged/{cid}", h.handleGetStaged)
	}

	return r
}
