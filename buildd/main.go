package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kilnlabs/kiln-go/internal/platform/auditlog"
	"github.com/kilnlabs/kiln-go/internal/platform/auth"
	"github.com/kilnlabs/kiln-go/internal/platform/env"
	"github.com/kilnlabs/kiln-go/internal/platform/httpserver"
	"github.com/kilnlabs/kiln-go/internal/platform/objectstore"
	"github.com/kilnlabs/kiln-go/internal/platform/postgres"
	repopg "github.com/kilnlabs/kiln-go/internal/repo/postgres"
	"github.com/kilnlabs/kiln-go/internal/runtimeexec"
	"github.com/kilnlabs/kiln-go/internal/service/artifacts"
	"github.com/kilnlabs/kiln-go/internal/service/builds"
	"github.com/kilnlabs/kiln-go/internal/service/workflows"
	store "github.com/kilnlabs/kiln-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("KILN_BUILDD_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("KILN_BUILDD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	schemaCtx, cancelSchema := context.WithTimeout(ctx, 10*time.Second)
	if err := repopg.EnsureSchema(schemaCtx, db); err != nil {
		cancelSchema()
		logger.Error("database schema init failed", "error", err)
		os.Exit(1)
	}
	cancelSchema()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	pushSecret, err := env.Secret("KILN_PUSH_WEBHOOK_SECRET")
	if err != nil {
		logger.Error("missing push webhook secret", "error", err)
		os.Exit(2)
	}

	jobTokenSecret, err := env.Secret("KILN_JOB_TOKEN_SECRET")
	if err != nil {
		logger.Error("missing job token secret", "error", err)
		os.Exit(2)
	}
	jobTokenTTL, err := env.Duration("KILN_JOB_TOKEN_TTL", 4*time.Hour)
	if err != nil {
		logger.Error("invalid job token ttl", "error", err)
		os.Exit(2)
	}

	presignTTL, err := env.Duration("KILN_PRESIGN_TTL", 15*time.Minute)
	if err != nil {
		logger.Error("invalid presign ttl", "error", err)
		os.Exit(2)
	}

	coordinatorURL := strings.TrimRight(env.String("KILN_COORDINATOR_URL", "http://localhost:8080"), "/")

	syncInterval, err := env.Duration("KILN_SCHEDULER_INTERVAL", 5*time.Second)
	if err != nil {
		logger.Error("invalid scheduler interval", "error", err)
		os.Exit(2)
	}
	dispatchMaxAttempts, err := env.Int("KILN_DISPATCH_MAX_ATTEMPTS", 3)
	if err != nil {
		logger.Error("invalid dispatch max attempts", "error", err)
		os.Exit(2)
	}
	dispatchStaleAfter, err := env.Duration("KILN_DISPATCH_STALE_AFTER", 2*time.Minute)
	if err != nil {
		logger.Error("invalid dispatch stale threshold", "error", err)
		os.Exit(2)
	}

	executorMode := strings.ToLower(strings.TrimSpace(env.String("KILN_EXECUTOR", "docker")))
	var executor runtimeexec.Executor
	switch executorMode {
	case "disabled":
		executor = nil
	case "docker":
		exec, err := runtimeexec.NewDockerExecutor()
		if err != nil {
			logger.Error("docker executor init failed", "error", err)
			os.Exit(2)
		}
		executor = exec
	case "local":
		workerBin := env.String("KILN_WORKER_BIN", "kiln-worker")
		workDir := env.String("KILN_LOCAL_WORK_DIR", "")
		exec, err := runtimeexec.NewLocalExecutor(workerBin, workDir)
		if err != nil {
			logger.Error("local executor init failed", "error", err)
			os.Exit(2)
		}
		executor = exec
	default:
		logger.Error("unsupported executor", "mode", executorMode)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var baseAuth auth.Authenticator
	var oidcService *auth.OIDCService
	switch authCfg.Mode {
	case auth.ModeOIDC:
		oidcService, err = auth.NewOIDCService(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(2)
		}
		baseAuth = oidcService
	case auth.ModeGateway:
		headersAuth, err := auth.NewGatewayHeadersAuthenticator(authCfg.GatewaySecret)
		if err != nil {
			logger.Error("invalid gateway auth config", "error", err)
			os.Exit(2)
		}
		baseAuth = headersAuth
	case auth.ModeDev:
		baseAuth = auth.NewDevAuthenticator(authCfg)
	case auth.ModeDisabled:
		baseAuth = nil
	}

	workflowStore := repopg.NewWorkflowStore(db)
	buildStore := repopg.NewBuildStore(db)
	jobStore := repopg.NewJobStore(db)
	stepStore := repopg.NewStepExecutionStore(db)
	artifactStore := repopg.NewArtifactStore(db)
	pushStore := repopg.NewPushEventStore(db)
	appender := auditlog.NewDBAppender(db)

	workflowSvc, err := workflows.NewService(workflowStore, appender)
	if err != nil {
		logger.Error("workflow service init failed", "error", err)
		os.Exit(2)
	}
	buildSvc, err := builds.NewService(workflowStore, buildStore, jobStore, pushStore, appender)
	if err != nil {
		logger.Error("build service init failed", "error", err)
		os.Exit(2)
	}
	objectStore, err := store.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}
	artifactSvc, err := artifacts.NewService(artifactStore, objectStore, storeCfg.BucketArtifacts, presignTTL, appender)
	if err != nil {
		logger.Error("artifact service init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("buildd"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"buildd",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newBuilddAPI(
		logger,
		workflowSvc,
		buildSvc,
		artifactSvc,
		workflowStore,
		buildStore,
		jobStore,
		stepStore,
		pushSecret,
		appender,
	)
	api.register(mux)

	// Browser login is optional; bearer-only deployments leave the client
	// secret and redirect URL unset and the session routes stay off.
	loginEnabled := false
	if oidcService != nil {
		if err := registerLoginRoutes(mux, oidcService); err != nil {
			logger.Info("oidc login endpoints disabled", "reason", err.Error())
		} else {
			loginEnabled = true
		}
	}

	startScheduler(ctx, logger, jobStore, buildSvc, executor, appender, schedulerConfig{
		Interval:            syncInterval,
		DispatchMaxAttempts: dispatchMaxAttempts,
		StaleAfter:          dispatchStaleAfter,
		CoordinatorURL:      coordinatorURL,
		JobTokenSecret:      jobTokenSecret,
		JobTokenTTL:         jobTokenTTL,
	})

	// Workers authenticate with bearer job tokens; everything else falls
	// through to the configured mode. With auth disabled only the internal
	// surface keeps its token check.
	skipPrefixes := []string{"/healthz", "/readyz", "/hooks/push"}
	if loginEnabled {
		skipPrefixes = append(skipPrefixes, "/auth/")
	}
	if baseAuth == nil {
		skipPrefixes = append(skipPrefixes, "/workflows", "/builds", "/jobs", "/artifacts")
	}
	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: auth.JobTokenAuthenticator{Secret: jobTokenSecret, Next: baseAuth},
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "buildd", event)
		},
		SkipPrefixes: skipPrefixes,
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "buildd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "buildd", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// registerLoginRoutes exposes the browser session flow. It fails when the
// config cannot back a code exchange (no client secret or redirect URL) and
// the coordinator then runs bearer-only.
func registerLoginRoutes(mux *http.ServeMux, svc *auth.OIDCService) error {
	login, err := svc.LoginHandler()
	if err != nil {
		return err
	}
	callback, err := svc.CallbackHandler()
	if err != nil {
		return err
	}
	mux.HandleFunc("GET /auth/login", login)
	mux.HandleFunc("GET /auth/callback", callback)
	mux.HandleFunc("POST /auth/logout", svc.LogoutHandler())
	mux.HandleFunc("GET /auth/session", svc.SessionHandler())
	return nil
}
