// Command stepflowd runs the request-execution engine: the inbound
// chi-routed transport, the admin/debug mux, the gin control plane, and
// the cron-driven housekeeping loop, all wired to one shared engine
// core (router, pipeline, coordinator, scheduler, trace).
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stepflow/engine/engine/coordinator"
	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/pipeline"
	"github.com/stepflow/engine/engine/reqctx"
	"github.com/stepflow/engine/engine/router"
	"github.com/stepflow/engine/engine/scheduler"
	"github.com/stepflow/engine/engine/slot"
	"github.com/stepflow/engine/engine/trace"
	"github.com/stepflow/engine/engine/view"

	"github.com/stepflow/engine/effector/compute"
	"github.com/stepflow/engine/effector/httpcall"
	"github.com/stepflow/engine/effector/kv"
	effsql "github.com/stepflow/engine/effector/sql"

	"github.com/stepflow/engine/infrastructure/logging"
	"github.com/stepflow/engine/infrastructure/metrics"
	"github.com/stepflow/engine/infrastructure/middleware"
	"github.com/stepflow/engine/infrastructure/resilience"
	"github.com/stepflow/engine/infrastructure/serviceauth"
	"github.com/stepflow/engine/pkg/config"
	"github.com/stepflow/engine/pkg/version"
	"github.com/stepflow/engine/system/framework/lifecycle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	logger := logging.New("stepflowd", cfg.Logging.Level, cfg.Logging.Format)
	zapLogger, _ := zap.NewProduction()
	defer zapLogger.Sync()

	met := metrics.Init("stepflowd")

	sched := scheduler.NewEventLoop(scheduler.Config{
		ContinuationWorkers:    cfg.Engine.Pools.Continuation.Workers,
		EffectorWorkers:        cfg.Engine.Pools.Effector.Workers,
		ComputeKind:            cfg.Engine.Pools.Compute.Kind,
		ComputeWorkers:         cfg.Engine.Pools.Compute.Workers,
		ContinuationQueueBound: cfg.Engine.QueueBounds.Continuation,
		EffectorQueueBound:     cfg.Engine.QueueBounds.Effector,
		ComputeQueueBound:      cfg.Engine.QueueBounds.Compute,
	}, scheduler.ObserverFunc(func(event string, job scheduler.Job) {
		met.RequestsInFlight.Add(0) // pools observed via trace spans instead
	}))

	registry := coordinator.NewRegistry().
		Register(decision.EffectDBGet, kv.NewMemory()).
		Register(decision.EffectDBPut, kv.NewMemory()).
		Register(decision.EffectDBDel, kv.NewMemory()).
		Register(decision.EffectDBScan, kv.NewMemory()).
		Register(decision.EffectComputeTask, compute.New())

	if cfg.Database.DSN != "" {
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			logger.Fatal(context.Background(), "open database", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
		if cfg.Database.Driver == "postgres" {
			if err := runMigrations(db); err != nil {
				logger.Fatal(context.Background(), "apply database migrations", err)
			}
		}
		registry.Register(decision.EffectDBQuery, effsql.New(sqlx.NewDb(db, cfg.Database.Driver)))
	}

	if httpEff, err := httpcall.New(10*time.Second, 0); err == nil {
		registry.Register(decision.EffectHTTPGet, httpEff)
		registry.Register(decision.EffectHTTPPost, httpEff)
		registry.Register(decision.EffectHTTPCall, httpEff)
	}

	coord := coordinator.New(registry, sched, decision.RetryPolicy{
		MaxAttempts:  cfg.Engine.RetryDefaults.MaxAttempts,
		InitialDelay: time.Duration(cfg.Engine.RetryDefaults.InitialDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Engine.RetryDefaults.MaxDelayMS) * time.Millisecond,
		Multiplier:   cfg.Engine.RetryDefaults.Multiplier,
		Jitter:       cfg.Engine.RetryDefaults.Jitter,
	}, coordinator.Limits{
		PerTargetConcurrency: cfg.Engine.Limits.PerTargetConcurrency,
		PerRequestInflight:   cfg.Engine.Limits.PerRequestInflight,
	}, resilience.DefaultConfig())

	interp := pipeline.New(coord)

	rtr := router.New()
	schema := slot.NewSchema()
	def := pipeline.Definition{Steps: map[string]pipeline.Step{}}
	registerRoutes(rtr, schema, &def)

	hooks := lifecycle.NewHooks()
	gs := lifecycle.NewGracefulShutdown()

	transportSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: buildTransport(rtr, interp, def, schema, logger, met, cfg, gs),
	}

	adminSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
		Handler: buildAdminMux(logger, met),
	}

	controlSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port),
		Handler: buildControlPlane(rtr, cfg.Control.JWTHMACSecret, cfg.Security.EdgeSharedSecret),
	}

	c := cron.New()
	c.AddFunc("@every 1m", func() {
		met.UpdateUptime(time.Now())
	})
	c.Start()
	hooks.OnPreStopNamed("cron", func(ctx context.Context) error {
		<-c.Stop().Done()
		return nil
	})

	go func() {
		logger.Info(context.Background(), "transport listening", map[string]any{"addr": transportSrv.Addr})
		if err := transportSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "transport server failed", err, nil)
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "admin server failed", err, nil)
		}
	}()
	go func() {
		if err := controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "control plane server failed", err, nil)
		}
	}()

	logger.Info(context.Background(), "stepflowd started", map[string]any{"version": version.FullVersion()})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = hooks.RunPreStop(shutdownCtx)
	_ = transportSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	_ = controlSrv.Shutdown(shutdownCtx)
	_ = sched.Shutdown(shutdownCtx)
	coord.Close()
	gs.Shutdown()
}

// registerRoutes is the application's route table: a demonstration
// "echo" route exercising Done, and a "fetch" route
// exercising Need/db_get, wired in the teacher's builder pattern (one
// function per binary, not a generic framework-wide DSL).
func registerRoutes(rtr *router.Router, schema *slot.Schema, def *pipeline.Definition) {
	echoStep := pipeline.Step{
		Name: "echo",
		Run: func(v *view.View) decision.Decision {
			return decision.Done(http.StatusOK, [][2]string{{"Content-Type", "text/plain"}}, []byte("ok"))
		},
	}
	def.Steps["echo"] = echoStep
	rtr.Register(http.MethodGet, "/healthz", nil, []string{"echo"}, router.ResourceBudget{})

	fetchedTok := schema.Register("fetched_value", []byte(nil))
	fetchStart := pipeline.Step{
		Name: "fetch_start",
		Decl: view.Declaration{Writes: []slot.ID{fetchedTok}},
		Run: func(v *view.View) decision.Decision {
			return decision.NeedDecision(decision.Need{
				Effects: []decision.Effect{{
					Kind: decision.EffectDBGet, Token: fetchedTok,
					Namespace: "demo", Key: "value", Required: false,
				}},
				Mode:   decision.Sequential,
				Join:   decision.JoinAll,
				Resume: "fetch_respond",
			})
		},
	}
	fetchRespond := pipeline.Step{
		Name: "fetch_respond",
		Decl: view.Declaration{Reads: []slot.ID{fetchedTok}},
		Run: func(v *view.View) decision.Decision {
			val, _, _ := v.Optional(fetchedTok)
			body, _ := val.([]byte)
			return decision.Done(http.StatusOK, nil, body)
		},
	}
	def.Steps["fetch_start"] = fetchStart
	def.Steps["fetch_respond"] = fetchRespond
	rtr.Register(http.MethodGet, "/demo/:key", nil, []string{"fetch_start", "fetch_respond"}, router.ResourceBudget{})
}

// buildTransport wires the chi-routed HTTP transport: request ID, real
// IP, recovery, security headers, CORS, tracing, body limit, timeout,
// validation and rate limiting, then a single catch-all handler that
// resolves the engine router, builds a request context, runs the
// pipeline, and records the request metric.
func buildTransport(rtr *router.Router, interp *pipeline.Interpreter, def pipeline.Definition, schema *slot.Schema, logger *logging.Logger, met *metrics.Metrics, cfg *config.Config, gs *lifecycle.GracefulShutdown) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	r.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	r.Use(middleware.NewCORSMiddleware(nil).Handler)
	r.Use(middleware.NewTracingMiddleware(logger).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(1 << 20).Handler)
	r.Use(middleware.NewTimeoutMiddleware(time.Duration(cfg.Engine.Request.TotalDeadlineMS) * time.Millisecond).Handler)
	r.Use(middleware.NewValidationMiddleware(middleware.DefaultValidationConfig()).Handler)
	r.Use(middleware.NewRateLimiterFromConfig(middleware.DefaultRateLimiterConfig(logger)).Handler)

	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		guard := lifecycle.NewOperationGuard(gs)
		if guard == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		defer guard.Close()

		start := time.Now()
		match, ok := rtr.Match(req.Method, req.URL.Path)
		if !ok {
			http.NotFound(w, req)
			return
		}

		bodyBytes, _ := io.ReadAll(io.LimitReader(req.Body, 1<<20))
		headerPairs := make([][2]string, 0)
		for k, vs := range req.Header {
			for _, v := range vs {
				headerPairs = append(headerPairs, [2]string{k, v})
			}
		}

		requestCtx := req.Context()
		if sid := req.Header.Get(serviceauth.ServiceIDHeader); sid != "" {
			requestCtx = serviceauth.WithServiceID(requestCtx, sid)
		}
		if uid := req.Header.Get(serviceauth.UserIDHeader); uid != "" {
			requestCtx = serviceauth.WithUserID(requestCtx, uid)
		}

		arena := reqctx.NewArena(cfg.Engine.Arena.SoftCapBytes, cfg.Engine.Arena.HardCapBytes)
		ctx := reqctx.New(requestCtx, reqctx.Attributes{
			Method:     req.Method,
			Path:       req.URL.Path,
			Headers:    reqctx.NewHeader(headerPairs),
			PathParams: match.PathParams,
			Query:      req.URL.Query(),
			Body:       bodyBytes,
			ClientAddr: req.RemoteAddr,
		}, schema, arena, time.Duration(cfg.Engine.Request.TotalDeadlineMS)*time.Millisecond)
		defer ctx.Release()

		recorder := trace.NewRecorder(ctx.RequestID, trace.ExporterFunc(func(trace.Event) {}))
		ctx.Trace = recorder
		if sid := serviceauth.GetServiceID(requestCtx); sid != "" {
			ctx.Trace.Emit("caller_identified", map[string]any{"service_id": sid, "user_id": serviceauth.GetUserID(requestCtx)})
		}

		outcome := interp.Run(ctx, def, match)
		_ = ctx.RunExitCallbacks(req.Context())

		status, headers, body := pipeline.Render(outcome)
		for _, h := range headers {
			w.Header().Add(h[0], h[1])
		}
		w.WriteHeader(status)
		w.Write(body)

		met.RecordHTTPRequest("stepflowd", req.Method, req.URL.Path, fmt.Sprintf("%d", status), time.Since(start))
	})

	return r
}

// buildAdminMux is the gorilla/mux-routed admin/debug surface:
// healthz/readyz and the Prometheus scrape endpoint, intentionally kept
// separate from the request transport so operational probes never
// contend with the engine's own backpressure.
func buildAdminMux(logger *logging.Logger, met *metrics.Metrics) http.Handler {
	m := mux.NewRouter()
	m.Use(middleware.LoggingMiddleware(logger))
	m.Use(middleware.MetricsMiddleware("stepflowd", met))

	checker := middleware.NewHealthChecker(version.Version)
	checker.RegisterCheck("scheduler", func() error { return nil })
	m.HandleFunc("/healthz", checker.Handler())
	m.HandleFunc("/readyz", checker.Handler())
	m.Handle("/metrics", promhttp.Handler())
	return m
}
