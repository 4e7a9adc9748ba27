package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/fabkury/makapix-sub003/internal/api"
	"github.com/fabkury/makapix-sub003/internal/archive"
	"github.com/fabkury/makapix-sub003/internal/audit"
	"github.com/fabkury/makapix-sub003/internal/config"
	"github.com/fabkury/makapix-sub003/internal/events"
	"github.com/fabkury/makapix-sub003/internal/hosting"
	"github.com/fabkury/makapix-sub003/internal/logging"
	"github.com/fabkury/makapix-sub003/internal/monitor"
	"github.com/fabkury/makapix-sub003/internal/pipeline"
	"github.com/fabkury/makapix-sub003/internal/queue"
	"github.com/fabkury/makapix-sub003/internal/registry"
	"github.com/fabkury/makapix-sub003/internal/relay"
	"github.com/fabkury/makapix-sub003/internal/store"
)

const serviceName = "makapix-publisher"

func main() {
	logging.Init()
	log := logging.C("main")

	cfg, err := config.ReadConfig()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	logging.Apply(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.OTLPEndpoint)
		if err != nil {
			log.WithError(err).Fatal("init tracing")
		}
		defer shutdown(context.Background())
	}

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}

	archives, err := archive.NewStore(cfg.ArchiveDir)
	if err != nil {
		log.WithError(err).Fatal("open archive store")
	}

	keyPEM, err := os.ReadFile(cfg.GithubPrivateKeyPath)
	if err != nil {
		log.WithError(err).Fatal("read github app private key")
	}
	minter, err := registry.NewAppMinter(cfg.GithubAppID, keyPEM)
	if err != nil {
		log.WithError(err).Fatal("build app token minter")
	}
	reg := registry.New(st, minter)

	policy, err := relay.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.WithError(err).Fatal("load validation policy")
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		q, err = queue.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "")
		if err != nil {
			log.WithError(err).Fatal("connect redis queue")
		}
	default:
		q = queue.NewMemory(1024)
	}
	defer q.Close()

	var notifier *events.Notifier
	if cfg.KafkaBroker != "" {
		notifier, err = events.NewKafka(strings.Split(cfg.KafkaBroker, ","))
		if err != nil {
			log.WithError(err).Fatal("connect kafka")
		}
	} else {
		notifier, _ = events.NewGoChannel()
	}
	defer notifier.Close()

	recorder := audit.New(st)
	if cfg.ElasticAddr != "" {
		if err := recorder.EnableElasticsearch(strings.Split(cfg.ElasticAddr, ","), ""); err != nil {
			log.WithError(err).Fatal("connect elasticsearch")
		}
	}

	sched := pipeline.New(pipeline.Config{
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		JobTimeout:     cfg.JobTimeout,
		Branch:         cfg.PagesBranch,
	}, st, archives, reg, hosting.NewGitHub(cfg.CommitAuthorName, cfg.CommitAuthorEmail), q, notifier, policy)

	mon := monitor.New(st, reg, recorder, monitor.NewGitReader(), cfg.PagesBranch, cfg.MonitorInterval)
	sched.SetVerifier(mon)

	go sched.Run(ctx)
	go mon.Run(ctx)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.WithField("addr", addr).Info("metrics listening")
		if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	ginprometheus.NewPrometheus("gin").Use(router)

	srv, err := api.New(sched, st, reg, recorder, cfg.GithubWebhookSecret, 0)
	if err != nil {
		log.WithError(err).Fatal("build api server")
	}
	srv.Register(router)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}
	go func() {
		log.WithField("addr", httpSrv.Addr).Info("publisher listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server stopped")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
}

func setupTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
