package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	"github.com/quay/latexd/internal/backend"
	"github.com/quay/latexd/internal/compiler"
	"github.com/quay/latexd/internal/httpapi"
	"github.com/quay/latexd/internal/materialize"
	"github.com/quay/latexd/internal/queue"
	"github.com/quay/latexd/pkg/tracing"
)

// Config this struct is using the goconfig library for simple flag and env
// var parsing. See: https://github.com/crgimenes/goconfig
type Config struct {
	HTTPListenAddr    string  `cfgDefault:"0.0.0.0:8080" cfg:"HTTP_LISTEN_ADDR"`
	MetricsListenAddr string  `cfgDefault:"0.0.0.0:8081" cfg:"METRICS_LISTEN_ADDR"`
	LogLevel          string  `cfgDefault:"info" cfg:"LOG_LEVEL" cfgHelper:"Log levels: debug, info, warning, error, fatal, panic"`
	APISecret         string  `cfg:"LATEX_API_SECRET" cfgHelper:"Bearer token required on /compile and /compile-project"`
	AllowedOrigin     string  `cfgDefault:"https://betterleaf.micwilk.com" cfg:"ALLOWED_ORIGIN" cfgHelper:"Value of Access-Control-Allow-Origin"`
	BackendURL        string  `cfg:"BACKEND_URL" cfgHelper:"Base URL of the project metadata/storage backend"`
	BackendAPIKey     string  `cfg:"BACKEND_API_KEY"`
	WorkRoot          string  `cfgDefault:"" cfg:"WORK_ROOT" cfgHelper:"Directory compile jobs materialize into; defaults to the OS temp dir"`
	MaxConcurrent     int64   `cfgDefault:"2" cfg:"MAX_CONCURRENT" cfgHelper:"Number of compilations allowed to run at once"`
	MaxQueueSize      int     `cfgDefault:"20" cfg:"MAX_QUEUE_SIZE" cfgHelper:"Total pending jobs allowed across all clients"`
	DownloadRPS       float64 `cfgDefault:"8" cfg:"DOWNLOAD_RPS" cfgHelper:"Steady-state rate of binary file downloads per second"`
	DownloadBurst     int     `cfgDefault:"4" cfg:"DOWNLOAD_BURST" cfgHelper:"Burst size for binary file downloads"`
	WorkerBinary      string  `cfgDefault:"" cfg:"WORKER_BINARY" cfgHelper:"Path to a latexd-worker binary; when set, each compile runs in its own subprocess instead of in-process"`
	TracingEnabled    bool    `cfgDefault:"false" cfg:"TRACING_ENABLED"`
	TracingEndpoint   string  `cfgDefault:"localhost:4318" cfg:"TRACING_ENDPOINT" cfgHelper:"OTLP/HTTP collector endpoint"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).
		With().Timestamp().Caller().
		Logger()

	conf := Config{}
	if err := goconfig.Parse(&conf); err != nil {
		log.Fatal().Msgf("failed to parse config: %v", err)
	}

	log = log.Level(logLevel(conf))
	zlog.Set(&log)

	if err := tracing.Bootstrap(ctx, conf.TracingEnabled, conf.TracingEndpoint); err != nil {
		log.Fatal().Msgf("failed to bootstrap tracing: %v", err)
	}
	defer tracing.Close(context.Background())

	if conf.APISecret == "" {
		log.Fatal().Msg("LATEX_API_SECRET must be set")
	}
	if conf.WorkRoot == "" {
		conf.WorkRoot = os.TempDir()
	}

	reg := prometheus.NewRegistry()
	queueCfg := queue.Config{
		MaxConcurrent: conf.MaxConcurrent,
		MaxQueueSize:  conf.MaxQueueSize,
		Registerer:    reg,
	}
	if conf.WorkerBinary != "" {
		queueCfg.Runner = compiler.NewSubprocessRunner(conf.WorkerBinary)
		zlog.Info(ctx).Str("binary", conf.WorkerBinary).Msg("compiling jobs via subprocess worker")
	}
	q := queue.New(ctx, queueCfg)
	defer q.Close()

	var bc *backend.Client
	var mz *materialize.Materializer
	if conf.BackendURL != "" {
		var err error
		bc, err = backend.New(conf.BackendURL, conf.BackendAPIKey)
		if err != nil {
			log.Fatal().Msgf("failed to construct backend client: %v", err)
		}
		mz = materialize.New(bc, conf.DownloadRPS, conf.DownloadBurst)
	} else {
		zlog.Info(ctx).Msg("BACKEND_URL not set; /compile-project is unavailable")
		mz = materialize.New(nil, conf.DownloadRPS, conf.DownloadBurst)
	}

	h := httpapi.NewServer(&httpapi.Server{
		Queue:         q,
		Materializer:  mz,
		Backend:       bc,
		WorkRoot:      conf.WorkRoot,
		APISecret:     conf.APISecret,
		AllowedOrigin: conf.AllowedOrigin,
	})

	srv := &http.Server{
		Addr:        conf.HTTPListenAddr,
		Handler:     h,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	metricsSrv := &http.Server{
		Addr:    conf.MetricsListenAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	go func() {
		zlog.Info(ctx).Str("addr", conf.MetricsListenAddr).Msg("starting metrics server")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error(ctx).Err(err).Msg("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		metricsSrv.Shutdown(shutdownCtx)
	}()

	zlog.Info(ctx).Str("addr", conf.HTTPListenAddr).Msg("starting http server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Msgf("failed to start http server: %v", err)
	}
}

func logLevel(conf Config) zerolog.Level {
	lvl := strings.ToLower(conf.LogLevel)
	if lvl == "warning" {
		lvl = "warn"
	}
	if l, err := zerolog.ParseLevel(lvl); err == nil && lvl != "" {
		return l
	}
	return zerolog.InfoLevel
}
