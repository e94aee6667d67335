// Command inkwell-server runs the realtime messaging core: the websocket gateway, the gRPC API
// and its grpc-web bridge, and the metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/inkwell/internal/auth"
	amqpbus "github.com/and161185/inkwell/internal/bus/amqp"
	"github.com/and161185/inkwell/internal/config"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/limiter"
	"github.com/and161185/inkwell/internal/logging"
	"github.com/and161185/inkwell/internal/metrics"
	"github.com/and161185/inkwell/internal/migrate"
	"github.com/and161185/inkwell/internal/repository/postgres"
	grpcserver "github.com/and161185/inkwell/internal/server/grpc"
	"github.com/and161185/inkwell/internal/server/ws"
	"github.com/and161185/inkwell/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// handshake limiter: 10 failures within 5 minutes block the source for 15 minutes
const (
	limiterWindow   = 5 * time.Minute
	limiterMaxFails = 10
	limiterBlockFor = 15 * time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("node", cfg.NodeID),
		zap.String("http", cfg.HTTPAddress),
		zap.String("grpc", cfg.GRPCAddress),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
		return err
	}
	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Repositories
	users := postgres.NewUserRepo(db)
	messages := postgres.NewMessageRepo(db)
	groups := postgres.NewGroupRepo(db)
	keys := postgres.NewKeyRepo(db)
	notifications := postgres.NewNotificationRepo(db)
	media := postgres.NewMediaRepo(db)

	// Delivery gateway
	hub := gateway.NewHub(logger.Named("gateway"), m, cfg.NodeID)
	if cfg.Distributed() {
		bus, err := amqpbus.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.NodeID, logger.Named("bus"))
		if err != nil {
			hub.Degrade("amqp dial: " + err.Error())
		} else {
			defer func() { _ = bus.Close() }()
			if err := hub.AttachBus(ctx, bus); err != nil {
				hub.Degrade(err.Error())
			}
		}
	} else {
		hub.Degrade("no bus configured")
	}

	// Services
	svcLog := logger.Named("service")
	notify := service.NewNotificationService(notifications, hub, svcLog)
	resolver := service.NewMediaResolver(media)
	direct := service.NewDirectMessageService(users, messages, notify, resolver, hub, m, svcLog, cfg.MaxPageSize)
	groupSvc := service.NewGroupService(users, groups, keys, notify, resolver, hub, m, svcLog, cfg.MaxPageSize)
	keySvc := service.NewKeyService(keys)
	hub.SetAuthorizer(groupSvc)

	verifier := auth.NewVerifier([]byte(cfg.JWT.SigningKey))
	authn := auth.NewAuthenticator(verifier, users)

	// gRPC API
	var grpcOpts []grpc.ServerOption
	if cfg.TLS.CertFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}
	api := grpcserver.New(direct, groupSvc, keySvc)
	gs, hs := grpcserver.NewGRPCServer(api, authn, logger.Named("grpc"), grpcOpts...)

	// HTTP: websocket, grpc-web, metrics, liveness
	wsSrv := ws.New(ws.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendRate:         cfg.SendRate,
	}, hub, authn, direct, groupSvc, limiter.NewPG(db.Pool, limiterWindow, limiterMaxFails, limiterBlockFor), m, logger.Named("ws"))
	grpcWeb := grpcweb.WrapServer(gs, grpcweb.WithOriginFunc(originAllowed(cfg.AllowedOrigins)))

	mux := http.NewServeMux()
	mux.Handle("/ws", wsSrv)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Fanout-Mode", hub.Mode().String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{
		Addr: cfg.HTTPAddress,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if grpcWeb.IsGrpcWebRequest(r) || grpcWeb.IsAcceptableGrpcCorsRequest(r) {
				grpcWeb.ServeHTTP(w, r)
				return
			}
			mux.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddress), zap.Bool("tls", cfg.TLS.CertFile != ""))
		errCh <- gs.Serve(lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddress))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// graceful shutdown
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	wsSrv.Close()

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		groupSvc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		gs.Stop()
		logger.Warn("forced stop after grace period")
	}
	return serveErr
}

func originAllowed(allowed []string) func(string) bool {
	return func(origin string) bool {
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
