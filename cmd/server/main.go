package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-deal-constructor/internal/client"
	"github.com/pesio-ai/be-deal-constructor/internal/config"
	"github.com/pesio-ai/be-deal-constructor/internal/database"
	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/handler"
	"github.com/pesio-ai/be-deal-constructor/internal/logger"
	"github.com/pesio-ai/be-deal-constructor/internal/metrics"
	"github.com/pesio-ai/be-deal-constructor/internal/middleware"
	"github.com/pesio-ai/be-deal-constructor/internal/repository"
	"github.com/pesio-ai/be-deal-constructor/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Deal Constructor Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	dealRepo := repository.NewDealRepository(db)
	statusRepo := repository.NewStatusRepository(db)
	profileRepo := repository.NewProfileRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	supplierRepo := repository.NewSupplierRepository(db)
	auditRepo := repository.NewStageAuditRepository(db)

	// Notifications are best-effort; the service runs without NATS
	var notifier service.Notifier
	nc, js, err := client.ConnectJetStream(ctx, cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, cfg.Service.Name)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable; deal notifications disabled")
	} else {
		defer nc.Drain()
		notifier = client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log.Component("notifications"), m)
		log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS JetStream connected")
	}

	var analyzer service.DocumentAnalyzer
	if cfg.OCR.BaseURL != "" {
		ocrClient, err := client.NewOCRClient(client.OCRConfig{
			BaseURL: cfg.OCR.BaseURL,
			APIKey:  cfg.OCR.APIKey,
			Model:   cfg.OCR.Model,
			Timeout: cfg.OCR.Timeout,
		}, log.Component("ocr"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create OCR client")
		}
		analyzer = ocrClient
		log.Info().Str("base_url", cfg.OCR.BaseURL).Str("model", cfg.OCR.Model).Msg("Document analysis enabled")
	} else {
		log.Warn().Msg("OCR base_url not set; document analysis disabled")
	}

	// Status pollers, one per watched status
	pollers := make(map[deal.WatchKind]service.StatusPoller)
	var closers []func()
	for _, kind := range []deal.WatchKind{deal.WatchManagerApproval, deal.WatchReceiptApproval} {
		p := deal.NewPoller(statusRepo.Observer(kind), deal.PollerConfig{
			Kind:          kind,
			Interval:      cfg.Polling.Interval,
			RetryAttempts: cfg.Polling.RetryAttempts,
			RetryDelay:    cfg.Polling.RetryDelay,
			ReadTimeout:   cfg.Polling.ReadTimeout,
		}, log.Component("poller"), m)
		pollers[kind] = p
		closers = append(closers, p.Close)
	}

	// Initialize services
	dealService := service.NewDealService(service.Dependencies{
		Snapshots: dealRepo,
		Providers: map[deal.Source]service.CandidateProvider{
			deal.SourceProfile:    profileRepo,
			deal.SourceTemplate:   templateRepo,
			deal.SourceCatalog:    supplierRepo,
			deal.SourceBlueRoom:   supplierRepo,
			deal.SourceOrangeRoom: supplierRepo,
		},
		OCR:       analyzer,
		Notifier:  notifier,
		Audit:     auditRepo,
		Templates: templateRepo,
		Pollers:   pollers,
	}, service.Config{
		PollInterval:     cfg.Polling.Interval,
		OperationTimeout: cfg.Polling.ApplyTimeout,
	}, m, log.Component("deals"))

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(dealService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Deal routes
	mux.HandleFunc("/api/v1/deals/get", httpHandler.GetDeal)
	mux.HandleFunc("/api/v1/deals/steps/write", httpHandler.WriteStep)
	mux.HandleFunc("/api/v1/deals/steps/source", httpHandler.SelectSource)
	mux.HandleFunc("/api/v1/deals/steps/reset", httpHandler.ResetStep)
	mux.HandleFunc("/api/v1/deals/suggestions/lookup", httpHandler.LookupSuggestion)
	mux.HandleFunc("/api/v1/deals/suggestions/accept", httpHandler.AcceptSuggestion)
	mux.HandleFunc("/api/v1/deals/payment-method", httpHandler.ChoosePaymentMethod)
	mux.HandleFunc("/api/v1/deals/ocr", httpHandler.AnalyzeDocument)
	mux.HandleFunc("/api/v1/deals/confirm", httpHandler.ConfirmStageOne)
	mux.HandleFunc("/api/v1/deals/return", httpHandler.ReturnToEditing)
	mux.HandleFunc("/api/v1/deals/retry-approval", httpHandler.RetryApproval)
	mux.HandleFunc("/api/v1/deals/receipt", httpHandler.UploadReceipt)
	mux.HandleFunc("/api/v1/deals/templates", httpHandler.SaveTemplate)
	mux.HandleFunc("/api/v1/deals/history", httpHandler.GetStageHistory)
	mux.HandleFunc("/api/v1/deals/release", httpHandler.Release)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.CORSOrigins)(h)
	h = middleware.Timeout(cfg.OCR.Timeout + 30*time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC serves health and reflection for the platform's probes
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryRequestID(),
		middleware.UnaryLogger(&log.Logger),
		middleware.UnaryRecovery(&log.Logger),
	))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()

		dealService.Close()
		for _, closeFn := range closers {
			closeFn()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Server stopped")
}
