package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pesio-ai/be-proc-requests/internal/client"
	"github.com/pesio-ai/be-proc-requests/internal/handler"
	"github.com/pesio-ai/be-proc-requests/internal/platform/config"
	"github.com/pesio-ai/be-proc-requests/internal/platform/database"
	"github.com/pesio-ai/be-proc-requests/internal/platform/identity"
	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/platform/middleware"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
	"github.com/pesio-ai/be-proc-requests/internal/service"
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
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Procurement Requests Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	auditRepo := repository.NewAuditRepository(db)
	schemaRepo := repository.NewSchemaRepository(db)
	requestRepo := repository.NewRequestRepository(db, auditRepo)
	certRepo := repository.NewCertificateRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	orderRepo := repository.NewOrderRepository(db, auditRepo)

	// Initialize NATS event publisher. An empty NATS_URL disables publishing;
	// workflow operations never depend on the sink being up.
	var natsClient *client.NATSClient
	if cfg.NATS.URL != "" {
		natsClient, err = client.NewNATSClient(cfg.NATS.URL)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, event publishing disabled")
			natsClient = nil
		} else {
			defer natsClient.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	publisher := client.NewNotificationPublisher(natsClient, log.Logger)

	// Initialize S3 document store. An empty bucket disables order document
	// uploads.
	var documents service.DocumentStore
	if cfg.S3.Bucket != "" {
		store, err := client.NewS3DocumentStore(ctx, cfg.S3.Bucket, cfg.S3.Region)
		if err != nil {
			log.Warn().Err(err).Msg("S3 unavailable, document storage disabled")
		} else {
			documents = store
			log.Info().Str("bucket", cfg.S3.Bucket).Msg("Document store initialized")
		}
	}

	// Initialize identity client for role-holder resolution.
	var identityCli service.IdentityClient
	if cfg.Workflow.IdentityURL != "" {
		identityCli = client.NewIdentityHTTPClient(cfg.Workflow.IdentityURL)
	}

	// Initialize services
	schemaService := service.NewSchemaService(schemaRepo, auditRepo, cfg.Workflow.AdministratorRole, log)
	certService := service.NewCertificateService(certRepo, auditRepo, cfg.Workflow.CertificateValidity, log)
	approvalService := service.NewApprovalService(
		requestRepo,
		schemaService,
		certService,
		notificationRepo,
		identityCli,
		publisher,
		orderRepo,
		documents,
		auditRepo,
		log,
	)
	escalationService := service.NewEscalationService(
		requestRepo,
		notificationRepo,
		auditRepo,
		identityCli,
		publisher,
		cfg.Workflow.EscalationThreshold,
		log,
	)
	orderService := service.NewOrderService(orderRepo, auditRepo, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(
		approvalService,
		schemaService,
		certService,
		escalationService,
		orderService,
		notificationRepo,
		log,
	)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Purchase request routes
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListRequests(w, r)
		case http.MethodPost:
			httpHandler.CreateRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/requests/get", httpHandler.GetRequest)
	mux.HandleFunc("/api/v1/requests/submit", httpHandler.SubmitRequest)
	mux.HandleFunc("/api/v1/requests/decide", httpHandler.DecideRequest)
	mux.HandleFunc("/api/v1/requests/override", httpHandler.OverrideRequest)
	mux.HandleFunc("/api/v1/requests/materialize", httpHandler.MaterializeRequest)
	mux.HandleFunc("/api/v1/requests/steps", httpHandler.GetRequestSteps)
	mux.HandleFunc("/api/v1/requests/history", httpHandler.GetRequestHistory)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.PendingApprovals)

	// Approval schema routes
	mux.HandleFunc("/api/v1/schemas", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListSchemas(w, r)
		case http.MethodPost:
			httpHandler.CreateSchema(w, r)
		case http.MethodPut:
			httpHandler.UpdateSchema(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/schemas/get", httpHandler.GetSchema)

	// Certificate routes
	mux.HandleFunc("/api/v1/certificates", httpHandler.IssueCertificate)
	mux.HandleFunc("/api/v1/certificates/revoke", httpHandler.RevokeCertificate)
	mux.HandleFunc("/api/v1/certificates/eligibility", httpHandler.CertificateEligibility)

	// Escalation routes
	mux.HandleFunc("/api/v1/escalations/scan", httpHandler.TriggerScan)

	// Notification routes
	mux.HandleFunc("/api/v1/notifications", httpHandler.ListNotifications)
	mux.HandleFunc("/api/v1/notifications/read", httpHandler.MarkNotificationRead)

	// Purchase order routes
	mux.HandleFunc("/api/v1/orders/action", httpHandler.RecordOrderAction)
	mux.HandleFunc("/api/v1/orders/get", httpHandler.GetOrder)
	mux.HandleFunc("/api/v1/orders/history", httpHandler.GetOrderHistory)

	// Apply middleware
	var h http.Handler = mux
	h = identity.Middleware(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
