package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/auth"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/aws"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/cache"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/carts"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/catalog"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/checkout"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/config"
	orderevents "github.com/imrishuroy/go-mpesa-orderflow/internal/events"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/handlers"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/idempotency"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/logging"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/mpesa"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/orders"
	"github.com/imrishuroy/go-mpesa-orderflow/internal/payments"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger, err := logging.New(os.Getenv("APP_ENV"))
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()
	r, closeDeps, err := setupRouter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to wire dependencies", zap.Error(err))
	}
	defer closeDeps()

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		runLocal(r, cfg.Port, logger)
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func setupRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*gin.Engine, func(), error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("init aws clients: %w", err)
	}

	closeDeps := func() {}
	mpesaCfg := mpesa.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		ShortCode:      cfg.MpesaShortCode,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.CallbackURL(),
		Timeout:        cfg.MpesaTimeout,
		RateLimit:      cfg.MpesaRateLimit,
		RateBurst:      cfg.MpesaRateBurst,
	}
	httpClient := mpesa.NewHTTPClient(mpesa.WithClientTimeout(cfg.MpesaTimeout))

	var credentials mpesa.CredentialSource = mpesa.NewCredentialProvider(mpesaCfg, httpClient)
	if cfg.RedisAddr != "" {
		rdb, closer, err := cache.New(ctx, cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			// the token cache is an optimisation; run without it
			logger.Warn("redis unavailable, gateway tokens will not be cached", zap.Error(err))
		} else {
			closeDeps = closer
			credentials = mpesa.NewCachingProvider(credentials, cache.NewTokenStore(rdb), cfg.MpesaConsumerKey, logger)
		}
	}
	gateway := mpesa.NewClient(mpesaCfg, credentials, httpClient, logger)

	var sender orderevents.Sender
	if cfg.OrderEventsQueueURL != "" {
		sender = aws.NewPublisher(clients.SQS, cfg.OrderEventsQueueURL)
	}
	notifier := orderevents.NewPublisher(sender, logger)

	orderStore := orders.NewStore(clients.DynamoDB, cfg.OrdersTable)
	cartStore := carts.NewStore(clients.DynamoDB, cfg.CartsTable)
	products := catalog.NewStore(clients.DynamoDB, cfg.ProductsTable)
	idem := idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)

	r := handlers.NewRouter(handlers.Deps{
		Logger:        logger,
		Auth:          auth.NewAuthenticator(cfg.JWTSecret),
		Orders:        orders.NewService(orderStore, notifier, logger),
		Checkout:      checkout.NewService(orderStore, cartStore, idem, products, logger),
		Carts:         carts.NewService(cartStore, products, logger),
		Payments:      payments.NewService(orderStore, gateway, notifier, 2*cfg.MpesaTimeout, logger),
		Idempotency:   idem,
		ExposeDetails: !cfg.IsProduction(),
	})
	return r, closeDeps, nil
}

func runLocal(r *gin.Engine, port string, logger *zap.Logger) {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("running local server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
