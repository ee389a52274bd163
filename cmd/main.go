package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/consultlaw/consultpay-gobackend/internal/config"
	"github.com/consultlaw/consultpay-gobackend/internal/db"
	"github.com/consultlaw/consultpay-gobackend/internal/handlers"
	"github.com/consultlaw/consultpay-gobackend/internal/services"
	"github.com/consultlaw/consultpay-gobackend/internal/store"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("APP_ENV") != "production" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := godotenv.Load(".env"); err != nil {
		logger.Warn().Err(err).Msg("no .env file loaded")
	}

	uri := os.Getenv("MONGOURI")
	if uri == "" {
		logger.Fatal().Msg("MONGOURI environment variable not set")
	}

	client, err := db.Connect(context.Background(), uri)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.Disconnect(ctx, client); err != nil {
			logger.Error().Err(err).Msg("error disconnecting from MongoDB")
		}
	}()
	logger.Info().Msg("connected to MongoDB")

	database := client.Database("consultpaydb")
	paymentStore := store.NewPaymentStore(database)

	indexCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := paymentStore.EnsureIndexes(indexCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to ensure payment indexes")
	}
	cancel()

	// Resolve processor credentials exactly once at startup; a missing
	// key is a deployment misconfiguration, not something to retry.
	processor, creds, err := config.ProcessorClient("")
	if err != nil {
		logger.Fatal().Err(err).Msg("could not resolve payment processor credentials")
	}
	logger.Info().Str("mode", creds.Mode).Str("environment", creds.Environment).Msg("payment processor configured")

	jwtSecret := []byte(os.Getenv("JWT_SECRET"))
	if len(jwtSecret) == 0 {
		logger.Fatal().Msg("JWT_SECRET environment variable not set")
	}

	paymentService := services.NewPaymentService(processor, paymentStore, creds, config.GuardFailOpen(), logger)
	paymentHandler := handlers.NewPaymentHandler(paymentService, jwtSecret, logger)

	router := mux.NewRouter()
	router.Use(handlers.RequestID(logger))
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/payment", paymentHandler.CreatePayment).Methods("POST")
	router.HandleFunc("/api/payment/{transactionID}", paymentHandler.GetPayment).Methods("GET")
	router.HandleFunc("/api/payment/{transactionID}/capture", paymentHandler.CapturePayment).Methods("POST")
	router.HandleFunc("/api/payment/{transactionID}/refund", paymentHandler.RefundPayment).Methods("POST")
	router.HandleFunc("/api/payment/{transactionID}/cancel", paymentHandler.CancelPayment).Methods("POST")
	router.HandleFunc("/api/payments/statistics", paymentHandler.GetStatistics).Methods("GET")

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info().Str("port", port).Msg("server running")
	logger.Fatal().Err(server.ListenAndServe()).Msg("server stopped")
}
