package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opspay/ledgerd/internal/api"
	"github.com/opspay/ledgerd/internal/config"
	"github.com/opspay/ledgerd/internal/ledger"
	"github.com/opspay/ledgerd/internal/logging"
	"github.com/opspay/ledgerd/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "development")
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logging.New(cfg.LogLevel, cfg.Env)
	ctx := context.Background()

	st, err := store.NewPostgresStore(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	engine := ledger.NewEngine(st, ledger.Config{
		ConfirmationThreshold: cfg.ConfirmationThreshold,
		MaxAmount:             cfg.MaxTransferAmount,
		Logger:                &log,
	})
	handler := api.NewHandler(engine, st, log)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")
	handler.Register(r.PathPrefix("/api/v1").Subrouter())

	log.Info().
		Str("port", cfg.Port).
		Str("confirmation_threshold", cfg.ConfirmationThreshold.String()).
		Msg("server starting")
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
