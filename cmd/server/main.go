package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-chatsync/internal/api"
	"github.com/npezzotti/go-chatsync/internal/chat"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/server"
	"github.com/npezzotti/go-chatsync/internal/stats"
	"github.com/rs/zerolog"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, config.SplitList(value)...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	logLevel       string
	env            string
	allowedOrigins stringSliceFlag
)

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(cfg.LogLevel).With().Timestamp().Str("service", "go-chatsync").Logger()
}

func main() {
	bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := config.LoadEnv(); err != nil {
		bootLog.Fatal().Err(err).Msg("load env")
	}

	flag.StringVar(&addr, "addr", config.Getenv("CHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", config.Getenv("DATABASE_URL", defaultDSN), "database connection string")
	flag.StringVar(&signingKey, "signing-key", config.Getenv("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.StringVar(&logLevel, "log-level", config.Getenv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.StringVar(&env, "env", config.Getenv("APP_ENV", "development"), "environment name, development enables console logging")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins = config.SplitList(config.Getenv("ALLOWED_ORIGINS", "http://localhost:8000"))
	}

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("config")
	}
	cfg.Env = env
	if err := cfg.SetLogLevel(logLevel); err != nil {
		bootLog.Fatal().Err(err).Msg("config")
	}

	logger := newLogger(cfg)

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if err := dbConn.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("db migrate")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	hub := server.NewHub(logger, statsUpdater)
	svc := chat.NewService(logger, dbConn, hub, statsUpdater)
	srv := api.NewGoChatApp(mux, logger, hub, svc, dbConn, cfg)

	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server stopped")
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down hub...")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("hub shutdown")
	}

	logger.Info().Msg("shutdown complete")
}
