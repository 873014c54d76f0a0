package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/farxc/disbursement/internal/app"
	"github.com/farxc/disbursement/internal/env"
	"github.com/farxc/disbursement/internal/logger"
)

func main() {
	if err := env.Load(); err != nil {
		log.Fatalf("error loading .env: %v", err)
	}

	appCfg := app.LoadConfig()
	lg, err := logger.New(appCfg.LogLevel, appCfg.Development)
	if err != nil {
		log.Fatalf("error building logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, appCfg, lg)
	if err != nil {
		lg.Fatal("API", "error starting services: %v", err)
	}
	defer a.Close()

	cfg := config{
		addr:            env.GetString("ADDR", ":8080"),
		maxUploadBytes:  int64(env.GetInt("MAX_UPLOAD_BYTES", 32<<20)),
		shutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		exportLinkTTL:   env.GetDuration("EXPORT_LINK_TTL", 15*time.Minute),
	}

	srv := &application{
		config:        cfg,
		plans:         a.Plans,
		verifications: a.Verifications,
		files:         a.Files,
		log:           lg,
	}
	srv.checks = map[string]healthCheck{
		"postgres": a.DB.PingContext,
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}

	if err := srv.run(ctx, srv.mount()); err != nil {
		lg.Error("API", "server stopped: %v", err)
	}
}
