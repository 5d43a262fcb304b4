package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/qiuyin/flockpost/internal/config"
	"github.com/qiuyin/flockpost/internal/dispatch"
	"github.com/qiuyin/flockpost/internal/events"
	"github.com/qiuyin/flockpost/internal/platform"
	"github.com/qiuyin/flockpost/internal/publisher"
	"github.com/qiuyin/flockpost/internal/risk"
	"github.com/qiuyin/flockpost/internal/secret"
	"github.com/qiuyin/flockpost/internal/server"
	"github.com/qiuyin/flockpost/internal/store"
	"github.com/qiuyin/flockpost/internal/transport"
)

var version = "dev"

func main() {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	// Logging with ring buffer handler
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("flockpost starting", "version", version, "timezone", cfg.Timezone.String())

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	keeper, err := secret.NewKeeper(cfg.EncryptionKey)
	if err != nil {
		slog.Error("encryption key derivation failed", "error", err)
		os.Exit(1)
	}

	var egress *transport.Proxy
	if cfg.OutboundProxy != "" {
		if egress, err = transport.ParseProxyURL(cfg.OutboundProxy); err != nil {
			slog.Error("OUTBOUND_PROXY invalid", "error", err)
			os.Exit(1)
		}
		slog.Info("egress proxy configured", "protocol", egress.Protocol, "host", egress.Host)
	}
	tm := transport.NewManager(egress, 0)
	defer tm.Close()

	client := platform.NewClient(platform.Options{
		BaseURL:      cfg.APIBaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Mock:         cfg.MockXAPI,
		RPS:          cfg.PublishRPS,
	}, tm)
	if cfg.MockXAPI {
		slog.Warn("MOCK_X_API enabled, no real posts will be made")
	}

	bus := events.NewBus(200)
	go logEvents(bus)

	riskEngine := risk.New(st, cfg.Timezone)
	pub := publisher.New(st, keeper, client, riskEngine, bus)
	planner := dispatch.New(st)

	srv := server.New(cfg, st, pub, planner, tm, bus, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// logEvents mirrors bus events into the debug log.
func logEvents(bus *events.Bus) {
	id, ch, _ := bus.Subscribe()
	defer bus.Unsubscribe(id)
	for e := range ch {
		slog.Debug("event", "type", string(e.Type), "accountId", e.AccountID, "scheduleId", e.ScheduleID, "message", e.Message)
	}
}
