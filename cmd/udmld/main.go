// Command udmld runs the message-lifecycle reliability core's background
// side: the dispatch driver as used by the turn-worker's resume path, and
// the two recovery workers, fronted by a read-only admin HTTP mux. It
// exposes no inbound-message endpoint, so it admits no new turns itself.
//
// Wiring follows cmd/chrc/main.go's shape: env() for process
// configuration, slog.NewJSONHandler to stdout, signal.NotifyContext for
// graceful shutdown, a chi.Router for the admin surface, and an
// errgroup.Group supervising the background workers so any worker's
// fatal error tears the whole process down.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nohat/openclaw/channel"
	"github.com/nohat/openclaw/config"
	"github.com/nohat/openclaw/dispatch"
	"github.com/nohat/openclaw/driver"
	"github.com/nohat/openclaw/outbox"
	"github.com/nohat/openclaw/store"
	"github.com/nohat/openclaw/turn"
	"github.com/nohat/openclaw/worker"
)

func main() {
	configPath := env("UDMLD_CONFIG", "udmld.yaml")
	port := env("PORT", "8090")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("config: falling back to defaults", "path", configPath, "error", err)
		cfg = &config.Config{}
	}
	cfg.EnvOverride()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.StateDir)
	if err != nil {
		logger.Error("store open", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	turns := turn.New(db, turn.WithLogger(logger))
	registry := buildChannelRegistry(cfg, logger)
	outboxJournal := outbox.New(db,
		outbox.WithTTL(cfg.DeliveryMaxAge()),
		outbox.WithExpireAction(outbox.ExpireAction(cfg.Messages.Delivery.ExpireAction), outbox.DeliveryAttempt(deliverVia(registry))),
	)

	dr := driver.New(turns, outboxJournal, driver.Config{FailOpenOnQueuedFinal: false})

	gen := echoReplyGenerator()

	turnWorker := worker.NewTurnWorker(turns, outboxJournal, dr, resumeSend(registry), gen, logger)
	turnWorker.Period = cfg.TurnInterval()
	turnWorker.MaxTurnsPerPass = cfg.MaxTurnsPerPass

	outboxWorker := worker.NewOutboxWorker(outboxJournal, turns, deliverVia(registry), cfg.StateDir, logger)
	outboxWorker.Period = cfg.OutboxInterval()
	outboxWorker.PassBudget = (outboxWorker.Period * 3) / 4

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           adminRouter(turns, outboxJournal),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return turnWorker.Run(gctx) })
	g.Go(func() error { return outboxWorker.Run(gctx) })
	g.Go(func() error {
		logger.Info("admin http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("udmld exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("udmld stopped")
}

// buildChannelRegistry registers one outbound adapter per configured
// channel entry. Unrecognized channel types are logged and skipped
// rather than failing startup — an operator adding a new channel block
// with a typo should not take the whole process down.
func buildChannelRegistry(cfg *config.Config, logger *slog.Logger) *channel.Registry {
	reg := channel.NewRegistry()
	for name, ch := range cfg.Channels {
		switch ch.Type {
		case "webhook":
			adapter, err := channel.NewWebhookAdapter(ch.CallbackURL, []byte(ch.Secret))
			if err != nil {
				logger.Error("channel config rejected", "channel", name, "error", err)
				continue
			}
			reg.Register(name, adapter)
		case "telegram":
			reg.Register(name, channel.NewTelegramAdapter(ch.BotToken))
		case "discord":
			reg.Register(name, channel.NewDiscordAdapter(ch.BotToken))
		default:
			logger.Warn("channel config: unrecognized type, skipping", "channel", name, "type", ch.Type)
		}
	}
	return reg
}

// deliverVia adapts a channel.Registry into the worker.Deliver shape the
// outbox-worker invokes for each eligible row.
func deliverVia(reg *channel.Registry) worker.Deliver {
	return func(ctx context.Context, row outbox.Row, payload outbox.Payload) error {
		_, err := reg.Send(ctx, payload)
		return err
	}
}

// resumeSend adapts a channel.Registry into the worker.ResumeSend shape
// used by the turn-worker's non-durable resumed-turn path.
func resumeSend(reg *channel.Registry) worker.ResumeSend {
	return func(ctx context.Context, msg turn.MsgContext, payload outbox.Payload) error {
		_, err := reg.Send(ctx, payload)
		return err
	}
}

// echoReplyGenerator is the default reply generator when no conversational
// agent is wired in: it emits the inbound body back as the final reply.
// Production deployments replace this with the real agent's generator;
// this keeps the binary runnable standalone for smoke-testing the
// lifecycle core itself.
func echoReplyGenerator() driver.ReplyGenerator {
	return func(ctx context.Context, msg turn.MsgContext, d *dispatch.Dispatcher) error {
		return d.SendFinalReply(ctx, outbox.Payload{
			Channel:  msg.OriginatingChannel,
			To:       msg.OriginatingTo,
			ThreadId: string(msg.ThreadId),
			Payloads: []outbox.ReplyPayload{{Text: msg.Body}},
		})
	}
}

// adminRouter serves the read-only introspection endpoints: turn lookup
// by id or status, and outbox row lookup by id.
func adminRouter(turns *turn.Journal, outboxJournal *outbox.Journal) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/turns/{id}", func(w http.ResponseWriter, r *http.Request) {
		row, err := turns.GetTurn(r.Context(), chi.URLParam(r, "id"))
		if err == turn.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "turn not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, row)
	})

	r.Get("/turns", func(w http.ResponseWriter, r *http.Request) {
		rows, err := turns.ListTurnsByStatus(r.Context(), r.URL.Query().Get("status"), 100)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	r.Get("/outbox/{id}", func(w http.ResponseWriter, r *http.Request) {
		row, err := outboxJournal.GetDelivery(r.Context(), chi.URLParam(r, "id"))
		if err == outbox.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "delivery not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, row)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
