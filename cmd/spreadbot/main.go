package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lookoupai/chainmakes-go/internal/config"
	"github.com/lookoupai/chainmakes-go/internal/eventbus"
	"github.com/lookoupai/chainmakes-go/internal/eventstream"
	"github.com/lookoupai/chainmakes-go/internal/exchange"
	"github.com/lookoupai/chainmakes-go/internal/manager"
	"github.com/lookoupai/chainmakes-go/internal/notify"
	"github.com/lookoupai/chainmakes-go/internal/store"
	"github.com/lookoupai/chainmakes-go/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer st.Close()

	bus := eventbus.New()
	mgr := manager.New(st, bus, credentialsFromEnv(cfg), log.Logger)

	go func() {
		if err := telemetry.Serve(cfg.MetricsAddr); err != nil {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()

	// Event stream for the control plane: GET /ws/{bot_id} bridges a
	// bot's event bus topic onto a websocket.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		botID, err := strconv.ParseInt(r.URL.Path[len("/ws/"):], 10, 64)
		if err != nil {
			http.Error(w, "bad bot id", http.StatusBadRequest)
			return
		}
		bot, err := st.GetBot(botID)
		if err != nil {
			http.Error(w, "unknown bot", http.StatusNotFound)
			return
		}
		if err := eventstream.Serve(w, r, botID, bot, bus, log.Logger); err != nil {
			log.Warn().Err(err).Int64("bot_id", botID).Msg("event stream session ended with error")
		}
	})
	go func() {
		if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
			log.Error().Err(err).Msg("event stream server exited")
		}
	}()

	ctx := context.Background()
	if err := mgr.RecoverAll(ctx); err != nil {
		log.Error().Err(err).Msg("recovery failed")
	}

	if cfg.TelegramToken != "" {
		tg, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("telegram notifier disabled")
		} else {
			bots, _ := st.ListBotsByStatus(store.StatusRunning)
			for _, b := range bots {
				go tg.Watch(ctx, b.ID, bus)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Warn().Msg("shutdown signal received, stopping engines")
	mgr.Cleanup(ctx)
	log.Info().Msg("all engines stopped")
}

// credentialsFromEnv is the single-tenant stand-in for the control
// plane's encrypted credential store: one set of API keys from the
// environment, applied to every bot. A multi-tenant deployment swaps
// this for a lookup against its own credential service.
func credentialsFromEnv(cfg *config.Config) manager.CredentialLookup {
	return func(botID int64) (string, exchange.Credentials, error) {
		tag := os.Getenv("EXCHANGE")
		if tag == "" {
			tag = "mock"
		}
		return tag, exchange.Credentials{
			APIKey:     os.Getenv("EXCHANGE_API_KEY"),
			APISecret:  os.Getenv("EXCHANGE_API_SECRET"),
			Passphrase: os.Getenv("EXCHANGE_PASSPHRASE"),
			IsTestnet:  cfg.DefaultIsTestnet,
			ProxyURL:   os.Getenv("EXCHANGE_PROXY_URL"),
		}, nil
	}
}
