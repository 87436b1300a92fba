package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/chat-relay/internal/api"
	"gwi.com/chat-relay/internal/auth"
	"gwi.com/chat-relay/internal/config"
	"gwi.com/chat-relay/internal/history"
	"gwi.com/chat-relay/internal/llm"
	"gwi.com/chat-relay/internal/logger"
	"gwi.com/chat-relay/internal/media"
	"gwi.com/chat-relay/internal/metrics"
	"gwi.com/chat-relay/internal/relay"
	"gwi.com/chat-relay/internal/store"
	"gwi.com/chat-relay/internal/telegram"
)

const telegramRequestTimeout = 60 * time.Second

func openBackend(cfg config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendBolt:
		return store.NewBoltBackend(cfg.DatabaseURL)
	default:
		return store.NewSQLiteBackend(cfg.DatabaseURL)
	}
}

type components struct {
	orchestrator relay.Orchestrator
	resolver     *relay.SessionResolver
	media        *media.Pipeline
	closers      []func()
}

func buildComponents(ctx context.Context, cfg config.Config, messages *store.Repository[store.MessageRecord], sessions *store.Repository[store.SessionMapping], m *metrics.Metrics, log *logger.Logger) (*components, error) {
	c := &components{}

	var openaiClient *llm.OpenAI
	if cfg.OpenAIAPIKey != "" {
		var err error
		openaiClient, err = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:                cfg.OpenAIAPIKey,
			BaseURL:               cfg.OpenAIBaseURL,
			ChatModel:             cfg.ChatModel,
			AssistantModel:        cfg.AssistantModel,
			AssistantName:         cfg.AssistantName,
			AssistantInstructions: cfg.AssistantInstructions,
			PollInterval:          cfg.RunPollInterval,
			PollTimeout:           cfg.RunPollTimeout,
			Metrics:               m,
			Logger:                log,
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.MediaEnabled() {
		p, err := media.NewPipeline(openaiClient, openaiClient, cfg.InputVoice, cfg.OutputVoice, log)
		if err != nil {
			return nil, err
		}
		c.media = p
	}

	if cfg.Strategy == config.StrategyThread {
		c.resolver = relay.NewSessionResolver(sessions, log)
		c.orchestrator = relay.NewThread(openaiClient, c.resolver, messages, m, log)
		return c, nil
	}

	var completer llm.Completer = openaiClient
	if cfg.LLMProvider == config.ProviderGemini {
		gemini, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:    cfg.GeminiAPIKey,
			ChatModel: cfg.ChatModel,
			Metrics:   m,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, gemini.Close)
		completer = gemini
	}

	if cfg.Strategy == config.StrategyStateless {
		c.orchestrator = relay.NewStateless(completer, cfg.SystemPrompt, log)
		return c, nil
	}

	assembler, err := history.NewAssembler(messages, cfg.SystemPrompt, cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	c.orchestrator = relay.NewReplay(completer, assembler, messages, log)
	return c, nil
}

func main() {
	issueToken := flag.Int64("issue-token", 0, "Print an API token for the given user ID and exit")
	flag.Parse()

	foundDotEnv := config.LoadConfig()
	cfg := config.AppConfig

	log := logger.InitGlobalLogger(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	if !foundDotEnv {
		log.Debug().Msg("No .env file found, using process environment")
	}

	if *issueToken != 0 {
		token, err := auth.GenerateJWT(cfg.JWTSecret, *issueToken)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()

	backend, err := openBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("Failed to open store")
	}
	defer backend.Close()
	if err := backend.Init(ctx, store.Tables); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store schema")
	}

	messages := store.NewMessageRepository(backend, store.WithLogger(log), store.WithMetrics(m))
	sessions := store.NewSessionRepository(backend, store.WithLogger(log), store.WithMetrics(m))

	comps, err := buildComponents(ctx, cfg, messages, sessions, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize providers")
	}
	defer func() {
		for _, closeFn := range comps.closers {
			closeFn()
		}
	}()

	var tg *telegram.Client
	if cfg.TelegramToken != "" {
		tg = telegram.NewClient(cfg.TelegramAPIBase, cfg.TelegramToken, telegramRequestTimeout)
	}

	turnCfg := relay.TurnHandlerConfig{
		Strategy:         cfg.Strategy,
		Orchestrator:     comps.orchestrator,
		Resolver:         comps.resolver,
		Media:            comps.media,
		SerializePerUser: cfg.SerializePerUser,
		Logger:           log,
		Metrics:          m,
	}
	if tg != nil {
		turnCfg.Files = tg
	}
	turns := relay.NewTurnHandler(turnCfg)

	apiHandler := api.NewAPIHandler(turns, messages, cfg.JWTSecret, log)
	router := api.NewRouter(apiHandler, m.Handler())

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 6 * time.Minute, // thread runs poll for up to RUN_POLL_TIMEOUT
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Str("strategy", cfg.Strategy).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", serverAddr).Msg("Could not listen")
		}
	}()

	pollerDone := make(chan struct{})
	if tg != nil {
		poller := telegram.NewPoller(tg, turns, log)
		go func() {
			defer close(pollerDone)
			if err := poller.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Telegram poller stopped")
			}
		}()
	} else {
		log.Warn().Msg("TELEGRAM_TOKEN not set, running HTTP surface only")
		close(pollerDone)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	select {
	case <-pollerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Timed out waiting for in-flight turns")
	}

	log.Info().Msg("Relay exiting gracefully")
}
