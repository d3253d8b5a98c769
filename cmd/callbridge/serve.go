package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/callsystem"
	"github.com/agentplexus/callbridge/config"
	"github.com/agentplexus/callbridge/dispatcher"
	"github.com/agentplexus/callbridge/extract"
	"github.com/agentplexus/callbridge/functions"
	"github.com/agentplexus/callbridge/internal/client"
	"github.com/agentplexus/callbridge/internal/httpapi"
	"github.com/agentplexus/callbridge/internal/metrics"
	"github.com/agentplexus/callbridge/notify"
	"github.com/agentplexus/callbridge/registry"
	"github.com/agentplexus/callbridge/ticketing"
	"github.com/agentplexus/callbridge/transport"
)

func runServe(ctx context.Context, path string) error {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting callbridge",
		zap.String("version", callbridge.Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	return app.run(ctx)
}

// app holds the wired components of a running bridge.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	promReg    *prometheus.Registry
	metrics    *metrics.Collector
	registry   *registry.Registry
	tickets    *ticketing.Client
	calls      *callsystem.Provider
	streams    *transport.Provider
	dispatcher *dispatcher.Dispatcher
	redis      redis.UniversalClient
	server     *http.Server
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled {
		a.promReg = prometheus.NewRegistry()
		a.promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewCollector(cfg.Metrics.Namespace, a.promReg, logger)
	}

	a.registry = registry.New(logger)

	var ex *extract.Extractor
	if cfg.Ticketing.APIKey != "" {
		tc, err := ticketing.New(&ticketing.Config{
			Domain:     cfg.Ticketing.Domain,
			APIKey:     cfg.Ticketing.APIKey,
			BaseURL:    cfg.Ticketing.BaseURL,
			HTTPClient: &http.Client{Timeout: cfg.Ticketing.Timeout},
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("ticketing client: %w", err)
		}
		a.tickets = tc
	}
	if cfg.Extraction.APIKey != "" {
		var err error
		ex, err = extract.New(extract.Config{
			APIKey:    cfg.Extraction.APIKey,
			BaseURL:   cfg.Extraction.BaseURL,
			Model:     cfg.Extraction.Model,
			MaxTokens: cfg.Extraction.MaxTokens,
			Timeout:   cfg.Extraction.Timeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("extractor: %w", err)
		}
	}

	router, err := newRouter(cfg, a.tickets, ex, logger, a.metrics)
	if err != nil {
		return nil, err
	}

	agentCfg := agentConfig(cfg)
	sessionOpts := []agent.Option{
		agent.WithRegistry(a.registry),
		agent.WithLogger(logger),
		agent.WithMetrics(a.metrics),
	}
	if a.tickets != nil {
		sessionOpts = append(sessionOpts, agent.WithTicketStatus(a.tickets))
	}
	factory := func(callID string, sctx callbridge.SessionContext) (transport.AgentSession, error) {
		s, err := agent.NewSession(callID, sctx, agentCfg, router, sessionOpts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	a.streams, err = transport.New(a.registry, factory,
		transport.WithConfig(transport.Config{
			ReadyTimeout:   cfg.Telephony.ReadyTimeout,
			GreetingDelay:  cfg.Telephony.GreetingDelay,
			WriteTimeout:   cfg.Telephony.WriteTimeout,
			TelephonyRate:  cfg.Telephony.SampleRate,
			AgentInputRate: cfg.Agent.InputRate,
		}),
		transport.WithLogger(logger),
		transport.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("media stream transport: %w", err)
	}

	twilio, err := client.New(&client.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.BaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("twilio client: %w", err)
	}
	callOpts := []callsystem.Option{
		callsystem.WithLogger(logger),
		callsystem.WithMetrics(a.metrics),
	}
	if a.tickets != nil {
		callOpts = append(callOpts, callsystem.WithTicketStatus(a.tickets))
	}
	a.calls, err = callsystem.New(twilio, a.registry, callsystem.Config{
		PhoneNumber:       cfg.Twilio.PhoneNumber,
		WebhookURL:        cfg.Twilio.WebhookURL,
		StatusCallbackURL: cfg.Twilio.StatusCallbackURL,
		StreamURL:         cfg.Twilio.StreamURL,
		RingTimeout:       cfg.Twilio.RingTimeout,
	}, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("call system: %w", err)
	}

	if cfg.Dispatcher.Enabled {
		if err := a.wireDispatcher(ex); err != nil {
			return nil, err
		}
	}

	deps := httpapi.Deps{
		Calls:    a.calls,
		Streams:  a.streams,
		Registry: a.registry,
		Checks: map[string]bool{
			"agent_key_present":          cfg.Agent.APIKey != "",
			"twilio_credentials_present": cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "",
			"ticketing_configured":       a.tickets != nil,
		},
		MetricsPath: cfg.Metrics.Path,
	}
	if a.dispatcher != nil {
		deps.Dispatcher = a.dispatcher
	}
	if a.promReg != nil {
		deps.Gatherer = a.promReg
	}
	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.New(deps, logger, a.metrics).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	return a, nil
}

func (a *app) wireDispatcher(ex *extract.Extractor) error {
	if a.tickets == nil || ex == nil {
		return errors.New("dispatcher requires ticketing and extraction")
	}

	var deduper dispatcher.Deduper
	if a.cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		deduper = dispatcher.NewRedisDeduper(a.redis, a.cfg.Redis.KeyPrefix, a.cfg.Dispatcher.DedupeTTL, a.logger)
	} else {
		deduper = dispatcher.NewMemoryDeduper(a.cfg.Dispatcher.DedupeTTL, nil)
	}

	d, err := dispatcher.New(a.tickets, ex, a.calls, dispatcher.Config{
		PollInterval: a.cfg.Dispatcher.PollInterval,
		DedupeTTL:    a.cfg.Dispatcher.DedupeTTL,
		CallSpacing:  a.cfg.Dispatcher.CallSpacing,
	},
		dispatcher.WithDeduper(deduper),
		dispatcher.WithLogger(a.logger),
		dispatcher.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	a.dispatcher = d
	return nil
}

// run serves until ctx is cancelled or a component fails.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.dispatcher != nil {
		g.Go(func() error {
			return a.dispatcher.Run(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.calls.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("hang up calls: %w", err))
		}
		if err := a.streams.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close streams: %w", err))
		}
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	a.logger.Info("callbridge stopped")
	return err
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
}

func newRouter(cfg *config.Config, tickets *ticketing.Client, ex *extract.Extractor, logger *zap.Logger, m *metrics.Collector) (*functions.Router, error) {
	var notifier functions.Notifier
	if cfg.Notify.WebhookURL != "" || (cfg.Notify.Token != "" && cfg.Notify.Channel != "") {
		n, err := notify.NewWebhookNotifier(notify.Config{
			WebhookURL: cfg.Notify.WebhookURL,
			Token:      cfg.Notify.Token,
			Channel:    cfg.Notify.Channel,
			APIBaseURL: cfg.Notify.APIBaseURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		notifier = n
	} else {
		logger.Warn("no notification channel configured, alerts will only be logged")
		notifier = notify.NewLogNotifier(logger)
	}

	fns := []functions.Function{functions.SendNotification(notifier, nil)}
	if tickets != nil && ex != nil {
		fns = append(fns,
			functions.RetrieveTicket(tickets, ex),
			functions.ListOpenTickets(tickets, ex),
		)
	}
	if tickets != nil {
		fns = append(fns, functions.UpdateTicketStatus(tickets))
	}

	router, err := functions.NewRouter(fns, functions.WithLogger(logger), functions.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("function router: %w", err)
	}
	return router, nil
}

func agentConfig(cfg *config.Config) agent.Config {
	c := cfg.Agent
	return agent.Config{
		URL:               c.URL,
		APIKey:            c.APIKey,
		Language:          c.Language,
		ListenModel:       c.ListenModel,
		ThinkProvider:     c.ThinkProvider,
		ThinkModel:        c.ThinkModel,
		SpeakModel:        c.SpeakModel,
		Prompt:            c.Prompt,
		AgentName:         c.AgentName,
		Organization:      c.Organization,
		InputRate:         c.InputRate,
		OutputRate:        c.OutputRate,
		TelephonyRate:     cfg.Telephony.SampleRate,
		MaxRetries:        c.MaxRetries,
		RetryBackoff:      c.RetryBackoff,
		HandshakeTimeout:  c.HandshakeTimeout,
		HandshakePoll:     c.HandshakePoll,
		KeepAliveInterval: c.KeepAliveInterval,
		WriteTimeout:      c.WriteTimeout,
		GreetingDelay:     cfg.Telephony.GreetingDelay,
		FunctionTimeout:   c.FunctionTimeout,
		TicketTimeout:     c.TicketTimeout,
	}
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
