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

	"golang.org/x/sync/errgroup"

	"github.com/yaotools/toolmeter/internal/activation"
	"github.com/yaotools/toolmeter/internal/adapter"
	"github.com/yaotools/toolmeter/internal/adapter/loopback"
	adapteropenai "github.com/yaotools/toolmeter/internal/adapter/openai"
	adapterrouter "github.com/yaotools/toolmeter/internal/adapter/router"
	"github.com/yaotools/toolmeter/internal/auth"
	"github.com/yaotools/toolmeter/internal/bootstrap"
	"github.com/yaotools/toolmeter/internal/catalog"
	"github.com/yaotools/toolmeter/internal/chat"
	"github.com/yaotools/toolmeter/internal/config"
	"github.com/yaotools/toolmeter/internal/health"
	"github.com/yaotools/toolmeter/internal/hooks"
	"github.com/yaotools/toolmeter/internal/httpserver"
	"github.com/yaotools/toolmeter/internal/ledger"
	ledgerasync "github.com/yaotools/toolmeter/internal/ledger/async"
	"github.com/yaotools/toolmeter/internal/logging"
	"github.com/yaotools/toolmeter/internal/metrics"
	"github.com/yaotools/toolmeter/internal/ratelimit"
	"github.com/yaotools/toolmeter/internal/redeem"
	"github.com/yaotools/toolmeter/internal/userstore"
	"github.com/yaotools/toolmeter/internal/version"
)

const (
	maxLogBytes     = int64(300 * 1024 * 1024)
	janitorInterval = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	closer, err := logging.Setup(cfg.LogFile, maxLogBytes)
	if err != nil {
		log.Fatalf("init rotating log: %v", err)
	}
	defer closer.Close()
	log.SetPrefix("[toolmeterd] ")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Printf("exit: %v", err)
		closer.Close()
		os.Exit(1)
	}
}

func buildRouter(cfg config.Config) (*adapterrouter.Router, error) {
	factory := func(model userstore.AIModel) (adapter.StreamingChatAdapter, error) {
		client, err := adapteropenai.New(adapteropenai.Config{
			APIKey:         model.APIKey,
			BaseURL:        model.APIURL,
			Referer:        cfg.OpenRouterReferer,
			Title:          cfg.OpenRouterTitle,
			RequestTimeout: cfg.InferenceTimeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	r := adapterrouter.New(factory)
	if err := r.RegisterAdapter("loopback", loopback.New()); err != nil {
		return nil, err
	}
	if cfg.OpenAIAPIKey != "" {
		oa, err := adapteropenai.New(adapteropenai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			Referer:        cfg.OpenRouterReferer,
			Title:          cfg.OpenRouterTitle,
			RequestTimeout: cfg.InferenceTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai adapter: %w", err)
		}
		if err := r.RegisterAdapter("openai", oa); err != nil {
			return nil, err
		}
	}
	for _, rule := range cfg.Routes {
		if err := r.RegisterRoute(rule.Pattern, rule.Target); err != nil {
			log.Printf("skip route %s=%s: %v", rule.Pattern, rule.Target, err)
		}
	}
	if err := r.SetFallback(cfg.FallbackAdapter); err != nil {
		return nil, fmt.Errorf("set fallback adapter: %w", err)
	}
	return r, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLeveled(logging.New("toolmeterd"), logging.ParseLevel(cfg.LogLevel))
	logger.Infof("%s starting env=%s", version.FullInfo(), cfg.Environment)

	st, err := bootstrap.OpenStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := catalog.Seed(ctx, st.Identity, cfg.ModelsFile, cfg.ToolsFile, logging.New("catalog")); err != nil {
		return err
	}

	dispatcher := &hooks.Dispatcher{}
	dispatcher.SetLogger(logging.New("hooks"))
	if h := cfg.Hooks.BuildScriptHandler(); h != nil {
		dispatcher.Register(h)
		logger.Infof("hooks: script handler %s enabled", cfg.Hooks.ScriptPath)
	}
	defer dispatcher.Wait()

	collector := metrics.NewCollector()
	lg := ledger.New(st.Ledger, ledger.Options{
		InitialBalance: cfg.LedgerInitialBalance(),
		Logger:         logging.New("ledger"),
		Recorder:       collector,
	})

	usage := ledgerasync.New(st.Usage, ledgerasync.Config{
		BatchSize:     cfg.UsageLogBatchSize,
		FlushInterval: cfg.UsageLogFlushInterval,
		Logger:        logging.New("async-ledger"),
	})
	defer usage.Close()

	svc := &activation.Services{
		Usage:    usage,
		Tools:    st.Identity,
		Hooks:    dispatcher,
		Logger:   logging.New("activation"),
		Recorder: collector,
	}
	defer svc.Wait()
	registry := activation.NewRegistry(svc, cfg.TabSessionTTL)

	inference, err := buildRouter(cfg)
	if err != nil {
		return err
	}
	chatSvc := chat.NewService(st.Chats, st.Identity, inference, chat.Options{
		Timeout:    cfg.InferenceTimeout,
		Logger:     logging.New("chat"),
		Hooks:      dispatcher,
		Recorder:   collector,
		Gate:       registry,
		GateToolID: cfg.AssistantToolID,
	})

	authManager, err := auth.NewManager(cfg.AuthSecret)
	if err != nil {
		return err
	}

	redeemLimiter := ratelimit.NewLimiter(ratelimit.Config{Scope: "redeem", PerMinute: cfg.RedeemRatePerMinute, Burst: cfg.RedeemBurst})
	chatLimiter := ratelimit.NewLimiter(ratelimit.Config{Scope: "chat", PerMinute: cfg.ChatRatePerMinute, Burst: cfg.ChatBurst})

	upstreams := map[string]string{}
	if cfg.OpenAIAPIKey != "" {
		upstreams["openai"] = cfg.OpenAIBaseURL
	}
	checker := health.New(health.Config{Stores: st.Pingers(), Upstreams: upstreams})

	httpSrv := httpserver.New(httpserver.Deps{
		Ledger:        lg,
		Usage:         usage,
		Identity:      st.Identity,
		Auth:          authManager,
		Registry:      registry,
		Redeemer:      redeem.NewRedeemer(st.Codes, redeem.Options{UnlimitedCredit: cfg.UnlimitedCredit, Logger: logging.New("redeem"), Hooks: dispatcher, Recorder: collector}),
		Generator:     redeem.NewGenerator(st.Codes),
		Chat:          chatSvc,
		Hooks:         dispatcher,
		Metrics:       collector,
		Health:        checker,
		RedeemLimiter: redeemLimiter,
		ChatLimiter:   chatLimiter,
	}, cfg.AdminEmail)
	httpSrv.SetAuthDisabled(cfg.AuthDisabled)
	httpSrv.SetLogger(cfg.LogLevel, logging.New("toolmeterd/http"))

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           httpSrv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		// no WriteTimeout: chat streams are bounded by inference_timeout
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("graceful shutdown failed: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		return registry.Run(gctx, janitorInterval)
	})
	g.Go(func() error {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				redeemLimiter.Sweep()
				chatLimiter.Sweep()
				authManager.Sweep()
			}
		}
	})

	err = g.Wait()
	logger.Infof("stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
