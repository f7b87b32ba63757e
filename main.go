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

	"golang.org/x/sync/errgroup"

	"github.com/malwarebo/portrait/analytics"
	"github.com/malwarebo/portrait/api"
	"github.com/malwarebo/portrait/cache"
	"github.com/malwarebo/portrait/config"
	"github.com/malwarebo/portrait/db"
	"github.com/malwarebo/portrait/middleware"
	"github.com/malwarebo/portrait/monitoring"
	"github.com/malwarebo/portrait/observability"
	"github.com/malwarebo/portrait/providers"
	"github.com/malwarebo/portrait/resilience"
	"github.com/malwarebo/portrait/security"
	"github.com/malwarebo/portrait/services"
	"github.com/malwarebo/portrait/storage"
	"github.com/malwarebo/portrait/stores"
	"github.com/malwarebo/portrait/utils"
)

const version = "1.0.0"

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func printBanner() {
	fmt.Printf("%s%s", colorCyan, colorBold)
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Portrait Generation Gateway                                 ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Access-code billed ID portraits with local fallback         ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Printf("%s", colorReset)
}

func printStep(step, message string) {
	fmt.Printf("%s[%s]%s %s%s%s\n", colorBlue, step, colorReset, colorBold, message, colorReset)
}

func printSuccess(message string) {
	fmt.Printf("%s✓%s %s\n", colorGreen, colorReset, message)
}

func printWarning(message string) {
	fmt.Printf("%s⚠%s %s\n", colorYellow, colorReset, message)
}

func printError(message string) {
	fmt.Printf("%s✗%s %s\n", colorRed, colorReset, message)
}

func printInfo(message string) {
	fmt.Printf("%sℹ%s %s\n", colorCyan, colorReset, message)
}

func fail(message string, err error) {
	printError(fmt.Sprintf("%s: %v", message, err))
	os.Exit(1)
}

func rateLimitPolicies(cfg config.RateLimitConfig) map[security.PolicyClass]security.Policy {
	return map[security.PolicyClass]security.Policy{
		security.PolicyGeneral: {
			MaxRequests:   cfg.GeneralMax,
			Window:        cfg.GeneralWindow,
			BlockDuration: cfg.BlockDuration,
		},
		security.PolicyVerify: {
			MaxRequests: cfg.VerifyMax,
			Window:      cfg.VerifyWindow,
		},
	}
}

func main() {
	printBanner()
	fmt.Println()

	printStep("1/9", "Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		fail("Failed to load configuration", err)
	}
	printSuccess(fmt.Sprintf("Configuration loaded (%s)", cfg.Environment))

	printStep("2/9", "Initializing logging and tracing...")
	utils.SetOutput(os.Stdout, cfg.Monitoring.LogLevel)
	shutdownTracing, err := observability.SetupTracing(observability.TracingConfig{
		Enabled:     cfg.Monitoring.TracingEnabled,
		ServiceName: cfg.Monitoring.ServiceName,
	})
	if err != nil {
		fail("Failed to initialize tracing", err)
	}
	printSuccess(fmt.Sprintf("Log level %s, tracing enabled: %v", cfg.Monitoring.LogLevel, cfg.Monitoring.TracingEnabled))

	printStep("3/9", "Connecting to database...")
	database, err := db.CreateDB(cfg.Database)
	if err != nil {
		fail("Failed to connect to database", err)
	}
	defer database.Close()
	if err := db.CreateNewMigrator(database.DB).Up(); err != nil {
		fail("Failed to run migrations", err)
	}
	printSuccess(fmt.Sprintf("Connected to %s database, migrations applied", database.Driver))

	printStep("4/9", "Connecting to Redis...")
	var redisCache *cache.RedisCache
	if cfg.RedisEnabled() {
		redisCache, err = cache.CreateRedisCache(cache.RedisConfig{
			URL:      cfg.Redis.URL,
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			printWarning(fmt.Sprintf("Failed to connect to Redis: %v (continuing without cache)", err))
			redisCache = nil
		} else {
			defer redisCache.Close()
			printSuccess(fmt.Sprintf("Connected to Redis at %s", cfg.GetRedisURL()))
		}
	} else {
		printInfo("Redis not configured, status cache disabled")
	}

	printStep("5/9", "Initializing rate limiting...")
	policies := rateLimitPolicies(cfg.RateLimit)
	var limiter security.Limiter
	if cfg.RateLimit.Backend == "redis" && redisCache != nil {
		limiter = security.CreateRedisRateLimiter(redisCache.Client(), policies, "portrait:ratelimit")
		printSuccess("Rate limiting backed by Redis")
	} else {
		if cfg.RateLimit.Backend == "redis" {
			printWarning("Redis rate limiting requested but Redis is unavailable, using in-memory windows")
		}
		memLimiter := security.CreateRateLimiter(security.RateLimitConfig{
			Policies:      policies,
			SweepInterval: cfg.RateLimit.SweepInterval,
		})
		defer memLimiter.Close()
		limiter = memLimiter
		printSuccess("Rate limiting with in-memory windows")
	}
	printInfo(fmt.Sprintf("  • general: %d per %s, block %s", cfg.RateLimit.GeneralMax, cfg.RateLimit.GeneralWindow, cfg.RateLimit.BlockDuration))
	printInfo(fmt.Sprintf("  • verify:  %d per %s", cfg.RateLimit.VerifyMax, cfg.RateLimit.VerifyWindow))

	printStep("6/9", "Initializing monitoring and alerting...")
	metrics := monitoring.NewMetrics()
	alerts := monitoring.NewAlertManager(&monitoring.LogAlertChannel{})

	breakerMode, err := resilience.ParseBreakerMode(cfg.Resilience.BreakerMode)
	if err != nil {
		fail("Invalid breaker mode", err)
	}
	breaker := resilience.CreateCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "upstream",
		MaxFailures: cfg.Resilience.BreakerThreshold,
		Timeout:     cfg.Resilience.BreakerTimeout,
		Mode:        breakerMode,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			utils.Warn(context.Background(), "Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			metrics.SetBreakerState(name, int(to))
			metrics.RecordBreakerTransition(name, from.String(), to.String())
			alerts.BreakerStateChanged(name, from.String(), to.String())
		},
	})
	metrics.SetBreakerState("upstream", int(resilience.CircuitClosed))
	printSuccess(fmt.Sprintf("Breaker: %d failures / %s, mode %s", cfg.Resilience.BreakerThreshold, cfg.Resilience.BreakerTimeout, breakerMode))

	printStep("7/9", "Configuring image service...")
	endpoint, err := providers.ResolveEndpoint(cfg.Upstream.Provider, cfg.Upstream.Model, cfg.Upstream.CustomURL)
	if err != nil {
		fail("Failed to resolve image service endpoint", err)
	}

	transport := providers.TransportConfig{
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
		HTTPProxy:      cfg.Upstream.HTTPProxy,
		HTTPSProxy:     cfg.Upstream.HTTPSProxy,
	}
	client, err := providers.NewHTTPClient(transport)
	if err != nil {
		fail("Failed to build upstream HTTP client", err)
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxRetries = cfg.Resilience.RetryMax
	retry.InitialDelay = cfg.Resilience.RetryBackoff
	retry.MaxDelay = cfg.Resilience.RetryMaxDelay

	anomaly := services.NewAnomalyDetector(cfg.Anomaly.Threshold)
	executor, err := providers.CreateCallExecutor(providers.CallExecutorConfig{
		Endpoint:    endpoint,
		APIKey:      cfg.Upstream.APIKey,
		Client:      client,
		Transport:   transport,
		Breaker:     breaker,
		Retry:       retry,
		Pacer:       providers.NewPacer(cfg.Upstream.PaceRPS, cfg.Upstream.PaceBurst),
		Anomaly:     anomaly,
		Parsers:     providers.DefaultParsers(providers.NewHTTPFetcher(client, cfg.Upstream.FetchTimeout)),
		Diagnostics: providers.NewLastCallRecorder(),
		Metrics:     metrics,
	})
	if err != nil {
		fail("Failed to create upstream executor", err)
	}
	printSuccess(fmt.Sprintf("Provider %s, model %s (%s)", endpoint.Provider, endpoint.Model, endpoint.Shape))
	printInfo(fmt.Sprintf("  • URL: %s", endpoint.URL()))
	if cfg.Upstream.APIKey == "" {
		printWarning("NANOBANANA_API_KEY is not set, every upload will use the local fallback")
	} else {
		printInfo(fmt.Sprintf("  • API key configured (%d chars)", len(cfg.Upstream.APIKey)))
	}

	printStep("8/9", "Initializing storage and services...")
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	store, err := storage.CreateStore(startCtx, cfg.Storage)
	cancelStart()
	if err != nil {
		fail("Failed to initialize storage", err)
	}
	if cfg.IsProduction() && store.Backend() == storage.BackendLocal {
		printWarning("Production is storing images on local disk, set STORAGE_BACKEND=minio for shared storage")
	}

	codeStore := stores.CreateAccessCodeStore(database.DB)
	attemptStore := stores.CreateVerificationAttemptStore(database.DB)
	logStore := stores.CreateGenerationLogStore(database.DB)

	var statusCache services.StatusCache
	if redisCache != nil {
		statusCache = redisCache
	}

	gateway, err := services.CreateGenerationGateway(services.GatewayConfig{
		Limiter:        limiter,
		Ledger:         services.CreateQuotaLedger(codeStore, metrics),
		Generator:      executor,
		Renderer:       services.NewLocalRenderer(),
		Storage:        store,
		Logs:           logStore,
		Attempts:       attemptStore,
		Cache:          statusCache,
		Metrics:        metrics,
		Provider:       endpoint.Provider,
		Model:          endpoint.Model,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
	})
	if err != nil {
		fail("Failed to create generation gateway", err)
	}
	codeService := services.CreateCodeService(codeStore, attemptStore, statusCache)

	health := monitoring.CreateHealthService(version)
	health.AddCheck("database", func(ctx context.Context) error { return database.DB.WithContext(ctx).Exec("SELECT 1").Error }, true)
	health.AddCheck("storage", store.Ping, true)
	if redisCache != nil {
		health.AddCheck("redis", redisCache.Ping, false)
	}
	health.AddCheck("upstream_circuit", func(context.Context) error {
		if breaker.State() == resilience.CircuitOpen {
			return errors.New("circuit open, serving local fallback")
		}
		return nil
	}, false)

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 10*time.Second)
	g, gctx := errgroup.WithContext(checkCtx)
	g.Go(func() error { return database.Ping() })
	g.Go(func() error { return store.Ping(gctx) })
	if err := g.Wait(); err != nil {
		cancelCheck()
		fail("Startup dependency check failed", err)
	}
	cancelCheck()
	printSuccess(fmt.Sprintf("Storage backend: %s", store.Backend()))

	printStep("9/9", "Setting up HTTP server...")
	var metricsHandler http.Handler
	if cfg.Monitoring.MetricsEnabled {
		metricsHandler = metrics.Handler()
	}

	var adminHandler *api.AdminHandler
	if cfg.Admin.APIKey != "" {
		adminHandler = api.CreateAdminHandler(codeService, analytics.CreateUsageReporter(logStore, attemptStore, nil))
	} else {
		printWarning("ADMIN_API_KEY is not set, admin endpoints are disabled")
	}

	ipResolver, err := utils.NewIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		fail("Invalid trusted proxy list", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Portrait:       api.CreatePortraitHandler(gateway, cfg.Storage.MaxUploadBytes),
		Admin:          adminHandler,
		Health:         api.CreateHealthHandler(health),
		Debug:          api.CreateDebugHandler(executor),
		AdminAuth:      middleware.CreateAdminAuth(cfg.Admin.APIKey),
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		IPResolver:     ipResolver,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      http.TimeoutHandler(router, cfg.Server.RequestTimeout, `{"success":false,"message":"request timed out"}`),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	printSuccess("HTTP server configured")

	fmt.Println()
	fmt.Printf("%s%sPortrait gateway is ready!%s\n", colorGreen, colorBold, colorReset)
	fmt.Println()
	fmt.Printf("%s%sAPI Endpoints:%s\n", colorPurple, colorBold, colorReset)
	fmt.Printf("  %s•%s Verify:   %shttp://localhost:%s/api/verify%s\n", colorCyan, colorReset, colorYellow, cfg.Server.Port, colorReset)
	fmt.Printf("  %s•%s Upload:   %shttp://localhost:%s/api/upload%s\n", colorCyan, colorReset, colorYellow, cfg.Server.Port, colorReset)
	fmt.Printf("  %s•%s Status:   %shttp://localhost:%s/api/status/{code}%s\n", colorCyan, colorReset, colorYellow, cfg.Server.Port, colorReset)
	fmt.Printf("  %s•%s Health:   %shttp://localhost:%s/health%s\n", colorCyan, colorReset, colorYellow, cfg.Server.Port, colorReset)
	fmt.Printf("  %s•%s Network:  %shttp://localhost:%s/debug/network%s\n", colorCyan, colorReset, colorYellow, cfg.Server.Port, colorReset)
	if metricsHandler != nil {
		fmt.Printf("  %s•%s Metrics:  %shttp://localhost:%s/metrics%s\n", colorCyan, colorReset, colorYellow, cfg.Server.Port, colorReset)
	}
	fmt.Println()
	fmt.Printf("%s%sPress Ctrl+C to stop the server%s\n", colorYellow, colorBold, colorReset)
	fmt.Println()

	go func() {
		printInfo(fmt.Sprintf("Starting HTTP server on port %s...", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			printError(fmt.Sprintf("Server failed to start: %v", err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println()
	printWarning("Shutting down portrait gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		printError(fmt.Sprintf("Server forced to shutdown: %v", err))
	}
	if err := shutdownTracing(ctx); err != nil {
		printWarning(fmt.Sprintf("Failed to flush traces: %v", err))
	}

	printSuccess("Portrait gateway stopped gracefully")
}
