package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-utils/cli"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	atomicredis "github.com/flashbots/atomic-bundler/adapters/redis"
	"github.com/flashbots/atomic-bundler/chainoracle"
	atomicconfig "github.com/flashbots/atomic-bundler/config"
	"github.com/flashbots/atomic-bundler/dispatcher"
	"github.com/flashbots/atomic-bundler/httpapi"
	"github.com/flashbots/atomic-bundler/jsonrpcserver"
	"github.com/flashbots/atomic-bundler/ledger"
	"github.com/flashbots/atomic-bundler/payment"
	"github.com/flashbots/atomic-bundler/pipeline"
	"github.com/flashbots/atomic-bundler/relayclient"
	"github.com/flashbots/atomic-bundler/simqueue"
	"github.com/flashbots/atomic-bundler/simulator"
	"github.com/flashbots/atomic-bundler/tracker"
	atomictypes "github.com/flashbots/atomic-bundler/types"
)

var (
	version = "dev" // is set during build process

	defaultDebug      = os.Getenv("DEBUG") == "1"
	defaultLogProd    = os.Getenv("LOG_PROD") == "1"
	defaultLogService = os.Getenv("LOG_SERVICE")
	defaultPort       = cli.GetEnv("PORT", "8080")
	defaultMetricsPort = cli.GetEnv("METRICS_PORT", "8088")
	defaultConfigPath = cli.GetEnv("CONFIG_PATH", "config.yaml")
	defaultEthRPCURL  = os.Getenv("ETH_RPC_URL")
	defaultSignerKey  = os.Getenv("PAYMENT_SIGNER_PRIVATE_KEY")
	defaultRedisEndpoint = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultAdminToken = os.Getenv("ADMIN_TOKEN")

	debugPtr      = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr    = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr       = flag.String("port", defaultPort, "port to listen on")
	configPathPtr = flag.String("config", defaultConfigPath, "path to the yaml config file")
	ethRPCURLPtr  = flag.String("eth-rpc-url", defaultEthRPCURL, "ethereum json-rpc endpoint")
	signerKeyPtr  = flag.String("signer-key", defaultSignerKey, "hex-encoded payment signer private key")
	redisPtr      = flag.String("redis", defaultRedisEndpoint, "redis url string")
	adminTokenPtr = flag.String("admin-token", defaultAdminToken, "bearer token required on the admin json-rpc surface")
)

func exitWith(logger *zap.Logger, code int, msg string, err error) {
	logger.Error(msg, zap.Error(err))
	_ = logger.Sync()
	os.Exit(code)
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting atomic-bundler", zap.String("version", version))

	cfg, err := atomicconfig.Load(*configPathPtr)
	if err != nil {
		exitWith(logger, 2, "failed to load config", err)
	}

	if *ethRPCURLPtr == "" {
		exitWith(logger, 2, "ETH_RPC_URL is required", errors.New("missing eth rpc url"))
	}
	if *signerKeyPtr == "" {
		exitWith(logger, 3, "PAYMENT_SIGNER_PRIVATE_KEY is required", errors.New("missing signer key"))
	}

	signerKey, err := parseSignerKey(*signerKeyPtr)
	if err != nil {
		exitWith(logger, 3, "failed to parse payment signer private key", err)
	}

	redisOpts, err := goredis.ParseURL(*redisPtr)
	if err != nil {
		exitWith(logger, 2, "failed to parse redis url", err)
	}
	redisClient := goredis.NewClient(redisOpts)

	ethClient, err := ethclient.Dial(*ethRPCURLPtr)
	if err != nil {
		exitWith(logger, 4, "failed to connect to eth rpc endpoint", err)
	}

	store, err := ledger.NewStore(cfg.Database.URL)
	if err != nil {
		exitWith(logger, 4, "failed to connect to postgres", err)
	}

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		exitWith(logger, 4, "failed to fetch chain id", err)
	}
	signer := types.LatestSignerForChainID(chainID)

	oracle := chainoracle.NewCoalescingOracle(chainoracle.NewEthClientOracle(ethClient, 2*time.Second), 2*time.Second)

	sim := simulator.Simulator(simulator.NewStub())
	if cfg.RPC.SimulationURL != "" {
		sim = simulator.NewJSONRPC(cfg.RPC.SimulationURL, cfg.RPC.SimulationMethod)
	}

	forger := payment.NewForger(signerKey, chainID)
	noncePool := payment.NewNoncePool()
	if err := noncePool.Reset(ctx, payment.NewChainNonceSource(ethClient.PendingNonceAt, forger.Address())); err != nil {
		exitWith(logger, 3, "failed to initialize nonce pool from chain", err)
	}

	calculator := payment.NewCalculator()

	var relayClients []*relayclient.Client
	var builders []pipeline.Builder
	for _, b := range cfg.Builders {
		if !b.Enabled {
			continue
		}
		c := relayclient.New(relayclient.Config{
			Name:           b.Name,
			URL:            b.RelayURL,
			PaymentAddress: common.HexToAddress(b.PaymentAddress),
		})
		relayClients = append(relayClients, c)
		builders = append(builders, pipeline.Builder{Client: c})
	}
	if len(relayClients) == 0 {
		exitWith(logger, 2, "no enabled builders configured", errors.New("builders list is empty after filtering disabled entries"))
	}

	disp := dispatcher.New(logger, relayClients, cfg.Limits.MaxInflightPerBuilder)

	redisQueue := simqueue.NewRedisQueue(logger, redisClient, "tracker")
	redisQueueConfig, err := simqueue.ConfigFromEnv()
	if err != nil {
		exitWith(logger, 2, "failed to load tracker queue config", err)
	}
	redisQueue.MaxRetries = redisQueueConfig.MaxRetries
	redisQueue.MaxUnprocessedItemsLowPrio = redisQueueConfig.MaxQueuedUnprocessableItemsLowPrio
	redisQueue.MaxUnprocessedItemsHighPrio = redisQueueConfig.MaxQueuedUnprocessableItemsHighPrio
	redisQueue.WorkerTimeout = redisQueueConfig.WorkerTimeout
	if cfg.Targets.ResubmitMax > 0 {
		redisQueue.MaxRetries = cfg.Targets.ResubmitMax
	}

	bundleTracker := tracker.New(logger, redisQueue, store, oracle)
	if err := bundleTracker.SeedActive(ctx); err != nil {
		logger.Error("failed to seed tracker with active bundles on startup", zap.Error(err))
	}
	backgroundWg := bundleTracker.Run(ctx)

	trackerInterval := time.Duration(cfg.Tracker.IntervalSeconds) * time.Second
	if trackerInterval <= 0 {
		trackerInterval = 3 * time.Second
	}
	backgroundWg.Add(1)
	go func() {
		defer backgroundWg.Done()
		runBlockHeadPoller(ctx, logger, oracle, bundleTracker, trackerInterval)
	}()

	killswitch := atomicredis.NewKillswitchFlag(redisClient, "")

	idempotencyTTL := time.Duration(cfg.Redis.IdempotencyTTLSeconds) * time.Second
	if idempotencyTTL <= 0 {
		idempotencyTTL = 10 * time.Minute
	}
	idempotencyCache := atomicredis.NewIdempotencyCache(redisClient, idempotencyTTL, "")

	perBundleCapWei, err := atomicconfig.ParseWei(cfg.Limits.PerBundleCapWei)
	if err != nil {
		exitWith(logger, 2, "failed to parse limits.per_bundle_cap_wei", err)
	}
	dailyCapWei, err := atomicconfig.ParseWei(cfg.Limits.DailyCapWei)
	if err != nil {
		exitWith(logger, 2, "failed to parse limits.daily_cap_wei", err)
	}
	operatorMaxWei, err := atomicconfig.ParseWei(cfg.Payment.MaxAmountWei)
	if err != nil {
		exitWith(logger, 2, "failed to parse payment.max_amount_wei", err)
	}
	k1, err := atomicconfig.ParseFixedPoint(cfg.Payment.K1)
	if err != nil {
		exitWith(logger, 2, "failed to parse payment.k1", err)
	}
	k2, err := atomicconfig.ParseWei(cfg.Payment.K2)
	if err != nil {
		exitWith(logger, 2, "failed to parse payment.k2", err)
	}
	tip, err := atomicconfig.ParseWei(cfg.Payment.Tip)
	if err != nil {
		exitWith(logger, 2, "failed to parse payment.tip", err)
	}
	emergencyStopThresholdWei := big.NewInt(0)
	if cfg.Limits.EmergencyStopThresholdWei != "" {
		emergencyStopThresholdWei, err = atomicconfig.ParseWei(cfg.Limits.EmergencyStopThresholdWei)
		if err != nil {
			exitWith(logger, 2, "failed to parse limits.emergency_stop_threshold_wei", err)
		}
	}

	controller := pipeline.New(pipeline.Config{
		Logger:      logger,
		Oracle:      oracle,
		Simulator:   sim,
		Calculator:  calculator,
		Forger:      forger,
		NoncePool:   noncePool,
		Store:       store,
		Dispatcher:  disp,
		Tracker:     bundleTracker,
		Killswitch:  killswitch,
		Builders:    builders,
		Limits: pipeline.Limits{
			PerBundleCapWei: perBundleCapWei,
			DailyCapWei:     dailyCapWei,
			OperatorMaxWei:  operatorMaxWei,

			EmergencyStopEnabled:      cfg.Limits.EmergencyStopEnabled,
			EmergencyStopThresholdWei: emergencyStopThresholdWei,
		},
		FormulaK1: k1,
		FormulaK2: k2,
		Tip:       tip,
		Tx1Req: atomictypes.Tx1Requirements{
			ChainID:     chainID,
			MinGasLimit: 21_000,
			MaxGasLimit: 30_000_000,
		},
		Signer:      signer,
		BlocksAhead: cfg.Targets.BlocksAhead,
		MaxQueue:    cfg.Limits.MaxQueue,
	})

	reloadFn := func(ctx context.Context) error {
		reloaded, err := atomicconfig.Load(*configPathPtr)
		if err != nil {
			return err
		}
		return applyReloadedLimits(controller, reloaded)
	}
	adminAPI := httpapi.NewAdminAPI(logger, killswitch, reloadFn, store)
	adminHandler, err := jsonrpcserver.NewHandler(adminAPI.Methods(), *adminTokenPtr)
	if err != nil {
		exitWith(logger, 1, "failed to build admin json-rpc handler", err)
	}

	server := httpapi.NewServer(logger, controller, killswitch, store, version, adminHandler, idempotencyCache)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		Handler:           server.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	go func() {
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped unexpectedly", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown http server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("ListenAndServe", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	backgroundWg.Wait()
	if err := store.Close(); err != nil {
		logger.Error("failed to close ledger store", zap.Error(err))
	}
}

func parseSignerKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// applyReloadedLimits re-parses the numeric limit/formula fields of a
// freshly loaded config and pushes them into the running controller so
// admin_reloadConfig changes behavior for future submissions, not just
// re-validates the config file parses.
func applyReloadedLimits(controller *pipeline.Controller, cfg *atomicconfig.Config) error {
	perBundleCapWei, err := atomicconfig.ParseWei(cfg.Limits.PerBundleCapWei)
	if err != nil {
		return fmt.Errorf("limits.per_bundle_cap_wei: %w", err)
	}
	dailyCapWei, err := atomicconfig.ParseWei(cfg.Limits.DailyCapWei)
	if err != nil {
		return fmt.Errorf("limits.daily_cap_wei: %w", err)
	}
	operatorMaxWei, err := atomicconfig.ParseWei(cfg.Payment.MaxAmountWei)
	if err != nil {
		return fmt.Errorf("payment.max_amount_wei: %w", err)
	}
	emergencyStopThresholdWei := big.NewInt(0)
	if cfg.Limits.EmergencyStopThresholdWei != "" {
		emergencyStopThresholdWei, err = atomicconfig.ParseWei(cfg.Limits.EmergencyStopThresholdWei)
		if err != nil {
			return fmt.Errorf("limits.emergency_stop_threshold_wei: %w", err)
		}
	}
	k1, err := atomicconfig.ParseFixedPoint(cfg.Payment.K1)
	if err != nil {
		return fmt.Errorf("payment.k1: %w", err)
	}
	k2, err := atomicconfig.ParseWei(cfg.Payment.K2)
	if err != nil {
		return fmt.Errorf("payment.k2: %w", err)
	}
	tip, err := atomicconfig.ParseWei(cfg.Payment.Tip)
	if err != nil {
		return fmt.Errorf("payment.tip: %w", err)
	}

	controller.UpdateLiveConfig(pipeline.Limits{
		PerBundleCapWei: perBundleCapWei,
		DailyCapWei:     dailyCapWei,
		OperatorMaxWei:  operatorMaxWei,

		EmergencyStopEnabled:      cfg.Limits.EmergencyStopEnabled,
		EmergencyStopThresholdWei: emergencyStopThresholdWei,
	}, k1, k2, tip, cfg.Targets.BlocksAhead)
	return nil
}

// runBlockHeadPoller ticks on the chain oracle's latest block number and
// feeds it to the tracker so its queue can release items whose target
// block has arrived; without this the queue's internal block cursor never
// advances and bundles never leave the sent state.
func runBlockHeadPoller(ctx context.Context, logger *zap.Logger, oracle chainoracle.Oracle, t *tracker.Tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			latest, err := oracle.LatestBlockNumber(ctx)
			if err != nil {
				logger.Warn("failed to fetch latest block number for tracker head poll", zap.Error(err))
				continue
			}
			if err := t.UpdateBlock(latest); err != nil {
				logger.Warn("failed to update tracker queue block head", zap.Uint64("block", latest), zap.Error(err))
			}
		}
	}
}
