package main

import (
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"votebridge/db"
	"votebridge/events"
	"votebridge/handlers"
	"votebridge/logger"
	"votebridge/oracle"
	"votebridge/repository"
	"votebridge/routers"
	"votebridge/settlement"
)

const programName = "votebridge"

var version = "0.1.0"

var (
	configFile string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Cross-ledger vote settlement relay",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config/config.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level regardless of config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the settlement relay service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", programName, version)
		},
	}
	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	// Load config
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("config file error: %w", err)
	}

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")
	if debug {
		logLevel = "debug"
	}

	if err := logger.InitLogger(appLogFile, logLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Logger.Info("Starting settlement relay...")

	// Connect to LevelDB
	leveldbPath := viper.GetString("leveldb.path")
	ldb, err := db.NewLevelDB(leveldbPath)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Initialize storage
	store, err := repository.NewStore(ldb)
	if err != nil {
		logger.Logger.Fatal("Failed to initialize store", zap.Error(err))
	}

	// Metrics registry shared by the event bus and the engine
	promRegistry := prometheus.NewRegistry()

	// Event bus for indexer-facing audit events
	bus := events.NewBus(promRegistry)
	defer bus.Stop()

	// Weight normalizer over the persisted oracle snapshots
	normalizer := oracle.NewNormalizer(
		store,
		viper.GetInt64("oracle.staleness_window_seconds"),
		oracle.StalePolicy(viper.GetString("oracle.stale_policy")),
	)

	// Weight of a signed vote that carries no value (defaults to 1)
	var signedWeight *big.Int
	if s := viper.GetString("signed_votes.unit_weight"); s != "" {
		var ok bool
		signedWeight, ok = new(big.Int).SetString(s, 10)
		if !ok || signedWeight.Sign() <= 0 {
			logger.Logger.Fatal("Invalid signed_votes.unit_weight", zap.String("value", s))
		}
	}

	// Settlement engine (single writer for all mutable state)
	engine := settlement.NewEngine(store, normalizer, bus, settlement.Config{
		TrustedCaller:    common.HexToAddress(viper.GetString("transport.trusted_caller")),
		GlobalFallback:   common.HexToAddress(viper.GetString("transport.global_fallback")),
		ComputeCeiling:   viper.GetUint64("transport.compute_ceiling"),
		SignedVoteWeight: signedWeight,
	}, promRegistry)

	// Initialize HTTP handlers
	h := handlers.NewHandler(engine, viper.GetBool("signed_votes.enabled"))

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)
	r.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Methods("GET")

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	srv.Close()
	return nil
}
