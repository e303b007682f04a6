// main.go launches a Hermes chunk server: the local chunk store, the
// replication engine and its admin gateway. The metadata server session
// is external; completed ops are reported through the response sink.
//
// Usage:
//
//	go run main.go [-serverAddr <address>] [-metaHost <host>] [-rootDir <directory>] [-config <file>] [-logLevel <level>]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/caleberi/hermes-dfs/bufferpool"
	"github.com/caleberi/hermes-dfs/chunkserver"
	"github.com/caleberi/hermes-dfs/chunkstore"
	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/config"
	"github.com/caleberi/hermes-dfs/gateway"
	"github.com/caleberi/hermes-dfs/replicator"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"net/http"
)

type Config struct {
	ServerAddress  common.ServerAddr
	MetaHost       string
	RootDir        string
	ConfigFile     string
	LogLevel       string
	GatewayAddress int
	MetricsAddress int
	BufferBytes    int64
}

func parseConfig() (Config, error) {
	serverAddress := flag.String("serverAddr", "127.0.0.1:8085", "server address to listen on (host:port)")
	metaHost := flag.String("metaHost", "127.0.0.1", "metadata server host used by recovery clients")
	rootDir := flag.String("rootDir", "croot", "root directory for chunk storage")
	configFile := flag.String("config", "", "optional YAML file with chunkServer.* properties")
	gatewayAddress := flag.Int("gatewayAddr", 8089, "admin gateway http port")
	metricsAddress := flag.Int("metricsAddr", 8090, "prometheus metrics http port")
	bufferBytes := flag.Int64("bufferBytes", 256<<20, "global replication buffer budget in bytes")
	logLevel := flag.String("logLevel", "info", "logging level (debug, info, warn, error)")

	flag.Parse()

	absRootDir, err := filepath.Abs(*rootDir)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve root directory %s: %w", *rootDir, err)
	}
	switch *logLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("invalid log level: %s; must be debug, info, warn, or error", *logLevel)
	}
	return Config{
		ServerAddress:  common.ServerAddr(*serverAddress),
		MetaHost:       *metaHost,
		RootDir:        absRootDir,
		ConfigFile:     *configFile,
		LogLevel:       *logLevel,
		GatewayAddress: *gatewayAddress,
		MetricsAddress: *metricsAddress,
		BufferBytes:    *bufferBytes,
	}, nil
}

func setupLogger(level string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return fmt.Errorf("unsupported log level: %s", level)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}

// logSink reports op completions. The metadata session is out of
// process here, so the outcome lands on the log with the fields the
// session would relay.
type logSink struct{}

func (logSink) SubmitOpResponse(op *rpc_struct.ReplicateChunkOp) {
	log.Info().
		Int64("chunk", int64(op.ChunkHandle)).
		Int64("version", int64(op.ChunkVersion)).
		Int("status", int(op.Status)).
		Str("msg", op.StatusMsg).
		Msg("replication op complete")
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	store, err := chunkstore.NewStore(cfg.RootDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open chunk store")
		os.Exit(1)
	}

	buffers := bufferpool.NewManager(cfg.BufferBytes, cfg.BufferBytes/4)
	engine := replicator.NewManager(replicator.Options{
		Store:         store,
		Buffers:       buffers,
		Sink:          logSink{},
		MetaHost:      cfg.MetaHost,
		WorkerThreads: runtime.NumCPU(),
	})
	if cfg.ConfigFile != "" {
		props, err := config.LoadFile(cfg.ConfigFile)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load configuration file")
			os.Exit(1)
		}
		engine.SetParameters(props)
	}

	registry := prometheus.NewRegistry()
	engine.RegisterMetrics(registry)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsAddress), mux); err != nil {
			log.Err(err).Msg("metrics endpoint stopped")
		}
	}()

	server, err := chunkserver.NewChunkServer(cfg.ServerAddress, store, engine)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create ChunkServer")
		os.Exit(1)
	}

	gatewayCfg := gateway.DefaultGatewayConfig()
	gatewayCfg.Address = cfg.GatewayAddress
	gatewayCfg.Logger = log.Logger
	gw, err := gateway.NewAdminGateway(engine, gatewayCfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create admin gateway")
		os.Exit(1)
	}
	gw.Start()

	go func() {
		<-quit
		log.Info().Msg("Received shutdown signal, stopping ChunkServer...")
		if err := gw.Shutdown(); err != nil {
			log.Err(err).Msg("Error shutting down admin gateway")
		}
		if err := server.Shutdown(); err != nil {
			log.Err(err).Msg("Error shutting down ChunkServer")
		}
		cancel()
	}()
	<-ctx.Done()

	log.Info().Msg("Server shutdown complete")
}
