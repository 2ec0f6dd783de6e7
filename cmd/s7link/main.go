// s7link - S7 PLC polling gateway
//
// Polls Siemens S7 PLCs, keeps a last-known-value cache per PLC and
// republishes values via REST API, Valkey, MQTT and Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"s7link/api"
	"s7link/config"
	"s7link/kafka"
	"s7link/logging"
	"s7link/metrics"
	"s7link/mqtt"
	"s7link/plcman"
	"s7link/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag injects "all" when --log-debug is given without a value.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i, arg := range args {
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || strings.HasPrefix(args[i+1], "-") {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if strings.HasPrefix(arg, "--log-debug=") || strings.HasPrefix(arg, "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable protocol debug logging to debug.log: all, or a comma separated list of "+
		strings.Join(logging.KnownProtocols(), ", "))
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("s7link %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(cfg))
}

// setupLogging builds the operational logger and installs the global debug
// logger. The returned function closes any opened files.
func setupLogging(cfg *config.Config) (zerolog.Logger, func(), error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	var out io.Writer = os.Stderr
	path := *logFile
	if path == "" {
		path = cfg.Log.File
	}
	if path != "" {
		fl, err := logging.NewFileLogger(path)
		if err != nil {
			return zerolog.Logger{}, closeAll, err
		}
		closers = append(closers, fl)
		out = fl
	}

	filter := *logDebug
	if filter == "" {
		filter = cfg.Log.DebugFilter
	}
	if filter != "" || cfg.Log.DebugFile != "" {
		debugPath := cfg.Log.DebugFile
		if debugPath == "" {
			debugPath = filepath.Join(filepath.Dir(*configPath), "debug.log")
		}
		dl, err := logging.NewDebugLogger(debugPath)
		if err != nil {
			closeAll()
			return zerolog.Logger{}, func() {}, err
		}
		if filter != "all" {
			for _, p := range dl.SetFilter(filter) {
				fmt.Fprintf(os.Stderr, "Warning: unknown debug protocol %q\n", p)
			}
		}
		logging.SetGlobalDebugLogger(dl)
		closers = append(closers, dl)
	}

	return logging.NewLogger(out, logging.ParseLevel(cfg.Log.Level)), closeAll, nil
}

func run(cfg *config.Config) int {
	log, closeLogs, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		return 1
	}
	defer closeLogs()

	log.Info().Str("version", Version).Str("config", *configPath).Msg("starting s7link")

	m := metrics.New()

	manager := plcman.NewManager(log.With().Str("component", "plcman").Logger(), m)
	manager.LoadFromConfig(cfg)

	valkeyMgr := valkey.NewManager(cfg.Namespace, log)
	valkeyMgr.LoadFromConfig(cfg.Valkey)

	mqttMgr := mqtt.NewManager(cfg.Namespace, log)
	mqttMgr.LoadFromConfig(cfg.MQTT)

	kafkaMgr := kafka.NewManager(cfg.Namespace, log)
	kafkaMgr.LoadFromConfig(cfg.Kafka)

	// Listeners run on the polling goroutine; publishers must not block.
	manager.AddListener(m.ObserveUpdate)
	manager.AddListener(valkeyMgr.HandleUpdate)
	manager.AddListener(mqttMgr.HandleUpdate)
	manager.AddListener(kafkaMgr.HandleUpdate)

	valkeyMgr.SetWriteHandler(manager.WriteValue)
	mqttMgr.SetWriteHandler(manager.WriteValue)

	// Republish the whole cache whenever a broker (re)connects.
	valkeyMgr.SetOnConnectCallback(func() {
		valkeyMgr.Publish(manager.GetAllCurrentValues())
	})
	mqttMgr.SetOnConnectCallback(func() {
		mqttMgr.Publish(manager.GetAllCurrentValues(), true)
	})

	if n := valkeyMgr.StartAll(); n > 0 {
		log.Info().Int("count", n).Msg("valkey publishers started")
	}
	if n := mqttMgr.StartAll(); n > 0 {
		log.Info().Int("count", n).Msg("mqtt publishers started")
	}
	if n := kafkaMgr.ConnectEnabled(); n > 0 {
		log.Info().Int("count", n).Msg("kafka clusters connected")
	}

	var apiServer *api.Server
	if cfg.Web.Enabled {
		apiServer = api.NewServer(manager, &cfg.Web, m.Handler(), log)
		if err := apiServer.Start(); err != nil {
			log.Error().Err(err).Msg("api server failed to start")
			apiServer = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.StartAll(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if apiServer != nil {
			apiServer.Stop()
		}
		cancel()
		manager.StopAll()
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
	}()

	select {
	case <-shutdownDone:
		log.Info().Msg("stopped")
	case <-time.After(5 * time.Second):
		log.Warn().Msg("shutdown timed out")
	}
	return 0
}
