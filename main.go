package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sqlite-cdc/internal/capture"
	"sqlite-cdc/internal/config"
	"sqlite-cdc/internal/hook"
	"sqlite-cdc/internal/metrics"
	cdcnats "sqlite-cdc/internal/nats"
	"sqlite-cdc/internal/processor"
)

type options struct {
	Config         string        `short:"c" long:"config" env:"SQLITE_CDC_CONFIG" description:"config file" default:"config.yaml"`
	Exec           []string      `short:"e" long:"exec" description:"SQL file to execute once capture has started"`
	CommandTimeout time.Duration `long:"command-timeout" description:"timeout of SQL commands received over NATS" default:"30s"`
	Dbg            bool          `long:"dbg" description:"debug mode"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.LoadConfig(opts.Config)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if opts.Dbg {
		logger.SetLevel(logrus.DebugLevel)
	}
	if err := processor.ValidateRules(&cfg.Processor); err != nil {
		logger.Fatalf("Invalid processor config: %v", err)
	}

	if err := run(cfg, opts, logger); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Info("SQLite CDC service stopped")
}

func run(cfg *config.Config, opts options, logger *logrus.Logger) error {
	logger.Info("Starting SQLite CDC service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prometheus.MustRegister(metrics.HookCollectors()...)
	prometheus.MustRegister(metrics.ProcessorCollectors()...)
	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, logger)
	}

	conn, err := hook.Open(ctx, cfg.SQLite.DSN, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := NewSQLiteChecker(conn, logger).CheckCapabilities(ctx); err != nil {
		return err
	}
	if cfg.SQLite.Bootstrap != "" {
		if err := execFile(ctx, conn, cfg.SQLite.Bootstrap); err != nil {
			return err
		}
		logger.Infof("Executed bootstrap SQL %s", cfg.SQLite.Bootstrap)
	}

	natsConn, err := cdcnats.Connect(cfg.NATS.URL, cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	transformer, err := processor.NewTransformer(&cfg.Processor, logger, natsConn)
	if err != nil {
		return err
	}
	filter, err := processor.NewFilter(cfg.Capture)
	if err != nil {
		return err
	}

	capt := capture.New(conn, cfg.Capture.BufferSize, logger)
	if err := capt.Start(); err != nil {
		return err
	}

	proc := processor.NewProcessor(capt, cdcnats.NewPublisher(natsConn, cfg.NATS.Subject, logger), conn, transformer, filter, logger)
	errChan := make(chan error, 1)
	go func() {
		errChan <- proc.Start(ctx)
	}()

	var commands *cdcnats.CommandServer
	if cfg.NATS.CommandSubject != "" {
		commands = cdcnats.NewCommandServer(conn, opts.CommandTimeout, logger)
		if err := commands.Subscribe(natsConn, cfg.NATS.CommandSubject); err != nil {
			return err
		}
	}

	for _, path := range opts.Exec {
		if err := execFile(ctx, conn, path); err != nil {
			logger.Errorf("%v", err)
			continue
		}
		logger.Infof("Executed %s", path)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
	case err := <-errChan:
		return err
	}

	// Stop taking writes, then let the processor drain what was captured.
	if commands != nil {
		if err := commands.Close(); err != nil {
			logger.Warnf("Failed to stop command server: %v", err)
		}
	}
	if err := capt.Stop(); err != nil {
		logger.Warnf("Failed to stop capture: %v", err)
	}
	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	case <-time.After(10 * time.Second):
		logger.Warn("Timed out draining captured changes")
	}
	if err := natsConn.Flush(); err != nil {
		logger.Warnf("Failed to flush NATS connection: %v", err)
	}
	return nil
}

func execFile(ctx context.Context, conn *hook.Conn, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read SQL file %s: %w", path, err)
	}
	if _, err := conn.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("failed to execute SQL file %s: %w", path, err)
	}
	return nil
}

func serveMetrics(addr string, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Infof("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("Metrics server failed: %v", err)
	}
}
