package mqtt2pg

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/mqtt2pg/pkg/bridge"
	"github.com/edgeflare/mqtt2pg/pkg/config"
	"github.com/edgeflare/mqtt2pg/pkg/deadletter"
	"github.com/edgeflare/mqtt2pg/pkg/httputil"
	"github.com/edgeflare/mqtt2pg/pkg/httputil/middleware"
	"github.com/edgeflare/mqtt2pg/pkg/metrics"
	"github.com/edgeflare/mqtt2pg/pkg/mqtt"
	"github.com/edgeflare/mqtt2pg/pkg/store"
	"github.com/edgeflare/mqtt2pg/pkg/store/pg"
	"github.com/edgeflare/mqtt2pg/pkg/store/sqlite"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	// Register dead-letter sinks
	_ "github.com/edgeflare/mqtt2pg/pkg/deadletter/kafka"
	_ "github.com/edgeflare/mqtt2pg/pkg/deadletter/nats"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"r"},
	Short:   "Run the bridge",
	Long:    `Connect to the store and the broker, subscribe and relay messages until interrupted. The write buffer is flushed before exit.`,
	RunE:    runBridge,
}

func init() {
	f := runCmd.Flags()
	f.StringP("brokerAddress", "b", "", "MQTT broker host (default 127.0.0.1)")
	f.IntP("brokerPort", "p", 0, "MQTT broker port (default 1883)")
	f.StringP("storeConnectionString", "c", "", "store connection string or SQLite file")
	f.String("storeDriver", "", "store driver: postgres or sqlite (default postgres)")
	f.StringP("subscribeTopic", "t", "", "topic filter to subscribe to (default #)")
	f.Int("subscribeQoS", 1, "subscription QoS")
	f.String("overflowPolicy", "", "buffer overflow policy: block, reject or drop-oldest (default block)")
	f.Int("bufferCapacity", 0, "write buffer capacity (default 1024)")
	f.Int("batchMaxSize", 0, "maximum rows per transaction (default 100)")
	f.String("deadLetter.kind", "", "dead-letter sink: log, nats or kafka (default log)")
	f.Bool("metrics.enabled", true, "serve Prometheus metrics")
	f.String("metrics.addr", "", "metrics listen address (default :9100)")
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Level())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()
	if cfg.File != "" {
		logger.Info("Using config file", zap.String("file", cfg.File))
	}

	c, err := newController(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer func() {
		cancelMetrics()
		wg.Wait()
	}()
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(metricsCtx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Logger: logger.Named("metrics"),
			Handlers: map[string]http.Handler{
				"/healthz": statusHandler(c, logger.Named("http")),
			},
		})
	}

	err = c.Run(ctx)
	if err != nil {
		logger.Error("Bridge exited with error", zap.Error(err), zap.Int("exitCode", ExitCode(err)))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func newController(cfg *config.Config, logger *zap.Logger) (*bridge.Controller, error) {
	router, err := cfg.Router()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	opts, err := cfg.BridgeOptions()
	if err != nil {
		return nil, err
	}

	sink, err := deadletter.New(cfg.DeadLetter.Kind, cfg.DeadLetter.Config, logger.Named("deadletter"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter sink: %w", err)
	}

	bus := mqtt.NewBus(cfg.MQTTOptions(), logger.Named("mqtt"))
	logger.Info("Bridge configured",
		zap.String("broker", cfg.MQTTOptions().Broker),
		zap.String("clientID", bus.ClientID()),
		zap.String("storeDriver", cfg.StoreDriver),
		zap.String("deadLetter", cfg.DeadLetter.Kind))

	c, err := bridge.New(opts, router, bus, newStore(cfg), sink, logger.Named("bridge"))
	if err != nil {
		sink.Close()
		return nil, err
	}
	return c, nil
}

func statusHandler(c *bridge.Controller, logger *zap.Logger) http.Handler {
	probe := func() (any, bool) { return c.Status() }
	return middleware.Chain(httputil.StatusHandler(probe),
		middleware.RequestID,
		middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: logger, Level: zapcore.DebugLevel}),
	)
}

func newStore(cfg *config.Config) store.Store {
	if cfg.StoreDriver == store.DriverSQLite {
		return sqlite.New(cfg.StoreConnectionString)
	}
	return pg.New(cfg.StoreConnectionString)
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
