package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Rejection reasons used with MessagesRejected.
const (
	ReasonUnknownTopic     = "unknown_topic"
	ReasonMalformedTopic   = "malformed_topic"
	ReasonMalformedPayload = "malformed_payload"
	ReasonBufferFull       = "buffer_full"
	ReasonBufferClosed     = "buffer_closed"
)

var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt2pg_messages_received_total",
			Help: "Total number of messages delivered by the bus, by QoS",
		},
		[]string{"qos"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt2pg_messages_rejected_total",
			Help: "Total number of inbound messages not buffered, by reason",
		},
		[]string{"reason"},
	)

	BufferDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt2pg_buffer_dropped_total",
			Help: "Total number of buffered entries evicted by the drop-oldest policy",
		},
	)

	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtt2pg_buffer_depth",
			Help: "Number of entries waiting in the write buffer",
		},
	)

	Batches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt2pg_batches_total",
			Help: "Total number of write batches by outcome",
		},
		[]string{"outcome"},
	)

	RowsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt2pg_rows_committed_total",
			Help: "Total number of rows committed by table",
		},
		[]string{"table"},
	)

	WriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt2pg_write_retries_total",
			Help: "Total number of batch write retries after transient store errors",
		},
	)

	WriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mqtt2pg_write_duration_seconds",
			Help:    "Duration of batch writes including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	Acks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt2pg_acks_total",
			Help: "Total number of bus acknowledgments sent",
		},
	)

	AckWatermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtt2pg_ack_watermark",
			Help: "Lowest sequence id not yet settled",
		},
	)

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mqtt2pg_connection_state",
			Help: "State of external connections (0 disconnected, 1 connecting, 2 connected, 3 degraded)",
		},
		[]string{"connection"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqtt2pg_dead_letters_total",
			Help: "Total number of dead letters by sink and result",
		},
		[]string{"sink", "result"},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	Logger            *zap.Logger
	// Handlers are served next to the metrics endpoint, keyed by path.
	Handlers map[string]http.Handler
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options.
// The server shuts down gracefully when ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	logger := zap.NewNop()
	if opts != nil {
		effectiveOpts.Addr = cmpOr(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmpOr(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmpOr(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmpOr(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		if opts.Logger != nil {
			logger = opts.Logger
		}
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.Handler())
	if opts != nil {
		for path, h := range opts.Handlers {
			mux.Handle(path, h)
		}
	}
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting Prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-serverClosed:
			return
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("Metrics server shutdown timed out")
		}
	}()
}
