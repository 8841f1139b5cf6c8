// Package nats parks dead letters on a NATS JetStream stream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/deadletter"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config represents the NATS sink configuration
type Config struct {
	Servers  []string `mapstructure:"servers"`
	Stream   string   `mapstructure:"stream"`
	Subject  string   `mapstructure:"subject"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	TLS      struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

func (c *Config) setDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	c.Subject = cmpOr(c.Subject, "mqtt2pg.deadletter")
	c.Stream = cmpOr(c.Stream, "MQTT2PG_DEADLETTER")
}

// publisher is the part of nats.JetStreamContext the sink uses.
type publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Sink publishes each letter to <subject>.<reason>. The letter id is used as
// the JetStream message id so a retried Park does not store duplicates.
type Sink struct {
	nc      *nats.Conn
	js      publisher
	subject string
	logger  *zap.Logger
}

var errConnNotInitialized = errors.New("NATS connection not initialized")

// Connect establishes a connection to the NATS server and ensures the stream exists.
func Connect(cfg Config, logger *zap.Logger) (*Sink, error) {
	cfg.setDefaults()

	opts := defaultOptions(cfg)
	var (
		nc  *nats.Conn
		err error
	)
	for _, server := range cfg.Servers {
		nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if err := ensureStream(js, cfg, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	s := newSink(js, cfg.Subject, logger)
	s.nc = nc
	return s, nil
}

func newSink(js publisher, subject string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{js: js, subject: subject, logger: logger}
}

func (s *Sink) Park(ctx context.Context, letters []deadletter.Letter) error {
	if s.js == nil {
		return errConnNotInitialized
	}

	var errs []error
	for _, l := range letters {
		data, err := l.Marshal()
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal letter %s: %w", l.ID, err))
			continue
		}
		subject := fmt.Sprintf("%s.%s", s.subject, l.Reason)
		if _, err := s.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(l.ID)); err != nil {
			errs = append(errs, fmt.Errorf("publish letter %s: %w", l.ID, err))
			continue
		}
		s.logger.Debug("Dead letter published", zap.String("subject", subject), zap.String("id", l.ID))
	}
	return errors.Join(errs...)
}

// Close closes the NATS connection
func (s *Sink) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// ensureStream creates or updates the stream
func ensureStream(js nats.JetStreamContext, cfg Config, logger *zap.Logger) error {
	config := &nats.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject + ".>"},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	stream, err := js.StreamInfo(cfg.Stream)
	if err == nil {
		if !streamConfigEqual(stream.Config, *config) {
			if _, err = js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			logger.Info("Updated stream", zap.String("stream", cfg.Stream))
		}
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	logger.Info("Created stream", zap.String("stream", cfg.Stream))
	return nil
}

// streamConfigEqual checks if two nats.StreamConfig are equivalent
func streamConfigEqual(a, b nats.StreamConfig) bool {
	if a.Name != b.Name || a.Storage != b.Storage || a.Replicas != b.Replicas {
		return false
	}
	if len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return true
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Name("mqtt2pg"),
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}

func init() {
	deadletter.Register(deadletter.KindNATS, func(config map[string]any, logger *zap.Logger) (deadletter.Sink, error) {
		var cfg Config
		if err := deadletter.Decode(config, &cfg); err != nil {
			return nil, fmt.Errorf("decode NATS config: %w", err)
		}
		s, err := Connect(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
