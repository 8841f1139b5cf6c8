package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/buffer"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/route"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/writer"
	"github.com/edgeflare/mqtt2pg/pkg/deadletter"
	"github.com/edgeflare/mqtt2pg/pkg/mqtt"
	"github.com/edgeflare/mqtt2pg/pkg/store"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Version is set at build time.
var Version = "dev"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application-wide configuration
type Config struct {
	BrokerAddress         string                     `mapstructure:"brokerAddress"`
	BrokerPort            int                        `mapstructure:"brokerPort"`
	StoreConnectionString string                     `mapstructure:"storeConnectionString"`
	StoreDriver           string                     `mapstructure:"storeDriver"`
	TopicTableMap         map[string]route.TableSpec `mapstructure:"topicTableMap"`

	BufferCapacity       int    `mapstructure:"bufferCapacity"`
	OverflowPolicy       string `mapstructure:"overflowPolicy"`
	BatchMaxSize         int    `mapstructure:"batchMaxSize"`
	BatchMaxWaitMs       int    `mapstructure:"batchMaxWaitMs"`
	RetryMaxAttempts     int    `mapstructure:"retryMaxAttempts"`
	RetryBackoffBaseMs   int    `mapstructure:"retryBackoffBaseMs"`
	ReconnectMaxAttempts int    `mapstructure:"reconnectMaxAttempts"`
	ShutdownGraceMs      int    `mapstructure:"shutdownGraceMs"`

	SubscribeTopic string `mapstructure:"subscribeTopic"`
	SubscribeQoS   int    `mapstructure:"subscribeQoS"`

	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	DeadLetter DeadLetterConfig `mapstructure:"deadLetter"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	LogLevel   string           `mapstructure:"logLevel"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

type MQTTConfig struct {
	ClientID     string           `mapstructure:"clientID"`
	Username     string           `mapstructure:"username"`
	Password     string           `mapstructure:"password"`
	CleanSession bool             `mapstructure:"cleanSession"`
	KeepAlive    time.Duration    `mapstructure:"keepAlive"`
	TLS          *mqtt.TLSOptions `mapstructure:"tls"`
}

type DeadLetterConfig struct {
	Kind     string         `mapstructure:"kind"`
	Rejected bool           `mapstructure:"rejected"`
	Config   map[string]any `mapstructure:"config"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("brokerAddress", "127.0.0.1")
	v.SetDefault("brokerPort", 1883)
	v.SetDefault("storeConnectionString", "")
	v.SetDefault("storeDriver", store.DriverPostgres)
	v.SetDefault("bufferCapacity", 1024)
	v.SetDefault("overflowPolicy", string(buffer.PolicyBlock))
	v.SetDefault("batchMaxSize", 100)
	v.SetDefault("batchMaxWaitMs", 500)
	v.SetDefault("retryMaxAttempts", 5)
	v.SetDefault("retryBackoffBaseMs", 100)
	v.SetDefault("reconnectMaxAttempts", 10)
	v.SetDefault("shutdownGraceMs", 10000)
	v.SetDefault("subscribeTopic", "#")
	v.SetDefault("subscribeQoS", 1)
	v.SetDefault("mqtt.clientID", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.cleanSession", false)
	v.SetDefault("mqtt.keepAlive", 30*time.Second)
	v.SetDefault("deadLetter.kind", deadletter.KindLog)
	v.SetDefault("deadLetter.rejected", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("logLevel", "info")
}

// Load reads config from file, environment and flags, in increasing order
// of precedence. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("mqtt2pg")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MQTT2PG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: error reading config file: %w", ErrInvalidConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unable to decode config: %w", ErrInvalidConfig, err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing or invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.BrokerAddress == "" {
		invalid("brokerAddress is required")
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		invalid("brokerPort %d out of range", c.BrokerPort)
	}
	if c.StoreConnectionString == "" {
		invalid("storeConnectionString is required")
	}
	switch c.StoreDriver {
	case store.DriverPostgres, store.DriverSQLite:
	default:
		invalid("storeDriver %q is not one of %s, %s", c.StoreDriver, store.DriverPostgres, store.DriverSQLite)
	}
	if len(c.TopicTableMap) == 0 {
		invalid("topicTableMap is required")
	} else if _, err := c.Router(); err != nil {
		errs = append(errs, err)
	}

	if c.BufferCapacity < 1 {
		invalid("bufferCapacity must be positive")
	}
	if _, err := buffer.ParsePolicy(c.OverflowPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.BatchMaxSize < 1 {
		invalid("batchMaxSize must be positive")
	}
	if c.BatchMaxWaitMs < 1 {
		invalid("batchMaxWaitMs must be positive")
	}
	if c.RetryMaxAttempts < 1 {
		invalid("retryMaxAttempts must be at least 1")
	}
	if c.RetryBackoffBaseMs < 1 {
		invalid("retryBackoffBaseMs must be positive")
	}
	if c.ReconnectMaxAttempts < 1 {
		invalid("reconnectMaxAttempts must be at least 1")
	}
	if c.ShutdownGraceMs < 1 {
		invalid("shutdownGraceMs must be positive")
	}

	if c.SubscribeTopic == "" {
		invalid("subscribeTopic is required")
	}
	if c.SubscribeQoS < 0 || c.SubscribeQoS > 2 {
		invalid("subscribeQoS %d must be 0, 1 or 2", c.SubscribeQoS)
	}

	switch c.DeadLetter.Kind {
	case deadletter.KindLog, deadletter.KindNATS, deadletter.KindKafka:
	default:
		invalid("deadLetter.kind %q is not one of log, nats, kafka", c.DeadLetter.Kind)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		invalid("logLevel: %v", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Router builds the topic router from topicTableMap.
func (c *Config) Router() (*route.Router, error) {
	r, err := route.NewRouter(c.TopicTableMap)
	if err != nil {
		return nil, fmt.Errorf("topicTableMap: %w", err)
	}
	return r, nil
}

// BridgeOptions converts the tuning keys to controller options.
func (c *Config) BridgeOptions() (bridge.Options, error) {
	policy, err := buffer.ParsePolicy(c.OverflowPolicy)
	if err != nil {
		return bridge.Options{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return bridge.Options{
		SubscribeTopic: c.SubscribeTopic,
		SubscribeQoS:   byte(c.SubscribeQoS),
		BufferCapacity: c.BufferCapacity,
		OverflowPolicy: policy,
		BatchMaxSize:   c.BatchMaxSize,
		BatchMaxWait:   millis(c.BatchMaxWaitMs),
		Retry: writer.RetryConfig{
			MaxAttempts:  c.RetryMaxAttempts,
			BaseInterval: millis(c.RetryBackoffBaseMs),
		},
		ReconnectMaxAttempts: c.ReconnectMaxAttempts,
		ShutdownGrace:        millis(c.ShutdownGraceMs),
		DeadLetterRejected:   c.DeadLetter.Rejected,
	}, nil
}

// MQTTOptions converts the broker keys to bus options.
func (c *Config) MQTTOptions() mqtt.Options {
	useTLS := c.MQTT.TLS != nil && c.MQTT.TLS.Enabled
	return mqtt.Options{
		Broker:       mqtt.BrokerURL(c.BrokerAddress, c.BrokerPort, useTLS),
		ClientID:     c.MQTT.ClientID,
		Username:     c.MQTT.Username,
		Password:     c.MQTT.Password,
		CleanSession: c.MQTT.CleanSession,
		KeepAlive:    c.MQTT.KeepAlive,
		TLS:          c.MQTT.TLS,
	}
}

// Level returns the configured log level, info if unset.
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
