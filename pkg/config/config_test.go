package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/buffer"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const sampleConfig = `
brokerAddress: broker.local
storeConnectionString: postgres://bridge@db.local/telemetry
overflowPolicy: drop-oldest
batchMaxWaitMs: 250
topicTableMap:
  temperature:
    table: temperature
    columns:
      - name: value
        type: float
  roomStatus:
    suffix: roomStatus
    table: room_status
    schema: telemetry
    format: json
    columns:
      - name: occupied
        type: bool
    topicFields:
      - field: room
        index: "-2"
    metadata:
      receivedAt: received_at
mqtt:
  username: bridge
  keepAlive: 45s
deadLetter:
  kind: nats
  rejected: true
  config:
    servers: ["nats://127.0.0.1:4222"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqtt2pg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	assert.Equal(t, "broker.local", cfg.BrokerAddress)
	assert.Equal(t, 1883, cfg.BrokerPort)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 1024, cfg.BufferCapacity)
	assert.Equal(t, "#", cfg.SubscribeTopic)
	assert.Equal(t, 1, cfg.SubscribeQoS)
	assert.Equal(t, 45*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, "bridge", cfg.MQTT.Username)
	assert.Equal(t, "nats", cfg.DeadLetter.Kind)
	assert.True(t, cfg.DeadLetter.Rejected)
	assert.Contains(t, cfg.DeadLetter.Config, "servers")
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.NotEmpty(t, cfg.File)

	require.Len(t, cfg.TopicTableMap, 2)
	r, err := cfg.Router()
	require.NoError(t, err)

	target, err := r.Route("site/basement/roomStatus")
	require.NoError(t, err, "mixed-case suffix must survive key folding")
	assert.Equal(t, "telemetry.room_status", target.Qualified())
	assert.Equal(t, "received_at", target.Metadata.ReceivedAt)

	_, err = r.Route("site/basement/temperature")
	assert.NoError(t, err)
}

func TestLoadEnvAndFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("MQTT2PG_BROKERPORT", "8883")
	t.Setenv("MQTT2PG_MQTT_PASSWORD", "s3cret")
	t.Setenv("MQTT2PG_BATCHMAXSIZE", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("batchMaxSize", 100, "")
	flags.String("logLevel", "info", "")
	require.NoError(t, flags.Parse([]string{"--batchMaxSize=50", "--logLevel=debug"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 8883, cfg.BrokerPort)
	assert.Equal(t, "s3cret", cfg.MQTT.Password)
	assert.Equal(t, 50, cfg.BatchMaxSize, "an explicit flag wins over the environment")
	assert.Equal(t, zapcore.DebugLevel, cfg.Level())
}

func TestLoadWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	testChdir(t, t.TempDir())
	t.Setenv("MQTT2PG_STORECONNECTIONSTRING", "file:bridge.db")
	t.Setenv("MQTT2PG_STOREDRIVER", "sqlite")

	_, err := Load("", nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "topicTableMap is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, sampleConfig), nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no store", func(c *Config) { c.StoreConnectionString = "" }, "storeConnectionString is required"},
		{"bad driver", func(c *Config) { c.StoreDriver = "mysql" }, `storeDriver "mysql"`},
		{"bad port", func(c *Config) { c.BrokerPort = 70000 }, "brokerPort 70000 out of range"},
		{"bad policy", func(c *Config) { c.OverflowPolicy = "spill" }, `unknown overflow policy "spill"`},
		{"bad qos", func(c *Config) { c.SubscribeQoS = 3 }, "subscribeQoS 3"},
		{"zero capacity", func(c *Config) { c.BufferCapacity = 0 }, "bufferCapacity must be positive"},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, "retryMaxAttempts must be at least 1"},
		{"bad sink", func(c *Config) { c.DeadLetter.Kind = "s3" }, `deadLetter.kind "s3"`},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "logLevel"},
		{"bad table", func(c *Config) {
			spec := c.TopicTableMap["temperature"]
			spec.Table = "temp; DROP TABLE x"
			c.TopicTableMap["temperature"] = spec
		}, "topicTableMap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestBridgeOptions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)

	opts, err := cfg.BridgeOptions()
	require.NoError(t, err)
	assert.Equal(t, buffer.PolicyDropOldest, opts.OverflowPolicy)
	assert.Equal(t, 250*time.Millisecond, opts.BatchMaxWait)
	assert.Equal(t, 100*time.Millisecond, opts.Retry.BaseInterval)
	assert.Equal(t, 5, opts.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, opts.ShutdownGrace)
	assert.Equal(t, byte(1), opts.SubscribeQoS)
	assert.True(t, opts.DeadLetterRejected)

	m := cfg.MQTTOptions()
	assert.Equal(t, "tcp://broker.local:1883", m.Broker)
	assert.False(t, m.CleanSession)
}
