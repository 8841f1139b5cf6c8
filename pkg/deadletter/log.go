package deadletter

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the log sink.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LogSink writes letters to the process log. It never fails, which makes it
// the default sink and the fallback when another sink is unavailable.
type LogSink struct {
	logger *zap.Logger
	level  zapcore.Level
}

func NewLogSink(logger *zap.Logger, level zapcore.Level) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Park(_ context.Context, letters []Letter) error {
	for _, l := range letters {
		s.logger.Log(s.level, "Dead letter",
			zap.String("id", l.ID),
			zap.String("reason", l.Reason),
			zap.String("error", l.Error),
			zap.String("topic", l.Topic),
			zap.String("table", l.Table),
			zap.Uint64("sequence", l.Sequence),
			zap.Uint8("qos", l.QoS),
			zap.Time("receivedAt", l.ReceivedAt),
			zap.ByteString("payload", l.Payload),
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

func init() {
	Register(KindLog, func(config map[string]any, logger *zap.Logger) (Sink, error) {
		var cfg LogConfig
		if err := Decode(config, &cfg); err != nil {
			return nil, err
		}
		level := zapcore.WarnLevel
		if cfg.Level != "" {
			if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
				return nil, err
			}
		}
		return NewLogSink(logger, level), nil
	})
}
