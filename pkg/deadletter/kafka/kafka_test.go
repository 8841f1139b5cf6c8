package kafka

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/edgeflare/mqtt2pg/pkg/deadletter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPark(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if !strings.Contains(string(val), `"reason":"write_failed"`) {
			return errors.New("reason missing")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	s := newSink(producer, "mqtt2pg.deadletter", nil)
	err := s.Park(context.Background(), []deadletter.Letter{
		{ID: "1", Reason: deadletter.ReasonWriteFailed, Topic: "a/temperature"},
		{ID: "2", Reason: deadletter.ReasonEvicted, Topic: "a/temperature"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestParkFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := newSink(producer, "dl", nil)
	err := s.Park(context.Background(), []deadletter.Letter{{ID: "1"}})
	assert.Error(t, err)
	require.NoError(t, s.Close())
}

func TestToSaramaConfig(t *testing.T) {
	cfg := Config{SASL: &SASL{Enable: true, Username: "u", Password: "p", Algorithm: "sha512"}}
	cfg.setDefaults()

	conf, err := cfg.ToSaramaConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, "mqtt2pg.deadletter", cfg.Topic)
	assert.Equal(t, sarama.WaitForAll, conf.Producer.RequiredAcks)
	assert.True(t, conf.Producer.Return.Successes)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), conf.Net.SASL.Mechanism)
	require.NotNil(t, conf.Net.SASL.SCRAMClientGeneratorFunc)
	assert.IsType(t, &XDGSCRAMClient{}, conf.Net.SASL.SCRAMClientGeneratorFunc())
}

func TestToSaramaConfigRejectsBadInput(t *testing.T) {
	cfg := Config{Version: "not-a-version"}
	_, err := cfg.ToSaramaConfig()
	assert.Error(t, err)

	cfg = Config{SASL: &SASL{Enable: true, Algorithm: "md5"}}
	cfg.setDefaults()
	_, err = cfg.ToSaramaConfig()
	assert.ErrorContains(t, err, "invalid SASL algorithm")

	cfg = Config{TLS: TLS{Enable: true, CAFile: "/does/not/exist"}}
	cfg.setDefaults()
	_, err = cfg.ToSaramaConfig()
	assert.Error(t, err)
}

func TestXDGSCRAMClientBegin(t *testing.T) {
	c := &XDGSCRAMClient{HashGeneratorFcn: SHA256}
	require.NoError(t, c.Begin("user", "pencil", ""))

	first, err := c.Step("")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "n,,n=user,r="), first)
	assert.False(t, c.Done())
}
