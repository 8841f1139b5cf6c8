// Package mqtt subscribes to an MQTT broker with manual acknowledgments.
//
// Messages are handed over as message.Inbound values whose Token acknowledges
// the PUBLISH to the broker. Nothing is acknowledged until the token is used,
// so a QoS 1 or 2 message that never settles is redelivered after a
// reconnect.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"go.uber.org/zap"
)

// Handlers receive connection events. All fields are optional and may be
// called from paho goroutines.
type Handlers struct {
	OnConnect        func()
	OnConnectionLost func(error)
	// OnReconnecting is called before every automatic reconnect attempt,
	// attempt counts from 1 since the connection was lost.
	OnReconnecting func(attempt int)
}

type subscription struct {
	filter  string
	qos     byte
	handler mqtt.MessageHandler
}

// Bus is a subscribing MQTT client.
type Bus struct {
	opts     Options
	logger   *zap.Logger
	client   mqtt.Client
	handlers Handlers
	attempts atomic.Int32

	mu   sync.Mutex
	subs []subscription
}

func NewBus(opts Options, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ClientID == "" {
		opts.ClientID = NewClientID()
	}
	return &Bus{opts: opts, logger: logger}
}

// ClientID returns the MQTT client id in use.
func (b *Bus) ClientID() string { return b.opts.ClientID }

// Connect establishes a connection to the broker. Lost connections are
// re-established automatically and subscriptions are restored.
func (b *Bus) Connect(ctx context.Context, h Handlers) error {
	pahoOpts, err := pahoOptions(b.opts)
	if err != nil {
		return err
	}
	b.handlers = h
	pahoOpts.SetOnConnectHandler(b.onConnect)
	pahoOpts.SetConnectionLostHandler(b.onConnectionLost)
	pahoOpts.SetReconnectingHandler(b.onReconnecting)

	b.client = mqtt.NewClient(pahoOpts)
	if err := wait(ctx, b.client.Connect()); err != nil {
		b.client.Disconnect(0)
		return fmt.Errorf("broker connection error: %w", err)
	}
	b.logger.Info("Connected to MQTT broker",
		zap.String("broker", b.opts.Broker),
		zap.String("clientID", b.opts.ClientID))
	return nil
}

// Subscribe registers handler for filter. The handler runs on the delivery
// goroutine; messages are delivered one at a time in arrival order.
func (b *Bus) Subscribe(ctx context.Context, filter string, qos byte, handler func(message.Inbound)) error {
	if b.client == nil {
		return fmt.Errorf("subscribe error: not connected")
	}
	sub := subscription{
		filter: filter,
		qos:    qos,
		handler: func(_ mqtt.Client, msg mqtt.Message) {
			handler(toInbound(msg))
		},
	}

	if err := b.subscribe(ctx, sub); err != nil {
		b.logger.Error("Subscribe error", zap.Error(err), zap.String("topic", filter))
		return fmt.Errorf("subscribe error: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Info("Subscribed to topic", zap.String("topic", filter), zap.Uint8("qos", qos))
	return nil
}

func (b *Bus) subscribe(ctx context.Context, sub subscription) error {
	token := b.client.Subscribe(sub.filter, sub.qos, sub.handler)
	if err := wait(ctx, token); err != nil {
		return err
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if granted, found := st.Result()[sub.filter]; found && granted == 0x80 {
			return fmt.Errorf("broker refused subscription to %q", sub.filter)
		}
	}
	return nil
}

// Disconnect closes the connection to the broker.
func (b *Bus) Disconnect() {
	if b.client == nil {
		return
	}
	b.client.Disconnect(250)
	b.logger.Info("Disconnected from MQTT broker")
}

func (b *Bus) IsConnected() bool {
	return b.client != nil && b.client.IsConnectionOpen()
}

func (b *Bus) onConnect(mqtt.Client) {
	b.attempts.Store(0)

	b.mu.Lock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.Unlock()

	// Handlers must not block inside OnConnect, wait for the tokens elsewhere.
	if len(subs) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, sub := range subs {
				if err := b.subscribe(ctx, sub); err != nil {
					b.logger.Error("Resubscribe error", zap.Error(err), zap.String("topic", sub.filter))
					continue
				}
				b.logger.Info("Resubscribed to topic", zap.String("topic", sub.filter))
			}
		}()
	}

	if b.handlers.OnConnect != nil {
		b.handlers.OnConnect()
	}
}

func (b *Bus) onConnectionLost(_ mqtt.Client, err error) {
	b.logger.Warn("Connection to MQTT broker lost", zap.Error(err))
	if b.handlers.OnConnectionLost != nil {
		b.handlers.OnConnectionLost(err)
	}
}

func (b *Bus) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	attempt := int(b.attempts.Add(1))
	b.logger.Info("Reconnecting to MQTT broker", zap.Int("attempt", attempt))
	if b.handlers.OnReconnecting != nil {
		b.handlers.OnReconnecting(attempt)
	}
}

// toInbound converts a paho message. QoS 0 messages need no acknowledgment.
func toInbound(msg mqtt.Message) message.Inbound {
	in := message.Inbound{
		Topic:      msg.Topic(),
		Payload:    msg.Payload(),
		QoS:        msg.Qos(),
		Duplicate:  msg.Duplicate(),
		ReceivedAt: time.Now().UTC(),
		Token:      msg,
	}
	if in.QoS == 0 {
		in.Token = message.NopAck
	}
	return in
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
