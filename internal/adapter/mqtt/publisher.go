// Package mqtt publishes meter readings to an MQTT broker with
// automatic reconnection and message buffering.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gridpulse/metergate/internal/domain"
	"github.com/gridpulse/metergate/internal/metrics"
	"github.com/rs/zerolog"
)

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
	BufferSize     int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "metergate",
		TopicPrefix:    "metergate/readings",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		PublishTimeout: 5 * time.Second,
		BufferSize:     1000,
	}
}

// bufferedMessage is a reading waiting to be published.
type bufferedMessage struct {
	topic   string
	payload []byte
}

// Publisher publishes meter readings to the MQTT broker. Readings
// produced while disconnected are buffered and flushed on reconnect;
// when the buffer overflows the oldest reading is dropped.
type Publisher struct {
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	client    pahomqtt.Client
	connected atomic.Bool

	buffer chan *bufferedMessage
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher. Connect must be called before
// readings flow to the broker.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = def.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = def.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = def.TopicPrefix
	}

	return &Publisher{
		config:  config,
		logger:  logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics: metricsReg,
		buffer:  make(chan *bufferedMessage, config.BufferSize),
		done:    make(chan struct{}),
	}
}

// Connect establishes the connection to the MQTT broker and starts the
// buffer drainer.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		p.connected.Store(true)
		p.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := pahomqtt.NewClient(opts)

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")
	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case ok := <-connectDone:
		if !ok {
			return fmt.Errorf("%w: connection timeout", domain.ErrSinkNotConnected)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrSinkNotConnected, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrSinkNotConnected, ctx.Err())
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	p.connected.Store(true)

	p.wg.Add(1)
	go p.processBuffer()

	return nil
}

// Disconnect drains the buffer and closes the broker connection.
func (p *Publisher) Disconnect() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("MQTT disconnected")
}

// topicFor builds the per-meter topic.
func (p *Publisher) topicFor(meterID string) string {
	return p.config.TopicPrefix + "/" + meterID
}

// Publish sends a reading to the broker, buffering it when the broker
// is unreachable.
func (p *Publisher) Publish(ctx context.Context, meterID string, reading *domain.MeterReading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to serialize reading: %w", err)
	}
	topic := p.topicFor(meterID)

	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}
	return p.publishRaw(ctx, topic, payload)
}

// publishRaw sends one payload to the broker.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrSinkNotConnected
	}

	start := time.Now()
	token := client.Publish(topic, p.config.QoS, false, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case ok := <-publishDone:
		if !ok {
			p.recordPublish(false, start)
			return fmt.Errorf("%w: publish timeout", domain.ErrPublishFailed)
		}
		if token.Error() != nil {
			p.recordPublish(false, start)
			return fmt.Errorf("%w: %v", domain.ErrPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.recordPublish(false, start)
		return fmt.Errorf("%w: %v", domain.ErrPublishFailed, ctx.Err())
	}

	p.recordPublish(true, start)
	return nil
}

func (p *Publisher) recordPublish(success bool, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(success, time.Since(start).Seconds())
	}
}

// bufferMessage queues a payload for later delivery, dropping the
// oldest entry when the buffer is full.
func (p *Publisher) bufferMessage(topic string, payload []byte) error {
	msg := &bufferedMessage{topic: topic, payload: payload}

	select {
	case p.buffer <- msg:
		return nil
	default:
		select {
		case <-p.buffer:
			p.buffer <- msg
			p.logger.Warn().Msg("Buffer full, dropped oldest reading")
			return nil
		default:
			return fmt.Errorf("%w: buffer full", domain.ErrPublishFailed)
		}
	}
}

// processBuffer flushes buffered readings once connected.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.buffer:
			if !p.connected.Load() {
				// Re-buffer and back off until the broker returns.
				select {
				case p.buffer <- msg:
				default:
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.topic, msg.payload); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Failed to publish buffered reading")
			}
			cancel()
		}
	}
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrSinkNotConnected
	}
	return nil
}
