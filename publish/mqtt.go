package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/agrosmart/viewmodel"
)

const (
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250
)

// Config holds the broker connection and publishing settings
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	Retained       bool
	ConnectRetries uint64
}

// Connect dials the broker, retrying with exponential backoff
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute

	var client mqtt.Client
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		client = mqtt.NewClient(opts)
		token := client.Connect()
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Warn("failed to connect to mqtt broker",
				zap.String("broker", cfg.Broker),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, cfg.ConnectRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not connect to mqtt broker %s: %w", cfg.Broker, err)
	}

	logger.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))
	return client, nil
}

// Client is the part of mqtt.Client the publisher needs
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes every snapshot as JSON to one topic
type MQTTPublisher struct {
	client   Client
	topic    string
	qos      byte
	retained bool
	logger   *zap.Logger
}

// NewMQTTPublisher creates a publisher over an established client
func NewMQTTPublisher(client Client, cfg Config, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client:   client,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		retained: cfg.Retained,
		logger:   logger,
	}
}

// Publish sends snap and waits for the broker to accept it
func (p *MQTTPublisher) Publish(snap viewmodel.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, p.retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timed out publishing snapshot")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	p.logger.Debug("published snapshot",
		zap.String("topic", p.topic),
		zap.Uint64("version", snap.Version))
	return nil
}

// Follow publishes every snapshot from updates until ctx is done or updates is closed.
// Failures are logged; the next snapshot supersedes the lost one.
func (p *MQTTPublisher) Follow(ctx context.Context, updates <-chan viewmodel.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := p.Publish(snap); err != nil {
				p.logger.Warn("snapshot not published",
					zap.Uint64("version", snap.Version),
					zap.Error(err))
			}
		}
	}
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
		p.logger.Info("mqtt client disconnected")
	}
}
