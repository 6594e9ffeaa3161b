package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"notibridge/internal/notification"
	logx "notibridge/pkg/logx"
)

const mqttConnectTimeout = 30 * time.Second

// MQTTConfig configures the MQTT mirror sink.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// Events go to <TopicPrefix>/<kind>.
	TopicPrefix string
	QoS         byte
	Retain      bool
	// KeepImages publishes the encoded image bytes; they are stripped otherwise.
	KeepImages bool
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each event as JSON to an MQTT broker.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqttPublisher
	close  func()
}

func NewMQTTSink(cfg MQTTConfig, log logx.Logger) (*MQTTSink, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d out of range", cfg.QoS)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "notibridge"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt connected", logx.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", logx.String("broker", cfg.Broker), logx.Err(err))
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		c.Disconnect(0)
		return nil, errors.New("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTSink{cfg: cfg, client: c, close: func() { c.Disconnect(250) }}, nil
}

// Topic returns the topic an event of kind k is published to.
func (s *MQTTSink) Topic(k notification.Kind) string {
	prefix := strings.TrimSuffix(s.cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "notibridge"
	}
	return prefix + "/" + string(k)
}

func (s *MQTTSink) Publish(ctx context.Context, ev notification.Event) error {
	if !s.cfg.KeepImages {
		ev.Record.AppIconImage, ev.Record.LargeIconImage, ev.Record.ExtraPictureImage = nil, nil, nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mqtt encode: %w", err)
	}
	token := s.client.Publish(s.Topic(ev.Kind), s.cfg.QoS, s.cfg.Retain, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Close() {
	if s.close != nil {
		s.close()
	}
}
