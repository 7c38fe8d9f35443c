// Package mqttuplink forwards processed stream values to an MQTT broker.
package mqttuplink

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/timzifer/steerlink/runtime/consumer"
	"github.com/timzifer/steerlink/runtime/history"
	"github.com/timzifer/steerlink/telemetry"
)

const defaultConnectTimeout = 10 * time.Second

// TLSSettings configure the broker TLS connection.
type TLSSettings struct {
	Enabled            bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Settings configure the uplink connection.
type Settings struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLS            *TLSSettings
}

// Message is the JSON document published for every value.
type Message struct {
	Stream   string `json:"stream"`
	TimeUsec int64  `json:"time_usec"`
	Value    any    `json:"value"`
}

// Uplink publishes messages without waiting for broker acknowledgements.
type Uplink struct {
	client    mqtt.Client
	prefix    string
	qos       byte
	retain    bool
	logger    zerolog.Logger
	collector telemetry.Collector
}

// Connect establishes the broker connection.
func Connect(settings Settings, logger zerolog.Logger, collector telemetry.Collector) (*Uplink, error) {
	if settings.Broker == "" {
		return nil, errors.New("mqtt uplink: broker address is required")
	}
	if settings.QoS > 2 {
		return nil, fmt.Errorf("mqtt uplink: invalid qos %d", settings.QoS)
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	logger = logger.With().Str("component", "mqtt_uplink").Str("broker", settings.Broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	if settings.ClientID != "" {
		opts.SetClientID(settings.ClientID)
	}
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	if settings.KeepAlive > 0 {
		opts.SetKeepAlive(settings.KeepAlive)
	}
	timeout := settings.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	if settings.TLS != nil && settings.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(*settings.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info().Msg("reconnecting")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, errors.New("mqtt uplink: connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt uplink: connect failed: %w", err)
	}
	logger.Info().Msg("connected")

	return &Uplink{
		client:    client,
		prefix:    strings.TrimSuffix(settings.TopicPrefix, "/"),
		qos:       settings.QoS,
		retain:    settings.Retain,
		logger:    logger,
		collector: collector,
	}, nil
}

// Topic returns the topic used for stream.
func (u *Uplink) Topic(stream string) string {
	if u.prefix == "" {
		return stream
	}
	return u.prefix + "/" + stream
}

// Publish encodes value and hands it to the client. Delivery failures are
// logged and counted once the token completes.
func (u *Uplink) Publish(stream string, timestamp time.Time, value any) error {
	payload, err := json.Marshal(Message{Stream: stream, TimeUsec: timestamp.UnixMicro(), Value: value})
	if err != nil {
		return fmt.Errorf("mqtt uplink: encode %s: %w", stream, err)
	}
	topic := u.Topic(stream)
	token := u.client.Publish(topic, u.qos, u.retain, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			u.collector.IncSinkDropped("mqtt", 1)
			u.logger.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}()
	return nil
}

// Close disconnects from the broker.
func (u *Uplink) Close() {
	u.client.Disconnect(250)
}

// Handler returns a consumer handler publishing every value of stream.
func Handler[T any](u *Uplink, stream string) consumer.Handler[T] {
	if u == nil {
		panic("mqttuplink: handler requires an uplink")
	}
	return consumer.HandlerFunc[T](func(value history.Timestamped[T]) error {
		return u.Publish(stream, value.Timestamp, value.Value)
	})
}

func buildTLSConfig(settings TLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: settings.InsecureSkipVerify}
	if settings.ServerName != "" {
		cfg.ServerName = settings.ServerName
	}
	if settings.CAFile != "" {
		ca, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt uplink: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("mqtt uplink: parse ca file %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}
	if settings.CertFile != "" && settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt uplink: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
