// Package mqtt publishes relay runtime stats to an MQTT broker. The
// publisher is optional; when disabled nothing in the relay touches
// this package.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/mvbarbosa/zaprelay/internal/config"
)

// StatsSource provides runtime data for the periodic stats payload.
// The concrete adapter is wired in main.go to avoid coupling this
// package to the dispatcher or the auth gate.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// Conversations returns the count of conversations with history.
	Conversations() int
	// Authorized returns the count of authorized conversations.
	Authorized() int
	// Outcomes returns dispatch outcome counts keyed by outcome name.
	Outcomes() map[string]int
	// Models returns routed request counts keyed by model name.
	Models() map[string]int
}

// Publisher manages the MQTT connection, keeps a retained availability
// topic up to date, and runs a periodic loop that pushes a JSON stats
// payload to the broker.
type Publisher struct {
	cfg    config.MQTTConfig
	stats  StatsSource
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, stats StatsSource, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		stats:  stats,
		logger: logger,
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. A will message flips the
// availability topic to "offline" if the connection dies.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.Topic,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.Topic + "/availability"
}

func (p *Publisher) statsTopic() string {
	return p.cfg.Topic + "/stats"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStats(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx)
		}
	}
}

// statsPayload is the JSON body published to the stats topic.
type statsPayload struct {
	Uptime        string         `json:"uptime"`
	Version       string         `json:"version"`
	Conversations int            `json:"conversations"`
	Authorized    int            `json:"authorized"`
	Outcomes      map[string]int `json:"outcomes"`
	Models        map[string]int `json:"models"`
}

func (p *Publisher) publishStats(ctx context.Context) {
	if p.cm == nil {
		return
	}

	payload, err := json.Marshal(statsPayload{
		Uptime:        p.stats.Uptime().Truncate(time.Second).String(),
		Version:       p.stats.Version(),
		Conversations: p.stats.Conversations(),
		Authorized:    p.stats.Authorized(),
		Outcomes:      p.stats.Outcomes(),
		Models:        p.stats.Models(),
	})
	if err != nil {
		p.logger.Error("mqtt marshal stats payload", "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
		return
	}

	p.logger.Debug("mqtt stats published", "bytes", len(payload))
}
