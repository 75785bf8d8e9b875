package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// ClientConfig holds the settings for a gateway client.
type ClientConfig struct {
	// URL is the websocket endpoint of the gateway sidecar.
	URL    string
	Logger *slog.Logger
	// QRWriter receives the rendered login QR code. Defaults to
	// os.Stdout.
	QRWriter io.Writer
	// OnReady is called once the gateway reports a linked session,
	// with the relay's own participant id.
	OnReady func(selfID string)
}

// Client is the websocket client for the gateway sidecar. Inbound
// messages are pushed to a channel; outbound sends share the connection
// behind a write mutex (gorilla/websocket allows one writer at a time).
type Client struct {
	url      string
	logger   *slog.Logger
	qrWriter io.Writer
	onReady  func(string)

	writeMu sync.Mutex
	conn    *websocket.Conn

	messages chan *Message
	done     chan struct{} // closed when the read loop exits
}

// NewClient creates a gateway client. Call Start to connect.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	qrWriter := cfg.QRWriter
	if qrWriter == nil {
		qrWriter = os.Stdout
	}
	return &Client{
		url:      cfg.URL,
		logger:   logger,
		qrWriter: qrWriter,
		onReady:  cfg.OnReady,
		messages: make(chan *Message, 64),
		done:     make(chan struct{}),
	}
}

// Start connects to the gateway and begins the read loop. Must be
// called exactly once. The messages channel closes when the connection
// drops or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("connecting to gateway", "url", c.url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	c.conn = conn

	// Close the connection when ctx is cancelled so the blocked
	// ReadMessage in the read loop returns.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-c.done:
		}
	}()

	go c.readLoop()
	return nil
}

// Messages returns the channel of inbound chat messages.
func (c *Client) Messages() <-chan *Message {
	return c.messages
}

// readLoop decodes frames until the connection fails.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Info("gateway connection closed", "error", err)
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("gateway sent undecodable frame",
				"error", err,
				"frame_len", len(data),
			)
			continue
		}

		switch ev.Type {
		case "message":
			if ev.Message == nil || ev.Message.From == "" {
				c.logger.Debug("gateway message frame without payload")
				continue
			}
			c.messages <- ev.Message

		case "qr":
			c.logger.Info("gateway requires login, scan the QR code below")
			if err := renderQR(c.qrWriter, ev.Code); err != nil {
				c.logger.Error("qr render failed", "error", err)
			}

		case "ready":
			c.logger.Info("gateway session linked", "self_id", ev.SelfID)
			if c.onReady != nil {
				c.onReady(ev.SelfID)
			}

		default:
			c.logger.Debug("gateway sent unknown frame type", "type", ev.Type)
		}
	}
}

// Send delivers a reply addressed by conversation id.
func (c *Client) Send(ctx context.Context, conversationID, body string) error {
	frame := sendFrame{
		Type: "send",
		Send: sendPayload{To: conversationID, Body: body},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal send frame: %w", err)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write send frame: %w", err)
	}
	return nil
}

// Done returns a channel closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
