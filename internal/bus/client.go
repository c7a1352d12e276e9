// Package bus mirrors terminal job events onto NATS for external
// consumers. The synthesis request path never depends on it.
package bus

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alongcar/tts-service/internal/config"
	"github.com/alongcar/tts-service/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with the job-event publishing helper.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("ttsd"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log.With(slog.String("component", "bus")),
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// PublishJobEvent mirrors one terminal job onto tts.job.<status>.
func (c *Client) PublishJobEvent(event protocol.JobEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		c.log.Warn("failed to marshal job event", slog.String("error", err.Error()))
		return
	}
	subject := protocol.SubjectJobPrefix + event.Status
	if err := c.conn.Publish(subject, data); err != nil {
		c.log.Warn("failed to publish job event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
