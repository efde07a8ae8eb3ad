package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// notificationSubjects is the subject space owned by this service's stream.
const notificationSubjects = "notifications.feegov.>"

// JetStreamClient publishes to a JetStream stream.
type JetStreamClient struct {
	conn *nats.Conn
	js   jetstream.JetStream
	log  zerolog.Logger
}

// ConnectJetStream connects to url and makes sure stream exists with the
// notification subjects bound to it.
func ConnectJetStream(ctx context.Context, url, stream string, log zerolog.Logger) (*JetStreamClient, error) {
	conn, err := nats.Connect(url,
		nats.Name("fee-governance"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{notificationSubjects},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	log.Info().Str("url", url).Str("stream", stream).Msg("Connected to NATS JetStream")
	return &JetStreamClient{conn: conn, js: js, log: log}, nil
}

// Publish sends data to subject and waits for the stream acknowledgment.
func (c *JetStreamClient) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (c *JetStreamClient) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("NATS drain failed")
	}
}
