// Package notify forwards operator notifications to external channels: a
// NATS subject hierarchy and desktop notifications.
package notify

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/msageha/taskweave/internal/events"
)

// Publisher is the subset of *nats.Conn the forwarder uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder publishes each notification as JSON on
// <prefix>.<kind>.<tree_id>.
type NATSForwarder struct {
	pub    Publisher
	prefix string
	logger zerolog.Logger
}

func NewNATSForwarder(pub Publisher, prefix string, logger zerolog.Logger) *NATSForwarder {
	if prefix == "" {
		prefix = "taskweave"
	}
	return &NATSForwarder{
		pub:    pub,
		prefix: prefix,
		logger: logger.With().Str("component", "nats_forwarder").Logger(),
	}
}

// Subject returns the subject a notification is published on.
func (f *NATSForwarder) Subject(n events.Notification) string {
	tree := n.TreeID
	if tree == "" {
		tree = "_"
	}
	return fmt.Sprintf("%s.%s.%s", f.prefix, n.Kind, tree)
}

// Forward has the events.Subscriber signature.
func (f *NATSForwarder) Forward(n events.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		f.logger.Error().Err(err).Str("item_id", n.ItemID).Msg("notification_marshal_failed")
		return
	}
	if err := f.pub.Publish(f.Subject(n), data); err != nil {
		f.logger.Warn().Err(err).Str("item_id", n.ItemID).Msg("notification_publish_failed")
	}
}

// Connect dials the NATS server with reconnects enabled.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, error) {
	l := logger.With().Str("component", "nats").Logger()
	nc, err := nats.Connect(url,
		nats.Name("taskweave"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("nats_disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("nats_reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}
