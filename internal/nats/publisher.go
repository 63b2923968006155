package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"sqlite-cdc/internal/models"
)

// Connect dials NATS with reconnect handling logged through logger
func Connect(url string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("sqlite-cdc"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Infof("Connected to NATS at %s", url)
	return conn, nil
}

// Publisher publishes change events to NATS
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewPublisher creates a publisher. subject may contain {database}, {table}
// and {type} placeholders.
func NewPublisher(conn *nats.Conn, subject string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}
}

// Subject expands the subject template for an event. Placeholder values
// have NATS token separators and wildcards replaced.
func Subject(template string, event *models.ChangeEvent) string {
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return strings.NewReplacer(
		"{database}", token.Replace(event.Database),
		"{table}", token.Replace(event.Table),
		"{type}", strings.ToLower(event.Type),
	).Replace(template)
}

// Publish publishes a change event to NATS
func (p *Publisher) Publish(event *models.ChangeEvent) error {
	// Script transforms may add fields; publish their output verbatim.
	data := event.RawJSON
	if len(data) == 0 {
		var err error
		if data, err = json.Marshal(event); err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
	}

	subject := Subject(p.subject, event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published %s event for %s.%s to %s", event.Type, event.Database, event.Table, subject)
	return nil
}
