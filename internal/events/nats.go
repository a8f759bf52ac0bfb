// Package events publishes completed mutations to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/coordinator"
)

// SignatureHeader carries the HMAC of the message body.
const SignatureHeader = "Nimbusgate-Signature"

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "nimbusgate"

// Signer signs message bodies. *credential.Broker satisfies it.
type Signer interface {
	SignMessage(payload []byte) (string, error)
}

// Config configures the NATS publisher.
type Config struct {
	URL           string
	SubjectPrefix string
	Timeout       time.Duration
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// Publisher publishes coordinator events as JSON on
// <prefix>.file.<action>.
type Publisher struct {
	conn    conn
	prefix  string
	timeout time.Duration
	signer  Signer
	logger  *zap.Logger
}

var _ coordinator.Publisher = (*Publisher)(nil)

// Connect dials NATS and returns a publisher. The connection reconnects
// indefinitely.
func Connect(cfg Config, signer Signer, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("nimbusgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newPublisher(nc, cfg, signer, logger), nil
}

func newPublisher(c conn, cfg Config, signer Signer, logger *zap.Logger) *Publisher {
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: c, prefix: prefix, timeout: cfg.Timeout, signer: signer, logger: logger}
}

// Subject returns the subject an action is published on.
func (p *Publisher) Subject(action string) string {
	return p.prefix + ".file." + action
}

// Publish sends ev. The message id header lets JetStream streams drop
// duplicates.
func (p *Publisher) Publish(ctx context.Context, ev coordinator.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(ev.Action))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	if p.signer != nil {
		sig, err := p.signer.SignMessage(data)
		if err != nil {
			return fmt.Errorf("sign event: %w", err)
		}
		if sig != "" {
			msg.Header.Set(SignatureHeader, sig)
		}
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if p.timeout > 0 {
		if err := p.conn.FlushTimeout(p.timeout); err != nil {
			return fmt.Errorf("flush %s: %w", msg.Subject, err)
		}
	}
	p.logger.Debug("Event published", zap.String("subject", msg.Subject), zap.String("path", ev.Path))
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
