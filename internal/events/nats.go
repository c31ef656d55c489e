// Package events publishes login flow events to NATS so a UI layer or audit
// consumer can react to them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

var (
	// ErrNATSURLRequired is returned when the NATS server URL is missing.
	ErrNATSURLRequired = errors.New("events: nats url is required")
)

const defaultSubjectPrefix = "idm.auth"

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	// URL is the NATS server address.
	URL string

	// SubjectPrefix is prepended to the event kind, e.g. idm.auth.signed_out.
	SubjectPrefix string

	// Options are passed to the NATS client.
	Options []nats.Option
}

// publisher is the part of *nats.Conn the sink needs.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes each event as JSON on prefix.kind. Publishing is
// buffered by the client and never waits for the server.
type NATSSink struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATSSink connects to NATS.
func NewNATSSink(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, ErrNATSURLRequired
	}

	opts := append([]nats.Option{nats.Name("simple-idm-totp")}, cfg.Options...)
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	sink := newSink(conn, cfg.SubjectPrefix, logger)
	sink.conn = conn
	return sink, nil
}

func newSink(pub publisher, prefix string, logger *slog.Logger) *NATSSink {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject an event kind is published on.
func (s *NATSSink) Subject(kind domain.EventKind) string {
	return s.prefix + "." + string(kind)
}

// Publish implements auth.EventSink. Failures are logged, never returned.
func (s *NATSSink) Publish(ctx context.Context, event domain.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || ctx.Err() != nil {
		return
	}

	msg, err := s.message(event)
	if err != nil {
		s.logger.Error("failed to encode event", "error", err, "kind", event.Kind)
		return
	}
	if err := s.pub.PublishMsg(msg); err != nil {
		s.logger.Warn("failed to publish event", "error", err, "subject", msg.Subject)
	}
}

func (s *NATSSink) message(event domain.Event) (*nats.Msg, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(s.Subject(event.Kind))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	msg.Header.Set("Content-Type", "application/json")
	return msg, nil
}

// Close flushes pending events and closes the connection.
func (s *NATSSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn.Close()
	return err
}
