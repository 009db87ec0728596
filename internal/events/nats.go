package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pitabwire/taskgate/internal/observability"
)

// msgPublisher abstracts core NATS and JetStream publishing.
type msgPublisher interface {
	publish(ctx context.Context, msg *nats.Msg) error
}

type corePublisher struct{ conn *nats.Conn }

func (p corePublisher) publish(_ context.Context, msg *nats.Msg) error {
	return p.conn.PublishMsg(msg)
}

type jetStreamPublisher struct{ js jetstream.JetStream }

func (p jetStreamPublisher) publish(ctx context.Context, msg *nats.Msg) error {
	_, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(msg.Header.Get(nats.MsgIdHdr)))
	return err
}

// NATSPublisher publishes events as JSON on <prefix>.<type>, e.g.
// taskgate.tasks.task.claimed. The event id travels in the Nats-Msg-Id
// header and trace context in W3C headers.
type NATSPublisher struct {
	conn   *nats.Conn
	pub    msgPublisher
	prefix string
}

// NewNATSPublisher wraps an established connection. With useJetStream the
// stream covering prefix must already exist.
func NewNATSPublisher(conn *nats.Conn, prefix string, useJetStream bool) (*NATSPublisher, error) {
	p := &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), pub: corePublisher{conn: conn}}
	if useJetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			return nil, fmt.Errorf("events: jetstream: %w", err)
		}
		p.pub = jetStreamPublisher{js: js}
	}
	return p, nil
}

// Connect dials NATS with reconnect settings suited to a long-running service.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return conn, nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish sends ev.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.Type, err)
	}

	msg := nats.NewMsg(p.Subject(ev.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, http.Header(msg.Header))

	if err := p.pub.publish(ctx, msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Check reports whether the connection is usable.
func (p *NATSPublisher) Check(_ context.Context) error {
	if p.conn == nil {
		return errors.New("nats connection not configured")
	}
	if status := p.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
