package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
)

// JetStream is the slice of nats.JetStreamContext the publisher needs.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// NotificationPublisher publishes pipeline events to NATS JetStream for the
// notifications service.
//
// Subject convention: <prefix>.<event>, e.g. notifications.crm.quote.accepted
// and notifications.crm.approval.requested.
type NotificationPublisher struct {
	js     JetStream
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	ActorID      string         `json:"actor_id"`
	Roles        []string       `json:"roles,omitempty"`
	Recipients   []string       `json:"recipients,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Category     string         `json:"category"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil js turns Send into a
// logged no-op, which is how the service runs without NATS configured.
func NewNotificationPublisher(js JetStream, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, prefix: prefix, log: log}
}

// ConnectJetStream dials NATS and returns the connection and its JetStream
// context.
func ConnectJetStream(url, name string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream context: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the notification stream if it does not exist yet.
func (p *NotificationPublisher) EnsureStream(name string) error {
	if p.js == nil {
		return nil
	}
	if _, err := p.js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{p.prefix + ".>"},
		Storage:  nats.FileStorage,
		MaxMsgs:  100000,
		MaxBytes: 256 << 20,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", name, err)
	}
	return nil
}

// Subject returns the subject an event is published on.
func (p *NotificationPublisher) Subject(event string) string {
	return p.prefix + "." + event
}

// Send publishes one notification. Notifications with no audience are
// dropped.
func (p *NotificationPublisher) Send(ctx context.Context, n *repository.Notification) error {
	if len(n.Roles) == 0 && len(n.Recipients) == 0 {
		return nil
	}
	subject := p.Subject(n.Event)
	if p.js == nil {
		p.log.Debug().Str("subject", subject).Str("record_id", n.RecordID).Msg("notification: nats disabled, dropped")
		return nil
	}

	event := &NotificationEvent{
		EventType:    n.Event,
		TenantID:     n.TenantID,
		ActorID:      n.ActorID,
		Roles:        n.Roles,
		Recipients:   n.Recipients,
		ResourceType: string(n.RecordKind),
		ResourceID:   n.RecordID,
		IsActionable: len(n.Recipients) > 0,
		Category:     "crm_pipeline",
		Payload:      n.Payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", n.Event, err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("record_id", n.RecordID).
		Int("roles", len(n.Roles)).
		Int("recipients", len(n.Recipients)).
		Msg("notification: event published")
	return nil
}
