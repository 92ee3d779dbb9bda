package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	msgs       []published
	streams    map[string]*nats.StreamConfig
	publishErr error
}

func newFakeJetStream() *fakeJetStream {
	return &fakeJetStream{streams: make(map[string]*nats.StreamConfig)}
}

func (f *fakeJetStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.msgs = append(f.msgs, published{subject: subj, data: data})
	return &nats.PubAck{Stream: "CRM_NOTIFICATIONS", Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJetStream) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func TestSendPublishesOnEventSubject(t *testing.T) {
	js := newFakeJetStream()
	p := NewNotificationPublisher(js, "notifications.crm", zerolog.Nop())

	err := p.Send(context.Background(), &repository.Notification{
		TenantID:   "tenant-a",
		Event:      "quote.accepted",
		ActorID:    "u1",
		RecordKind: stagegraph.KindQuote,
		RecordID:   "q1",
		Roles:      []string{"sales_manager"},
		Payload:    map[string]any{"from": "SENT", "to": "ACCEPTED"},
	})
	require.NoError(t, err)
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "notifications.crm.quote.accepted", js.msgs[0].subject)

	var event NotificationEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &event))
	assert.Equal(t, "tenant-a", event.TenantID)
	assert.Equal(t, "QUOTE", event.ResourceType)
	assert.Equal(t, []string{"sales_manager"}, event.Roles)
	assert.False(t, event.IsActionable)
}

func TestSendSkipsEmptyAudience(t *testing.T) {
	js := newFakeJetStream()
	p := NewNotificationPublisher(js, "notifications.crm", zerolog.Nop())

	require.NoError(t, p.Send(context.Background(), &repository.Notification{Event: "deal.lost"}))
	assert.Empty(t, js.msgs)
}

func TestSendReturnsPublishError(t *testing.T) {
	js := newFakeJetStream()
	js.publishErr = errors.New("no responders")
	p := NewNotificationPublisher(js, "notifications.crm", zerolog.Nop())

	err := p.Send(context.Background(), &repository.Notification{Event: "approval.requested", Recipients: []string{"mgr"}})
	assert.ErrorContains(t, err, "notifications.crm.approval.requested")
}

func TestNilJetStreamIsNoop(t *testing.T) {
	p := NewNotificationPublisher(nil, "notifications.crm", zerolog.Nop())
	assert.NoError(t, p.EnsureStream("CRM_NOTIFICATIONS"))
	assert.NoError(t, p.Send(context.Background(), &repository.Notification{Event: "x", Roles: []string{"r"}}))
}

func TestEnsureStreamCreatesOnce(t *testing.T) {
	js := newFakeJetStream()
	p := NewNotificationPublisher(js, "notifications.crm", zerolog.Nop())

	require.NoError(t, p.EnsureStream("CRM_NOTIFICATIONS"))
	require.Contains(t, js.streams, "CRM_NOTIFICATIONS")
	assert.Equal(t, []string{"notifications.crm.>"}, js.streams["CRM_NOTIFICATIONS"].Subjects)

	js.streams["CRM_NOTIFICATIONS"].MaxMsgs = 7
	require.NoError(t, p.EnsureStream("CRM_NOTIFICATIONS"))
	assert.Equal(t, int64(7), js.streams["CRM_NOTIFICATIONS"].MaxMsgs)
}
