package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/logger"
	"github.com/pesio-ai/be-deal-constructor/internal/metrics"
)

// NotificationPublisher publishes deal events to NATS JetStream for the
// notification service.
//
// Subject convention: <prefix>.<event_type>, prefix defaults to
// notifications.deals. Event types: deal_submitted, deal_manager_approved,
// deal_manager_rejected, receipt_uploaded, receipt_approved, receipt_rejected.
//
// Publishing is non-fatal: errors are logged and counted but never returned,
// so notification failures never block a stage transition.
type NotificationPublisher struct {
	js      jetstream.JetStream
	prefix  string
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewNotificationPublisher creates a publisher. A nil js disables publishing.
func NewNotificationPublisher(js jetstream.JetStream, prefix string, log *logger.Logger, m *metrics.Metrics) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.deals"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &NotificationPublisher{js: js, prefix: prefix, log: log, metrics: m}
}

// ConnectJetStream dials NATS and makes sure the notification stream exists
func ConnectJetStream(ctx context.Context, url, stream, prefix, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}
	return nc, js, nil
}

// Notify publishes a deal event. Subject: <prefix>.<eventType>
func (p *NotificationPublisher) Notify(ctx context.Context, eventType, dealID, actorID string, payload map[string]interface{}) {
	if p == nil || p.js == nil {
		return
	}

	event := &DealEvent{
		EventType:    eventType,
		DealID:       dealID,
		ActorID:      actorID,
		ResourceType: "deal",
		IsActionable: eventType == deal.NotifyDealSubmitted || eventType == deal.NotifyReceiptUploaded,
		Severity:     severity(eventType),
		Category:     "deal_constructor",
		Payload:      payload,
	}
	if state, ok := payload["state"].(string); ok {
		event.Stage = state
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.metrics.ObserveNotificationFailure(eventType)
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.metrics.ObserveNotificationFailure(eventType)
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("deal_id", dealID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("deal_id", dealID).
		Msg("notification: event published")
}

func severity(eventType string) string {
	switch eventType {
	case deal.NotifyManagerRejected, deal.NotifyReceiptRejected:
		return "warning"
	}
	return "info"
}
