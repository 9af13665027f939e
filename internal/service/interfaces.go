package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-deal-constructor/internal/client"
	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/repository"
)

// SnapshotRepository loads and saves deal snapshots
type SnapshotRepository interface {
	LoadSnapshot(ctx context.Context, dealID string) (deal.Snapshot, error)
	SaveSnapshot(ctx context.Context, dealID string, delta deal.Delta, updates ...repository.StatusUpdate) error
}

// CandidateProvider is an automatic source (profile, template, catalog or a
// supplier room). It returns nil when it has nothing for the request.
type CandidateProvider interface {
	FetchCandidate(ctx context.Context, req repository.CandidateRequest) (*deal.Payload, error)
}

// DocumentAnalyzer extracts fields from an uploaded document
type DocumentAnalyzer interface {
	AnalyzeDocument(ctx context.Context, file []byte, contentType string, hint deal.Step) (*client.ExtractedFields, error)
}

// Notifier publishes deal events. Implementations never fail the caller.
type Notifier interface {
	Notify(ctx context.Context, eventType, dealID, actorID string, payload map[string]interface{})
}

// AuditRepository stores stage transition records
type AuditRepository interface {
	Append(ctx context.Context, entry *repository.StageAuditEntry) error
	ListByDeal(ctx context.Context, dealID string) ([]*repository.StageAuditEntry, error)
}

// TemplateStore saves step data for reuse in later deals
type TemplateStore interface {
	Create(ctx context.Context, t *repository.DealTemplate) error
}

// StatusPoller runs one status watch per deal
type StatusPoller interface {
	Start(resourceID string, interval time.Duration, onChange deal.StatusHandler) *deal.PollHandle
}
