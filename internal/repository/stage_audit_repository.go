package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-constructor/internal/database"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
)

// StageAuditRepository appends and reads immutable stage transition records.
type StageAuditRepository struct {
	db *database.DB
}

// NewStageAuditRepository creates a new StageAuditRepository.
func NewStageAuditRepository(db *database.DB) *StageAuditRepository {
	return &StageAuditRepository{db: db}
}

// Append inserts one audit entry. The table is append-only; this is the only
// mutation exposed.
func (r *StageAuditRepository) Append(ctx context.Context, entry *StageAuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO deal_stage_audit
		    (deal_id, event, from_state, to_state, actor, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, performed_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.DealID,
		entry.Event,
		entry.FromState,
		entry.ToState,
		entry.Actor,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append stage audit entry")
	}
	return nil
}

// ListByDeal returns the audit trail of a deal ordered oldest-first.
func (r *StageAuditRepository) ListByDeal(ctx context.Context, dealID string) ([]*StageAuditEntry, error) {
	query := `
		SELECT id, deal_id, event, from_state, to_state, actor, performed_at, metadata
		FROM deal_stage_audit
		WHERE deal_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, dealID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *StageAuditRepository) scanRows(rows pgx.Rows) ([]*StageAuditEntry, error) {
	var entries []*StageAuditEntry
	for rows.Next() {
		entry := &StageAuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.DealID,
			&entry.Event,
			&entry.FromState,
			&entry.ToState,
			&entry.Actor,
			&entry.PerformedAt,
			&metadataJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage audit entry")
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read stage audit log")
	}
	return entries, nil
}
