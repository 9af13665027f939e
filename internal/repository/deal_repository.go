package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-constructor/internal/database"
	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
)

// DealRepository persists deal snapshots. Step maps are stored as JSONB
// objects keyed by step number and merged key by key on save.
type DealRepository struct {
	db *database.DB
}

// NewDealRepository creates a new deal repository
func NewDealRepository(db *database.DB) *DealRepository {
	return &DealRepository{db: db}
}

// LoadSnapshot returns the point-in-time state of a deal. A deal that was
// never saved yields a NOT_FOUND error.
func (r *DealRepository) LoadSnapshot(ctx context.Context, dealID string) (deal.Snapshot, error) {
	query := `
		SELECT step_configs, step_data, suggestions, stage_state
		FROM deal_snapshots
		WHERE deal_id = $1
	`

	var configsJSON, dataJSON, suggestionsJSON, stageJSON []byte
	err := r.db.QueryRow(ctx, query, dealID).Scan(&configsJSON, &dataJSON, &suggestionsJSON, &stageJSON)
	if err == pgx.ErrNoRows {
		return deal.Snapshot{}, errors.NotFound("deal snapshot", dealID)
	}
	if err != nil {
		return deal.Snapshot{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to load deal snapshot")
	}

	return decodeSnapshot(configsJSON, dataJSON, suggestionsJSON, stageJSON)
}

// SaveSnapshot merges delta into the stored snapshot and applies the status
// updates in the same transaction.
func (r *DealRepository) SaveSnapshot(ctx context.Context, dealID string, delta deal.Delta, updates ...StatusUpdate) error {
	rec, err := encodeDelta(delta)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode deal snapshot")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO deal_snapshots
			    (deal_id, step_configs, step_data, suggestions, stage_state, updated_at)
			VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, $6::jsonb), NOW())
			ON CONFLICT (deal_id) DO UPDATE SET
			    step_configs = (deal_snapshots.step_configs - $7::text[]) || EXCLUDED.step_configs,
			    step_data    = (deal_snapshots.step_data - $7::text[]) || EXCLUDED.step_data,
			    suggestions  = (deal_snapshots.suggestions - $8::text[]) || EXCLUDED.suggestions,
			    stage_state  = COALESCE($5::jsonb, deal_snapshots.stage_state),
			    updated_at   = NOW()
		`

		_, err := tx.Exec(ctx, query,
			dealID,
			rec.configs,
			rec.data,
			rec.suggestions,
			rec.stage,
			rec.initialStage,
			rec.clearedSteps,
			rec.clearedSuggestions,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save deal snapshot")
		}

		for _, u := range updates {
			if err := setStatus(ctx, tx, dealID, u); err != nil {
				return err
			}
		}
		return nil
	})
}

// ── encoding helpers ─────────────────────────────────────────────────────────

type snapshotRecord struct {
	configs            []byte
	data               []byte
	suggestions        []byte
	stage              []byte // nil keeps the stored stage
	initialStage       []byte
	clearedSteps       []string
	clearedSuggestions []string
}

func encodeDelta(delta deal.Delta) (*snapshotRecord, error) {
	rec := &snapshotRecord{
		clearedSteps:       stepKeys(delta.ClearedSteps),
		clearedSuggestions: stepKeys(delta.ClearedSuggestions),
	}

	var err error
	if rec.configs, err = marshalMap(delta.Configs); err != nil {
		return nil, fmt.Errorf("step configs: %w", err)
	}
	if rec.data, err = marshalMap(delta.Data); err != nil {
		return nil, fmt.Errorf("step data: %w", err)
	}
	if rec.suggestions, err = marshalMap(delta.Suggestions); err != nil {
		return nil, fmt.Errorf("suggestions: %w", err)
	}
	if delta.Stage != nil {
		if rec.stage, err = json.Marshal(delta.Stage); err != nil {
			return nil, fmt.Errorf("stage state: %w", err)
		}
	}
	if rec.initialStage, err = json.Marshal(deal.InitialStageState()); err != nil {
		return nil, fmt.Errorf("initial stage state: %w", err)
	}
	return rec, nil
}

// marshalMap encodes a step-keyed map, rendering nil maps as an empty object
func marshalMap[V any](m map[deal.Step]V) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func stepKeys(steps []deal.Step) []string {
	keys := make([]string, 0, len(steps))
	for _, s := range steps {
		keys = append(keys, strconv.Itoa(int(s)))
	}
	return keys
}

func decodeSnapshot(configsJSON, dataJSON, suggestionsJSON, stageJSON []byte) (deal.Snapshot, error) {
	snap := deal.NewSnapshot()

	if err := unmarshalIfSet(configsJSON, &snap.Steps.Configs); err != nil {
		return deal.Snapshot{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode step configs")
	}
	if err := unmarshalIfSet(dataJSON, &snap.Steps.Data); err != nil {
		return deal.Snapshot{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode step data")
	}
	if err := unmarshalIfSet(suggestionsJSON, &snap.Steps.Suggestions); err != nil {
		return deal.Snapshot{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode suggestions")
	}
	if err := unmarshalIfSet(stageJSON, &snap.Stage); err != nil {
		return deal.Snapshot{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode stage state")
	}

	// Drop entries for unknown steps or sources left behind by older writers.
	for step, src := range snap.Steps.Configs {
		if !step.Valid() || !src.Valid() {
			delete(snap.Steps.Configs, step)
			delete(snap.Steps.Data, step)
		}
	}
	for step := range snap.Steps.Data {
		if _, ok := snap.Steps.Configs[step]; !ok {
			delete(snap.Steps.Data, step)
		}
	}
	if snap.Stage.State == "" {
		snap.Stage = deal.InitialStageState()
	}
	return snap, nil
}

func unmarshalIfSet(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
