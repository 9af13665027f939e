package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-constructor/internal/database"
	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
)

// TemplateRepository handles saved step templates
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create saves a template
func (r *TemplateRepository) Create(ctx context.Context, t *DealTemplate) error {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template payload")
	}

	query := `
		INSERT INTO deal_templates (user_id, name, step, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query, t.UserID, t.Name, int(t.Step), payloadJSON).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create template")
	}
	return nil
}

// GetByID returns one template owned by userID
func (r *TemplateRepository) GetByID(ctx context.Context, id, userID string) (*DealTemplate, error) {
	query := `
		SELECT id, user_id, name, step, payload, created_at, updated_at
		FROM deal_templates
		WHERE id = $1 AND user_id = $2
	`

	t, err := scanTemplate(r.db.QueryRow(ctx, query, id, userID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("template", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get template")
	}
	return t, nil
}

// Latest returns the user's most recently updated template for step
func (r *TemplateRepository) Latest(ctx context.Context, userID string, step deal.Step) (*DealTemplate, error) {
	query := `
		SELECT id, user_id, name, step, payload, created_at, updated_at
		FROM deal_templates
		WHERE user_id = $1 AND step = $2
		ORDER BY updated_at DESC
		LIMIT 1
	`

	t, err := scanTemplate(r.db.QueryRow(ctx, query, userID, int(step)))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("template", step.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get template")
	}
	return t, nil
}

// FetchCandidate returns the requested template, or the user's latest one for
// the step, as a candidate payload
func (r *TemplateRepository) FetchCandidate(ctx context.Context, req CandidateRequest) (*deal.Payload, error) {
	if req.UserID == "" {
		return nil, nil
	}

	var (
		t   *DealTemplate
		err error
	)
	if req.TemplateID != "" {
		t, err = r.GetByID(ctx, req.TemplateID, req.UserID)
	} else {
		t, err = r.Latest(ctx, req.UserID, req.Step)
	}
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Step != req.Step {
		return nil, errors.InvalidInput("template_id", "template belongs to "+t.Step.String())
	}

	payload := t.Payload
	payload.UserChoice = false
	payload.Suggested = nil
	return &payload, nil
}

type templateScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(sc templateScanner) (*DealTemplate, error) {
	t := &DealTemplate{}
	var (
		step        int
		payloadJSON []byte
	)
	err := sc.Scan(&t.ID, &t.UserID, &t.Name, &step, &payloadJSON, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Step = deal.Step(step)
	if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
		return nil, err
	}
	return t, nil
}
