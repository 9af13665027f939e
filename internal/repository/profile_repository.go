package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-constructor/internal/database"
	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
)

// ProfileRepository reads the saved company profile of a user. It answers
// only for the company step.
type ProfileRepository struct {
	db *database.DB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *database.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetCompany returns the user's company profile
func (r *ProfileRepository) GetCompany(ctx context.Context, userID string) (*deal.Company, error) {
	query := `
		SELECT payload
		FROM company_profiles
		WHERE user_id = $1
	`

	var payloadJSON []byte
	err := r.db.QueryRow(ctx, query, userID).Scan(&payloadJSON)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("company profile", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get company profile")
	}

	company := &deal.Company{}
	if err := json.Unmarshal(payloadJSON, company); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode company profile")
	}
	return company, nil
}

// FetchCandidate returns the profile as a company step payload, or nil when
// the user has none
func (r *ProfileRepository) FetchCandidate(ctx context.Context, req CandidateRequest) (*deal.Payload, error) {
	if req.Step != deal.StepCompany || req.UserID == "" {
		return nil, nil
	}

	company, err := r.GetCompany(ctx, req.UserID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &deal.Payload{Company: company}, nil
}
