package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-constructor/internal/database"
	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
)

// StatusRepository reads the approval statuses the back office writes onto
// the deals table.
type StatusRepository struct {
	db *database.DB
}

// NewStatusRepository creates a new status repository
func NewStatusRepository(db *database.DB) *StatusRepository {
	return &StatusRepository{db: db}
}

func statusColumn(kind deal.WatchKind) (string, error) {
	switch kind {
	case deal.WatchManagerApproval:
		return "manager_approval_status", nil
	case deal.WatchReceiptApproval:
		return "receipt_approval_status", nil
	}
	return "", errors.InvalidInput("watch_kind", fmt.Sprintf("unknown watch kind %q", kind))
}

// GetExternalStatus returns the current status of kind for a deal. A missing
// deal row or an unset column reads as StatusNone.
func (r *StatusRepository) GetExternalStatus(ctx context.Context, dealID string, kind deal.WatchKind) (deal.ApprovalStatus, error) {
	column, err := statusColumn(kind)
	if err != nil {
		return deal.StatusNone, err
	}

	query := fmt.Sprintf(`SELECT COALESCE(%s, '') FROM deals WHERE id = $1`, column)

	var status string
	err = r.db.QueryRow(ctx, query, dealID).Scan(&status)
	if err == pgx.ErrNoRows {
		return deal.StatusNone, nil
	}
	if err != nil {
		return deal.StatusNone, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to read external status")
	}
	return deal.ParseApprovalStatus(status), nil
}

// Observer adapts the repository to the poller for one status kind
func (r *StatusRepository) Observer(kind deal.WatchKind) deal.StatusObserver {
	return deal.StatusObserverFunc(func(ctx context.Context, dealID string) (deal.ApprovalStatus, error) {
		return r.GetExternalStatus(ctx, dealID, kind)
	})
}

func setStatus(ctx context.Context, tx pgx.Tx, dealID string, u StatusUpdate) error {
	column, err := statusColumn(u.Kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO deals (id, %[1]s, updated_at)
		VALUES ($1, NULLIF($2, ''), NOW())
		ON CONFLICT (id) DO UPDATE SET
		    %[1]s = EXCLUDED.%[1]s,
		    updated_at = NOW()
	`, column)

	if _, err := tx.Exec(ctx, query, dealID, string(u.Status)); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update deal status")
	}
	return nil
}
