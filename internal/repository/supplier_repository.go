package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-constructor/internal/database"
	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
)

// Supplier rooms
const (
	RoomBlue   = "blue"
	RoomOrange = "orange"
)

// roomFor maps a supplier source onto the room column value
func roomFor(source deal.Source) (string, bool) {
	switch source {
	case deal.SourceCatalog:
		return "", true
	case deal.SourceBlueRoom:
		return RoomBlue, true
	case deal.SourceOrangeRoom:
		return RoomOrange, true
	}
	return "", false
}

// SupplierRepository reads the supplier catalog and the supplier rooms
type SupplierRepository struct {
	db *database.DB
}

// NewSupplierRepository creates a new supplier repository
func NewSupplierRepository(db *database.DB) *SupplierRepository {
	return &SupplierRepository{db: db}
}

// GetByID returns a supplier from the catalog (room "") or a supplier room
func (r *SupplierRepository) GetByID(ctx context.Context, id, room string) (*Supplier, error) {
	query := `
		SELECT id, name, COALESCE(room, ''), COALESCE(currency, ''),
		       bank_accounts, p2p_cards, crypto_wallets, items, updated_at
		FROM suppliers
		WHERE id = $1 AND COALESCE(room, '') = $2
	`

	s := &Supplier{}
	var bankJSON, p2pJSON, cryptoJSON, itemsJSON []byte
	err := r.db.QueryRow(ctx, query, id, room).Scan(
		&s.ID,
		&s.Name,
		&s.Room,
		&s.Currency,
		&bankJSON,
		&p2pJSON,
		&cryptoJSON,
		&itemsJSON,
		&s.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("supplier", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get supplier")
	}

	for _, col := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"bank_accounts", bankJSON, &s.BankAccounts},
		{"p2p_cards", p2pJSON, &s.P2PCards},
		{"crypto_wallets", cryptoJSON, &s.CryptoWallets},
		{"items", itemsJSON, &s.Items},
	} {
		if err := unmarshalIfSet(col.raw, col.dst); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to decode supplier %s", col.name))
		}
	}
	return s, nil
}

// FetchCandidate turns a supplier record into a payload for the requested
// step: the goods list for step 2, supplier data for step 4 and the first
// available requisite for step 5.
func (r *SupplierRepository) FetchCandidate(ctx context.Context, req CandidateRequest) (*deal.Payload, error) {
	room, ok := roomFor(req.Source)
	if !ok || req.SupplierID == "" {
		return nil, nil
	}

	s, err := r.GetByID(ctx, req.SupplierID, room)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return SupplierPayload(s, req.Step, req.Source), nil
}

// SupplierPayload builds the step payload a supplier record yields, or nil
// when the supplier has nothing for the step
func SupplierPayload(s *Supplier, step deal.Step, origin deal.Source) *deal.Payload {
	data := s.Data(origin)

	switch step {
	case deal.StepSpecification:
		if len(s.Items) == 0 {
			return nil
		}
		return &deal.Payload{Specification: &deal.Specification{
			SupplierName: s.Name,
			Currency:     s.Currency,
			Items:        s.Items,
		}}

	case deal.StepPaymentMethod:
		methods := data.Methods()
		if len(methods) == 0 {
			return nil
		}
		choice := &deal.PaymentMethodChoice{Supplier: data}
		// Only an unambiguous supplier pre-selects the method.
		if len(methods) == 1 {
			choice.Method = methods[0]
		}
		return &deal.Payload{PaymentMethod: choice}

	case deal.StepRequisites:
		for _, m := range data.Methods() {
			if req, ok := deal.DeriveRequisites(m, data); ok {
				return &deal.Payload{Requisites: &req}
			}
		}
	}
	return nil
}
