package repository

import (
	"time"

	"github.com/pesio-ai/be-deal-constructor/internal/deal"
)

// ── Persistence records ──────────────────────────────────────────────────────

// StatusUpdate overwrites one externally observed status column. It is
// written together with the snapshot delta that caused it.
type StatusUpdate struct {
	Kind   deal.WatchKind
	Status deal.ApprovalStatus
}

// CandidateRequest identifies what an automatic source is asked for.
type CandidateRequest struct {
	DealID     string
	UserID     string
	SupplierID string
	TemplateID string
	Step       deal.Step
	Source     deal.Source
}

// Supplier is one row of the supplier catalog. Room is empty for catalog
// suppliers and "blue" or "orange" for supplier-room entries.
type Supplier struct {
	ID            string
	Name          string
	Room          string
	Currency      string
	BankAccounts  []deal.BankAccount
	P2PCards      []deal.P2PCard
	CryptoWallets []deal.CryptoWallet
	Items         []deal.SpecificationItem
	UpdatedAt     time.Time
}

// Data converts the supplier into the requisite collections carried by step 4
func (s *Supplier) Data(origin deal.Source) *deal.SupplierData {
	return &deal.SupplierData{
		ID:            s.ID,
		Name:          s.Name,
		Origin:        origin,
		BankAccounts:  s.BankAccounts,
		P2PCards:      s.P2PCards,
		CryptoWallets: s.CryptoWallets,
	}
}

// DealTemplate is a saved step payload a user can reuse across deals.
type DealTemplate struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Name      string       `json:"name"`
	Step      deal.Step    `json:"step"`
	Payload   deal.Payload `json:"payload"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// StageAuditEntry is one immutable record in the stage audit log.
type StageAuditEntry struct {
	ID          string                 `json:"id"`
	DealID      string                 `json:"deal_id"`
	Event       string                 `json:"event"` // confirm | manager_status | retry_approval | return_to_editing | ...
	FromState   string                 `json:"from_state"`
	ToState     string                 `json:"to_state"`
	Actor       string                 `json:"actor"` // user id, or "poller" for externally observed changes
	PerformedAt time.Time              `json:"performed_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
