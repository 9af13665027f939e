package deal

import "time"

// Method is a payment method offered by the three-way choice on step 4
type Method string

const (
	MethodBankTransfer Method = "bank-transfer"
	MethodP2P          Method = "p2p"
	MethodCrypto       Method = "crypto"
)

// Valid reports whether m is one of the three concrete methods
func (m Method) Valid() bool {
	switch m {
	case MethodBankTransfer, MethodP2P, MethodCrypto:
		return true
	}
	return false
}

// NotSpecified is rendered in place of absent requisite fields
const NotSpecified = "not specified"

// Company is the buyer identity (step 1)
type Company struct {
	Name    string `json:"name"`
	TaxID   string `json:"tax_id,omitempty"`
	Address string `json:"address,omitempty"`
	Country string `json:"country,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// SpecificationItem is one goods line. Amounts are in minor units.
type SpecificationItem struct {
	Name      string  `json:"name"`
	Code      string  `json:"code,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	Quantity  float64 `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
	Total     int64   `json:"total"`
}

// Specification is the goods list (step 2)
type Specification struct {
	SupplierName string              `json:"supplier_name,omitempty"`
	Currency     string              `json:"currency,omitempty"`
	Items        []SpecificationItem `json:"items"`
}

// Total sums the line totals
func (s *Specification) Total() int64 {
	var total int64
	for _, it := range s.Items {
		total += it.Total
	}
	return total
}

// Attachment references an uploaded file (steps 3, 6 and 7)
type Attachment struct {
	FileName   string    `json:"file_name"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at,omitempty"`
}

// BankAccount is a bank-transfer requisite
type BankAccount struct {
	BankName         string `json:"bankName,omitempty"`
	AccountNumber    string `json:"accountNumber,omitempty"`
	SWIFT            string `json:"swift,omitempty"`
	RecipientName    string `json:"recipientName,omitempty"`
	TransferCurrency string `json:"transferCurrency,omitempty"`
}

// P2PCard is a card-to-card requisite
type P2PCard struct {
	Bank       string `json:"bank,omitempty"`
	CardNumber string `json:"card_number,omitempty"`
	HolderName string `json:"holder_name,omitempty"`
}

// CryptoWallet is a crypto requisite
type CryptoWallet struct {
	Network string `json:"network,omitempty"`
	Address string `json:"address,omitempty"`
}

// SupplierData carries a supplier's requisite collections
type SupplierData struct {
	ID            string         `json:"id,omitempty"`
	Name          string         `json:"name,omitempty"`
	Origin        Source         `json:"origin,omitempty"`
	BankAccounts  []BankAccount  `json:"bank_accounts,omitempty"`
	P2PCards      []P2PCard      `json:"p2p_cards,omitempty"`
	CryptoWallets []CryptoWallet `json:"crypto_wallets,omitempty"`
}

// Methods lists the methods for which the supplier has at least one requisite
func (s *SupplierData) Methods() []Method {
	if s == nil {
		return nil
	}
	var methods []Method
	if len(s.BankAccounts) > 0 {
		methods = append(methods, MethodBankTransfer)
	}
	if len(s.P2PCards) > 0 {
		methods = append(methods, MethodP2P)
	}
	if len(s.CryptoWallets) > 0 {
		methods = append(methods, MethodCrypto)
	}
	return methods
}

// PaymentMethodChoice is the step 4 payload
type PaymentMethodChoice struct {
	Method   Method        `json:"method,omitempty"`
	Supplier *SupplierData `json:"supplier_data,omitempty"`
}

// Requisites is the step 5 payload. Exactly one of Bank, P2P or Crypto is
// expected to match Method, but none is guaranteed to be present.
type Requisites struct {
	Method Method        `json:"method"`
	Bank   *BankAccount  `json:"bank,omitempty"`
	P2P    *P2PCard      `json:"p2p,omitempty"`
	Crypto *CryptoWallet `json:"crypto,omitempty"`
}

// Field is a labelled requisite value ready for display
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func field(name, value string) Field {
	if value == "" {
		value = NotSpecified
	}
	return Field{Name: name, Value: value}
}

// Fields returns the display fields for the requisite's method. Absent
// values render as NotSpecified.
func (r *Requisites) Fields() []Field {
	if r == nil {
		return nil
	}
	switch r.Method {
	case MethodCrypto:
		w := r.Crypto
		if w == nil {
			w = &CryptoWallet{}
		}
		return []Field{field("network", w.Network), field("address", w.Address)}
	case MethodP2P:
		c := r.P2P
		if c == nil {
			c = &P2PCard{}
		}
		return []Field{
			field("bank", c.Bank),
			field("card_number", c.CardNumber),
			field("holder_name", c.HolderName),
		}
	case MethodBankTransfer:
		b := r.Bank
		if b == nil {
			b = &BankAccount{}
		}
		return []Field{
			field("bankName", b.BankName),
			field("accountNumber", b.AccountNumber),
			field("swift", b.SWIFT),
			field("recipientName", b.RecipientName),
			field("transferCurrency", b.TransferCurrency),
		}
	}
	return nil
}

func (r *Requisites) empty() bool {
	return r == nil || (r.Method == "" && r.Bank == nil && r.P2P == nil && r.Crypto == nil)
}

// Payload is the data held for one step. Only the body matching the step is
// expected to be set. Payloads are treated as immutable once written.
type Payload struct {
	// UserChoice marks data the user explicitly chose or entered
	UserChoice bool `json:"user_choice,omitempty"`
	// Suggested is false for data the user confirmed, true for tentative
	// automatic data and nil when unknown
	Suggested *bool `json:"suggested,omitempty"`

	Company       *Company             `json:"company,omitempty"`
	Specification *Specification       `json:"specification,omitempty"`
	Document      *Attachment          `json:"document,omitempty"`
	PaymentMethod *PaymentMethodChoice `json:"payment_method,omitempty"`
	Requisites    *Requisites          `json:"requisites,omitempty"`
	Receipt       *Attachment          `json:"receipt,omitempty"`
	Confirmation  *Attachment          `json:"confirmation,omitempty"`
}

// Chosen reports whether the user already committed to this payload
func (p Payload) Chosen() bool {
	return p.UserChoice || (p.Suggested != nil && !*p.Suggested)
}

// IsEmpty reports whether the payload carries no step data
func (p Payload) IsEmpty() bool {
	return p.Company == nil &&
		(p.Specification == nil || len(p.Specification.Items) == 0) &&
		p.Document == nil &&
		(p.PaymentMethod == nil || (p.PaymentMethod.Method == "" && p.PaymentMethod.Supplier == nil)) &&
		p.Requisites.empty() &&
		p.Receipt == nil &&
		p.Confirmation == nil
}

// Method returns the payment method carried by a step 4 or step 5 payload
func (p Payload) Method() Method {
	if p.PaymentMethod != nil && p.PaymentMethod.Method != "" {
		return p.PaymentMethod.Method
	}
	if p.Requisites != nil {
		return p.Requisites.Method
	}
	return ""
}

// Supplier returns the supplier data attached to a step 4 payload
func (p Payload) Supplier() *SupplierData {
	if p.PaymentMethod == nil {
		return nil
	}
	return p.PaymentMethod.Supplier
}

func boolPtr(b bool) *bool {
	return &b
}
