package deal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func p2pOnlySupplier() *SupplierData {
	return &SupplierData{
		ID:       "sup-1",
		Name:     "Shenzhen Parts",
		Origin:   SourceCatalog,
		P2PCards: []P2PCard{{Bank: "X", CardNumber: "1111"}},
	}
}

func suggestSupplier(t *testing.T, s *Store, supplier *SupplierData) {
	t.Helper()
	s.Update(func(tx *Tx) {
		require.True(t, tx.Suggest(Suggestion{
			Step:    StepPaymentMethod,
			Source:  supplier.Origin,
			Payload: Payload{PaymentMethod: &PaymentMethodChoice{Supplier: supplier}},
		}))
	})
}

func TestManualRequisitesSurviveCatalogLookup(t *testing.T) {
	s := NewStore(NewStepState())
	s.Update(func(tx *Tx) {
		WriteRequisites(tx, SourceManual, bankPayload("Sber"))
	})

	var res CrossFill
	s.Update(func(tx *Tx) {
		res = WritePaymentMethod(tx, SourceCatalog, Payload{PaymentMethod: &PaymentMethodChoice{
			Method: MethodCrypto,
			Supplier: &SupplierData{
				Origin:        SourceCatalog,
				CryptoWallets: []CryptoWallet{{Network: "TRC20", Address: "T9yD"}},
			},
		}})
	})

	assert.Equal(t, VerdictRejectedChosen, res.Method, "step 4 was switched to manual by the requisites write")
	snap := s.Snapshot()
	assert.Equal(t, SourceManual, snap.Configs[StepRequisites])
	assert.Equal(t, MethodBankTransfer, snap.Data[StepRequisites].Method())
	assert.Equal(t, "Sber", snap.Data[StepRequisites].Requisites.Bank.BankName)
	assert.True(t, snap.Data[StepRequisites].UserChoice)
}

func TestCatalogCrossFillRejectedByManualStepFive(t *testing.T) {
	s := NewStore(NewStepState())
	s.Write(Candidate{Step: StepRequisites, Source: SourceManual, Payload: bankPayload("Sber")})

	var res CrossFill
	s.Update(func(tx *Tx) {
		res = WritePaymentMethod(tx, SourceCatalog, Payload{PaymentMethod: &PaymentMethodChoice{
			Method: MethodCrypto,
			Supplier: &SupplierData{
				Origin:        SourceCatalog,
				CryptoWallets: []CryptoWallet{{Network: "TRC20", Address: "T9yD"}},
			},
		}})
	})

	assert.Equal(t, VerdictAccepted, res.Method)
	assert.True(t, res.Derived)
	assert.Equal(t, VerdictRejectedChosen, res.Requisites)
	assert.Equal(t, "Sber", s.Snapshot().Data[StepRequisites].Requisites.Bank.BankName)
}

func TestChoosePaymentMethod_SwitchWithSupplierData(t *testing.T) {
	s := NewStore(NewStepState())
	suggestSupplier(t, s, p2pOnlySupplier())

	var res CrossFill
	s.Update(func(tx *Tx) { res = ChoosePaymentMethod(tx, MethodBankTransfer) })

	assert.Equal(t, VerdictAccepted, res.Method)
	assert.False(t, res.Derived)
	snap := s.Snapshot()
	assert.Equal(t, SourceManual, snap.Configs[StepPaymentMethod])
	assert.Equal(t, MethodBankTransfer, snap.Data[StepPaymentMethod].Method())
	_, configured := snap.Source(StepRequisites)
	assert.False(t, configured, "no bank account means step 5 stays open for manual entry")
	assert.Empty(t, snap.Suggestions)

	s.Update(func(tx *Tx) { res = ChoosePaymentMethod(tx, MethodP2P) })

	assert.Equal(t, VerdictAccepted, res.Method)
	assert.Equal(t, VerdictAccepted, res.Requisites)
	assert.True(t, res.Derived)
	snap = s.Snapshot()
	req := snap.Data[StepRequisites].Requisites
	require.NotNil(t, req)
	assert.Equal(t, MethodP2P, req.Method)
	assert.Equal(t, &P2PCard{Bank: "X", CardNumber: "1111"}, req.P2P)
	assert.Equal(t, SourceCatalog, snap.Configs[StepRequisites])
}

func TestChoosePaymentMethod_CrossFillIsAtomic(t *testing.T) {
	s := NewStore(NewStepState())
	supplier := p2pOnlySupplier()
	supplier.Origin = SourceBlueRoom
	suggestSupplier(t, s, supplier)
	s.Update(func(tx *Tx) {
		require.True(t, tx.Suggest(Suggestion{Step: StepRequisites, Source: SourceBlueRoom, Payload: cryptoPayload("T9yD")}))
	})

	var observed []StepState
	before := s.Version()
	tx := s.Begin()
	ChoosePaymentMethod(tx, MethodP2P)
	observed = append(observed, s.Snapshot())
	require.True(t, s.Commit(tx))
	observed = append(observed, s.Snapshot())

	assert.Equal(t, before+1, s.Version(), "one commit for all three effects")
	for _, snap := range observed {
		_, method := snap.Source(StepPaymentMethod)
		_, requisites := snap.Source(StepRequisites)
		assert.Equal(t, method, requisites, "steps 4 and 5 are never observed half-written")
	}

	final := observed[1]
	assert.Equal(t, SourceBlueRoom, final.Configs[StepRequisites])
	assert.Empty(t, final.Suggestions)
	assert.Equal(t, []StepVerdict{
		{Step: StepPaymentMethod, Source: SourceManual, Verdict: VerdictAccepted},
		{Step: StepRequisites, Source: SourceBlueRoom, Verdict: VerdictAccepted},
	}, tx.Verdicts())
}

func TestChoosePaymentMethod_ClearsAutomaticMismatch(t *testing.T) {
	s := NewStore(NewStepState())
	supplier := &SupplierData{
		Origin:        SourceCatalog,
		CryptoWallets: []CryptoWallet{{Network: "TRC20", Address: "T9yD"}},
	}
	s.Update(func(tx *Tx) {
		WritePaymentMethod(tx, SourceCatalog, Payload{PaymentMethod: &PaymentMethodChoice{Method: MethodCrypto, Supplier: supplier}})
	})
	require.Equal(t, MethodCrypto, s.Snapshot().Data[StepRequisites].Method())

	s.Update(func(tx *Tx) { ChoosePaymentMethod(tx, MethodBankTransfer) })

	snap := s.Snapshot()
	assert.Equal(t, MethodBankTransfer, snap.Data[StepPaymentMethod].Method())
	_, configured := snap.Source(StepRequisites)
	assert.False(t, configured, "crypto requisites must not stay under a bank-transfer method")
}

func TestChoosePaymentMethod_InvalidMethod(t *testing.T) {
	s := NewStore(NewStepState())

	tx := s.Update(func(tx *Tx) {
		assert.Equal(t, VerdictRejectedInvalid, ChoosePaymentMethod(tx, "cash").Method)
	})

	assert.False(t, tx.Changed())
}

func TestChoosePaymentMethod_WithoutSupplier(t *testing.T) {
	s := NewStore(NewStepState())

	var res CrossFill
	s.Update(func(tx *Tx) { res = ChoosePaymentMethod(tx, MethodCrypto) })

	assert.Equal(t, VerdictAccepted, res.Method)
	assert.Empty(t, res.Requisites)
	assert.True(t, s.Snapshot().Data[StepPaymentMethod].UserChoice)
}

func TestWriteRequisites_ManualSwitchesMethod(t *testing.T) {
	s := NewStore(NewStepState())
	supplier := p2pOnlySupplier()
	s.Update(func(tx *Tx) {
		WritePaymentMethod(tx, SourceCatalog, Payload{PaymentMethod: &PaymentMethodChoice{Method: MethodP2P, Supplier: supplier}})
	})

	var res CrossFill
	s.Update(func(tx *Tx) { res = WriteRequisites(tx, SourceManual, cryptoPayload("T9yD")) })

	assert.Equal(t, VerdictAccepted, res.Requisites)
	assert.Equal(t, VerdictAccepted, res.Method)
	snap := s.Snapshot()
	assert.Equal(t, MethodCrypto, snap.Data[StepPaymentMethod].Method())
	assert.Equal(t, SourceManual, snap.Configs[StepPaymentMethod])
	assert.Equal(t, supplier, snap.Data[StepPaymentMethod].Supplier())
}

func TestWriteRequisites_AutomaticLeavesMethod(t *testing.T) {
	s := NewStore(NewStepState())
	s.Write(Candidate{Step: StepPaymentMethod, Source: SourceManual, Payload: Payload{PaymentMethod: &PaymentMethodChoice{Method: MethodP2P}}})

	var res CrossFill
	s.Update(func(tx *Tx) { res = WriteRequisites(tx, SourceOCRSuggestion, cryptoPayload("T9yD")) })

	assert.Equal(t, VerdictAccepted, res.Requisites)
	assert.Empty(t, res.Method)
	assert.Equal(t, MethodP2P, s.Snapshot().Data[StepPaymentMethod].Method())
}

func TestAcceptSuggestion(t *testing.T) {
	s := NewStore(NewStepState())
	supplier := &SupplierData{
		Origin:       SourceOrangeRoom,
		BankAccounts: []BankAccount{{BankName: "HSBC"}, {BankName: "Citi"}},
	}
	s.Update(func(tx *Tx) {
		tx.Suggest(Suggestion{
			Step:    StepPaymentMethod,
			Source:  SourceOrangeRoom,
			Payload: Payload{PaymentMethod: &PaymentMethodChoice{Method: MethodBankTransfer, Supplier: supplier}},
		})
		tx.Suggest(Suggestion{Step: StepRequisites, Source: SourceOrangeRoom, Payload: bankPayload("HSBC")})
	})

	var res CrossFill
	s.Update(func(tx *Tx) { res = AcceptSuggestion(tx, StepPaymentMethod) })

	assert.Equal(t, VerdictAccepted, res.Method)
	assert.Equal(t, VerdictAccepted, res.Requisites)
	snap := s.Snapshot()
	assert.True(t, snap.Data[StepPaymentMethod].Chosen())
	assert.Equal(t, SourceOrangeRoom, snap.Configs[StepPaymentMethod])
	assert.Equal(t, "HSBC", snap.Data[StepRequisites].Requisites.Bank.BankName, "first match wins")
	assert.Empty(t, snap.Suggestions)

	_, v := Resolve(snap, Candidate{Step: StepPaymentMethod, Source: SourceCatalog, Payload: Payload{}})
	assert.Equal(t, VerdictRejectedChosen, v, "accepted suggestions are protected like manual data")
}

func TestAcceptSuggestion_NothingPending(t *testing.T) {
	s := NewStore(NewStepState())

	s.Update(func(tx *Tx) {
		assert.Equal(t, VerdictRejectedInvalid, AcceptSuggestion(tx, StepRequisites).Requisites)
		assert.Equal(t, VerdictRejectedInvalid, AcceptSuggestion(tx, StepPaymentMethod).Method)
	})
}

func TestDeriveRequisites(t *testing.T) {
	supplier := &SupplierData{
		BankAccounts:  []BankAccount{{BankName: "First"}, {BankName: "Second"}},
		CryptoWallets: []CryptoWallet{{Network: "ERC20", Address: "0xab"}},
	}

	req, ok := DeriveRequisites(MethodBankTransfer, supplier)
	require.True(t, ok)
	assert.Equal(t, "First", req.Bank.BankName)

	req, ok = DeriveRequisites(MethodCrypto, supplier)
	require.True(t, ok)
	assert.Equal(t, "0xab", req.Crypto.Address)

	_, ok = DeriveRequisites(MethodP2P, supplier)
	assert.False(t, ok)
	_, ok = DeriveRequisites(MethodP2P, nil)
	assert.False(t, ok)

	assert.Equal(t, []Method{MethodBankTransfer, MethodCrypto}, supplier.Methods())
}

func TestRequisitesFields_AbsentValues(t *testing.T) {
	req := &Requisites{Method: MethodP2P, P2P: &P2PCard{Bank: "X"}}
	assert.Equal(t, []Field{
		{Name: "bank", Value: "X"},
		{Name: "card_number", Value: NotSpecified},
		{Name: "holder_name", Value: NotSpecified},
	}, req.Fields())

	req = &Requisites{Method: MethodCrypto}
	assert.Equal(t, []Field{
		{Name: "network", Value: NotSpecified},
		{Name: "address", Value: NotSpecified},
	}, req.Fields())

	req = &Requisites{Method: MethodBankTransfer, Bank: &BankAccount{SWIFT: "SABRRUMM"}}
	fields := req.Fields()
	require.Len(t, fields, 5)
	assert.Equal(t, Field{Name: "swift", Value: "SABRRUMM"}, fields[2])
	assert.Equal(t, NotSpecified, fields[0].Value)
}
