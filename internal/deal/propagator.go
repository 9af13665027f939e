package deal

// CrossFill reports what happened to the payment method and requisites steps
// during one propagated write.
type CrossFill struct {
	Method     Verdict `json:"method"`
	Requisites Verdict `json:"requisites,omitempty"`
	// Derived is true when a requisite matching the method was found in the
	// supplier data
	Derived bool `json:"derived"`
}

// DeriveRequisites picks the first requisite of the supplier matching method.
// The first record wins; there is no ranking among a supplier's accounts.
func DeriveRequisites(method Method, supplier *SupplierData) (Requisites, bool) {
	if supplier == nil {
		return Requisites{}, false
	}
	switch method {
	case MethodBankTransfer:
		if len(supplier.BankAccounts) > 0 {
			acc := supplier.BankAccounts[0]
			return Requisites{Method: method, Bank: &acc}, true
		}
	case MethodP2P:
		if len(supplier.P2PCards) > 0 {
			card := supplier.P2PCards[0]
			return Requisites{Method: method, P2P: &card}, true
		}
	case MethodCrypto:
		if len(supplier.CryptoWallets) > 0 {
			wallet := supplier.CryptoWallets[0]
			return Requisites{Method: method, Crypto: &wallet}, true
		}
	}
	return Requisites{}, false
}

// supplierSource is the source used for requisites derived from supplier data
func supplierSource(supplier *SupplierData) Source {
	if supplier != nil && supplier.Origin.Supplier() {
		return supplier.Origin
	}
	return SourceCatalog
}

// WritePaymentMethod submits a step 4 candidate and, when accepted with a
// concrete method and supplier data, cross-fills step 5 through the resolver.
func WritePaymentMethod(tx *Tx, source Source, payload Payload) CrossFill {
	res := CrossFill{
		Method: tx.Write(Candidate{Step: StepPaymentMethod, Source: source, Payload: payload}),
	}
	if !res.Method.Accepted() {
		return res
	}

	method := payload.Method()
	supplier := payload.Supplier()
	if !method.Valid() || supplier == nil {
		return res
	}
	res.Requisites, res.Derived = crossFillRequisites(tx, method, supplier)
	return res
}

// ChoosePaymentMethod commits the user's three-way method choice. In one
// transaction it writes step 4 as a manual choice, drops the step 4 and 5
// suggestions and derives step 5 from the supplier data. Supplier data comes
// from the pending step 4 suggestion, else from the current step 4 data.
func ChoosePaymentMethod(tx *Tx, method Method) CrossFill {
	if !method.Valid() {
		return CrossFill{Method: VerdictRejectedInvalid}
	}

	state := tx.State()
	var supplier *SupplierData
	if sg, ok := state.Suggestions[StepPaymentMethod]; ok {
		supplier = sg.Payload.Supplier()
	}
	if supplier == nil {
		if p, ok := state.Data[StepPaymentMethod]; ok {
			supplier = p.Supplier()
		}
	}

	payload := Payload{
		PaymentMethod: &PaymentMethodChoice{Method: method, Supplier: supplier},
	}
	res := CrossFill{
		Method: tx.Write(Candidate{Step: StepPaymentMethod, Source: SourceManual, Payload: payload}),
	}
	if !res.Method.Accepted() {
		return res
	}

	tx.DiscardSuggestion(StepPaymentMethod)
	tx.DiscardSuggestion(StepRequisites)

	if supplier == nil {
		return res
	}
	res.Requisites, res.Derived = crossFillRequisites(tx, method, supplier)
	return res
}

// crossFillRequisites writes the derived requisite into step 5. With no
// match, an automatic step 5 holding another method's requisite is cleared so
// the two steps never disagree; a manual step 5 is left alone by the resolver.
func crossFillRequisites(tx *Tx, method Method, supplier *SupplierData) (Verdict, bool) {
	source := supplierSource(supplier)
	req, ok := DeriveRequisites(method, supplier)
	if ok {
		return tx.Write(Candidate{
			Step:    StepRequisites,
			Source:  source,
			Payload: Payload{Requisites: &req},
		}), true
	}

	current, exists := tx.State().Data[StepRequisites]
	if !exists || current.Method() == method {
		return "", false
	}
	return tx.Clear(StepRequisites, source), false
}

// WriteRequisites submits a step 5 candidate. A manual requisite whose method
// disagrees with step 4 switches step 4 to that method, keeping the supplier
// data already attached there.
func WriteRequisites(tx *Tx, source Source, payload Payload) CrossFill {
	res := CrossFill{
		Requisites: tx.Write(Candidate{Step: StepRequisites, Source: source, Payload: payload}),
	}
	if !res.Requisites.Accepted() || source != SourceManual {
		return res
	}

	method := payload.Method()
	if !method.Valid() {
		return res
	}

	current, exists := tx.State().Data[StepPaymentMethod]
	if exists && current.Method() == method {
		return res
	}

	var supplier *SupplierData
	if exists {
		supplier = current.Supplier()
	}
	res.Method = tx.Write(Candidate{
		Step:   StepPaymentMethod,
		Source: SourceManual,
		Payload: Payload{
			PaymentMethod: &PaymentMethodChoice{Method: method, Supplier: supplier},
		},
	})
	tx.DiscardSuggestion(StepPaymentMethod)
	return res
}

// AcceptSuggestion commits the pending suggestion for step as the user's
// choice. Accepting a step 4 suggestion cross-fills step 5. It returns
// VerdictRejectedInvalid when no suggestion is pending.
func AcceptSuggestion(tx *Tx, step Step) CrossFill {
	sg, ok := tx.State().Suggestions[step]
	if !ok {
		if step == StepRequisites {
			return CrossFill{Requisites: VerdictRejectedInvalid}
		}
		return CrossFill{Method: VerdictRejectedInvalid}
	}

	payload := sg.Payload
	payload.UserChoice = true
	payload.Suggested = boolPtr(false)

	if step == StepRequisites {
		res := CrossFill{
			Requisites: tx.Write(Candidate{Step: step, Source: sg.Source, Payload: payload}),
		}
		return res
	}

	res := WritePaymentMethod(tx, sg.Source, payload)
	if res.Method.Accepted() && res.Requisites.Accepted() {
		tx.DiscardSuggestion(StepRequisites)
	}
	return res
}
