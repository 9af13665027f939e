package deal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteCommits(t *testing.T) {
	s := NewStore(NewStepState())

	v := s.Write(Candidate{Step: StepCompany, Source: SourceProfile, Payload: companyPayload("Acme")})

	assert.Equal(t, VerdictAccepted, v)
	assert.Equal(t, uint64(1), s.Version())
	assert.True(t, s.Snapshot().Filled(StepCompany))
}

func TestStore_RejectedWriteDoesNotCommit(t *testing.T) {
	s := NewStore(NewStepState())
	s.Write(Candidate{Step: StepRequisites, Source: SourceManual, Payload: bankPayload("Sber")})

	v := s.Write(Candidate{Step: StepRequisites, Source: SourceCatalog, Payload: cryptoPayload("T9yD")})

	assert.Equal(t, VerdictRejectedChosen, v)
	assert.Equal(t, uint64(1), s.Version())
}

func TestStore_TxInvisibleUntilCommit(t *testing.T) {
	s := NewStore(NewStepState())
	tx := s.Begin()

	tx.Write(Candidate{Step: StepCompany, Source: SourceManual, Payload: companyPayload("Acme")})
	assert.True(t, tx.State().Filled(StepCompany))
	assert.False(t, s.Snapshot().Filled(StepCompany))

	require.True(t, s.Commit(tx))
	assert.True(t, s.Snapshot().Filled(StepCompany))
}

func TestStore_StaleTxRefused(t *testing.T) {
	s := NewStore(NewStepState())
	stale := s.Begin()
	stale.Write(Candidate{Step: StepCompany, Source: SourceTemplate, Payload: companyPayload("Old")})

	s.Write(Candidate{Step: StepCompany, Source: SourceManual, Payload: companyPayload("Mine")})

	assert.False(t, s.Commit(stale))
	assert.Equal(t, "Mine", s.Snapshot().Data[StepCompany].Company.Name)
}

func TestStore_UnchangedTxNotCommitted(t *testing.T) {
	s := NewStore(NewStepState())

	tx := s.Update(func(tx *Tx) {
		tx.Clear(StepRequisites, SourceCatalog)
		tx.DiscardSuggestion(StepPaymentMethod)
	})

	assert.False(t, tx.Changed())
	assert.Zero(t, s.Version())
	assert.True(t, tx.Delta().IsEmpty())
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := NewStore(NewStepState())
	s.Write(Candidate{Step: StepCompany, Source: SourceManual, Payload: companyPayload("Acme")})

	snap := s.Snapshot()
	delete(snap.Configs, StepCompany)

	assert.True(t, s.Snapshot().Filled(StepCompany))
}

func TestStore_NewStoreSeedsNilMaps(t *testing.T) {
	s := NewStore(StepState{Configs: map[Step]Source{StepCompany: SourceManual}})

	v := s.Write(Candidate{Step: StepSpecification, Source: SourceTemplate, Payload: Payload{}})

	assert.Equal(t, VerdictAccepted, v)
	src, ok := s.Snapshot().Source(StepCompany)
	assert.True(t, ok)
	assert.Equal(t, SourceManual, src)
}

func TestStore_ObserverSeesEveryDecision(t *testing.T) {
	s := NewStore(NewStepState())
	var seen []Verdict
	s.SetObserver(func(_ Candidate, v Verdict) { seen = append(seen, v) })

	s.Write(Candidate{Step: StepCompany, Source: SourceProfile, Payload: companyPayload("Acme")})
	s.Write(Candidate{Step: StepCompany, Source: SourceTemplate, Payload: companyPayload("Tpl")})

	assert.Equal(t, []Verdict{VerdictAccepted, VerdictRejectedPriority}, seen)
}

func TestTx_Suggest(t *testing.T) {
	s := NewStore(NewStepState())
	sg := Suggestion{Step: StepPaymentMethod, Source: SourceCatalog, Payload: Payload{
		PaymentMethod: &PaymentMethodChoice{Supplier: &SupplierData{Name: "Supplier"}},
	}}

	tx := s.Begin()
	assert.True(t, tx.Suggest(sg))
	assert.False(t, tx.Suggest(Suggestion{Step: StepCompany, Source: SourceCatalog}), "only steps 4 and 5 hold suggestions")
	assert.False(t, tx.Suggest(Suggestion{Step: StepRequisites, Source: SourceManual}), "manual data is never a suggestion")
	require.True(t, s.Commit(tx))

	held, ok := s.Snapshot().Suggestion(StepPaymentMethod)
	require.True(t, ok)
	require.NotNil(t, held.Payload.Suggested)
	assert.True(t, *held.Payload.Suggested)
	_, configured := s.Snapshot().Source(StepPaymentMethod)
	assert.False(t, configured, "a suggestion does not configure the step")

	s.Write(Candidate{Step: StepPaymentMethod, Source: SourceManual, Payload: Payload{PaymentMethod: &PaymentMethodChoice{Method: MethodCrypto}}})
	tx = s.Begin()
	assert.False(t, tx.Suggest(sg), "configured steps refuse suggestions")
}

func TestTx_DeltaAndVerdicts(t *testing.T) {
	s := NewStore(NewStepState())
	s.Write(Candidate{Step: StepDocument, Source: SourceManual, Payload: Payload{Document: &Attachment{FileName: "c.pdf"}}})

	tx := s.Begin()
	tx.Write(Candidate{Step: StepCompany, Source: SourceManual, Payload: companyPayload("Acme")})
	tx.Write(Candidate{Step: StepDocument, Source: SourceTemplate, Payload: Payload{}})
	tx.Clear(StepDocument, SourceManual)

	d := tx.Delta()
	assert.Equal(t, SourceManual, d.Configs[StepCompany])
	assert.Equal(t, []Step{StepDocument}, d.ClearedSteps)
	assert.Equal(t, []StepVerdict{
		{Step: StepCompany, Source: SourceManual, Verdict: VerdictAccepted},
		{Step: StepDocument, Source: SourceTemplate, Verdict: VerdictRejectedChosen},
		{Step: StepDocument, Source: SourceManual, Verdict: VerdictAccepted},
	}, tx.Verdicts())
}

func TestDiff(t *testing.T) {
	prev := NewStepState()
	prev.Configs[StepCompany] = SourceProfile
	prev.Data[StepCompany] = companyPayload("Acme")
	prev.Suggestions[StepRequisites] = Suggestion{Step: StepRequisites, Source: SourceCatalog}

	next := prev.Clone()
	next.Data[StepCompany] = companyPayload("Acme Ltd")
	delete(next.Suggestions, StepRequisites)
	next.Suggestions[StepPaymentMethod] = Suggestion{Step: StepPaymentMethod, Source: SourceBlueRoom}

	d := Diff(prev, next)

	assert.Equal(t, "Acme Ltd", d.Data[StepCompany].Company.Name)
	assert.Equal(t, []Step{StepRequisites}, d.ClearedSuggestions)
	assert.Contains(t, d.Suggestions, StepPaymentMethod)
	assert.Empty(t, d.ClearedSteps)
	assert.True(t, Diff(next, next.Clone()).IsEmpty())
}

func TestStepState_RequiredFilled(t *testing.T) {
	state := NewStepState()
	for _, step := range RequiredSteps {
		assert.False(t, state.RequiredFilled())
		state, _ = Resolve(state, Candidate{Step: step, Source: SourceManual, Payload: companyPayload("x")})
	}
	assert.True(t, state.RequiredFilled())

	state, _ = Resolve(state, Candidate{Step: StepSpecification, Source: SourceManual, Payload: Payload{Specification: &Specification{}}})
	assert.False(t, state.RequiredFilled(), "a config backed by empty data is not filled")
}
