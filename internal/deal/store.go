package deal

// Store is the single writable owner of a deal's step state. All mutations go
// through a Tx whose writes are arbitrated by the resolver; a Tx becomes
// visible only when committed, so a cross-fill that touches two steps is
// observed as one update.
type Store struct {
	state   StepState
	version uint64
	observe func(Candidate, Verdict)
}

// NewStore creates a store seeded with initial
func NewStore(initial StepState) *Store {
	if initial.Configs == nil || initial.Data == nil || initial.Suggestions == nil {
		seeded := NewStepState()
		for k, v := range initial.Configs {
			seeded.Configs[k] = v
		}
		for k, v := range initial.Data {
			seeded.Data[k] = v
		}
		for k, v := range initial.Suggestions {
			seeded.Suggestions[k] = v
		}
		initial = seeded
	}
	return &Store{state: initial}
}

// SetObserver registers a callback for every resolver decision
func (s *Store) SetObserver(fn func(Candidate, Verdict)) {
	s.observe = fn
}

// Snapshot returns a copy of the committed state
func (s *Store) Snapshot() StepState {
	return s.state.Clone()
}

// Version increments on every commit
func (s *Store) Version() uint64 {
	return s.version
}

// Begin starts a transaction over a working copy of the committed state
func (s *Store) Begin() *Tx {
	return &Tx{
		base:    s.version,
		prev:    s.state,
		state:   s.state,
		observe: s.observe,
	}
}

// Commit adopts tx's state. It returns false when tx made no change or was
// started before another commit.
func (s *Store) Commit(tx *Tx) bool {
	if tx == nil || !tx.changed || tx.base != s.version {
		return false
	}
	s.state = tx.state
	s.version++
	return true
}

// Update runs fn in a transaction and commits it
func (s *Store) Update(fn func(tx *Tx)) *Tx {
	tx := s.Begin()
	fn(tx)
	s.Commit(tx)
	return tx
}

// Write submits one candidate and commits the result
func (s *Store) Write(c Candidate) Verdict {
	var v Verdict
	s.Update(func(tx *Tx) { v = tx.Write(c) })
	return v
}

// Tx is an uncommitted set of resolver-mediated writes
type Tx struct {
	base     uint64
	prev     StepState
	state    StepState
	changed  bool
	verdicts []StepVerdict
	observe  func(Candidate, Verdict)
}

// StepVerdict records one decision taken inside a Tx
type StepVerdict struct {
	Step    Step    `json:"step"`
	Source  Source  `json:"source"`
	Verdict Verdict `json:"verdict"`
}

// State returns the working state. Callers must not modify it.
func (tx *Tx) State() StepState {
	return tx.state
}

// Changed reports whether any write was accepted
func (tx *Tx) Changed() bool {
	return tx.changed
}

// Verdicts lists every decision in order
func (tx *Tx) Verdicts() []StepVerdict {
	return tx.verdicts
}

// Delta returns the changes this Tx would commit
func (tx *Tx) Delta() Delta {
	return Diff(tx.prev, tx.state)
}

func (tx *Tx) record(c Candidate, v Verdict) {
	tx.verdicts = append(tx.verdicts, StepVerdict{Step: c.Step, Source: c.Source, Verdict: v})
	if tx.observe != nil {
		tx.observe(c, v)
	}
}

// Write submits c to the resolver
func (tx *Tx) Write(c Candidate) Verdict {
	next, v := Resolve(tx.state, c)
	tx.record(c, v)
	if v.Accepted() {
		tx.state = next
		tx.changed = true
	}
	return v
}

// Clear removes step's data if source may overwrite it
func (tx *Tx) Clear(step Step, source Source) Verdict {
	_, configured := tx.state.Configs[step]
	_, suggested := tx.state.Suggestions[step]
	next, v := ResolveClear(tx.state, step, source)
	tx.record(Candidate{Step: step, Source: source}, v)
	if v.Accepted() && (configured || suggested) {
		tx.state = next
		tx.changed = true
	}
	return v
}

// Suggest holds sg for an unconfigured step. A suggestion for a step that
// already has an owner is refused.
func (tx *Tx) Suggest(sg Suggestion) bool {
	if !sg.Step.AcceptsSuggestions() || !sg.Source.Automatic() {
		return false
	}
	if _, ok := tx.state.Configs[sg.Step]; ok {
		return false
	}
	sg.Payload.Suggested = boolPtr(true)
	sg.Payload.UserChoice = false

	next := tx.state.Clone()
	next.Suggestions[sg.Step] = sg
	tx.state = next
	tx.changed = true
	return true
}

// DiscardSuggestion drops the pending suggestion for step, if any
func (tx *Tx) DiscardSuggestion(step Step) {
	if _, ok := tx.state.Suggestions[step]; !ok {
		return
	}
	next := tx.state.Clone()
	delete(next.Suggestions, step)
	tx.state = next
	tx.changed = true
}
