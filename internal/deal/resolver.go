package deal

// Candidate is a proposed write of payload into step by source
type Candidate struct {
	Step    Step
	Source  Source
	Payload Payload
}

// Verdict is the resolver's decision on a candidate write. Rejection is not
// an error: the existing data stays in place.
type Verdict string

const (
	VerdictAccepted         Verdict = "accepted"
	VerdictRejectedChosen   Verdict = "rejected_user_choice"
	VerdictRejectedPriority Verdict = "rejected_priority"
	VerdictRejectedInvalid  Verdict = "rejected_invalid"
)

// Accepted reports whether the write took effect
func (v Verdict) Accepted() bool {
	return v == VerdictAccepted
}

// decide applies the occupancy rules for step without touching state
func decide(step Step, source Source, state StepState) Verdict {
	if !step.Valid() || !source.Valid() {
		return VerdictRejectedInvalid
	}

	occupant, ok := state.Configs[step]
	if !ok {
		return VerdictAccepted
	}
	if source == SourceManual {
		return VerdictAccepted
	}

	// An occupant the user chose is protected from every automatic source,
	// including data accepted from a suggestion.
	if occupant == SourceManual {
		return VerdictRejectedChosen
	}
	if p, ok := state.Data[step]; ok && p.Chosen() {
		return VerdictRejectedChosen
	}

	// Equal ranks favour the newest write so repeated lookups can refresh data.
	if Rank(step, source) >= Rank(step, occupant) {
		return VerdictAccepted
	}
	return VerdictRejectedPriority
}

// CanWrite reports whether source may occupy step given the current state
func CanWrite(step Step, source Source, state StepState) bool {
	return decide(step, source, state).Accepted()
}

// Resolve applies c to state. On acceptance it returns a new state with the
// step's config and data replaced and its suggestion discarded; on rejection
// it returns state unchanged. state itself is never modified.
func Resolve(state StepState, c Candidate) (StepState, Verdict) {
	v := decide(c.Step, c.Source, state)
	if !v.Accepted() {
		return state, v
	}

	payload := c.Payload
	if c.Source == SourceManual {
		payload.UserChoice = true
		payload.Suggested = boolPtr(false)
	}

	next := state.Clone()
	next.Configs[c.Step] = c.Source
	next.Data[c.Step] = payload
	delete(next.Suggestions, c.Step)
	return next, v
}

// ResolveClear removes step's config and data if source is allowed to
// overwrite the current occupant. Clearing an unconfigured step is a no-op
// that still reports acceptance.
func ResolveClear(state StepState, step Step, source Source) (StepState, Verdict) {
	v := decide(step, source, state)
	if !v.Accepted() {
		return state, v
	}
	if _, ok := state.Configs[step]; !ok {
		if _, ok := state.Suggestions[step]; !ok {
			return state, v
		}
	}

	next := state.Clone()
	delete(next.Configs, step)
	delete(next.Data, step)
	delete(next.Suggestions, step)
	return next, v
}
