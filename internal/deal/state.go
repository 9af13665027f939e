package deal

import "reflect"

// Suggestion is a tentative candidate for step 4 or 5, held apart from step
// data until the user accepts it.
type Suggestion struct {
	Step    Step    `json:"step"`
	Source  Source  `json:"source"`
	Payload Payload `json:"payload"`
}

// StepState is the pair of parallel maps owned by the Store plus the pending
// suggestions. Every step with data has a config naming its source.
type StepState struct {
	Configs     map[Step]Source     `json:"step_configs"`
	Data        map[Step]Payload    `json:"step_data"`
	Suggestions map[Step]Suggestion `json:"suggestions,omitempty"`
}

// NewStepState returns an empty state with every step unconfigured
func NewStepState() StepState {
	return StepState{
		Configs:     make(map[Step]Source),
		Data:        make(map[Step]Payload),
		Suggestions: make(map[Step]Suggestion),
	}
}

// Clone copies the maps. Payloads are shared since they are never mutated.
func (s StepState) Clone() StepState {
	out := NewStepState()
	for k, v := range s.Configs {
		out.Configs[k] = v
	}
	for k, v := range s.Data {
		out.Data[k] = v
	}
	for k, v := range s.Suggestions {
		out.Suggestions[k] = v
	}
	return out
}

// Source returns the owning source of step, if configured
func (s StepState) Source(step Step) (Source, bool) {
	src, ok := s.Configs[step]
	return src, ok
}

// Payload returns the data of step, if any
func (s StepState) Payload(step Step) (Payload, bool) {
	p, ok := s.Data[step]
	return p, ok
}

// Suggestion returns the pending suggestion for step, if any
func (s StepState) Suggestion(step Step) (Suggestion, bool) {
	sg, ok := s.Suggestions[step]
	return sg, ok
}

// Filled reports whether step has a config backed by non-empty data
func (s StepState) Filled(step Step) bool {
	if _, ok := s.Configs[step]; !ok {
		return false
	}
	p, ok := s.Data[step]
	return ok && !p.IsEmpty()
}

// RequiredFilled reports whether every stage 1 required step is filled
func (s StepState) RequiredFilled() bool {
	for _, step := range RequiredSteps {
		if !s.Filled(step) {
			return false
		}
	}
	return true
}

// Snapshot is a point-in-time view of one deal
type Snapshot struct {
	Steps StepState  `json:"steps"`
	Stage StageState `json:"stage"`
}

// NewSnapshot returns the snapshot of a deal that has never been saved
func NewSnapshot() Snapshot {
	return Snapshot{Steps: NewStepState(), Stage: InitialStageState()}
}

// Delta is the set of changes between two snapshots
type Delta struct {
	Configs            map[Step]Source     `json:"step_configs,omitempty"`
	Data               map[Step]Payload    `json:"step_data,omitempty"`
	Suggestions        map[Step]Suggestion `json:"suggestions,omitempty"`
	ClearedSteps       []Step              `json:"cleared_steps,omitempty"`
	ClearedSuggestions []Step              `json:"cleared_suggestions,omitempty"`
	Stage              *StageState         `json:"stage,omitempty"`
}

// IsEmpty reports whether the delta changes nothing
func (d Delta) IsEmpty() bool {
	return len(d.Configs) == 0 &&
		len(d.Data) == 0 &&
		len(d.Suggestions) == 0 &&
		len(d.ClearedSteps) == 0 &&
		len(d.ClearedSuggestions) == 0 &&
		d.Stage == nil
}

// Diff computes the step changes from prev to next
func Diff(prev, next StepState) Delta {
	d := Delta{
		Configs:     make(map[Step]Source),
		Data:        make(map[Step]Payload),
		Suggestions: make(map[Step]Suggestion),
	}

	for _, step := range AllSteps {
		nextSrc, nextOK := next.Configs[step]
		prevSrc, prevOK := prev.Configs[step]
		nextData, nextDataOK := next.Data[step]
		prevData, prevDataOK := prev.Data[step]

		switch {
		case !nextOK && prevOK:
			d.ClearedSteps = append(d.ClearedSteps, step)
		case nextOK && (!prevOK || nextSrc != prevSrc || nextDataOK != prevDataOK || !reflect.DeepEqual(nextData, prevData)):
			d.Configs[step] = nextSrc
			d.Data[step] = nextData
		}

		nextSg, nextSgOK := next.Suggestions[step]
		prevSg, prevSgOK := prev.Suggestions[step]
		switch {
		case !nextSgOK && prevSgOK:
			d.ClearedSuggestions = append(d.ClearedSuggestions, step)
		case nextSgOK && (!prevSgOK || !reflect.DeepEqual(nextSg, prevSg)):
			d.Suggestions[step] = nextSg
		}
	}

	return d
}
