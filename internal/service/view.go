package service

import "github.com/pesio-ai/be-deal-constructor/internal/deal"

// StepView is one step as a client renders it
type StepView struct {
	Step       int              `json:"step"`
	Name       string           `json:"name"`
	Source     deal.Source      `json:"source,omitempty"`
	Data       *deal.Payload    `json:"data,omitempty"`
	Suggestion *deal.Suggestion `json:"suggestion,omitempty"`
	Filled     bool             `json:"filled"`
	Enabled    bool             `json:"enabled"`
	Access     deal.Access      `json:"access"`
	// Requisites lists display fields for step 5, absent values included
	Requisites []deal.Field `json:"requisites,omitempty"`
}

// DealView is the full client-facing state of a deal
type DealView struct {
	DealID         string          `json:"deal_id"`
	Stage          int             `json:"stage"`
	StageState     deal.StageState `json:"stage_state"`
	RequiredFilled bool            `json:"required_filled"`
	Steps          []StepView      `json:"steps"`
}

func buildView(dealID string, steps deal.StepState, stage deal.StageState) *DealView {
	v := &DealView{
		DealID:         dealID,
		Stage:          int(stage.Stage()),
		StageState:     stage,
		RequiredFilled: steps.RequiredFilled(),
		Steps:          make([]StepView, 0, len(deal.AllSteps)),
	}

	for _, step := range deal.AllSteps {
		access := deal.StepAccess(step, stage.Stage(), steps)
		sv := StepView{
			Step:    int(step),
			Name:    step.String(),
			Filled:  steps.Filled(step),
			Enabled: access == deal.AccessEditable,
			Access:  access,
		}
		if src, ok := steps.Source(step); ok {
			sv.Source = src
		}
		if p, ok := steps.Payload(step); ok {
			sv.Data = &p
			if step == deal.StepRequisites {
				sv.Requisites = p.Requisites.Fields()
			}
		}
		if sg, ok := steps.Suggestion(step); ok {
			sv.Suggestion = &sg
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}
