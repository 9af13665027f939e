package client

import "github.com/pesio-ai/be-deal-constructor/internal/deal"

// DealEvent is the JSON schema published to NATS.
type DealEvent struct {
	EventType    string                 `json:"event_type"`
	DealID       string                 `json:"deal_id"`
	ActorID      string                 `json:"actor_id,omitempty"`
	ResourceType string                 `json:"resource_type"`
	Stage        string                 `json:"stage,omitempty"` // stage state, e.g. stage2_pending_approval
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// ExtractedFields is what document analysis recognised. Only the part
// matching the requested hint is expected to be set.
type ExtractedFields struct {
	Company       *deal.Company       `json:"company,omitempty"`
	Specification *deal.Specification `json:"specification,omitempty"`
	Requisites    *deal.Requisites    `json:"requisites,omitempty"`
}

// Payload converts the extraction into a candidate payload for step. It
// returns false when nothing usable was extracted for that step.
func (f *ExtractedFields) Payload(step deal.Step) (deal.Payload, bool) {
	if f == nil {
		return deal.Payload{}, false
	}

	var p deal.Payload
	switch step {
	case deal.StepCompany:
		if f.Company == nil || f.Company.Name == "" {
			return p, false
		}
		p.Company = f.Company
	case deal.StepSpecification:
		if f.Specification == nil || len(f.Specification.Items) == 0 {
			return p, false
		}
		p.Specification = f.Specification
	case deal.StepPaymentMethod:
		if f.Requisites == nil || !f.Requisites.Method.Valid() {
			return p, false
		}
		p.PaymentMethod = &deal.PaymentMethodChoice{Method: f.Requisites.Method}
	case deal.StepRequisites:
		if f.Requisites == nil || !f.Requisites.Method.Valid() {
			return p, false
		}
		p.Requisites = f.Requisites
	default:
		return p, false
	}
	return p, true
}
