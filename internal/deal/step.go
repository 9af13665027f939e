// Package deal implements the deal constructor engine: which data source owns
// each wizard step, whether a competing source may overwrite it, how a payment
// method choice cross-fills the requisites step, which steps are interactable
// in each stage, and how the wizard advances through externally approved
// stages.
//
// The resolver, gate and stage transition functions are pure. Store and
// Controller are not safe for concurrent use; callers serialize access per
// deal.
package deal

import "fmt"

// Step identifies one of the seven wizard steps
type Step int

const (
	StepCompany       Step = 1
	StepSpecification Step = 2
	StepDocument      Step = 3
	StepPaymentMethod Step = 4
	StepRequisites    Step = 5
	StepReceipt       Step = 6
	StepConfirmation  Step = 7
)

// AllSteps lists the steps in wizard order
var AllSteps = []Step{
	StepCompany,
	StepSpecification,
	StepDocument,
	StepPaymentMethod,
	StepRequisites,
	StepReceipt,
	StepConfirmation,
}

// RequiredSteps must be filled before stage 1 can be confirmed
var RequiredSteps = []Step{StepCompany, StepSpecification, StepPaymentMethod, StepRequisites}

// Valid reports whether s is one of the seven steps
func (s Step) Valid() bool {
	return s >= StepCompany && s <= StepConfirmation
}

// Required reports whether s belongs to the stage 1 required set
func (s Step) Required() bool {
	switch s {
	case StepCompany, StepSpecification, StepPaymentMethod, StepRequisites:
		return true
	}
	return false
}

// AcceptsSuggestions reports whether tentative suggestions may be held for s
func (s Step) AcceptsSuggestions() bool {
	return s == StepPaymentMethod || s == StepRequisites
}

func (s Step) String() string {
	switch s {
	case StepCompany:
		return "company"
	case StepSpecification:
		return "specification"
	case StepDocument:
		return "document"
	case StepPaymentMethod:
		return "payment_method"
	case StepRequisites:
		return "requisites"
	case StepReceipt:
		return "receipt"
	case StepConfirmation:
		return "confirmation"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}
