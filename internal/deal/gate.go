package deal

// Access describes how a step may be interacted with
type Access string

const (
	AccessEditable Access = "editable"
	AccessReadOnly Access = "read_only"
	AccessLocked   Access = "locked"
)

// StepAccess decides how step is presented for the given stage and step
// state. It has no side effects.
//
// Stage 1: required steps are editable; steps 3, 6 and 7 stay locked until
// every required step is filled. Stage 2: required steps become read-only and
// steps 3, 6 and 7 are editable. Stage 3: everything is read-only.
func StepAccess(step Step, stage Stage, steps StepState) Access {
	if !step.Valid() {
		return AccessLocked
	}

	switch stage {
	case Stage1:
		if step.Required() || steps.RequiredFilled() {
			return AccessEditable
		}
		return AccessLocked
	case Stage2:
		if step.Required() {
			return AccessReadOnly
		}
		return AccessEditable
	case Stage3:
		return AccessReadOnly
	}
	return AccessLocked
}

// IsStepEnabled reports whether step can be configured right now
func IsStepEnabled(step Step, stage Stage, steps StepState) bool {
	return StepAccess(step, stage, steps) == AccessEditable
}
