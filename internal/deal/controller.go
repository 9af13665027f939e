package deal

import (
	"fmt"

	"github.com/pesio-ai/be-deal-constructor/internal/errors"
)

// Stage is one of the three coarse wizard phases
type Stage int

const (
	Stage1 Stage = 1
	Stage2 Stage = 2
	Stage3 Stage = 3
)

// State is the controller's fine-grained position within a stage
type State string

const (
	StateCollecting      State = "stage1_collecting"
	StateReady           State = "stage1_ready"
	StatePendingApproval State = "stage2_pending_approval"
	StateApproved        State = "stage2_approved"
	StateMonitoring      State = "stage3_monitoring"
)

// Stage maps the state onto its stage
func (s State) Stage() Stage {
	switch s {
	case StatePendingApproval, StateApproved:
		return Stage2
	case StateMonitoring:
		return Stage3
	default:
		return Stage1
	}
}

// ApprovalStatus is an externally observed status value
type ApprovalStatus string

const (
	StatusNone     ApprovalStatus = ""
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusWaiting  ApprovalStatus = "waiting"
)

// Terminal reports whether no further change is expected from the watcher
func (s ApprovalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ParseApprovalStatus maps a persisted value onto a status. Unknown values
// map to StatusNone.
func ParseApprovalStatus(v string) ApprovalStatus {
	switch s := ApprovalStatus(v); s {
	case StatusPending, StatusApproved, StatusRejected, StatusWaiting:
		return s
	}
	return StatusNone
}

// StageState is owned by the Controller
type StageState struct {
	State           State          `json:"state"`
	ManagerApproval ApprovalStatus `json:"manager_approval_status,omitempty"`
	ReceiptApproval ApprovalStatus `json:"receipt_approval_status,omitempty"`
	// RequiredFilled is the last observed result of the required-steps check
	RequiredFilled bool `json:"required_filled"`
}

// InitialStageState is the state of a new deal
func InitialStageState() StageState {
	return StageState{State: StateCollecting}
}

// Stage returns the current stage
func (s StageState) Stage() Stage {
	return s.State.Stage()
}

// EventKind names a controller input
type EventKind string

const (
	EventStepsChanged    EventKind = "steps_changed"
	EventConfirm         EventKind = "confirm"
	EventManagerStatus   EventKind = "manager_status"
	EventRetryApproval   EventKind = "retry_approval"
	EventReturnToEditing EventKind = "return_to_editing"
	EventReceiptUploaded EventKind = "receipt_uploaded"
	EventReceiptStatus   EventKind = "receipt_status"
)

// Event is a controller input. Filled is used by EventStepsChanged, Status by
// the two status events.
type Event struct {
	Kind   EventKind
	Filled bool
	Status ApprovalStatus
}

// WatchKind names an external status the controller waits on
type WatchKind string

const (
	WatchManagerApproval WatchKind = "manager_approval"
	WatchReceiptApproval WatchKind = "receipt_approval"
)

// EffectKind names a side effect of a transition
type EffectKind string

const (
	EffectStartWatch EffectKind = "start_watch"
	EffectStopWatch  EffectKind = "stop_watch"
)

// Effect is a side effect executed when a transition is applied
type Effect struct {
	Kind  EffectKind
	Watch WatchKind
}

// Notification events emitted by transitions
const (
	NotifyDealSubmitted   = "deal_submitted"
	NotifyManagerApproved = "deal_manager_approved"
	NotifyManagerRejected = "deal_manager_rejected"
	NotifyReceiptUploaded = "receipt_uploaded"
	NotifyReceiptApproved = "receipt_approved"
	NotifyReceiptRejected = "receipt_rejected"
)

// Transition is the outcome of one event
type Transition struct {
	Event         EventKind
	From          StageState
	To            StageState
	Effects       []Effect
	Notifications []string
}

// Changed reports whether the transition moves the controller
func (t Transition) Changed() bool {
	return t.From != t.To
}

// ErrTransitionNotAllowed is returned for user events that do not apply to
// the current state
var ErrTransitionNotAllowed = errors.New(errors.ErrCodeConflict, "transition not allowed")

func notAllowed(ev EventKind, cur StageState) error {
	return fmt.Errorf("%w: %s from %s", ErrTransitionNotAllowed, ev, cur.State)
}

func (t *Transition) start(kind WatchKind) {
	t.Effects = append(t.Effects, Effect{Kind: EffectStartWatch, Watch: kind})
}

func (t *Transition) stop(kind WatchKind) {
	t.Effects = append(t.Effects, Effect{Kind: EffectStopWatch, Watch: kind})
}

// Next computes the transition for ev without side effects. Status events that
// do not apply, or repeat the status already held, yield an unchanged
// transition and no error.
func Next(cur StageState, ev Event) (Transition, error) {
	tr := Transition{Event: ev.Kind, From: cur, To: cur}
	to := &tr.To

	switch ev.Kind {
	case EventStepsChanged:
		if cur.Stage() != Stage1 {
			return tr, nil
		}
		switch {
		case ev.Filled && !cur.RequiredFilled && cur.State == StateCollecting:
			to.State = StateReady
		case !ev.Filled && cur.State == StateReady:
			to.State = StateCollecting
		}
		to.RequiredFilled = ev.Filled

	case EventConfirm:
		if cur.State != StateReady {
			return tr, notAllowed(ev.Kind, cur)
		}
		to.State = StatePendingApproval
		to.ManagerApproval = StatusPending
		tr.start(WatchManagerApproval)
		tr.Notifications = append(tr.Notifications, NotifyDealSubmitted)

	case EventManagerStatus:
		if cur.State != StatePendingApproval || cur.ManagerApproval != StatusPending || ev.Status == cur.ManagerApproval {
			return tr, nil
		}
		switch ev.Status {
		case StatusApproved:
			to.State = StateApproved
			to.ManagerApproval = StatusApproved
			tr.stop(WatchManagerApproval)
			tr.Notifications = append(tr.Notifications, NotifyManagerApproved)
		case StatusRejected:
			to.ManagerApproval = StatusRejected
			tr.stop(WatchManagerApproval)
			tr.Notifications = append(tr.Notifications, NotifyManagerRejected)
		}

	case EventRetryApproval:
		if cur.State != StatePendingApproval || cur.ManagerApproval != StatusRejected {
			return tr, notAllowed(ev.Kind, cur)
		}
		to.ManagerApproval = StatusPending
		tr.start(WatchManagerApproval)
		tr.Notifications = append(tr.Notifications, NotifyDealSubmitted)

	case EventReturnToEditing:
		rejected := cur.State == StatePendingApproval && cur.ManagerApproval == StatusRejected
		if cur.State != StateReady && !rejected {
			return tr, notAllowed(ev.Kind, cur)
		}
		// RequiredFilled is cleared so the next step write re-arms Ready.
		*to = StageState{State: StateCollecting}
		tr.stop(WatchManagerApproval)

	case EventReceiptUploaded:
		if cur.State != StateApproved {
			return tr, notAllowed(ev.Kind, cur)
		}
		if cur.ReceiptApproval != StatusNone && cur.ReceiptApproval != StatusRejected {
			return tr, notAllowed(ev.Kind, cur)
		}
		to.ReceiptApproval = StatusWaiting
		tr.start(WatchReceiptApproval)
		tr.Notifications = append(tr.Notifications, NotifyReceiptUploaded)

	case EventReceiptStatus:
		awaiting := cur.ReceiptApproval == StatusWaiting || cur.ReceiptApproval == StatusPending
		if cur.State != StateApproved || !awaiting || ev.Status == cur.ReceiptApproval {
			return tr, nil
		}
		switch ev.Status {
		case StatusWaiting, StatusPending:
			to.ReceiptApproval = ev.Status
		case StatusApproved:
			to.State = StateMonitoring
			to.ReceiptApproval = StatusApproved
			tr.stop(WatchReceiptApproval)
			tr.Notifications = append(tr.Notifications, NotifyReceiptApproved)
		case StatusRejected:
			to.ReceiptApproval = StatusRejected
			tr.stop(WatchReceiptApproval)
			tr.Notifications = append(tr.Notifications, NotifyReceiptRejected)
		}

	default:
		return tr, fmt.Errorf("%w: unknown event %q", ErrTransitionNotAllowed, ev.Kind)
	}

	if !tr.Changed() {
		tr.Effects = nil
		tr.Notifications = nil
	}
	return tr, nil
}

// Watcher starts watching an external status and returns a function that
// stops the watch
type Watcher interface {
	Watch(kind WatchKind) (stop func())
}

// Controller holds the stage state of one deal and owns the cancellation of
// its status watches
type Controller struct {
	state   StageState
	watcher Watcher
	stops   map[WatchKind]func()
}

// NewController creates a controller at initial. watcher may be nil.
func NewController(initial StageState, watcher Watcher) *Controller {
	if initial.State == "" {
		initial = InitialStageState()
	}
	return &Controller{
		state:   initial,
		watcher: watcher,
		stops:   make(map[WatchKind]func()),
	}
}

// State returns the current stage state
func (c *Controller) State() StageState {
	return c.state
}

// Plan computes the transition for ev from the current state
func (c *Controller) Plan(ev Event) (Transition, error) {
	return Next(c.state, ev)
}

// Apply adopts tr and runs its effects. A transition planned from a state
// other than the current one is discarded.
func (c *Controller) Apply(tr Transition) bool {
	if !tr.Changed() || tr.From != c.state {
		return false
	}
	c.state = tr.To
	for _, eff := range tr.Effects {
		switch eff.Kind {
		case EffectStartWatch:
			c.startWatch(eff.Watch)
		case EffectStopWatch:
			c.stopWatch(eff.Watch)
		}
	}
	return true
}

// Fire plans and applies ev
func (c *Controller) Fire(ev Event) (Transition, error) {
	tr, err := c.Plan(ev)
	if err != nil {
		return tr, err
	}
	c.Apply(tr)
	return tr, nil
}

// Resume restarts the watches implied by the current state, e.g. after the
// state was loaded from storage
func (c *Controller) Resume() {
	switch {
	case c.state.State == StatePendingApproval && c.state.ManagerApproval == StatusPending:
		c.startWatch(WatchManagerApproval)
	case c.state.State == StateApproved &&
		(c.state.ReceiptApproval == StatusWaiting || c.state.ReceiptApproval == StatusPending):
		c.startWatch(WatchReceiptApproval)
	}
}

// Watching reports whether a watch of kind is active
func (c *Controller) Watching(kind WatchKind) bool {
	_, ok := c.stops[kind]
	return ok
}

// Stop cancels every active watch
func (c *Controller) Stop() {
	for kind := range c.stops {
		c.stopWatch(kind)
	}
}

func (c *Controller) startWatch(kind WatchKind) {
	c.stopWatch(kind)
	if c.watcher == nil {
		return
	}
	c.stops[kind] = c.watcher.Watch(kind)
}

func (c *Controller) stopWatch(kind WatchKind) {
	stop, ok := c.stops[kind]
	if !ok {
		return
	}
	delete(c.stops, kind)
	if stop != nil {
		stop()
	}
}
