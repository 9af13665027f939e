package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-deal-constructor/internal/deal"
	"github.com/pesio-ai/be-deal-constructor/internal/errors"
	"github.com/pesio-ai/be-deal-constructor/internal/logger"
	"github.com/pesio-ai/be-deal-constructor/internal/metrics"
	"github.com/pesio-ai/be-deal-constructor/internal/repository"
)

// ActorPoller is recorded as the actor of externally observed status changes
const ActorPoller = "poller"

// Reasons an action was skipped without error
const (
	SkipMissingDealID     = "missing_deal_id"
	SkipMissingSupplierID = "missing_supplier_id"
	SkipMissingUserID     = "missing_user_id"
	SkipNoCandidate       = "no_candidate"
)

// Config tunes the deal service
type Config struct {
	PollInterval     time.Duration
	OperationTimeout time.Duration
}

// Dependencies groups the collaborators of a DealService. Any of OCR,
// Notifier, Audit and Templates may be nil.
type Dependencies struct {
	Snapshots SnapshotRepository
	Providers map[deal.Source]CandidateProvider
	OCR       DocumentAnalyzer
	Notifier  Notifier
	Audit     AuditRepository
	Templates TemplateStore
	Pollers   map[deal.WatchKind]StatusPoller
}

// DealService runs the wizard for every open deal. Each deal is served by a
// session that serializes its writes and owns its status watches.
type DealService struct {
	snapshots SnapshotRepository
	providers map[deal.Source]CandidateProvider
	ocr       DocumentAnalyzer
	notifier  Notifier
	audit     AuditRepository
	templates TemplateStore
	pollers   map[deal.WatchKind]StatusPoller
	metrics   *metrics.Metrics
	log       *logger.Logger
	cfg       Config

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewDealService creates a new deal service
func NewDealService(deps Dependencies, cfg Config, m *metrics.Metrics, log *logger.Logger) *DealService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	if deps.Providers == nil {
		deps.Providers = make(map[deal.Source]CandidateProvider)
	}
	if deps.Pollers == nil {
		deps.Pollers = make(map[deal.WatchKind]StatusPoller)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DealService{
		snapshots: deps.Snapshots,
		providers: deps.Providers,
		ocr:       deps.OCR,
		notifier:  deps.Notifier,
		audit:     deps.Audit,
		templates: deps.Templates,
		pollers:   deps.Pollers,
		metrics:   m,
		log:       log,
		cfg:       cfg,
		baseCtx:   ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
}

// ── requests and results ────────────────────────────────────────────────────

// WriteStepRequest is a manual write of one step
type WriteStepRequest struct {
	DealID  string
	UserID  string
	Step    deal.Step
	Payload deal.Payload
}

// SourceRequest selects a data source for a step
type SourceRequest struct {
	DealID     string
	UserID     string
	Step       deal.Step
	Source     deal.Source
	SupplierID string
	TemplateID string
}

// AnalyzeDocumentRequest submits a document for field extraction
type AnalyzeDocumentRequest struct {
	DealID      string
	UserID      string
	Step        deal.Step
	File        []byte
	ContentType string
}

// ReceiptRequest uploads the payment receipt
type ReceiptRequest struct {
	DealID  string
	UserID  string
	Receipt deal.Attachment
}

// SaveTemplateRequest stores the current data of a step as a template
type SaveTemplateRequest struct {
	DealID string
	UserID string
	Step   deal.Step
	Name   string
}

// Result is the outcome of a deal action
type Result struct {
	DealID    string             `json:"deal_id,omitempty"`
	Verdicts  []deal.StepVerdict `json:"verdicts,omitempty"`
	CrossFill *deal.CrossFill    `json:"cross_fill,omitempty"`
	// Skipped names the missing prerequisite when the action was abandoned
	Skipped string    `json:"skipped,omitempty"`
	Deal    *DealView `json:"deal,omitempty"`
}

// ── sessions ────────────────────────────────────────────────────────────────

// session returns the open session for dealID, loading the persisted
// snapshot and resuming its watches on first use.
func (s *DealService) session(ctx context.Context, dealID string) (*session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[dealID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New(errors.ErrCodeUnavailable, "deal service is shutting down")
	}

	snap, err := s.snapshots.LoadSnapshot(ctx, dealID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		snap, err = deal.NewSnapshot(), nil
	}
	if err != nil {
		s.log.Error().Err(err).Str("deal_id", dealID).Msg("Failed to load deal snapshot")
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to load deal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[dealID]; ok {
		return sess, nil
	}
	if s.closed {
		return nil, errors.New(errors.ErrCodeUnavailable, "deal service is shutting down")
	}

	sess := newSession(s, dealID, snap)
	sess.mu.Lock()
	sess.ctrl.Resume()
	sess.mu.Unlock()

	s.sessions[dealID] = sess
	s.metrics.SetActiveSessions(len(s.sessions))

	s.log.Info().
		Str("deal_id", dealID).
		Str("state", string(snap.Stage.State)).
		Msg("Deal session opened")
	return sess, nil
}

// withSession runs fn with the deal's session locked and attaches the
// resulting view. A missing deal id abandons the action without error.
func (s *DealService) withSession(ctx context.Context, dealID, op string, fn func(sess *session) (*Result, error)) (*Result, error) {
	if dealID == "" {
		s.log.Warn().Str("operation", op).Msg("Deal id missing; action skipped")
		return &Result{Skipped: SkipMissingDealID}, nil
	}

	// A session released between lookup and lock is reopened once.
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := s.session(ctx, dealID)
		if err != nil {
			return nil, err
		}

		sess.mu.Lock()
		if sess.closed {
			sess.mu.Unlock()
			continue
		}
		res, err := fn(sess)
		if err == nil {
			if res == nil {
				res = &Result{}
			}
			res.DealID = dealID
			res.Deal = buildView(dealID, sess.store.Snapshot(), sess.ctrl.State())
		}
		sess.mu.Unlock()
		return res, err
	}
	return nil, errors.New(errors.ErrCodeUnavailable, "deal session closed")
}

// checkEditable enforces the stage gate for a write to step
func (s *DealService) checkEditable(sess *session, step deal.Step) error {
	if !step.Valid() {
		return errors.InvalidInput("step", fmt.Sprintf("unknown step %d", step))
	}
	stage := sess.ctrl.State().Stage()
	if access := deal.StepAccess(step, stage, sess.store.Snapshot()); access != deal.AccessEditable {
		return errors.Conflict(fmt.Sprintf("step %s is %s in stage %d", step, access, stage))
	}
	return nil
}

// ── commit pipeline ─────────────────────────────────────────────────────────

// change is one unit of work against a session: resolver writes, an explicit
// controller event, or both
type change struct {
	tx    *deal.Tx
	event *deal.Event
	actor string
}

// commit plans the controller transitions for ch, persists the step delta,
// the stage and any status resets in one repository call and only then adopts
// them locally. On a persistence failure nothing changes in memory.
func (s *DealService) commit(ctx context.Context, sess *session, ch change) ([]deal.Transition, error) {
	current := sess.ctrl.State()
	stage := current
	var transitions []deal.Transition

	if ch.tx != nil && ch.tx.Changed() {
		tr, err := deal.Next(stage, deal.Event{
			Kind:   deal.EventStepsChanged,
			Filled: ch.tx.State().RequiredFilled(),
		})
		if err != nil {
			return nil, err
		}
		if tr.Changed() {
			transitions = append(transitions, tr)
			stage = tr.To
		}
	}

	if ch.event != nil {
		tr, err := deal.Next(stage, *ch.event)
		if err != nil {
			return nil, err
		}
		if tr.Changed() {
			transitions = append(transitions, tr)
			stage = tr.To
		}
	}

	var delta deal.Delta
	if ch.tx != nil && ch.tx.Changed() {
		delta = ch.tx.Delta()
	}
	if stage != current {
		delta.Stage = &stage
	}
	updates := statusUpdates(transitions)
	if delta.IsEmpty() && len(updates) == 0 {
		return nil, nil
	}

	if err := s.snapshots.SaveSnapshot(ctx, sess.id, delta, updates...); err != nil {
		s.log.Error().Err(err).
			Str("deal_id", sess.id).
			Str("state", string(current.State)).
			Msg("Failed to save deal snapshot; change discarded")
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to save deal")
	}

	if ch.tx != nil {
		sess.store.Commit(ch.tx)
	}
	for _, tr := range transitions {
		if sess.ctrl.Apply(tr) {
			s.afterTransition(ctx, sess.id, tr, ch.actor)
		}
	}
	return transitions, nil
}

// statusUpdates lists the external status columns a user event resets, so a
// later poll does not read back a status from an earlier round
func statusUpdates(transitions []deal.Transition) []repository.StatusUpdate {
	var updates []repository.StatusUpdate
	for _, tr := range transitions {
		switch tr.Event {
		case deal.EventConfirm, deal.EventRetryApproval:
			updates = append(updates, repository.StatusUpdate{Kind: deal.WatchManagerApproval, Status: tr.To.ManagerApproval})
		case deal.EventReturnToEditing:
			updates = append(updates, repository.StatusUpdate{Kind: deal.WatchManagerApproval, Status: deal.StatusNone})
		case deal.EventReceiptUploaded:
			updates = append(updates, repository.StatusUpdate{Kind: deal.WatchReceiptApproval, Status: tr.To.ReceiptApproval})
		}
	}
	return updates
}

// afterTransition records an applied transition. Audit and notification
// failures are logged and never undo the transition.
func (s *DealService) afterTransition(ctx context.Context, dealID string, tr deal.Transition, actor string) {
	if tr.From.State == tr.To.State &&
		tr.From.ManagerApproval == tr.To.ManagerApproval &&
		tr.From.ReceiptApproval == tr.To.ReceiptApproval {
		return
	}

	s.metrics.ObserveTransition(string(tr.From.State), string(tr.To.State))
	s.log.Info().
		Str("deal_id", dealID).
		Str("event", string(tr.Event)).
		Str("from", string(tr.From.State)).
		Str("to", string(tr.To.State)).
		Str("manager_approval", string(tr.To.ManagerApproval)).
		Str("receipt_approval", string(tr.To.ReceiptApproval)).
		Str("actor", actor).
		Msg("Deal stage transition")

	s.appendAudit(ctx, &repository.StageAuditEntry{
		DealID:    dealID,
		Event:     string(tr.Event),
		FromState: string(tr.From.State),
		ToState:   string(tr.To.State),
		Actor:     actor,
		Metadata: map[string]interface{}{
			"manager_approval_status": string(tr.To.ManagerApproval),
			"receipt_approval_status": string(tr.To.ReceiptApproval),
		},
	})

	if s.notifier == nil {
		return
	}
	for _, event := range tr.Notifications {
		s.notifier.Notify(ctx, event, dealID, actor, map[string]interface{}{
			"stage":                   int(tr.To.Stage()),
			"state":                   string(tr.To.State),
			"manager_approval_status": string(tr.To.ManagerApproval),
			"receipt_approval_status": string(tr.To.ReceiptApproval),
		})
	}
}

func (s *DealService) appendAudit(ctx context.Context, entry *repository.StageAuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("deal_id", entry.DealID).
			Str("event", entry.Event).
			Msg("Failed to write stage audit entry")
	}
}

// applyStatus feeds a polled status into the controller. Callers hold
// sess.mu. A returned error makes the poller offer the status again.
func (s *DealService) applyStatus(sess *session, kind deal.WatchKind, status deal.ApprovalStatus) error {
	ev := deal.Event{Kind: deal.EventManagerStatus, Status: status}
	if kind == deal.WatchReceiptApproval {
		ev.Kind = deal.EventReceiptStatus
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.OperationTimeout)
	defer cancel()

	_, err := s.commit(ctx, sess, change{event: &ev, actor: ActorPoller})
	return err
}

func (s *DealService) observeVerdict(dealID string, c deal.Candidate, v deal.Verdict) {
	s.metrics.ObserveVerdict(c.Step.String(), string(c.Source), string(v))
	if !v.Accepted() {
		s.log.Debug().
			Str("deal_id", dealID).
			Str("step", c.Step.String()).
			Str("source", string(c.Source)).
			Str("verdict", string(v)).
			Msg("Candidate write rejected")
	}
}

// submit routes a write through the propagator for the steps that cross-fill
func submit(tx *deal.Tx, step deal.Step, source deal.Source, payload deal.Payload) *deal.CrossFill {
	switch step {
	case deal.StepPaymentMethod:
		cf := deal.WritePaymentMethod(tx, source, payload)
		return &cf
	case deal.StepRequisites:
		cf := deal.WriteRequisites(tx, source, payload)
		return &cf
	}
	tx.Write(deal.Candidate{Step: step, Source: source, Payload: payload})
	return nil
}

// fetch asks the provider of req.Source for a candidate. An empty skip
// reason with a nil error means payload is set.
func (s *DealService) fetch(ctx context.Context, req *SourceRequest) (*deal.Payload, string, error) {
	provider, ok := s.providers[req.Source]
	if !ok || provider == nil {
		return nil, "", errors.InvalidInput("source", fmt.Sprintf("no provider for source %s", req.Source))
	}

	switch {
	case req.Source.Supplier() && req.SupplierID == "":
		s.log.Warn().
			Str("deal_id", req.DealID).
			Str("source", string(req.Source)).
			Msg("Supplier id missing; lookup skipped")
		return nil, SkipMissingSupplierID, nil
	case !req.Source.Supplier() && req.UserID == "":
		s.log.Warn().
			Str("deal_id", req.DealID).
			Str("source", string(req.Source)).
			Msg("User id missing; lookup skipped")
		return nil, SkipMissingUserID, nil
	}

	payload, err := provider.FetchCandidate(ctx, repository.CandidateRequest{
		DealID:     req.DealID,
		UserID:     req.UserID,
		SupplierID: req.SupplierID,
		TemplateID: req.TemplateID,
		Step:       req.Step,
		Source:     req.Source,
	})
	if err != nil {
		s.log.Warn().Err(err).
			Str("deal_id", req.DealID).
			Str("source", string(req.Source)).
			Str("step", req.Step.String()).
			Msg("Candidate lookup failed")
		if errors.Code(err) == errors.ErrCodeInternal {
			return nil, "", errors.Wrap(err, errors.ErrCodeUnavailable, "candidate lookup failed")
		}
		return nil, "", err
	}
	if payload == nil {
		s.log.Debug().
			Str("deal_id", req.DealID).
			Str("source", string(req.Source)).
			Str("step", req.Step.String()).
			Msg("No candidate found")
		return nil, SkipNoCandidate, nil
	}
	return payload, "", nil
}

// ── operations ──────────────────────────────────────────────────────────────

// GetDeal returns the current view of a deal, opening its session if needed
func (s *DealService) GetDeal(ctx context.Context, dealID string) (*DealView, error) {
	if dealID == "" {
		return nil, errors.InvalidInput("id", "deal id is required")
	}
	res, err := s.withSession(ctx, dealID, "get_deal", func(*session) (*Result, error) {
		return &Result{}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Deal, nil
}

// WriteStep stores manually entered data for a step. Writes to steps 4 and 5
// are propagated; a step 6 write is a receipt upload.
func (s *DealService) WriteStep(ctx context.Context, req *WriteStepRequest) (*Result, error) {
	if req.Step == deal.StepReceipt {
		if req.Payload.Receipt == nil {
			return nil, errors.InvalidInput("receipt", "receipt attachment is required")
		}
		return s.UploadReceipt(ctx, &ReceiptRequest{DealID: req.DealID, UserID: req.UserID, Receipt: *req.Payload.Receipt})
	}

	return s.withSession(ctx, req.DealID, "write_step", func(sess *session) (*Result, error) {
		if err := s.checkEditable(sess, req.Step); err != nil {
			return nil, err
		}
		tx := sess.store.Begin()
		cf := submit(tx, req.Step, deal.SourceManual, req.Payload)
		if _, err := s.commit(ctx, sess, change{tx: tx, actor: req.UserID}); err != nil {
			return nil, err
		}
		return &Result{Verdicts: tx.Verdicts(), CrossFill: cf}, nil
	})
}

// SelectSource switches a step to a source. Manual switches the step to an
// empty manual entry; any other source is looked up and offered to the
// resolver.
func (s *DealService) SelectSource(ctx context.Context, req *SourceRequest) (*Result, error) {
	if !req.Source.Valid() {
		return nil, errors.InvalidInput("source", fmt.Sprintf("unknown source %q", req.Source))
	}

	return s.withSession(ctx, req.DealID, "select_source", func(sess *session) (*Result, error) {
		if err := s.checkEditable(sess, req.Step); err != nil {
			return nil, err
		}

		tx := sess.store.Begin()
		var cf *deal.CrossFill
		if req.Source == deal.SourceManual {
			tx.Write(deal.Candidate{Step: req.Step, Source: deal.SourceManual})
		} else {
			payload, skipped, err := s.fetch(ctx, req)
			if err != nil {
				return nil, err
			}
			if skipped != "" {
				return &Result{Skipped: skipped}, nil
			}
			cf = submit(tx, req.Step, req.Source, *payload)
		}

		if _, err := s.commit(ctx, sess, change{tx: tx, actor: req.UserID}); err != nil {
			return nil, err
		}
		return &Result{Verdicts: tx.Verdicts(), CrossFill: cf}, nil
	})
}

// ResetStep clears a step. Clearing the payment method also clears
// automatically derived requisites the user has not confirmed.
func (s *DealService) ResetStep(ctx context.Context, dealID, userID string, step deal.Step) (*Result, error) {
	return s.withSession(ctx, dealID, "reset_step", func(sess *session) (*Result, error) {
		if err := s.checkEditable(sess, step); err != nil {
			return nil, err
		}

		tx := sess.store.Begin()
		tx.Clear(step, deal.SourceManual)
		if step == deal.StepPaymentMethod {
			state := tx.State()
			if src, ok := state.Source(deal.StepRequisites); ok && src != deal.SourceManual {
				if p, ok := state.Payload(deal.StepRequisites); ok && !p.Chosen() {
					tx.Clear(deal.StepRequisites, src)
				}
			}
			tx.DiscardSuggestion(deal.StepRequisites)
		}

		if _, err := s.commit(ctx, sess, change{tx: tx, actor: userID}); err != nil {
			return nil, err
		}
		return &Result{Verdicts: tx.Verdicts()}, nil
	})
}

// LookupSuggestion fetches data for the payment method or requisites step.
// On an unconfigured step the data is held as a suggestion for the user to
// accept; a payment method suggestion also proposes matching requisites. On a
// configured step the data is offered to the resolver like any lookup.
func (s *DealService) LookupSuggestion(ctx context.Context, req *SourceRequest) (*Result, error) {
	if !req.Step.AcceptsSuggestions() {
		return nil, errors.InvalidInput("step", "suggestions are offered for the payment method and requisites steps only")
	}
	if !req.Source.Automatic() {
		return nil, errors.InvalidInput("source", fmt.Sprintf("source %q cannot make suggestions", req.Source))
	}

	return s.withSession(ctx, req.DealID, "lookup_suggestion", func(sess *session) (*Result, error) {
		if err := s.checkEditable(sess, req.Step); err != nil {
			return nil, err
		}
		payload, skipped, err := s.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if skipped != "" {
			return &Result{Skipped: skipped}, nil
		}

		tx := sess.store.Begin()
		cf := offer(tx, req.Step, req.Source, *payload)

		if _, err := s.commit(ctx, sess, change{tx: tx, actor: req.UserID}); err != nil {
			return nil, err
		}
		return &Result{Verdicts: tx.Verdicts(), CrossFill: cf}, nil
	})
}

// offer holds payload as a suggestion while a step 4/5 is unconfigured.
// Configured steps and the other steps go through the resolver.
func offer(tx *deal.Tx, step deal.Step, source deal.Source, payload deal.Payload) *deal.CrossFill {
	if _, configured := tx.State().Source(step); configured || !step.AcceptsSuggestions() {
		return submit(tx, step, source, payload)
	}
	tx.Suggest(deal.Suggestion{Step: step, Source: source, Payload: payload})
	if step == deal.StepPaymentMethod {
		suggestRequisites(tx, source, payload)
	}
	return nil
}

// suggestRequisites proposes the requisite matching a suggested payment
// method, or the supplier's first method when none is set
func suggestRequisites(tx *deal.Tx, source deal.Source, payload deal.Payload) {
	supplier := payload.Supplier()
	method := payload.Method()
	if !method.Valid() {
		methods := supplier.Methods()
		if len(methods) == 0 {
			return
		}
		method = methods[0]
	}
	req, ok := deal.DeriveRequisites(method, supplier)
	if !ok {
		return
	}
	tx.Suggest(deal.Suggestion{
		Step:    deal.StepRequisites,
		Source:  source,
		Payload: deal.Payload{Requisites: &req},
	})
}

// AcceptSuggestion commits the pending suggestion for step
func (s *DealService) AcceptSuggestion(ctx context.Context, dealID, userID string, step deal.Step) (*Result, error) {
	if !step.AcceptsSuggestions() {
		return nil, errors.InvalidInput("step", "suggestions are offered for the payment method and requisites steps only")
	}

	return s.withSession(ctx, dealID, "accept_suggestion", func(sess *session) (*Result, error) {
		if err := s.checkEditable(sess, step); err != nil {
			return nil, err
		}
		if _, ok := sess.store.Snapshot().Suggestion(step); !ok {
			return nil, errors.NotFound("suggestion", step.String())
		}

		tx := sess.store.Begin()
		cf := deal.AcceptSuggestion(tx, step)
		if _, err := s.commit(ctx, sess, change{tx: tx, actor: userID}); err != nil {
			return nil, err
		}
		return &Result{Verdicts: tx.Verdicts(), CrossFill: &cf}, nil
	})
}

// ChoosePaymentMethod commits the user's payment method choice and derives
// the requisites from the supplier data
func (s *DealService) ChoosePaymentMethod(ctx context.Context, dealID, userID string, method deal.Method) (*Result, error) {
	if !method.Valid() {
		return nil, errors.InvalidInput("method", fmt.Sprintf("unknown payment method %q", method))
	}

	return s.withSession(ctx, dealID, "choose_payment_method", func(sess *session) (*Result, error) {
		if err := s.checkEditable(sess, deal.StepPaymentMethod); err != nil {
			return nil, err
		}
		tx := sess.store.Begin()
		cf := deal.ChoosePaymentMethod(tx, method)
		if _, err := s.commit(ctx, sess, change{tx: tx, actor: userID}); err != nil {
			return nil, err
		}
		return &Result{Verdicts: tx.Verdicts(), CrossFill: &cf}, nil
	})
}

// AnalyzeDocument extracts fields from an uploaded document and offers them
// as an ocr_suggestion candidate. An unconfigured payment method or
// requisites step only receives a Suggestion the user must accept. The
// analysis runs without holding the deal, so polls and other actions proceed
// meanwhile.
func (s *DealService) AnalyzeDocument(ctx context.Context, req *AnalyzeDocumentRequest) (*Result, error) {
	if req.DealID == "" {
		s.log.Warn().Str("operation", "analyze_document").Msg("Deal id missing; action skipped")
		return &Result{Skipped: SkipMissingDealID}, nil
	}
	if !req.Step.Valid() {
		return nil, errors.InvalidInput("step", fmt.Sprintf("unknown step %d", req.Step))
	}
	if s.ocr == nil {
		return nil, errors.New(errors.ErrCodeUnavailable, "document analysis is not configured")
	}

	fields, err := s.ocr.AnalyzeDocument(ctx, req.File, req.ContentType, req.Step)
	if err != nil {
		s.log.Warn().Err(err).
			Str("deal_id", req.DealID).
			Str("step", req.Step.String()).
			Msg("Document analysis failed")
		return nil, err
	}
	payload, ok := fields.Payload(req.Step)
	if !ok {
		return nil, errors.InvalidInput("file", fmt.Sprintf("no %s fields recognised in document", req.Step))
	}

	return s.withSession(ctx, req.DealID, "analyze_document", func(sess *session) (*Result, error) {
		if err := s.checkEditable(sess, req.Step); err != nil {
			return nil, err
		}
		tx := sess.store.Begin()
		cf := offer(tx, req.Step, deal.SourceOCRSuggestion, payload)
		if _, err := s.commit(ctx, sess, change{tx: tx, actor: req.UserID}); err != nil {
			return nil, err
		}
		return &Result{Verdicts: tx.Verdicts(), CrossFill: cf}, nil
	})
}

// ConfirmStageOne submits a ready deal for manager approval
func (s *DealService) ConfirmStageOne(ctx context.Context, dealID, userID string) (*Result, error) {
	return s.fire(ctx, dealID, userID, deal.EventConfirm)
}

// ReturnToEditing takes a ready or rejected deal back to data collection
func (s *DealService) ReturnToEditing(ctx context.Context, dealID, userID string) (*Result, error) {
	return s.fire(ctx, dealID, userID, deal.EventReturnToEditing)
}

// RetryApproval resubmits a rejected deal for manager approval
func (s *DealService) RetryApproval(ctx context.Context, dealID, userID string) (*Result, error) {
	return s.fire(ctx, dealID, userID, deal.EventRetryApproval)
}

func (s *DealService) fire(ctx context.Context, dealID, userID string, kind deal.EventKind) (*Result, error) {
	return s.withSession(ctx, dealID, string(kind), func(sess *session) (*Result, error) {
		ev := deal.Event{Kind: kind}
		if _, err := s.commit(ctx, sess, change{event: &ev, actor: userID}); err != nil {
			return nil, err
		}
		return &Result{}, nil
	})
}

// UploadReceipt stores the payment receipt and starts the receipt approval
// watch in one commit
func (s *DealService) UploadReceipt(ctx context.Context, req *ReceiptRequest) (*Result, error) {
	if req.Receipt.FileName == "" && req.Receipt.URL == "" {
		return nil, errors.InvalidInput("receipt", "file name or url is required")
	}

	return s.withSession(ctx, req.DealID, "upload_receipt", func(sess *session) (*Result, error) {
		if err := s.checkEditable(sess, deal.StepReceipt); err != nil {
			return nil, err
		}

		receipt := req.Receipt
		if receipt.UploadedAt.IsZero() {
			receipt.UploadedAt = time.Now().UTC()
		}
		tx := sess.store.Begin()
		tx.Write(deal.Candidate{
			Step:    deal.StepReceipt,
			Source:  deal.SourceManual,
			Payload: deal.Payload{Receipt: &receipt},
		})

		ev := deal.Event{Kind: deal.EventReceiptUploaded}
		if _, err := s.commit(ctx, sess, change{tx: tx, event: &ev, actor: req.UserID}); err != nil {
			return nil, err
		}
		return &Result{Verdicts: tx.Verdicts()}, nil
	})
}

// SaveTemplate stores the current data of a step as a template the user can
// select in later deals
func (s *DealService) SaveTemplate(ctx context.Context, req *SaveTemplateRequest) (*repository.DealTemplate, error) {
	if s.templates == nil {
		return nil, errors.New(errors.ErrCodeUnavailable, "templates are not configured")
	}
	if req.DealID == "" {
		return nil, errors.InvalidInput("deal_id", "deal id is required")
	}
	if req.UserID == "" {
		return nil, errors.InvalidInput("user_id", "user id is required")
	}
	if req.Name == "" {
		return nil, errors.InvalidInput("name", "template name is required")
	}
	if !req.Step.Required() {
		return nil, errors.InvalidInput("step", fmt.Sprintf("step %s cannot be saved as a template", req.Step))
	}

	var payload deal.Payload
	_, err := s.withSession(ctx, req.DealID, "save_template", func(sess *session) (*Result, error) {
		p, ok := sess.store.Snapshot().Payload(req.Step)
		if !ok || p.IsEmpty() {
			return nil, errors.NotFound("step data", req.Step.String())
		}
		payload = p
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	payload.UserChoice = false
	payload.Suggested = nil
	t := &repository.DealTemplate{
		UserID:  req.UserID,
		Name:    req.Name,
		Step:    req.Step,
		Payload: payload,
	}
	if err := s.templates.Create(ctx, t); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("deal_id", req.DealID).
		Str("template_id", t.ID).
		Str("step", req.Step.String()).
		Msg("Template saved")
	return t, nil
}

// GetStageHistory lists the recorded stage transitions of a deal
func (s *DealService) GetStageHistory(ctx context.Context, dealID string) ([]*repository.StageAuditEntry, error) {
	if dealID == "" {
		return nil, errors.InvalidInput("id", "deal id is required")
	}
	if s.audit == nil {
		return []*repository.StageAuditEntry{}, nil
	}
	return s.audit.ListByDeal(ctx, dealID)
}

// Release closes the session of a deal the user has left, cancelling its
// status watches. The persisted state is untouched; the next action reopens
// the session and resumes the watches.
func (s *DealService) Release(dealID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[dealID]
	if ok {
		delete(s.sessions, dealID)
		s.metrics.SetActiveSessions(len(s.sessions))
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	sess.close()
	sess.mu.Unlock()

	s.log.Info().Str("deal_id", dealID).Msg("Deal session released")
	return true
}

// ActiveSessions returns the number of open sessions
func (s *DealService) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close releases every session and refuses new ones
func (s *DealService) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.metrics.SetActiveSessions(0)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		sess.close()
		sess.mu.Unlock()
	}
	s.cancel()
	s.log.Info().Int("sessions", len(sessions)).Msg("Deal service closed")
}
