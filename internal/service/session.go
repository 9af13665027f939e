package service

import (
	"sync"

	"github.com/pesio-ai/be-deal-constructor/internal/deal"
)

// session is the in-memory state of one open deal. mu serializes user actions
// and poll callbacks so every resolver run, including propagated writes,
// completes before the controller re-evaluates.
type session struct {
	id     string
	svc    *DealService
	mu     sync.Mutex
	store  *deal.Store
	ctrl   *deal.Controller
	closed bool
}

func newSession(svc *DealService, id string, snap deal.Snapshot) *session {
	sess := &session{id: id, svc: svc}
	sess.store = deal.NewStore(snap.Steps)
	sess.store.SetObserver(func(c deal.Candidate, v deal.Verdict) {
		svc.observeVerdict(id, c, v)
	})
	sess.ctrl = deal.NewController(snap.Stage, sess)
	return sess
}

// Watch starts the poller for kind. Callers hold mu, so the callback cannot
// observe h before it is assigned.
func (sess *session) Watch(kind deal.WatchKind) func() {
	p, ok := sess.svc.pollers[kind]
	if !ok || p == nil {
		sess.svc.log.Warn().
			Str("deal_id", sess.id).
			Str("kind", string(kind)).
			Msg("No status poller configured; status changes will not be observed")
		return nil
	}

	var h *deal.PollHandle
	h = p.Start(sess.id, sess.svc.cfg.PollInterval, func(status deal.ApprovalStatus) error {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		// A response that raced a cancellation is dropped.
		if h.Cancelled() || sess.closed {
			return nil
		}
		return sess.svc.applyStatus(sess, kind, status)
	})
	return h.Cancel
}

// close stops every watch. Callers hold mu.
func (sess *session) close() {
	sess.closed = true
	sess.ctrl.Stop()
}
