package deal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-deal-constructor/internal/metrics"
)

type observation struct {
	status ApprovalStatus
	err    error
}

// scriptedObserver replays observations in order and repeats the last one
type scriptedObserver struct {
	mu     sync.Mutex
	script []observation
	calls  int
}

func newScriptedObserver(obs ...observation) *scriptedObserver {
	return &scriptedObserver{script: obs}
}

func (o *scriptedObserver) GetExternalStatus(_ context.Context, _ string) (ApprovalStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.calls
	if i >= len(o.script) {
		i = len(o.script) - 1
	}
	o.calls++
	return o.script[i].status, o.script[i].err
}

func statuses(ss ...ApprovalStatus) []observation {
	out := make([]observation, len(ss))
	for i, s := range ss {
		out[i] = observation{status: s}
	}
	return out
}

type recorder struct {
	mu   sync.Mutex
	seen []ApprovalStatus
}

func (r *recorder) onChange(s ApprovalStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
	return nil
}

func (r *recorder) all() []ApprovalStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ApprovalStatus(nil), r.seen...)
}

func waitDone(t *testing.T, h *PollHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("polling loop did not exit")
	}
}

func testPollerConfig() PollerConfig {
	return PollerConfig{
		Kind:          WatchManagerApproval,
		Interval:      5 * time.Millisecond,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	}
}

func TestPoller_EdgeTriggered(t *testing.T) {
	obs := newScriptedObserver(statuses(StatusPending, StatusPending, StatusApproved, StatusApproved)...)
	p := NewPoller(obs, testPollerConfig(), nil, nil)
	rec := &recorder{}

	h := p.Start("deal-1", 0, rec.onChange)
	waitDone(t, h)

	assert.Equal(t, []ApprovalStatus{StatusPending, StatusApproved}, rec.all())
	assert.False(t, p.Active("deal-1"), "terminal status stops polling")
}

func TestPoller_InitialNoneIsSilent(t *testing.T) {
	obs := newScriptedObserver(statuses(StatusNone, StatusNone, StatusWaiting, StatusPending, StatusRejected)...)
	p := NewPoller(obs, testPollerConfig(), nil, nil)
	rec := &recorder{}

	waitDone(t, p.Start("receipt-1", 0, rec.onChange))

	assert.Equal(t, []ApprovalStatus{StatusWaiting, StatusPending, StatusRejected}, rec.all())
}

func TestPoller_FailuresAreRetried(t *testing.T) {
	boom := fmt.Errorf("connection refused")
	obs := newScriptedObserver(
		observation{err: boom},
		observation{err: boom},
		observation{status: StatusPending},
		observation{err: boom},
		observation{status: StatusApproved},
	)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cfg := testPollerConfig()
	cfg.RetryAttempts = 3
	p := NewPoller(obs, cfg, nil, m)
	rec := &recorder{}

	waitDone(t, p.Start("deal-1", 0, rec.onChange))

	assert.Equal(t, []ApprovalStatus{StatusPending, StatusApproved}, rec.all())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.PollTicks.WithLabelValues(string(WatchManagerApproval), "error")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.PollTicks.WithLabelValues(string(WatchManagerApproval), "ok")))
}

func TestPoller_ExhaustedRetriesWaitForNextTick(t *testing.T) {
	boom := fmt.Errorf("timeout")
	obs := newScriptedObserver(
		observation{err: boom},
		observation{err: boom},
		observation{status: StatusApproved},
	)
	p := NewPoller(obs, testPollerConfig(), nil, nil)
	rec := &recorder{}

	waitDone(t, p.Start("deal-1", 0, rec.onChange))

	assert.Equal(t, []ApprovalStatus{StatusApproved}, rec.all())
}

func TestPoller_CancelStopsCallbacks(t *testing.T) {
	obs := newScriptedObserver(statuses(StatusPending)...)
	p := NewPoller(obs, testPollerConfig(), nil, nil)
	rec := &recorder{}

	h := p.Start("deal-1", 0, rec.onChange)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)

	h.Cancel()
	waitDone(t, h)

	obs.mu.Lock()
	obs.script = statuses(StatusApproved)
	obs.mu.Unlock()
	time.Sleep(20 * time.Millisecond)

	assert.True(t, h.Cancelled())
	assert.Equal(t, []ApprovalStatus{StatusPending}, rec.all())
	assert.False(t, p.Active("deal-1"))
}

func TestPoller_CancelDuringCallback(t *testing.T) {
	obs := newScriptedObserver(statuses(StatusPending, StatusApproved)...)
	p := NewPoller(obs, testPollerConfig(), nil, nil)

	handles := make(chan *PollHandle, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var cancelledInside atomic.Bool

	h := p.Start("deal-1", 0, func(ApprovalStatus) error {
		if calls.Add(1) > 1 {
			return nil
		}
		self := <-handles
		close(entered)
		<-release
		cancelledInside.Store(self.Cancelled())
		return nil
	})
	handles <- h

	<-entered
	h.Cancel()
	close(release)
	waitDone(t, h)

	assert.True(t, cancelledInside.Load(), "in-flight callback sees the cancellation")
	assert.Equal(t, int32(1), calls.Load(), "no callback starts after Cancel")
}

func TestPoller_UndeliveredStatusIsOfferedAgain(t *testing.T) {
	obs := newScriptedObserver(statuses(StatusPending, StatusApproved)...)
	p := NewPoller(obs, testPollerConfig(), nil, nil)

	var mu sync.Mutex
	var offered []ApprovalStatus
	failures := 2
	h := p.Start("deal-1", 0, func(s ApprovalStatus) error {
		mu.Lock()
		defer mu.Unlock()
		offered = append(offered, s)
		if s == StatusApproved && failures > 0 {
			failures--
			return fmt.Errorf("snapshot save failed")
		}
		return nil
	})
	waitDone(t, h)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ApprovalStatus{StatusPending, StatusApproved, StatusApproved, StatusApproved}, offered)
}

type blockingObserver struct {
	entered chan struct{}
	release chan struct{}
}

func (o *blockingObserver) GetExternalStatus(_ context.Context, _ string) (ApprovalStatus, error) {
	o.entered <- struct{}{}
	<-o.release
	return StatusApproved, nil
}

func TestPoller_LateResponseAfterCancelIgnored(t *testing.T) {
	obs := &blockingObserver{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := NewPoller(obs, testPollerConfig(), nil, nil)
	rec := &recorder{}

	h := p.Start("deal-1", 0, rec.onChange)
	<-obs.entered
	h.Cancel()
	close(obs.release)
	waitDone(t, h)

	assert.Empty(t, rec.all())
}

func TestPoller_RestartReplacesLoop(t *testing.T) {
	obs := newScriptedObserver(statuses(StatusPending)...)
	p := NewPoller(obs, testPollerConfig(), nil, nil)
	first, second := &recorder{}, &recorder{}

	h1 := p.Start("deal-1", 0, first.onChange)
	h2 := p.Start("deal-1", 0, second.onChange)
	waitDone(t, h1)

	assert.True(t, h1.Cancelled())
	assert.False(t, h2.Cancelled())
	assert.True(t, p.Active("deal-1"))
	require.Eventually(t, func() bool { return len(second.all()) == 1 }, time.Second, time.Millisecond)

	p.Stop("deal-1")
	waitDone(t, h2)
	assert.False(t, p.Active("deal-1"))
}

func TestPoller_CloseStopsEverything(t *testing.T) {
	obs := newScriptedObserver(statuses(StatusPending)...)
	p := NewPoller(obs, testPollerConfig(), nil, nil)

	handles := []*PollHandle{
		p.Start("deal-1", 0, func(ApprovalStatus) error { return nil }),
		p.Start("deal-2", 0, func(ApprovalStatus) error { return nil }),
	}
	p.Close()

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("Close returned before loops exited")
		}
	}
	assert.False(t, p.Active("deal-1"))
	assert.False(t, p.Active("deal-2"))
}
