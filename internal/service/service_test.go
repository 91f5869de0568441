package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"provider/internal/eventbus"
	"provider/internal/hardware"
	"provider/internal/history"
	"provider/internal/job"
	"provider/internal/session"
)

type fakeSession struct {
	mu      sync.Mutex
	running bool
	state   session.State
	starts  []string
	stops   int
	done    chan struct{}
}

func (f *fakeSession) Start(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, token)
	f.running = true
	f.state = session.StateConnected
	f.done = make(chan struct{})
	return nil
}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.running {
		f.running = false
		close(f.done)
	}
	f.state = session.StateDisconnected
}

// giveUp simulates the session exhausting its reconnect attempts.
func (f *fakeSession) giveUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.state = session.StateDisconnected
	close(f.done)
}

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSession) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

type fakeWorker struct {
	mu       sync.Mutex
	starts   int
	stops    int
	canceled []string
	current  string
	queued   []job.Request
	order    *[]string
}

func (w *fakeWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.starts++
	*w.order = append(*w.order, "worker.start")
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops++
	*w.order = append(*w.order, "worker.stop")
}

func (w *fakeWorker) Cancel(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if jobID != w.current {
		return false
	}
	w.canceled = append(w.canceled, jobID)
	return true
}

func (w *fakeWorker) Current() (string, time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == "" {
		return "", time.Time{}, false
	}
	return w.current, time.Unix(1700000000, 0), true
}

func (w *fakeWorker) Queued(ctx context.Context) []job.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queued
}

type fakeReporter struct {
	token string
	order *[]string
}

func (r *fakeReporter) SetToken(token string) {
	r.token = token
	*r.order = append(*r.order, "reporter.token")
}

type harness struct {
	svc      *Service
	session  *fakeSession
	worker   *fakeWorker
	reporter *fakeReporter
	history  *history.MemoryRepository
	bus      *eventbus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	order := []string{}
	h := &harness{
		session:  &fakeSession{},
		worker:   &fakeWorker{order: &order},
		reporter: &fakeReporter{order: &order},
		history:  history.NewMemoryRepository(0),
		bus:      eventbus.NewBus(logger, 16),
	}
	h.svc = NewService("machine-1", hardware.Spec{GPUName: "NVIDIA GeForce RTX 3090", VRAMGB: 24},
		h.session, h.worker, h.reporter, h.history, h.bus, logger)
	return h
}

func TestStartWiresTokenBeforeSession(t *testing.T) {
	h := newHarness(t)

	if err := h.svc.Start(""); err != ErrEmptyToken {
		t.Fatalf("Expected ErrEmptyToken, got %v", err)
	}
	if err := h.svc.Start("secret"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.reporter.token != "secret" {
		t.Errorf("Expected reporter token to be set, got %q", h.reporter.token)
	}
	order := *h.worker.order
	if len(order) != 2 || order[0] != "reporter.token" || order[1] != "worker.start" {
		t.Errorf("Unexpected start order %v", order)
	}
	if len(h.session.starts) != 1 || h.session.starts[0] != "secret" {
		t.Errorf("Expected session started with token, got %v", h.session.starts)
	}
	if !h.svc.Ready() {
		t.Error("Expected service to be ready when session is connected")
	}

	// 重复启动不应再次连接
	h.svc.Start("secret")
	if len(h.session.starts) != 1 {
		t.Errorf("Expected Start while running to be a no-op, got %d starts", len(h.session.starts))
	}
}

func TestStopStopsSessionThenWorker(t *testing.T) {
	h := newHarness(t)
	h.svc.Stop()
	if h.session.stops != 0 || h.worker.stops != 0 {
		t.Fatal("Stop before Start should do nothing")
	}

	h.svc.Start("secret")
	h.svc.Stop()
	h.svc.Stop()

	if h.session.stops != 1 || h.worker.stops != 1 {
		t.Errorf("Expected exactly one stop each, got session=%d worker=%d", h.session.stops, h.worker.stops)
	}
	if h.svc.Ready() {
		t.Error("Expected service not ready after stop")
	}
}

func TestSessionGiveUpReportsError(t *testing.T) {
	h := newHarness(t)
	events, cancel := h.svc.StreamEvents(8)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go h.bus.Run(ctx)

	h.svc.Start("secret")
	h.session.giveUp()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.EventStatus && e.Status == eventbus.StatusError {
				return
			}
		case <-deadline:
			t.Fatal("Expected an error status after the session gave up")
		}
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	h.svc.Start("secret")
	h.worker.current = "job-7"
	h.worker.queued = []job.Request{{JobID: "job-8"}, {JobID: "job-9"}}

	snap := h.svc.Snapshot(context.Background())
	if snap.State != "connected" || !snap.Running {
		t.Errorf("Unexpected session state in snapshot: %+v", snap)
	}
	if snap.CurrentJob == nil || snap.CurrentJob.JobID != "job-7" {
		t.Errorf("Expected current job job-7, got %+v", snap.CurrentJob)
	}
	if snap.QueueLength != 2 || snap.MachineID != "machine-1" || snap.Hardware.VRAMGB != 24 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if len(snap.QueuedJobs) != 2 || snap.QueuedJobs[0].JobID != "job-8" || snap.QueuedJobs[1].JobID != "job-9" {
		t.Errorf("Expected queued jobs in run order, got %+v", snap.QueuedJobs)
	}
}

func TestJobQueriesAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.history.Create(ctx, &history.Record{JobID: "a", Status: job.StatusQueued, QueuedAt: time.Now()})
	h.history.Finish(ctx, job.Result{JobID: "a", Outcome: job.OutcomeCompleted}, time.Now())

	rec, err := h.svc.GetJob(ctx, "a")
	if err != nil || rec.Status != job.StatusCompleted {
		t.Fatalf("Expected completed record, got %+v (%v)", rec, err)
	}
	if _, err := h.svc.GetJob(ctx, "missing"); err != ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	list, err := h.svc.ListJobs(ctx, 0)
	if err != nil || len(list) != 1 {
		t.Errorf("Expected one job listed, got %d (%v)", len(list), err)
	}

	h.worker.current = "b"
	if err := h.svc.CancelJob("b"); err != nil {
		t.Errorf("Expected cancel to succeed, got %v", err)
	}
	if err := h.svc.CancelJob("a"); err != ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound for finished job, got %v", err)
	}
}
