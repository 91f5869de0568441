package session

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"provider/internal/eventbus"
	"provider/internal/hardware"
	"provider/internal/protocol"
)

type inboundFrame struct {
	conn int
	data map[string]any
}

// fakeControlPlane 模拟控制面的 websocket 端点
type fakeControlPlane struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	paths    []string
	requests int
	rejects  int

	frames    chan inboundFrame
	connected chan int
	closed    chan int
}

func newFakeControlPlane(t *testing.T) *fakeControlPlane {
	cp := &fakeControlPlane{
		t:         t,
		frames:    make(chan inboundFrame, 64),
		connected: make(chan int, 16),
		closed:    make(chan int, 16),
	}
	cp.srv = httptest.NewServer(http.HandlerFunc(cp.handle))
	t.Cleanup(cp.srv.Close)
	return cp
}

func (cp *fakeControlPlane) handle(w http.ResponseWriter, r *http.Request) {
	cp.mu.Lock()
	cp.requests++
	if cp.rejects > 0 {
		cp.rejects--
		cp.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	cp.mu.Unlock()

	conn, err := cp.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	cp.mu.Lock()
	idx := len(cp.conns)
	cp.conns = append(cp.conns, conn)
	cp.paths = append(cp.paths, r.URL.EscapedPath())
	cp.mu.Unlock()
	cp.connected <- idx

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				cp.closed <- idx
				return
			}
			var frame map[string]any
			json.Unmarshal(data, &frame)
			cp.frames <- inboundFrame{conn: idx, data: frame}
		}
	}()
}

func (cp *fakeControlPlane) wsURL() string {
	return "ws" + strings.TrimPrefix(cp.srv.URL, "http") + "/api/v1"
}

func (cp *fakeControlPlane) send(idx int, text string) {
	cp.mu.Lock()
	conn := cp.conns[idx]
	cp.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		cp.t.Fatalf("Failed to send to provider: %v", err)
	}
}

func (cp *fakeControlPlane) drop(idx int) {
	cp.mu.Lock()
	conn := cp.conns[idx]
	cp.mu.Unlock()
	conn.Close()
}

func (cp *fakeControlPlane) Requests() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.requests
}

func (cp *fakeControlPlane) waitConnected(t *testing.T) int {
	t.Helper()
	select {
	case idx := <-cp.connected:
		return idx
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for provider to connect")
		return -1
	}
}

func (cp *fakeControlPlane) nextFrame(t *testing.T) inboundFrame {
	t.Helper()
	select {
	case f := <-cp.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for frame")
		return inboundFrame{}
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	jobs     []protocol.StartJob
	canceled []string
	jobCh    chan protocol.StartJob
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{jobCh: make(chan protocol.StartJob, 8)}
}

func (h *recordingHandler) HandleDispatch(msg protocol.StartJob) error {
	h.mu.Lock()
	h.jobs = append(h.jobs, msg)
	h.mu.Unlock()
	h.jobCh <- msg
	return nil
}

func (h *recordingHandler) Cancel(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled = append(h.canceled, jobID)
	return true
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []eventbus.AgentStatus
}

func (r *statusRecorder) Status(s eventbus.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) Statuses() []eventbus.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.AgentStatus(nil), r.statuses...)
}

func (r *statusRecorder) Log(string) {}

func newTestSupervisor(t *testing.T, cp *fakeControlPlane, policy ReconnectPolicy, heartbeat time.Duration) (*Supervisor, *recordingHandler, *statusRecorder) {
	t.Helper()
	handler := newRecordingHandler()
	rec := &statusRecorder{}
	s := NewSupervisor(Config{
		WSURL:             cp.wsURL(),
		HeartbeatInterval: heartbeat,
		HandshakeTimeout:  time.Second,
		WriteTimeout:      time.Second,
		Policy:            policy,
	}, hardware.Spec{GPUName: "NVIDIA GeForce RTX 4090", VRAMGB: 24}, handler, rec, rec,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.Stop)
	return s, handler, rec
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: Fixed(20 * time.Millisecond)}
}

func waitForState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected state %s, still %s", want, s.State())
}

func TestHardwareInfoPrecedesHeartbeats(t *testing.T) {
	cp := newFakeControlPlane(t)
	s, _, _ := newTestSupervisor(t, cp, fastPolicy(), 20*time.Millisecond)

	if err := s.Start("tok en"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	idx := cp.waitConnected(t)

	first := cp.nextFrame(t)
	if first.data["type"] != "hardware_info" {
		t.Fatalf("Expected hardware_info first, got %v", first.data)
	}
	if first.data["gpu_name"] != "NVIDIA GeForce RTX 4090" || first.data["vram_gb"] != float64(24) {
		t.Errorf("Unexpected hardware payload %v", first.data)
	}
	for i := 0; i < 2; i++ {
		if f := cp.nextFrame(t); f.data["type"] != "heartbeat" {
			t.Errorf("Expected heartbeat, got %v", f.data)
		}
	}

	cp.mu.Lock()
	path := cp.paths[idx]
	cp.mu.Unlock()
	if path != "/api/v1/ws/machine/tok%20en" {
		t.Errorf("Unexpected control channel path %s", path)
	}
}

func TestReconnectReannouncesHardware(t *testing.T) {
	cp := newFakeControlPlane(t)
	s, _, rec := newTestSupervisor(t, cp, fastPolicy(), time.Hour)

	s.Start("tok")
	first := cp.waitConnected(t)
	if f := cp.nextFrame(t); f.conn != first || f.data["type"] != "hardware_info" {
		t.Fatalf("Expected hardware_info on first connection, got %+v", f)
	}

	cp.drop(first)

	second := cp.waitConnected(t)
	if second == first {
		t.Fatal("Expected a new physical connection")
	}
	f := cp.nextFrame(t)
	if f.conn != second || f.data["type"] != "hardware_info" {
		t.Fatalf("Expected hardware_info on reconnect, got %+v", f)
	}
	waitForState(t, s, StateConnected)

	statuses := rec.Statuses()
	want := []eventbus.AgentStatus{
		eventbus.StatusConnecting, eventbus.StatusOnline,
		eventbus.StatusOffline,
		eventbus.StatusConnecting, eventbus.StatusOnline,
	}
	if len(statuses) < len(want) {
		t.Fatalf("Expected statuses %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("Status %d: expected %s, got %s (all %v)", i, want[i], statuses[i], statuses)
		}
	}
}

func TestInboundMessages(t *testing.T) {
	cp := newFakeControlPlane(t)
	s, handler, _ := newTestSupervisor(t, cp, fastPolicy(), time.Hour)

	s.Start("tok")
	idx := cp.waitConnected(t)
	cp.nextFrame(t)

	cp.send(idx, "not json")
	cp.send(idx, `{"event":"SOMETHING_ELSE"}`)
	cp.send(idx, `{"type":"heartbeat"}`)
	cp.send(idx, `{"event":"START_JOB","job_id":"j1","code":"print(1)"}`)
	cp.send(idx, `{"event":"CANCEL_JOB","job_id":"j0"}`)

	select {
	case job := <-handler.jobCh:
		if job.JobID != "j1" || job.Code != "print(1)" {
			t.Errorf("Unexpected job %+v", job)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for dispatch")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.canceled)
		handler.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	handler.mu.Lock()
	canceled := append([]string(nil), handler.canceled...)
	handler.mu.Unlock()
	if len(canceled) != 1 || canceled[0] != "j0" {
		t.Errorf("Expected cancel for j0, got %v", canceled)
	}

	if cp.Requests() != 1 || s.State() != StateConnected {
		t.Errorf("Malformed frames must not drop the connection: requests=%d state=%s", cp.Requests(), s.State())
	}
}

func TestStopClosesWithoutReconnect(t *testing.T) {
	cp := newFakeControlPlane(t)
	s, _, rec := newTestSupervisor(t, cp, fastPolicy(), time.Hour)

	s.Start("tok")
	idx := cp.waitConnected(t)
	cp.nextFrame(t)

	s.Stop()

	select {
	case closed := <-cp.closed:
		if closed != idx {
			t.Errorf("Expected connection %d closed, got %d", idx, closed)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Server never saw the connection close")
	}
	if s.State() != StateDisconnected || s.Running() {
		t.Errorf("Expected stopped supervisor, state=%s running=%v", s.State(), s.Running())
	}

	time.Sleep(100 * time.Millisecond)
	if cp.Requests() != 1 {
		t.Errorf("Expected no reconnect after stop, got %d requests", cp.Requests())
	}
	statuses := rec.Statuses()
	if statuses[len(statuses)-1] != eventbus.StatusOffline {
		t.Errorf("Expected final status offline, got %v", statuses)
	}

	s.Stop()

	// 停止后可以再次启动
	s.Start("tok")
	cp.waitConnected(t)
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	cp := newFakeControlPlane(t)
	s, _, _ := newTestSupervisor(t, cp, fastPolicy(), time.Hour)

	s.Start("tok")
	cp.waitConnected(t)
	s.Start("other")
	s.Start("tok")

	time.Sleep(100 * time.Millisecond)
	if cp.Requests() != 1 {
		t.Errorf("Expected a single connection, got %d requests", cp.Requests())
	}
}

func TestStartRequiresToken(t *testing.T) {
	cp := newFakeControlPlane(t)
	s, _, _ := newTestSupervisor(t, cp, fastPolicy(), time.Hour)

	if err := s.Start(""); err != ErrEmptyToken {
		t.Errorf("Expected ErrEmptyToken, got %v", err)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	cp := newFakeControlPlane(t)
	cp.rejects = 100
	s, _, rec := newTestSupervisor(t, cp, ReconnectPolicy{Delay: Fixed(10 * time.Millisecond), MaxAttempts: 2}, time.Hour)

	s.Start("tok")
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Supervisor did not give up")
	}

	if got := cp.Requests(); got != 3 {
		t.Errorf("Expected initial dial plus 2 reconnects, got %d", got)
	}
	if s.Running() {
		t.Error("Expected supervisor to stop running after giving up")
	}
	statuses := rec.Statuses()
	if statuses[len(statuses)-1] != eventbus.StatusOffline {
		t.Errorf("Expected terminal offline status, got %v", statuses)
	}
}

func TestReconnectsAfterRejectedHandshake(t *testing.T) {
	cp := newFakeControlPlane(t)
	cp.rejects = 2
	s, _, _ := newTestSupervisor(t, cp, ReconnectPolicy{Delay: Fixed(10 * time.Millisecond), MaxAttempts: 3}, time.Hour)

	s.Start("tok")
	cp.waitConnected(t)
	if f := cp.nextFrame(t); f.data["type"] != "hardware_info" {
		t.Errorf("Expected hardware_info, got %v", f.data)
	}

	// 成功连接后计数清零，再次掉线仍可重连 3 次
	cp.mu.Lock()
	cp.rejects = 2
	cp.mu.Unlock()
	cp.drop(0)
	cp.waitConnected(t)
	waitForState(t, s, StateConnected)
}
