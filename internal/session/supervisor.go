// Package session maintains the machine's control channel to the control
// plane: connect, announce hardware, heartbeat, receive jobs, reconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"provider/internal/eventbus"
	"provider/internal/hardware"
	"provider/internal/monitor"
	"provider/internal/protocol"
)

var ErrEmptyToken = errors.New("auth token is required")

// Supervisor owns one control-channel session. It is safe for concurrent use.
type Supervisor struct {
	config   Config
	hardware hardware.Spec
	handler  Handler
	logs     eventbus.LogSink
	statuses eventbus.StatusSink
	dialer   *websocket.Dialer
	logger   *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	token   string
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	conn    *websocket.Conn

	// 写操作串行化，gorilla/websocket 不支持并发写
	writeMu sync.Mutex
}

func NewSupervisor(
	cfg Config,
	hw hardware.Spec,
	handler Handler,
	logs eventbus.LogSink,
	statuses eventbus.StatusSink,
	logger *slog.Logger,
) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Supervisor{
		config:   cfg,
		hardware: hw,
		handler:  handler,
		logs:     logs,
		statuses: statuses,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With("component", "session"),
	}
}

// Start begins connecting with token. It is a no-op while already running.
func (s *Supervisor) Start(token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.token = token
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	return nil
}

// Stop closes the session and cancels any pending reconnect. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done, conn := s.cancel, s.done, s.conn
	s.mu.Unlock()

	s.setState(StateClosing)
	if conn != nil {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "provider stopped")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.WriteTimeout))
		s.writeMu.Unlock()
	}
	cancel()
	<-done

	s.setState(StateDisconnected)
	s.status(eventbus.StatusOffline)
	s.log("Disconnected from control plane")
	s.logger.Info("Session stopped")
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed when the current session loop exits, either after Stop or
// after reconnect attempts are exhausted. Nil if never started.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		s.setState(StateConnecting)
		s.status(eventbus.StatusConnecting)
		s.log("Connecting to control plane...")

		conn, err := s.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err == nil {
			attempt = 0
			s.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			s.log("Connection to control plane lost")
		} else {
			s.logger.Warn("Failed to connect", "error", err)
			s.log(fmt.Sprintf("Connection error: %v", err))
		}

		s.setState(StateDisconnected)
		s.status(eventbus.StatusOffline)

		attempt++
		delay, ok := s.config.Policy.Next(attempt)
		if !ok {
			s.logger.Error("Giving up reconnecting", "attempts", attempt-1)
			s.log(fmt.Sprintf("Giving up after %d reconnect attempts", attempt-1))
			s.mu.Lock()
			s.running = false
			s.cancel()
			s.mu.Unlock()
			return
		}

		monitor.SessionReconnects.Inc()
		s.logger.Info("Scheduling reconnect", "attempt", attempt, "delay", delay)
		s.log(fmt.Sprintf("Reconnecting in %s...", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	base := strings.TrimRight(s.config.WSURL, "/")
	endpoint := base + "/ws/machine/" + url.PathEscape(token)

	s.logger.Info("Dialing control channel", "url", base+"/ws/machine/***")
	conn, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// serve runs one physical connection until it fails or ctx is canceled.
func (s *Supervisor) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	hbCtx, hbCancel := context.WithCancel(ctx)
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		hbCancel()
		stopClose()
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.setState(StateConnected)
	s.status(eventbus.StatusOnline)
	s.log("Connected to GPUFlow Network")
	s.logger.Info("Control channel connected")

	// 每次连接先上报硬件信息，再启动心跳
	hw := protocol.NewHardwareInfo(s.hardware.GPUName, s.hardware.VRAMGB)
	if err := s.writeJSON(conn, hw); err != nil {
		s.logger.Warn("Failed to send hardware info", "error", err)
		return
	}
	s.log(fmt.Sprintf("Announced hardware: %s (%.0f GB)", s.hardware.GPUName, s.hardware.VRAMGB))

	go s.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("Control channel closed", "error", err)
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *Supervisor) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				continue
			}
			if err := s.writeJSON(conn, protocol.NewHeartbeat()); err != nil {
				s.logger.Warn("Failed to send heartbeat", "error", err)
				// 关闭连接让读循环退出并触发重连
				conn.Close()
				return
			}
		}
	}
}

func (s *Supervisor) handleMessage(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		monitor.SessionMalformedMessages.Inc()
		s.logger.Warn("Dropping control message", "error", err, "size", len(data))
		return
	}

	switch m := msg.(type) {
	case protocol.Heartbeat:
		s.logger.Debug("Heartbeat received")
	case protocol.StartJob:
		if err := s.handler.HandleDispatch(m); err != nil {
			s.logger.Info("Dispatch not accepted", "job_id", m.JobID, "error", err)
		}
	case protocol.CancelJob:
		if !s.handler.Cancel(m.JobID) {
			s.logger.Info("Cancel for unknown job", "job_id", m.JobID)
		}
	}
}

func (s *Supervisor) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	monitor.SessionState.Set(float64(st))
}

func (s *Supervisor) log(text string) {
	if s.logs != nil {
		s.logs.Log(text)
	}
}

func (s *Supervisor) status(st eventbus.AgentStatus) {
	if s.statuses != nil {
		s.statuses.Status(st)
	}
}
