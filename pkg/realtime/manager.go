package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"hirechat/pkg/auth"
	"hirechat/pkg/events"
	"hirechat/pkg/logging"
)

// Status is the connection state surfaced to the UI as a tri-state indicator.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

var ErrNotConnected = errors.New("realtime transport is not connected")

// FrameSink receives inbound frames one at a time, in arrival order.
type FrameSink func(frame []byte)

type Options struct {
	Name    string // for logs, e.g. "events" or "chat"
	BaseURL string
	Path    string
	Tokens  auth.TokenStore
	Sink    FrameSink
	Dialer  Dialer

	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	KeepaliveInterval time.Duration // 0 disables the client keepalive frame

	Logger *slog.Logger
}

// Manager owns one persistent connection: dial, reconnect with backoff, heartbeat filtering.
type Manager struct {
	opts   Options
	logger *slog.Logger

	// lifecycleMu serializes Connect and Disconnect.
	lifecycleMu sync.Mutex

	mu        sync.Mutex
	status    Status
	lastCode  int
	nextDelay time.Duration
	conn      Conn
	token     string
	rejected  string // last credential closed with CloseAuthRejected
	cancel    context.CancelFunc
	done      chan struct{}
	observers []func(Status)

	writeMu sync.Mutex
	policy  *backoff.ExponentialBackOff

	// wait sleeps for d unless ctx ends first; reports whether to continue.
	wait func(ctx context.Context, d time.Duration) bool
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Sink == nil {
		opts.Sink = func([]byte) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		opts:   opts,
		logger: logger.With("component", "realtime", "stream", opts.Name),
		status: StatusDisconnected,
		policy: newReconnectPolicy(opts.ReconnectInitial, opts.ReconnectMax),
		wait:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// OnStatus registers an observer called once per actual status change.
func (m *Manager) OnStatus(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastCloseCode is the close code of the most recent connection loss, 0 if none.
func (m *Manager) LastCloseCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCode
}

// NextDelay is the backoff delay most recently scheduled.
func (m *Manager) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextDelay
}

// Connect starts the connection loop with the credential from the token store.
// It is a no-op without a credential, for a credential the server closed with CloseAuthRejected,
// or when a loop for the same credential is already running.
// A loop running with a different credential is torn down first.
func (m *Manager) Connect(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	token := ""
	if m.opts.Tokens != nil {
		token = m.opts.Tokens.Token()
	}
	if token == "" {
		m.logger.Debug("no credential, not connecting")
		return
	}

	m.mu.Lock()
	running := m.cancel != nil
	sameToken := m.token == token
	rejected := m.rejected == token
	m.mu.Unlock()

	if rejected {
		m.logger.Debug("credential was rejected, waiting for a new one")
		return
	}

	if running && sameToken {
		return
	}
	if running {
		m.logger.Info("credential changed, replacing connection")
		m.teardown()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.token = token
	m.rejected = ""
	m.cancel = cancel
	m.done = done
	m.lastCode = 0
	m.nextDelay = 0
	m.policy.Reset()
	m.mu.Unlock()

	go m.run(runCtx, token, done)
}

// Disconnect closes the connection with a normal-closure code and suppresses any pending reconnect.
// It returns after the connection loop has exited.
func (m *Manager) Disconnect() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	m.teardown()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	if cancel != nil {
		// Cancel under mu so a dial finishing concurrently can't attach a conn afterwards.
		cancel()
	}
	m.cancel = nil
	m.done = nil
	m.token = ""
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Send writes one JSON frame over the open transport.
func (m *Manager) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn, status := m.conn, m.status
	m.mu.Unlock()
	if conn == nil || status != StatusConnected {
		return ErrNotConnected
	}
	return m.write(conn, websocket.TextMessage, data)
}

func (m *Manager) write(conn Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	observers := append([]func(Status){}, m.observers...)
	m.mu.Unlock()

	m.logger.Debug("status changed", "status", s)
	for _, fn := range observers {
		fn(s)
	}
}

func (m *Manager) run(ctx context.Context, token string, done chan struct{}) {
	fatal := false
	defer func() {
		if fatal {
			m.release(token, done)
		}
	}()
	defer close(done)
	defer m.setStatus(StatusDisconnected)

	rawURL, err := BuildURL(m.opts.BaseURL, m.opts.Path, token)
	if err != nil {
		m.logger.Error("invalid stream url", "error", err)
		return
	}

	for {
		m.setStatus(StatusConnecting)

		conn, err := m.opts.Dialer.Dial(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code := closeCode(err)
			m.recordCode(code)
			if code == CloseAuthRejected {
				m.logger.Warn("credential rejected, not reconnecting", "code", code)
				fatal = true
				return
			}
			m.logger.Info("dial failed", "error", err)
			m.setStatus(StatusDisconnected)
			if !m.backoffWait(ctx) {
				return
			}
			continue
		}

		if !m.attach(ctx, conn) {
			_ = conn.Close()
			return
		}
		m.policy.Reset()
		m.setStatus(StatusConnected)
		m.logger.Info("connected")

		err = m.serve(ctx, conn)
		m.detach()

		if ctx.Err() != nil {
			return
		}
		code := closeCode(err)
		m.recordCode(code)
		if code == CloseAuthRejected {
			m.logger.Warn("credential rejected, not reconnecting", "code", code)
			fatal = true
			return
		}
		m.logger.Info("connection lost", "code", code)
		m.setStatus(StatusDisconnected)
		if !m.backoffWait(ctx) {
			return
		}
	}
}

// release remembers a rejected credential and frees the loop's context once it has exited.
// A Disconnect or credential change that got there first has already done the cleanup.
func (m *Manager) release(token string, done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = token
	if m.done != done {
		return
	}
	m.cancel()
	m.cancel = nil
	m.done = nil
	m.token = ""
}

func (m *Manager) attach(ctx context.Context, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) detach() {
	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

func (m *Manager) recordCode(code int) {
	m.mu.Lock()
	m.lastCode = code
	m.mu.Unlock()
}

func (m *Manager) backoffWait(ctx context.Context) bool {
	d := m.policy.NextBackOff()
	m.mu.Lock()
	m.nextDelay = d
	m.mu.Unlock()

	m.logger.Info("reconnecting", "delay", d)
	return m.wait(ctx, d)
}

// serve pumps frames until the connection fails or ctx ends. On ctx end it sends a
// normal-closure frame before closing so the server sees a clean shutdown.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var tick <-chan time.Time
		if m.opts.KeepaliveInterval > 0 {
			ticker := time.NewTicker(m.opts.KeepaliveInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
				_ = m.write(conn, websocket.CloseMessage, msg)
				_ = conn.Close()
				return
			case <-tick:
				if err := m.write(conn, websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
					m.logger.Debug("keepalive failed", "error", err)
				}
			}
		}
	}()

	err := m.readLoop(conn)
	close(stop)
	wg.Wait()
	_ = conn.Close()
	return err
}

func (m *Manager) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if events.PeekType(data) == events.TypePing {
			continue
		}
		m.opts.Sink(data)
	}
}
