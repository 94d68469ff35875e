// Package socket owns the single realtime connection shared by every chat
// component of a login session.
package socket

import (
	"context"
	"sync"

	chaterrors "github.com/edustream/classchat/errors"
	"github.com/edustream/classchat/internal/broadcast"
	"github.com/edustream/classchat/internal/sio"
	"github.com/edustream/classchat/logger"
	"github.com/edustream/classchat/metrics"
)

// Socket is a transport connection. *sio.Client implements it.
type Socket interface {
	Connect()
	Emit(event string, payload any) error
	Connected() bool
	Close() error
}

// Factory builds a transport bound to token that reports to h.
type Factory func(token string, h sio.Handler) (Socket, error)

// NewSIOFactory returns a Factory producing Socket.IO clients.
func NewSIOFactory(config sio.Config, log logger.Logger) Factory {
	return func(token string, h sio.Handler) (Socket, error) {
		return sio.New(config, token, h, log)
	}
}

// Dispatcher receives every inbound event of the current connection.
type Dispatcher interface {
	Dispatch(event string, payload []byte)
}

// Manager is the connection state machine. Status changes are driven only by
// transport callbacks and explicit Connect/Disconnect calls; transport errors
// never reach callers.
type Manager struct {
	factory    Factory
	dispatcher Dispatcher
	log        logger.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	socket     Socket
	token      string
	status     Status
	epoch      uint64
	generation uint64
	gaveUp     bool
	changed    chan struct{}
	resets     []func()

	topic *broadcast.Topic[Status]
}

// NewManager creates a disconnected manager. dispatcher and m may be nil.
func NewManager(factory Factory, dispatcher Dispatcher, log logger.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Manager{
		factory:    factory,
		dispatcher: dispatcher,
		log:        log.Named("socket"),
		metrics:    m,
		status:     Status{State: Disconnected},
		changed:    make(chan struct{}),
		topic:      broadcast.New[Status](nil),
	}
}

// Connect opens a connection authenticated with token. It is a no-op while
// a connection with the same token is connecting or connected. Status is
// Connecting when Connect returns.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	if m.socket != nil && m.token == token &&
		(m.status.State == Connecting || m.status.State == Connected) {
		m.mu.Unlock()
		m.log.Debug("already connected with same token")

		return
	}

	old := m.socket
	m.socket = nil
	m.epoch++
	epoch := m.epoch
	m.token = token
	m.gaveUp = false
	m.setStatusLocked(Status{State: Connecting, Generation: m.generation})
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
		m.runResets()
	}

	s, err := m.factory(token, &handler{m: m, epoch: epoch})

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()

		if s != nil {
			_ = s.Close()
		}

		return
	}

	if err != nil {
		m.gaveUp = true
		m.setStatusLocked(Status{State: Error, Reason: err.Error(), Generation: m.generation})
		m.mu.Unlock()
		m.log.Error("failed to create socket", logger.Error(err))

		return
	}

	m.socket = s
	m.mu.Unlock()

	s.Connect()
}

// Disconnect tears the connection down and clears per-connection state.
// Calling it repeatedly is harmless.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	old := m.socket
	m.socket = nil
	m.epoch++
	m.token = ""
	m.gaveUp = false
	if m.status.State != Disconnected || m.status.Reason != "" {
		m.setStatusLocked(Status{State: Disconnected, Generation: m.generation})
	}
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	m.runResets()
}

// Close disconnects and ends every status subscription.
func (m *Manager) Close() {
	m.Disconnect()
	m.topic.Close()
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// IsConnected reports whether the connection is established.
func (m *Manager) IsConnected() bool {
	return m.Status().State == Connected
}

// Subscribe returns a status stream whose first value is the current status.
func (m *Manager) Subscribe(buffer int) *broadcast.Subscription[Status] {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.topic.SubscribeWith(buffer, m.status)
}

// WaitConnected blocks until the connection is established. It fails once
// the transport has given up, after an explicit Disconnect, or when ctx ends.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		st := m.status
		gaveUp := m.gaveUp
		idle := m.socket == nil
		ch := m.changed
		m.mu.Unlock()

		switch {
		case st.State == Connected:
			return nil
		case st.State == Error && gaveUp:
			return chaterrors.ErrConnectionFailed(st.Reason, nil)
		case st.State == Disconnected && (idle || gaveUp):
			return chaterrors.ErrConnectionFailed("disconnected", nil)
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return chaterrors.ErrConnectionFailed("waiting for connection", ctx.Err())
		}
	}
}

// Emit sends an event on the live connection.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	s := m.socket
	connected := m.status.State == Connected
	m.mu.Unlock()

	if s == nil || !connected {
		return chaterrors.ErrNotConnected(event)
	}

	return s.Emit(event, payload)
}

// OnReset registers fn to run whenever the connection goes away.
func (m *Manager) OnReset(fn func()) {
	m.mu.Lock()
	m.resets = append(m.resets, fn)
	m.mu.Unlock()
}

func (m *Manager) runResets() {
	m.mu.Lock()
	resets := append([]func(){}, m.resets...)
	m.mu.Unlock()

	for _, fn := range resets {
		fn()
	}
}

func (m *Manager) setStatusLocked(s Status) {
	m.status = s
	m.topic.Publish(s)
	close(m.changed)
	m.changed = make(chan struct{})
	m.metrics.ConnectionState(int(s.State), s.State.String())
}

// current reports whether epoch still owns the manager.
func (m *Manager) current(epoch uint64) bool {
	return m.epoch == epoch
}

// handler binds transport callbacks to the socket generation that created
// them, so a replaced socket cannot move the state machine.
type handler struct {
	m     *Manager
	epoch uint64
}

func (h *handler) OnConnect() {
	m := h.m

	m.mu.Lock()
	if !m.current(h.epoch) {
		m.mu.Unlock()

		return
	}

	m.generation++
	m.gaveUp = false
	m.setStatusLocked(Status{State: Connected, Generation: m.generation})
	gen := m.generation
	m.mu.Unlock()

	m.log.Info("socket connected", logger.F("generation", gen))
}

func (h *handler) OnDisconnect(reason string) {
	m := h.m

	m.mu.Lock()
	if !m.current(h.epoch) {
		m.mu.Unlock()

		return
	}

	if reason == sio.ReasonServerDisconnect {
		m.gaveUp = true
	}

	m.setStatusLocked(Status{State: Disconnected, Reason: reason, Generation: m.generation})
	m.mu.Unlock()

	m.log.Info("socket disconnected", logger.String("reason", reason))
	m.runResets()
}

func (h *handler) OnConnectError(err error, final bool) {
	m := h.m

	m.mu.Lock()
	if !m.current(h.epoch) {
		m.mu.Unlock()

		return
	}

	m.gaveUp = final
	m.setStatusLocked(Status{State: Error, Reason: err.Error(), Generation: m.generation})
	m.mu.Unlock()

	m.log.Warn("socket connect error", logger.Error(err), logger.Bool("final", final))
}

func (h *handler) OnEvent(name string, payload []byte) {
	m := h.m

	m.mu.Lock()
	ok := m.current(h.epoch)
	d := m.dispatcher
	m.mu.Unlock()

	if !ok || d == nil {
		return
	}

	d.Dispatch(name, payload)
}
