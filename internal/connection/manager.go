// Package connection owns the brokerage session.
package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/models"
)

// ErrAlreadyConnected is returned by Connect while a session is open.
var ErrAlreadyConnected = errors.New("already connected")

// Manager connects to the brokerage and republishes session state changes.
type Manager struct {
	handler broker.ConnectionHandler
	logger  *logrus.Entry
	status  *models.ManagerStatus

	mu      sync.RWMutex
	current models.ConnectionStatus
	out     chan models.ConnectionStatus
	done    chan struct{}
}

// NewManager creates a disconnected manager. Statuses are republished on a
// channel with room for buffer updates.
func NewManager(handler broker.ConnectionHandler, logger *logrus.Logger, buffer int) *Manager {
	if handler == nil {
		panic("connection.NewManager: handler must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if buffer <= 0 {
		buffer = 16
	}
	return &Manager{
		handler: handler,
		logger:  logger.WithField("component", "connection"),
		status:  models.NewManagerStatus("ConnectionManager", logger),
		current: models.NewConnectionStatus(models.Disconnected),
		out:     make(chan models.ConnectionStatus, buffer),
	}
}

// Statuses delivers every session state change. It is never closed.
func (m *Manager) Statuses() <-chan models.ConnectionStatus { return m.out }

// Status returns the manager's lifecycle status.
func (m *Manager) Status() models.StatusSnapshot { return m.status.Snapshot() }

// ConnectionStatus returns the latest session state.
func (m *Manager) ConnectionStatus() models.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connected reports whether the session is open.
func (m *Manager) Connected() bool {
	return m.ConnectionStatus().State == models.Connected
}

// Connect opens the session.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.status.CompareAndChange(models.ManagerShutdown, models.ManagerStarting) {
		return ErrAlreadyConnected
	}
	statuses, err := m.handler.Connect(ctx)
	if err != nil {
		m.status.ChangeState(models.ManagerShutdown)
		return err
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.done = done
	m.mu.Unlock()

	m.status.ChangeState(models.ManagerRunning)
	go m.forward(statuses, done)
	return nil
}

func (m *Manager) forward(statuses <-chan models.ConnectionStatus, done chan struct{}) {
	defer close(done)
	for s := range statuses {
		m.publish(s)
	}
	// the session is over once the stream closes
	if m.Connected() {
		m.publish(models.NewConnectionStatus(models.Disconnected))
	}
	m.status.CompareAndChange(models.ManagerRunning, models.ManagerShutdown)
}

func (m *Manager) publish(s models.ConnectionStatus) {
	m.mu.Lock()
	prev := m.current
	m.current = s
	m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{"from": prev.State, "to": s.State})
	if s.State == models.Disconnected {
		log.Warn("Brokerage session disconnected")
	} else {
		log.Info("Brokerage session state changed")
	}

	select {
	case m.out <- s:
	default:
		m.logger.WithField("state", s.State).Warn("Connection status channel full, dropping update")
	}
}

// Disconnect closes the session. It returns once the status stream has
// been drained.
func (m *Manager) Disconnect() error {
	if !m.status.CompareAndChange(models.ManagerRunning, models.ManagerStopping) {
		return nil
	}
	err := m.handler.Disconnect()

	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if err == nil && done != nil {
		<-done
	}
	m.status.ChangeState(models.ManagerShutdown)
	return err
}

// Shutdown disconnects, logging any failure.
func (m *Manager) Shutdown() {
	if err := m.Disconnect(); err != nil {
		m.logger.WithError(err).Error("Disconnect failed")
	}
}
