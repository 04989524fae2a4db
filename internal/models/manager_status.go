package models

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ManagerState is the lifecycle state of a long-running component.
type ManagerState string

// Manager states.
const (
	ManagerShutdown ManagerState = "SHUTDOWN"
	ManagerStarting ManagerState = "STARTING"
	ManagerRunning  ManagerState = "RUNNING"
	ManagerStopping ManagerState = "STOPPING"
)

// ConnectionState is the state of the brokerage session.
type ConnectionState string

// Connection states.
const (
	Connected    ConnectionState = "CONNECTED"
	Disconnected ConnectionState = "DISCONNECTED"
)

// ConnectionStatus is a session state stamped with when it was entered.
type ConnectionStatus struct {
	State ConnectionState `json:"state"`
	Time  time.Time       `json:"time"`
}

// NewConnectionStatus stamps state with the current time.
func NewConnectionStatus(state ConnectionState) ConnectionStatus {
	return ConnectionStatus{State: state, Time: time.Now().UTC()}
}

// StatusSnapshot is a point-in-time copy of a ManagerStatus.
type StatusSnapshot struct {
	Name  string       `json:"name"`
	State ManagerState `json:"state"`
	Time  time.Time    `json:"time"`
}

// ManagerStatus holds a component's lifecycle state. Every change is
// logged with the previous and new state.
type ManagerStatus struct {
	mu     sync.RWMutex
	name   string
	state  ManagerState
	time   time.Time
	logger *logrus.Logger
}

// NewManagerStatus starts in SHUTDOWN. A nil logger uses the standard logger.
func NewManagerStatus(name string, logger *logrus.Logger) *ManagerStatus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ManagerStatus{
		name:   name,
		state:  ManagerShutdown,
		time:   time.Now().UTC(),
		logger: logger,
	}
}

// ChangeState moves to state and returns the previous one. Changing to the
// current state only refreshes the timestamp.
func (s *ManagerStatus) ChangeState(state ManagerState) ManagerState {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.time = time.Now().UTC()
	s.mu.Unlock()

	if prev != state {
		s.logger.WithFields(logrus.Fields{
			"component": s.name,
			"from":      prev,
			"to":        state,
		}).Infof("%s is transitioning from %s to %s", s.name, prev, state)
	}
	return prev
}

// CompareAndChange moves to next only if the current state is from.
func (s *ManagerStatus) CompareAndChange(from, next ManagerState) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.time = time.Now().UTC()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"component": s.name,
		"from":      from,
		"to":        next,
	}).Infof("%s is transitioning from %s to %s", s.name, from, next)
	return true
}

// State returns the current state.
func (s *ManagerStatus) State() ManagerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Is reports whether the current state is state.
func (s *ManagerStatus) Is(state ManagerState) bool {
	return s.State() == state
}

// Snapshot returns a copy of the current status.
func (s *ManagerStatus) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusSnapshot{Name: s.name, State: s.state, Time: s.time}
}
