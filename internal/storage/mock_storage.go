package storage

import (
	"sync"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	mu            sync.Mutex
	saveError     error
	loadError     error
	recordError   error
	reversals     []ReversalRecord
	statistics    *Statistics
	saveCallCount int
	loadCallCount int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{statistics: &Statistics{}}
}

// RecordReversal appends rec unless a record error is configured.
func (m *MockStorage) RecordReversal(rec ReversalRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordError != nil {
		return m.recordError
	}
	m.reversals = append(m.reversals, rec)
	updateStatistics(m.statistics, rec)
	return nil
}

func (m *MockStorage) GetReversals() []ReversalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRecords(m.reversals, nil)
}

func (m *MockStorage) GetReversalsForTicker(ticker models.Ticker) []ReversalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRecords(m.reversals, func(r ReversalRecord) bool { return r.Ticker == ticker })
}

func (m *MockStorage) GetStatistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := *m.statistics
	return &stats
}

// Data persistence methods
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

// Test helper methods

// SetSaveError sets an error to be returned by Save()
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// SetLoadError sets an error to be returned by Load()
func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// SetRecordError sets an error to be returned by RecordReversal()
func (m *MockStorage) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordError = err
}

// SaveCallCount returns how many times Save() was called
func (m *MockStorage) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

// LoadCallCount returns how many times Load() was called
func (m *MockStorage) LoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}
