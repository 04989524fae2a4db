package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// JSONStorage keeps the journal in memory and persists it as one JSON file.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *journalData
}

type journalData struct {
	Reversals   []ReversalRecord `json:"reversals"`
	Statistics  *Statistics      `json:"statistics"`
	LastUpdated time.Time        `json:"last_updated"`
}

func newJournalData() *journalData {
	return &journalData{Statistics: &Statistics{}}
}

// NewJSONStorage opens the journal at path, loading it if the file exists.
func NewJSONStorage(path string) (*JSONStorage, error) {
	if path == "" {
		return nil, errors.New("storage path is empty")
	}
	s := &JSONStorage{
		filepath: path,
		data:     newJournalData(),
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat storage: %w", err)
	}

	return s, nil
}

// Load replaces the in-memory journal with the file's contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	data := newJournalData()
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("decode %s: %w", s.filepath, err)
	}
	if data.Statistics == nil {
		data.Statistics = &Statistics{}
		for _, r := range data.Reversals {
			updateStatistics(data.Statistics, r)
		}
	}
	s.data = data
	return nil
}

// Save writes the journal atomically.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.filepath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	// Write to temp file first
	tmp, err := os.CreateTemp(dir, filepath.Base(s.filepath)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	// Atomic rename
	if err := os.Rename(tmpName, s.filepath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// RecordReversal appends rec and persists the journal.
func (s *JSONStorage) RecordReversal(rec ReversalRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Reversals = append(s.data.Reversals, rec)
	updateStatistics(s.data.Statistics, rec)
	return s.saveLocked()
}

// GetReversals returns a copy of every record in journal order.
func (s *JSONStorage) GetReversals() []ReversalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecords(s.data.Reversals, nil)
}

// GetReversalsForTicker returns a copy of ticker's records.
func (s *JSONStorage) GetReversalsForTicker(ticker models.Ticker) []ReversalRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecords(s.data.Reversals, func(r ReversalRecord) bool {
		return r.Ticker == ticker
	})
}

// GetStatistics returns a copy of the aggregates.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := *s.data.Statistics
	return &stats
}
