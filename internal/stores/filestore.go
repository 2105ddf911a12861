package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradeflow/internal/risk"
)

// FileStore is a JSON-file implementation of StrategyStore and KeyStore
// for single-node deployments and local development. Strategies,
// subscriptions, and keys are read from seed files in the data
// directory; signal records and key state are written back with atomic
// file replacement (write to .tmp, then rename) so a crash mid-save
// never leaves a partial file.
//
// Layout:
//
//	strategies.json     — []Strategy
//	subscriptions.json  — []Subscription
//	keys.json           — []keyRecord
//	risk.json           — map[userID]risk.Settings
//	positions_<u>.json  — []OpenPosition
//	stats_<u>.json      — DailyStats
//	sig_<id>.json       — SignalRecord
type FileStore struct {
	dir string
	mu  sync.Mutex

	strategies    map[string]*Strategy
	subscriptions []Subscription
	keys          map[string]*keyRecord
	riskSettings  map[string]risk.Settings
}

type keyRecord struct {
	Credentials
	Invalid       bool      `json:"invalid,omitempty"`
	InvalidReason string    `json:"invalid_reason,omitempty"`
	LastUsedAt    time.Time `json:"last_used_at,omitempty"`
}

// OpenFileStore loads the seed files from dir, creating it if needed.
// Missing seed files are treated as empty.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &FileStore{
		dir:          dir,
		strategies:   make(map[string]*Strategy),
		keys:         make(map[string]*keyRecord),
		riskSettings: make(map[string]risk.Settings),
	}

	var strategies []Strategy
	if err := s.readFile("strategies.json", &strategies); err != nil {
		return nil, err
	}
	for i := range strategies {
		s.strategies[strategies[i].ID] = &strategies[i]
	}

	if err := s.readFile("subscriptions.json", &s.subscriptions); err != nil {
		return nil, err
	}

	var keys []keyRecord
	if err := s.readFile("keys.json", &keys); err != nil {
		return nil, err
	}
	for i := range keys {
		s.keys[keys[i].KeyID] = &keys[i]
	}

	if err := s.readFile("risk.json", &s.riskSettings); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *FileStore) Strategy(ctx context.Context, id string) (*Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	strat, ok := s.strategies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *strat
	return &cp, nil
}

func (s *FileStore) Subscribers(ctx context.Context, strategyID string, autoTradeOnly bool) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Subscription
	for _, sub := range s.subscriptions {
		if sub.StrategyID != strategyID || !sub.IsActive {
			continue
		}
		if autoTradeOnly && !sub.AutoTrade {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *FileStore) RecordSignal(ctx context.Context, rec *SignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFile(signalFile(rec.SignalID), rec)
}

func (s *FileStore) UpdateSignalStatus(ctx context.Context, signalID string, status SignalStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec SignalRecord
	path := filepath.Join(s.dir, signalFile(signalID))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read signal record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("unmarshal signal record: %w", err)
	}

	rec.Status = status
	rec.Error = errMsg
	return s.writeFile(signalFile(signalID), &rec)
}

// RiskSettings returns defaults when the user has no stored limits.
func (s *FileStore) RiskSettings(ctx context.Context, userID string) (risk.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings, ok := s.riskSettings[userID]; ok {
		return settings, nil
	}
	return risk.DefaultSettings(), nil
}

func (s *FileStore) OpenPositions(ctx context.Context, userID string) ([]OpenPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []OpenPosition
	if err := s.readFile("positions_"+userID+".json", &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (s *FileStore) DailyStats(ctx context.Context, userID string) (DailyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats DailyStats
	if err := s.readFile("stats_"+userID+".json", &stats); err != nil {
		return DailyStats{}, err
	}
	return stats, nil
}

func (s *FileStore) Credentials(ctx context.Context, userID, keyID string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[keyID]
	if !ok || rec.Invalid {
		return nil, ErrNotFound
	}
	cp := rec.Credentials
	return &cp, nil
}

func (s *FileStore) MarkUsed(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	rec.LastUsedAt = time.Now().UTC()
	return s.saveKeys()
}

func (s *FileStore) MarkInvalid(ctx context.Context, keyID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	rec.Invalid = true
	rec.InvalidReason = reason
	return s.saveKeys()
}

func (s *FileStore) saveKeys() error {
	keys := make([]keyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		keys = append(keys, *rec)
	}
	return s.writeFile("keys.json", keys)
}

func signalFile(signalID string) string {
	return "sig_" + signalID + ".json"
}

// readFile loads a JSON file into v. A missing file leaves v untouched.
func (s *FileStore) readFile(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// writeFile atomically replaces a JSON file.
func (s *FileStore) writeFile(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}
