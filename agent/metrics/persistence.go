// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// baselineKeyPrefix namespaces baseline records in the database.
const baselineKeyPrefix = "baseline/"

// BadgerConfig configures the embedded baseline database.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is true.
	Path string

	// InMemory disables disk persistence; used in tests.
	InMemory bool

	// SyncWrites enables synchronous writes. Baselines are advisory, so
	// the default is false; a lost flush just means a fresh learning cycle.
	SyncWrites bool

	// Logger receives BadgerDB's internal messages. Nil disables them.
	Logger *slog.Logger
}

// badgerLogger adapts slog to BadgerDB's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BaselineStore holds per-(skill, metric) baselines in memory with
// optional BadgerDB persistence.
//
// Baselines are advisory: a missing or unreadable database triggers a
// fresh learning cycle rather than an error at startup.
//
// Thread Safety: safe for concurrent use.
type BaselineStore struct {
	mu        sync.RWMutex
	baselines map[Key]Baseline
	db        *badger.DB
}

// NewBaselineStore creates an in-memory store without persistence.
func NewBaselineStore() *BaselineStore {
	return &BaselineStore{
		baselines: make(map[Key]Baseline),
	}
}

// OpenBaselineStore creates a store backed by BadgerDB and loads any
// persisted baselines.
func OpenBaselineStore(cfg BadgerConfig) (*BaselineStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent baseline store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create baseline directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open baseline database: %w", err)
	}

	store := &BaselineStore{
		baselines: make(map[Key]Baseline),
		db:        db,
	}
	if err := store.load(); err != nil {
		// Advisory data: log and start a fresh learning cycle.
		slog.Warn("failed to load persisted baselines, starting fresh", "error", err)
	}
	return store, nil
}

// Get returns the baseline for one key.
func (s *BaselineStore) Get(skill, metric string) (Baseline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[Key{Skill: skill, Metric: metric}]
	return b, ok
}

// Put stores a baseline in memory. Persistence happens on Flush.
func (s *BaselineStore) Put(skill, metric string, b Baseline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[Key{Skill: skill, Metric: metric}] = b
}

// All returns a copy of every baseline.
func (s *BaselineStore) All() map[Key]Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Key]Baseline, len(s.baselines))
	for k, v := range s.baselines {
		out[k] = v
	}
	return out
}

// Len returns the number of stored baselines.
func (s *BaselineStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.baselines)
}

// Flush writes every baseline to the database. No-op without persistence.
func (s *BaselineStore) Flush() error {
	if s.db == nil {
		return nil
	}

	snapshot := s.All()
	return s.db.Update(func(txn *badger.Txn) error {
		for key, baseline := range snapshot {
			payload, err := json.Marshal(baseline)
			if err != nil {
				return fmt.Errorf("encode baseline %s/%s: %w", key.Skill, key.Metric, err)
			}
			if err := txn.Set([]byte(encodeKey(key)), payload); err != nil {
				return fmt.Errorf("persist baseline %s/%s: %w", key.Skill, key.Metric, err)
			}
		}
		return nil
	})
}

// Close flushes and closes the database.
func (s *BaselineStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.Flush(); err != nil {
		slog.Warn("baseline flush on close failed", "error", err)
	}
	return s.db.Close()
}

// load reads every persisted baseline into memory.
func (s *BaselineStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(baselineKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key, ok := decodeKey(string(item.Key()))
			if !ok {
				continue
			}
			err := item.Value(func(val []byte) error {
				var b Baseline
				if err := json.Unmarshal(val, &b); err != nil {
					return fmt.Errorf("decode baseline %s/%s: %w", key.Skill, key.Metric, err)
				}
				s.mu.Lock()
				s.baselines[key] = b
				s.mu.Unlock()
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeKey(key Key) string {
	return baselineKeyPrefix + key.Skill + "/" + key.Metric
}

func decodeKey(raw string) (Key, bool) {
	rest, ok := strings.CutPrefix(raw, baselineKeyPrefix)
	if !ok {
		return Key{}, false
	}
	skill, metric, ok := strings.Cut(rest, "/")
	if !ok || skill == "" || metric == "" {
		return Key{}, false
	}
	return Key{Skill: skill, Metric: metric}, true
}
