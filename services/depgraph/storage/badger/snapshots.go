// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianDepGraph/services/depgraph/session"
)

// ErrNotFound is returned when no stored view matches a lookup.
var ErrNotFound = errors.New("view not found")

const viewPrefix = "view/"

// viewKey orders a session's views by sequence under plain byte order.
func viewKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", viewPrefix, sessionID, seq))
}

func sessionPrefix(sessionID string) []byte {
	return []byte(viewPrefix + sessionID + "/")
}

// parseViewKey splits a view key into session ID and sequence.
func parseViewKey(key []byte) (string, uint64, bool) {
	rest, ok := strings.CutPrefix(string(key), viewPrefix)
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:i], seq, true
}

// SessionInfo summarizes the stored views of one session.
type SessionInfo struct {
	ID           string
	Views        int
	LastSequence uint64
}

// StoreOption configures a SnapshotStore.
type StoreOption func(*SnapshotStore)

// WithRetention keeps only the newest n views per session. Zero keeps
// everything.
func WithRetention(n int) StoreOption {
	return func(s *SnapshotStore) {
		if n >= 0 {
			s.keep = n
		}
	}
}

// WithTTL expires stored views after d.
func WithTTL(d time.Duration) StoreOption {
	return func(s *SnapshotStore) {
		s.ttl = d
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *SnapshotStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SnapshotStore stores session views as JSON records.
//
// # Description
//
// Records are keyed by session ID and zero-padded sequence number, so a
// prefix scan yields a session's history in publication order. The store
// implements session.Sink.
//
// # Thread Safety
//
// Safe for concurrent use.
type SnapshotStore struct {
	db     *DB
	keep   int
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotStore creates a store backed by db.
func NewSnapshotStore(db *DB, opts ...StoreOption) *SnapshotStore {
	s := &SnapshotStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores rec, replacing any record with the same session and
// sequence, and trims the session to the retention limit.
func (s *SnapshotStore) Save(ctx context.Context, rec session.ViewRecord) error {
	if rec.SessionID == "" {
		return errors.New("view record has no session id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode view %d: %w", rec.Sequence, err)
	}

	return s.db.update(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry(viewKey(rec.SessionID, rec.Sequence), data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return fmt.Errorf("store view %d: %w", rec.Sequence, err)
		}
		if s.keep > 0 && rec.Sequence > uint64(s.keep) {
			return s.trim(txn, rec.SessionID, rec.Sequence-uint64(s.keep))
		}
		return nil
	})
}

// trim deletes the views of a session with sequence <= cutoff.
func (s *SnapshotStore) trim(txn *badger.Txn, sessionID string, cutoff uint64) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = sessionPrefix(sessionID)

	var doomed [][]byte
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if _, seq, ok := parseViewKey(key); ok && seq <= cutoff {
			doomed = append(doomed, key)
			continue
		}
		break
	}
	it.Close()

	for _, key := range doomed {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	if len(doomed) > 0 {
		s.logger.Debug("trimmed stored views",
			slog.String("session_id", sessionID),
			slog.Int("deleted", len(doomed)))
	}
	return nil
}

// Get returns one stored view.
func (s *SnapshotStore) Get(ctx context.Context, sessionID string, seq uint64) (session.ViewRecord, error) {
	var rec session.ViewRecord
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(viewKey(sessionID, seq))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// Latest returns the newest stored view of a session.
func (s *SnapshotStore) Latest(ctx context.Context, sessionID string) (session.ViewRecord, error) {
	recs, err := s.List(ctx, sessionID, 1)
	if err != nil {
		return session.ViewRecord{}, err
	}
	if len(recs) == 0 {
		return session.ViewRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// List returns up to limit views of a session, newest first. A limit of
// zero or less returns all of them.
func (s *SnapshotStore) List(ctx context.Context, sessionID string, limit int) ([]session.ViewRecord, error) {
	out := make([]session.ViewRecord, 0)
	prefix := sessionPrefix(sessionID)
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(bytes.Clone(prefix), 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec session.ViewRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Sessions lists every session with stored views, in ID order.
func (s *SnapshotStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	out := make([]SessionInfo, 0)
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(viewPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, seq, ok := parseViewKey(it.Item().Key())
			if !ok {
				continue
			}
			if n := len(out); n == 0 || out[n-1].ID != id {
				out = append(out, SessionInfo{ID: id})
			}
			last := &out[len(out)-1]
			last.Views++
			last.LastSequence = max(last.LastSequence, seq)
		}
		return nil
	})
	return out, err
}

// DeleteSession removes every stored view of a session.
func (s *SnapshotStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return s.trim(txn, sessionID, ^uint64(0))
	})
}
