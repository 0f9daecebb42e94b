// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	aclock "github.com/AleutianAI/pulse/services/aiops/clock"
)

// Key layout for the BadgerDB-backed store:
//
//	rec/<id8>                      -> JSON-encoded Record
//	ep/<endpoint>\x00<ts8><id8>    -> (empty)   endpoint+time index
//	tr/<trace>\x00<ts8><id8>       -> (empty)   trace index
//	seen/<endpoint>                -> <ts8>     newest timestamp per endpoint
//
// <id8> and <ts8> are big-endian uint64 so lexicographic key order matches
// numeric order, which lets range queries run as prefix scans.
const (
	prefixRec   = "rec/"
	prefixEp    = "ep/"
	prefixTrace = "tr/"
	prefixSeen  = "seen/"
)

// BadgerConfig holds configuration for the persistent store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string

	// InMemory enables in-memory mode. Used by tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Nil disables it.
	Logger *slog.Logger

	// Retention bounds for Prune.
	Retention RetentionConfig
}

// DefaultBadgerConfig returns production defaults for a store at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		Retention:  DefaultRetentionConfig(),
	}
}

// badgerSlogAdapter adapts slog.Logger to BadgerDB's Logger interface.
type badgerSlogAdapter struct {
	logger *slog.Logger
}

func (l *badgerSlogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerSlogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerSlogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerSlogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the embedded persistent Store implementation.
//
// # Description
//
// Persists telemetry in BadgerDB with secondary index keys for the
// (endpoint, timestamp) and trace access paths. Id assignment serializes
// through an in-process mutex; the id counter is recovered from the highest
// stored record key at open, so ids stay contiguous across restarts.
//
// # Thread Safety
//
// Safe for concurrent use. Badger transactions give readers a consistent
// snapshot; the store-level mutex only guards id assignment and the record
// count.
type BadgerStore struct {
	db  *badger.DB
	cfg BadgerConfig
	clk aclock.Clock

	mu     sync.Mutex
	nextID int64
	count  int64
	minID  int64 // lowest live id, 1 if nothing pruned
}

// OpenBadgerStore opens (or creates) a persistent telemetry store.
//
// # Inputs
//
//   - cfg: Store configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//   - *BadgerStore: The opened store. Caller must Close().
//   - error: Non-nil if the directory cannot be created or the database
//     cannot be opened.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	return OpenBadgerStoreWithClock(cfg, aclock.System{})
}

// OpenBadgerStoreWithClock is OpenBadgerStore with an injectable clock.
func OpenBadgerStoreWithClock(cfg BadgerConfig, clk aclock.Clock) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent telemetry store")
	}
	if cfg.Retention.Retention == 0 {
		cfg.Retention = DefaultRetentionConfig()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create telemetry store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerSlogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open telemetry store: %w", err)
	}

	s := &BadgerStore{db: db, cfg: cfg, clk: clk, nextID: 1, minID: 1}
	if err := s.recoverCounters(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover telemetry store counters: %w", err)
	}
	return s, nil
}

// recoverCounters rebuilds nextID, minID, and count from stored keys.
func (s *BadgerStore) recoverCounters() error {
	return s.db.View(func(txn *badger.Txn) error {
		// Highest id: reverse scan from the end of the rec/ keyspace.
		rev := txn.NewIterator(badger.IteratorOptions{Reverse: true, PrefetchValues: false})
		defer rev.Close()
		rev.Seek(append([]byte(prefixRec), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if rev.ValidForPrefix([]byte(prefixRec)) {
			s.nextID = int64(binary.BigEndian.Uint64(rev.Item().Key()[len(prefixRec):])) + 1
		}

		// Lowest id and live count: forward scan.
		fwd := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: []byte(prefixRec)})
		defer fwd.Close()
		first := true
		for fwd.Rewind(); fwd.Valid(); fwd.Next() {
			if first {
				s.minID = int64(binary.BigEndian.Uint64(fwd.Item().Key()[len(prefixRec):]))
				first = false
			}
			s.count++
		}
		return nil
	})
}

func recKey(id int64) []byte {
	k := make([]byte, 0, len(prefixRec)+8)
	k = append(k, prefixRec...)
	return binary.BigEndian.AppendUint64(k, uint64(id))
}

func indexKey(prefix, value string, ts time.Time, id int64) []byte {
	k := make([]byte, 0, len(prefix)+len(value)+1+16)
	k = append(k, prefix...)
	k = append(k, value...)
	k = append(k, 0x00)
	k = binary.BigEndian.AppendUint64(k, uint64(ts.UnixNano()))
	return binary.BigEndian.AppendUint64(k, uint64(id))
}

func indexPrefix(prefix, value string) []byte {
	k := make([]byte, 0, len(prefix)+len(value)+1)
	k = append(k, prefix...)
	k = append(k, value...)
	return append(k, 0x00)
}

// Insert implements Store.
func (s *BadgerStore) Insert(ctx context.Context, rec Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = s.nextID
	payload, err := json.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("encode telemetry record: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recKey(rec.ID), payload); err != nil {
			return err
		}
		if err := txn.Set(indexKey(prefixEp, rec.Endpoint, rec.Timestamp, rec.ID), nil); err != nil {
			return err
		}
		if err := txn.Set(indexKey(prefixTrace, rec.TraceID, rec.Timestamp, rec.ID), nil); err != nil {
			return err
		}
		return s.bumpLastSeen(txn, rec.Endpoint, rec.Timestamp)
	})
	if err != nil {
		return 0, fmt.Errorf("insert telemetry record: %w", err)
	}

	s.nextID++
	s.count++
	return rec.ID, nil
}

// bumpLastSeen raises seen/<endpoint> if ts is newer than the stored value.
func (s *BadgerStore) bumpLastSeen(txn *badger.Txn, endpoint string, ts time.Time) error {
	key := append([]byte(prefixSeen), endpoint...)
	cur, err := txn.Get(key)
	if err == nil {
		var prev uint64
		if verr := cur.Value(func(val []byte) error {
			prev = binary.BigEndian.Uint64(val)
			return nil
		}); verr != nil {
			return verr
		}
		if uint64(ts.UnixNano()) <= prev {
			return nil
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(key, binary.BigEndian.AppendUint64(nil, uint64(ts.UnixNano())))
}

// loadRecord fetches and decodes one record by id inside txn.
func loadRecord(txn *badger.Txn, id int64) (Record, error) {
	var rec Record
	item, err := txn.Get(recKey(id))
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// scanIndex walks one index value's keyspace and collects the referenced
// records whose timestamp falls in [since, until). A zero until means no
// upper bound.
func (s *BadgerStore) scanIndex(txn *badger.Txn, prefix, value string, since, until time.Time) ([]Record, error) {
	pfx := indexPrefix(prefix, value)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: pfx})
	defer it.Close()

	// Seek directly to the window start inside the index.
	start := pfx
	if !since.IsZero() {
		start = binary.BigEndian.AppendUint64(append([]byte(nil), pfx...), uint64(since.UnixNano()))
	}

	var out []Record
	for it.Seek(start); it.ValidForPrefix(pfx); it.Next() {
		key := it.Item().Key()
		ts := int64(binary.BigEndian.Uint64(key[len(pfx) : len(pfx)+8]))
		if !until.IsZero() && ts >= until.UnixNano() {
			break
		}
		id := int64(binary.BigEndian.Uint64(key[len(pfx)+8:]))
		rec, err := loadRecord(txn, id)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue // index entry outlived a pruned record
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// QueryEndpointRange implements Store.
func (s *BadgerStore) QueryEndpointRange(ctx context.Context, endpoint string, since, until time.Time) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		recs, err := s.scanIndex(txn, prefixEp, endpoint, since, until)
		out = recs
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query endpoint range: %w", err)
	}
	return out, nil
}

// QueryTrace implements Store.
func (s *BadgerStore) QueryTrace(ctx context.Context, traceID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		recs, err := s.scanIndex(txn, prefixTrace, traceID, time.Time{}, time.Time{})
		out = recs
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	// Index order is (timestamp, id) already, but equal-nanosecond entries
	// across restarts are re-sorted for the stable tie-break contract.
	sortChronological(out)
	return out, nil
}

// DistinctEndpoints implements Store.
func (s *BadgerStore) DistinctEndpoints(ctx context.Context, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixSeen)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			endpoint := string(item.Key()[len(prefixSeen):])
			var seen uint64
			if err := item.Value(func(val []byte) error {
				seen = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
			if int64(seen) >= since.UnixNano() {
				out = append(out, endpoint)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("distinct endpoints: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Aggregate implements Store.
func (s *BadgerStore) Aggregate(ctx context.Context, endpoint string, since, until time.Time) (Aggregate, error) {
	var agg Aggregate
	recs, err := s.QueryEndpointRange(ctx, endpoint, since, until)
	if err != nil {
		return agg, err
	}
	for i := range recs {
		agg.fold(&recs[i])
	}
	return agg, nil
}

// Count implements Store.
func (s *BadgerStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

// Prune implements Store.
//
// Removes the contiguous oldest run of records with Timestamp before the
// clamped cutoff, together with their index entries, so the remaining ids
// stay contiguous.
func (s *BadgerStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff = s.cfg.Retention.clampCutoff(s.clk.Now(), cutoff)

	pruned := 0
	for id := s.minID; id < s.nextID; id++ {
		var rec Record
		err := s.db.View(func(txn *badger.Txn) error {
			r, err := loadRecord(txn, id)
			rec = r
			return err
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			s.minID = id + 1
			continue
		}
		if err != nil {
			return pruned, fmt.Errorf("prune telemetry: %w", err)
		}
		if !rec.Timestamp.Before(cutoff) {
			break
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(recKey(id)); err != nil {
				return err
			}
			if err := txn.Delete(indexKey(prefixEp, rec.Endpoint, rec.Timestamp, id)); err != nil {
				return err
			}
			return txn.Delete(indexKey(prefixTrace, rec.TraceID, rec.Timestamp, id))
		})
		if err != nil {
			return pruned, fmt.Errorf("prune telemetry: %w", err)
		}
		s.minID = id + 1
		s.count--
		pruned++
	}
	return pruned, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
