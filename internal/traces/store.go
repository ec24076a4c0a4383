// SPDX-License-Identifier: MIT

package traces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	xglog "github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/search"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// Key layout:
//
//	trace:<experiment_id>:<inverted_ts>:<trace_id>  -> TraceInfo JSON
//	trace-id:<trace_id>                             -> primary key bytes
//
// The inverted timestamp makes a forward prefix scan return newest traces
// first.
const (
	primaryPrefix = "trace:"
	idPrefix      = "trace-id:"
)

// Store persists traces in badger.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
	ttl time.Duration
	now func() int64
}

// Options configures a trace store.
type Options struct {
	// Dir is the badger directory. Empty means in-memory (tests).
	Dir string
	// TTL expires traces after the given duration. Zero keeps them forever.
	TTL time.Duration
}

// Open opens (or creates) the trace store.
func Open(opts Options) (*Store, error) {
	logger := xglog.WithComponent("traces")
	bopts := badger.DefaultOptions(opts.Dir).
		WithLogger(nil).
		WithInMemory(opts.Dir == "")
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("traces: open badger at %q: %w", opts.Dir, err)
	}
	logger.Info().Str(xglog.FieldPath, opts.Dir).Dur("ttl", opts.TTL).Msg("trace store opened")
	return &Store{
		db:  db,
		log: logger,
		ttl: opts.TTL,
		now: func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Close closes the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return errors.New("traces: store closed")
	}
	return nil
}

func primaryKey(experimentID string, timestampMillis int64, traceID string) []byte {
	inverted := uint64(math.MaxInt64 - timestampMillis)
	return []byte(fmt.Sprintf("%s%s:%020d:%s", primaryPrefix, experimentID, inverted, traceID))
}

func idKey(traceID string) []byte {
	return []byte(idPrefix + traceID)
}

// StartTraceRequest carries the client-supplied fields of a new trace.
type StartTraceRequest struct {
	ExperimentID    string
	TimestampMillis int64 // 0 means now
	RequestPreview  string
	ClientRequestID string
	Tags            map[string]string
	Metadata        map[string]string
}

// StartTrace records a new in-progress trace and returns it.
func (s *Store) StartTrace(ctx context.Context, req StartTraceRequest) (*TraceInfo, error) {
	if err := tracking.ValidateExperimentID(req.ExperimentID); err != nil {
		return nil, err
	}
	for k, v := range req.Tags {
		if err := tracking.ValidateTag(k, v); err != nil {
			return nil, err
		}
	}
	for k, v := range req.Metadata {
		if err := tracking.ValidateTag(k, v); err != nil {
			return nil, err
		}
	}
	timestampMillis := req.TimestampMillis
	if timestampMillis == 0 {
		timestampMillis = s.now()
	}

	preview, truncated := TruncatePreview(req.RequestPreview)
	info := &TraceInfo{
		TraceID:         NewTraceID(),
		ClientRequestID: req.ClientRequestID,
		ExperimentID:    req.ExperimentID,
		TimestampMillis: timestampMillis,
		State:           StateInProgress,
		RequestPreview:  preview,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
	}
	if truncated {
		info.setMetadata(MetadataKeyPreviewTruncated, "true")
	}
	if err := s.put(info); err != nil {
		return nil, err
	}
	s.log.Debug().
		Str(xglog.FieldExperimentID, req.ExperimentID).
		Str(xglog.FieldTraceID, info.TraceID).
		Msg("trace started")
	return info, nil
}

func (s *Store) put(info *TraceInfo) error {
	value, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("traces: marshal trace: %w", err)
	}
	key := primaryKey(info.ExperimentID, info.TimestampMillis, info.TraceID)
	return s.db.Update(func(txn *badger.Txn) error {
		primary := badger.NewEntry(key, value)
		index := badger.NewEntry(idKey(info.TraceID), key)
		if s.ttl > 0 {
			primary = primary.WithTTL(s.ttl)
			index = index.WithTTL(s.ttl)
		}
		if err := txn.SetEntry(primary); err != nil {
			return fmt.Errorf("traces: write trace: %w", err)
		}
		if err := txn.SetEntry(index); err != nil {
			return fmt.Errorf("traces: write trace index: %w", err)
		}
		return nil
	})
}

func (s *Store) get(txn *badger.Txn, traceID string) (*TraceInfo, []byte, error) {
	item, err := txn.Get(idKey(traceID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, tracking.NewError(tracking.CodeResourceDoesNotExist, "trace %q not found", traceID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("traces: read trace index: %w", err)
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("traces: read trace index value: %w", err)
	}
	primary, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, tracking.NewError(tracking.CodeResourceDoesNotExist, "trace %q not found", traceID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("traces: read trace: %w", err)
	}
	var info TraceInfo
	if err := primary.Value(func(val []byte) error {
		return json.Unmarshal(val, &info)
	}); err != nil {
		return nil, nil, fmt.Errorf("traces: decode trace: %w", err)
	}
	return &info, key, nil
}

// GetTraceInfo returns a single trace by ID.
func (s *Store) GetTraceInfo(ctx context.Context, traceID string) (*TraceInfo, error) {
	if err := ValidateTraceID(traceID); err != nil {
		return nil, err
	}
	var info *TraceInfo
	err := s.db.View(func(txn *badger.Txn) error {
		got, _, err := s.get(txn, traceID)
		info = got
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// EndTrace finishes an in-progress trace with a terminal state.
func (s *Store) EndTrace(ctx context.Context, traceID string, state TraceState, executionTimeMillis int64, responsePreview string) (*TraceInfo, error) {
	if err := ValidateTraceID(traceID); err != nil {
		return nil, err
	}
	if state != StateOK && state != StateError {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue,
			"trace end state must be OK or ERROR, got %q", state)
	}
	info, err := s.mutate(traceID, func(info *TraceInfo) error {
		if info.State != StateInProgress {
			return tracking.NewError(tracking.CodeInvalidState,
				"trace %q already ended with state %s", traceID, info.State)
		}
		preview, truncated := TruncatePreview(responsePreview)
		info.State = state
		info.ExecutionTimeMillis = executionTimeMillis
		info.ResponsePreview = preview
		if truncated {
			info.setMetadata(MetadataKeyPreviewTruncated, "true")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().
		Str(xglog.FieldTraceID, traceID).
		Str("state", string(state)).
		Msg("trace ended")
	return info, nil
}

// SetTraceTag sets one tag on a trace.
func (s *Store) SetTraceTag(ctx context.Context, traceID, key, value string) error {
	if err := ValidateTraceID(traceID); err != nil {
		return err
	}
	if err := tracking.ValidateTag(key, value); err != nil {
		return err
	}
	_, err := s.mutate(traceID, func(info *TraceInfo) error {
		if info.Tags == nil {
			info.Tags = make(map[string]string, 1)
		}
		info.Tags[key] = value
		return nil
	})
	return err
}

// DeleteTraceTag removes one tag from a trace.
func (s *Store) DeleteTraceTag(ctx context.Context, traceID, key string) error {
	if err := ValidateTraceID(traceID); err != nil {
		return err
	}
	_, err := s.mutate(traceID, func(info *TraceInfo) error {
		if _, ok := info.Tags[key]; !ok {
			return tracking.NewError(tracking.CodeResourceDoesNotExist,
				"tag %q not found on trace %q", key, traceID)
		}
		delete(info.Tags, key)
		return nil
	})
	return err
}

// mutate applies fn to a trace inside one read-modify-write transaction.
func (s *Store) mutate(traceID string, fn func(*TraceInfo) error) (*TraceInfo, error) {
	var out *TraceInfo
	err := s.db.Update(func(txn *badger.Txn) error {
		info, key, err := s.get(txn, traceID)
		if err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
		value, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("traces: marshal trace: %w", err)
		}
		// Rewriting the primary resets its TTL; the index entry must be
		// refreshed in the same transaction or it expires first and strands
		// the trace.
		primary := badger.NewEntry(key, value)
		index := badger.NewEntry(idKey(info.TraceID), key)
		if s.ttl > 0 {
			primary = primary.WithTTL(s.ttl)
			index = index.WithTTL(s.ttl)
		}
		if err := txn.SetEntry(primary); err != nil {
			return fmt.Errorf("traces: write trace: %w", err)
		}
		if err := txn.SetEntry(index); err != nil {
			return fmt.Errorf("traces: write trace index: %w", err)
		}
		out = info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchTracesRequest parameterises trace listing.
type SearchTracesRequest struct {
	ExperimentIDs []string
	// State restricts results to one trace state. Empty matches all.
	State      TraceState
	MaxResults int
	PageToken  string
}

// TracePage is one page of trace search results, newest first.
type TracePage struct {
	Traces        []*TraceInfo
	NextPageToken string
}

// SearchTraces lists traces of the given experiments, newest first.
func (s *Store) SearchTraces(ctx context.Context, req SearchTracesRequest) (*TracePage, error) {
	maxResults, err := search.NormalizeMaxResults(req.MaxResults)
	if err != nil {
		return nil, err
	}
	if len(req.ExperimentIDs) == 0 {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue, "at least one experiment id is required")
	}
	if req.State != "" && !req.State.Valid() {
		return nil, tracking.NewError(tracking.CodeInvalidParameterValue, "unknown trace state %q", req.State)
	}

	var all []*TraceInfo
	err = s.db.View(func(txn *badger.Txn) error {
		for _, expID := range req.ExperimentIDs {
			if err := tracking.ValidateExperimentID(expID); err != nil {
				return err
			}
			prefix := []byte(primaryPrefix + expID + ":")
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
			for it.Rewind(); it.Valid(); it.Next() {
				var info TraceInfo
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &info)
				}); err != nil {
					s.log.Warn().Err(err).Msg("skipping undecodable trace record")
					continue
				}
				if req.State != "" && info.State != req.State {
					continue
				}
				all = append(all, &info)
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Per-experiment scans are already newest first; merging several
	// experiments needs a global re-sort.
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].TimestampMillis != all[j].TimestampMillis {
			return all[i].TimestampMillis > all[j].TimestampMillis
		}
		return all[i].TraceID < all[j].TraceID
	})

	page, next, err := search.Paginate(all, req.PageToken, maxResults)
	if err != nil {
		return nil, err
	}
	return &TracePage{Traces: page, NextPageToken: next}, nil
}

// DeleteTraces deletes traces by explicit IDs, or every trace of an
// experiment older than maxTimestampMillis when no IDs are given. It returns
// the number of traces removed.
func (s *Store) DeleteTraces(ctx context.Context, experimentID string, maxTimestampMillis int64, traceIDs []string) (int, error) {
	if len(traceIDs) == 0 {
		if err := tracking.ValidateExperimentID(experimentID); err != nil {
			return 0, err
		}
		if maxTimestampMillis <= 0 {
			return 0, tracking.NewError(tracking.CodeInvalidParameterValue,
				"either trace ids or a max timestamp is required")
		}
		return s.deleteOlderThan(experimentID, maxTimestampMillis)
	}

	deleted := 0
	for _, id := range traceIDs {
		if err := ValidateTraceID(id); err != nil {
			return deleted, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			_, key, err := s.get(txn, id)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("traces: delete trace: %w", err)
			}
			if err := txn.Delete(idKey(id)); err != nil {
				return fmt.Errorf("traces: delete trace index: %w", err)
			}
			return nil
		})
		if err != nil {
			if tracking.IsNotFound(err) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) deleteOlderThan(experimentID string, maxTimestampMillis int64) (int, error) {
	type victim struct {
		key     []byte
		traceID string
	}
	var victims []victim

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(primaryPrefix + experimentID + ":")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var info TraceInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				continue
			}
			if info.TimestampMillis < maxTimestampMillis {
				victims = append(victims, victim{key: it.Item().KeyCopy(nil), traceID: info.TraceID})
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, v := range victims {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(v.key); err != nil {
				return err
			}
			return txn.Delete(idKey(v.traceID))
		})
		if err != nil {
			return deleted, fmt.Errorf("traces: delete trace %s: %w", v.traceID, err)
		}
		deleted++
	}
	s.log.Info().
		Str(xglog.FieldExperimentID, experimentID).
		Int("deleted", deleted).
		Msg("traces deleted by age")
	return deleted, nil
}
