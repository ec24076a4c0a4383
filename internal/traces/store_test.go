// SPDX-License-Identifier: MIT

package traces

import (
	"strings"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlfoundry/trackd/internal/tracking"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{}) // in-memory
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTraceIDFormat(t *testing.T) {
	id := NewTraceID()
	assert.NoError(t, ValidateTraceID(id))
	assert.True(t, strings.HasPrefix(id, TraceIDPrefix))

	assert.Error(t, ValidateTraceID("tr-short"))
	assert.Error(t, ValidateTraceID(strings.Repeat("a", 35)))
	assert.Error(t, ValidateTraceID("tr-"+strings.Repeat("Z", 32)))
}

func TestStartEndTrace(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	info, err := s.StartTrace(ctx, StartTraceRequest{
		ExperimentID:    "0",
		TimestampMillis: 1000,
		RequestPreview:  "what is 2+2?",
		Tags:            map[string]string{"model": "gpt"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, info.State)

	ended, err := s.EndTrace(ctx, info.TraceID, StateOK, 42, "4")
	require.NoError(t, err)
	assert.Equal(t, StateOK, ended.State)
	assert.Equal(t, int64(42), ended.ExecutionTimeMillis)
	assert.Equal(t, "4", ended.ResponsePreview)

	// Ending twice is rejected.
	_, err = s.EndTrace(ctx, info.TraceID, StateError, 1, "")
	require.Error(t, err)
	assert.Equal(t, tracking.CodeInvalidState, tracking.CodeOf(err))

	got, err := s.GetTraceInfo(ctx, info.TraceID)
	require.NoError(t, err)
	assert.Equal(t, StateOK, got.State)
	assert.Equal(t, "gpt", got.Tags["model"])
}

func TestEndTraceRequiresTerminalState(t *testing.T) {
	s := newStore(t)
	info, err := s.StartTrace(t.Context(), StartTraceRequest{ExperimentID: "0", TimestampMillis: 1})
	require.NoError(t, err)
	_, err = s.EndTrace(t.Context(), info.TraceID, StateInProgress, 0, "")
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
}

func TestClientRequestIDAndMetadataPersist(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	info, err := s.StartTrace(ctx, StartTraceRequest{
		ExperimentID:    "0",
		TimestampMillis: 1,
		ClientRequestID: "req-8842",
		Metadata:        map[string]string{"source": "notebook"},
	})
	require.NoError(t, err)

	got, err := s.GetTraceInfo(ctx, info.TraceID)
	require.NoError(t, err)
	assert.Equal(t, "req-8842", got.ClientRequestID)
	assert.Equal(t, "notebook", got.Metadata["source"])
}

func TestPreviewTruncationSetsMarker(t *testing.T) {
	s := newStore(t)
	long := strings.Repeat("x", MaxPreviewLength+500)
	info, err := s.StartTrace(t.Context(), StartTraceRequest{
		ExperimentID: "0", TimestampMillis: 1, RequestPreview: long,
	})
	require.NoError(t, err)
	assert.Len(t, info.RequestPreview, MaxPreviewLength)
	assert.Equal(t, "true", info.Metadata[MetadataKeyPreviewTruncated])

	got, err := s.GetTraceInfo(t.Context(), info.TraceID)
	require.NoError(t, err)
	assert.Len(t, got.RequestPreview, MaxPreviewLength)
	assert.Equal(t, "true", got.Metadata[MetadataKeyPreviewTruncated])

	// A short preview leaves no marker.
	short, err := s.StartTrace(t.Context(), StartTraceRequest{
		ExperimentID: "0", TimestampMillis: 2, RequestPreview: "brief",
	})
	require.NoError(t, err)
	assert.NotContains(t, short.Metadata, MetadataKeyPreviewTruncated)

	// Truncating the response preview at end time sets it too.
	ended, err := s.EndTrace(t.Context(), short.TraceID, StateOK, 1, long)
	require.NoError(t, err)
	assert.Len(t, ended.ResponsePreview, MaxPreviewLength)
	assert.Equal(t, "true", ended.Metadata[MetadataKeyPreviewTruncated])
}

func TestTraceTags(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	info, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "0", TimestampMillis: 1})
	require.NoError(t, err)

	require.NoError(t, s.SetTraceTag(ctx, info.TraceID, "stage", "eval"))
	got, err := s.GetTraceInfo(ctx, info.TraceID)
	require.NoError(t, err)
	assert.Equal(t, "eval", got.Tags["stage"])

	require.NoError(t, s.DeleteTraceTag(ctx, info.TraceID, "stage"))
	err = s.DeleteTraceTag(ctx, info.TraceID, "stage")
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))
}

func TestMutateRefreshesIndexTTL(t *testing.T) {
	s, err := Open(Options{TTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := t.Context()

	info, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "0", TimestampMillis: 1})
	require.NoError(t, err)

	indexExpiry := func() uint64 {
		var at uint64
		require.NoError(t, s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(idKey(info.TraceID))
			if err != nil {
				return err
			}
			at = item.ExpiresAt()
			return nil
		}))
		return at
	}
	before := indexExpiry()
	require.NotZero(t, before)

	// A longer TTL at mutation time must move the index expiry together with
	// the primary entry, otherwise the index dies first and the trace becomes
	// unreachable by ID.
	s.ttl = 2 * time.Hour
	require.NoError(t, s.SetTraceTag(ctx, info.TraceID, "stage", "eval"))

	after := indexExpiry()
	assert.Greater(t, after, before)

	var primaryAt uint64
	require.NoError(t, s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(primaryKey(info.ExperimentID, info.TimestampMillis, info.TraceID))
		if err != nil {
			return err
		}
		primaryAt = item.ExpiresAt()
		return nil
	}))
	assert.Equal(t, primaryAt, after, "index and primary expire together")
}

func TestSearchTracesNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	for _, ts := range []int64{100, 300, 200} {
		_, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "7", TimestampMillis: ts})
		require.NoError(t, err)
	}
	_, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "8", TimestampMillis: 250})
	require.NoError(t, err)

	page, err := s.SearchTraces(ctx, SearchTracesRequest{ExperimentIDs: []string{"7"}})
	require.NoError(t, err)
	require.Len(t, page.Traces, 3)
	assert.Equal(t, int64(300), page.Traces[0].TimestampMillis)
	assert.Equal(t, int64(100), page.Traces[2].TimestampMillis)

	// Merging experiments keeps global newest-first order.
	page, err = s.SearchTraces(ctx, SearchTracesRequest{ExperimentIDs: []string{"7", "8"}})
	require.NoError(t, err)
	require.Len(t, page.Traces, 4)
	assert.Equal(t, int64(300), page.Traces[0].TimestampMillis)
	assert.Equal(t, int64(250), page.Traces[1].TimestampMillis)
}

func TestSearchTracesByState(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	okTrace, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "0", TimestampMillis: 100})
	require.NoError(t, err)
	_, err = s.EndTrace(ctx, okTrace.TraceID, StateOK, 5, "")
	require.NoError(t, err)

	failed, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "0", TimestampMillis: 200})
	require.NoError(t, err)
	_, err = s.EndTrace(ctx, failed.TraceID, StateError, 5, "")
	require.NoError(t, err)

	_, err = s.StartTrace(ctx, StartTraceRequest{ExperimentID: "0", TimestampMillis: 300})
	require.NoError(t, err)

	page, err := s.SearchTraces(ctx, SearchTracesRequest{ExperimentIDs: []string{"0"}, State: StateError})
	require.NoError(t, err)
	require.Len(t, page.Traces, 1)
	assert.Equal(t, failed.TraceID, page.Traces[0].TraceID)

	page, err = s.SearchTraces(ctx, SearchTracesRequest{ExperimentIDs: []string{"0"}, State: StateInProgress})
	require.NoError(t, err)
	assert.Len(t, page.Traces, 1)

	// Empty state matches everything.
	page, err = s.SearchTraces(ctx, SearchTracesRequest{ExperimentIDs: []string{"0"}})
	require.NoError(t, err)
	assert.Len(t, page.Traces, 3)

	_, err = s.SearchTraces(ctx, SearchTracesRequest{ExperimentIDs: []string{"0"}, State: "BOGUS"})
	assert.Equal(t, tracking.CodeInvalidParameterValue, tracking.CodeOf(err))
}

func TestSearchTracesPagination(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	for i := int64(1); i <= 5; i++ {
		_, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "0", TimestampMillis: i})
		require.NoError(t, err)
	}

	first, err := s.SearchTraces(ctx, SearchTracesRequest{ExperimentIDs: []string{"0"}, MaxResults: 3})
	require.NoError(t, err)
	require.Len(t, first.Traces, 3)
	require.NotEmpty(t, first.NextPageToken)

	rest, err := s.SearchTraces(ctx, SearchTracesRequest{
		ExperimentIDs: []string{"0"}, MaxResults: 3, PageToken: first.NextPageToken,
	})
	require.NoError(t, err)
	assert.Len(t, rest.Traces, 2)
	assert.Empty(t, rest.NextPageToken)
}

func TestDeleteTraces(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	old, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "0", TimestampMillis: 100})
	require.NoError(t, err)
	fresh, err := s.StartTrace(ctx, StartTraceRequest{ExperimentID: "0", TimestampMillis: 900})
	require.NoError(t, err)

	// Age-based deletion.
	n, err := s.DeleteTraces(ctx, "0", 500, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetTraceInfo(ctx, old.TraceID)
	assert.Equal(t, tracking.CodeResourceDoesNotExist, tracking.CodeOf(err))

	// Explicit IDs; missing ones are skipped, not fatal.
	n, err = s.DeleteTraces(ctx, "", 0, []string{fresh.TraceID, old.TraceID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
