package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoft/zapai-dvm/internal/store"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
)

func testStore() *Store {
	return New(store.NewMemStore(), logger.New(logger.Config{Level: "error"}))
}

func TestEnsureSessionCreatesOnFirstReference(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	id, isNew, err := s.EnsureSession(ctx, "u1", "", OriginDM)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, id)

	id2, isNew2, err := s.EnsureSession(ctx, "u1", id, OriginDM)
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, id, id2)
}

func TestEnsureSessionSanitizesRequestedID(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	id, _, err := s.EnsureSession(ctx, "u1", "  hello\x00 world  ", OriginPublic)
	require.NoError(t, err)
	assert.Equal(t, "hello world", id)
}

// TestSaveMessageSuppressesDuplicateBySourceEventID mirrors spec §8
// invariant 1: the same source event must never be recorded twice.
func TestSaveMessageSuppressesDuplicateBySourceEventID(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	res1, err := s.SaveMessage(ctx, "u1", "hello", false, SaveOptions{SourceEventID: "e1", Origin: OriginDM})
	require.NoError(t, err)
	assert.False(t, res1.Duplicate)
	assert.NotEmpty(t, res1.MessageID)

	res2, err := s.SaveMessage(ctx, "u1", "hello again", false, SaveOptions{SourceEventID: "e1", Origin: OriginDM})
	require.NoError(t, err)
	assert.True(t, res2.Duplicate, "replaying the same source event id must be flagged as a duplicate")
}

func TestSaveMessageAssignsSyntheticMessageIDWhenNoSourceEvent(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	res, err := s.SaveMessage(ctx, "u1", "no source event", true, SaveOptions{Origin: OriginOther})
	require.NoError(t, err)
	assert.Contains(t, res.MessageID, "synthetic-")
}

// TestHistoryBySessionReturnsChronologicalOrder mirrors spec §8 invariant
// 11: history reads come back oldest-first regardless of the reverse
// scan used internally.
func TestHistoryBySessionReturnsChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	_, err := s.SaveMessage(ctx, "u1", "first", false, SaveOptions{SessionID: "sess", TimestampMS: 100})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, "u1", "second", true, SaveOptions{SessionID: "sess", TimestampMS: 200})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, "u1", "third", false, SaveOptions{SessionID: "sess", TimestampMS: 300})
	require.NoError(t, err)

	hist, err := s.HistoryBySession(ctx, "u1", "sess", 10)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "first", hist[0].Text)
	assert.Equal(t, "second", hist[1].Text)
	assert.Equal(t, "third", hist[2].Text)
}

func TestHistoryBySessionRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	for i := int64(1); i <= 5; i++ {
		_, err := s.SaveMessage(ctx, "u1", "m", false, SaveOptions{SessionID: "sess", TimestampMS: i * 10})
		require.NoError(t, err)
	}

	hist, err := s.HistoryBySession(ctx, "u1", "sess", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	// the most recent two, still in chronological order.
	assert.Equal(t, int64(40), hist[0].TimestampMS)
	assert.Equal(t, int64(50), hist[1].TimestampMS)
}

func TestTouchSessionAdvancesCountersMonotonically(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	_, err := s.SaveMessage(ctx, "u1", "a", false, SaveOptions{SessionID: "sess", TimestampMS: 100})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, "u1", "b", true, SaveOptions{SessionID: "sess", TimestampMS: 200})
	require.NoError(t, err)

	summaries, err := s.SummaryAll(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "u1", summaries[0].UserKey)
	assert.Equal(t, int64(2), summaries[0].MessageCount)
	assert.Equal(t, int64(200), summaries[0].LastMessageAt)
}

// TestHistoryByUserOrdersAcrossSessionsChronologically mirrors spec §4.8
// history_by_user's "return in chronological order" requirement. The
// session ids are chosen so a lexicographically smaller session id
// ("aaa") holds the most recent message and a lexicographically larger
// one ("zzz") holds older messages, proving the scan orders by
// timestamp and not by messageKey's session-id-first key layout.
func TestHistoryByUserOrdersAcrossSessionsChronologically(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	_, err := s.SaveMessage(ctx, "u1", "old in zzz", false, SaveOptions{SessionID: "zzz", TimestampMS: 100})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, "u1", "older in zzz", false, SaveOptions{SessionID: "zzz", TimestampMS: 200})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, "u1", "recent in aaa", false, SaveOptions{SessionID: "aaa", TimestampMS: 300})
	require.NoError(t, err)

	hist, err := s.HistoryByUser(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2, "the most recent message must not be dropped in favor of a lexicographically larger session id")
	assert.Equal(t, "older in zzz", hist[0].Text)
	assert.Equal(t, "recent in aaa", hist[1].Text)
}

func TestRecentAllOrdersByLastMessageDescending(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	_, err := s.SaveMessage(ctx, "u1", "old", false, SaveOptions{SessionID: "s1", TimestampMS: 100})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, "u2", "new", false, SaveOptions{SessionID: "s2", TimestampMS: 900})
	require.NoError(t, err)

	recent, err := s.RecentAll(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "s2", recent[0].SessionID, "most recently touched session must come first")
}
