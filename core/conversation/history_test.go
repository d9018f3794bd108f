package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/strata/core/storage"
)

func newTestSearcher(t *testing.T) (*historySearcher, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	searcher, err := newHistorySearcher(store, 4)
	require.NoError(t, err)
	t.Cleanup(searcher.Close)
	return searcher, store
}

func seedMessages(t *testing.T, store *storage.Store, agentID string, contents ...string) {
	t.Helper()
	now := time.Now().UTC()
	rec := &storage.AgentRecord{
		ID: agentID, Name: agentID, Provider: "scripted", Model: "scripted",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateAgent(context.Background(), rec, nil))

	for _, content := range contents {
		require.NoError(t, store.AppendMessage(context.Background(), &storage.MessageRecord{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Role:      "user",
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}))
	}
}

func TestHistorySearchFindsRelevantMessages(t *testing.T) {
	searcher, store := newTestSearcher(t)
	seedMessages(t, store, "agent-a",
		"we discussed the deployment pipeline",
		"remember to water the plants",
		"the pipeline failed on the deploy step again",
	)

	matches, err := searcher.Search(context.Background(), "agent-a", "deployment pipeline", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Contains(t, matches[0].Content, "pipeline")
}

func TestHistorySearchEmptyHistory(t *testing.T) {
	searcher, store := newTestSearcher(t)
	now := time.Now().UTC()
	require.NoError(t, store.CreateAgent(context.Background(), &storage.AgentRecord{
		ID: "empty", Name: "empty", Provider: "scripted", Model: "scripted",
		CreatedAt: now, UpdatedAt: now,
	}, nil))

	matches, err := searcher.Search(context.Background(), "empty", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHistorySearchLimitZero(t *testing.T) {
	searcher, store := newTestSearcher(t)
	seedMessages(t, store, "agent-b", "a searchable message")

	matches, err := searcher.Search(context.Background(), "agent-b", "searchable", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestHistoryRebuildClosesSupersededIndex(t *testing.T) {
	searcher, store := newTestSearcher(t)
	seedMessages(t, store, "agent-d", "first note about storage")

	_, err := searcher.Search(context.Background(), "agent-d", "storage", 5)
	require.NoError(t, err)
	stale, ok := searcher.indexes.Get("agent-d")
	require.True(t, ok)

	require.NoError(t, store.AppendMessage(context.Background(), &storage.MessageRecord{
		ID:        uuid.NewString(),
		AgentID:   "agent-d",
		Role:      "user",
		Content:   "second note about storage",
		CreatedAt: time.Now().UTC(),
	}))

	_, err = searcher.Search(context.Background(), "agent-d", "storage", 5)
	require.NoError(t, err)

	current, ok := searcher.indexes.Get("agent-d")
	require.True(t, ok)
	require.NotSame(t, stale, current, "grown history should get a fresh index")

	_, err = stale.index.DocCount()
	assert.Error(t, err, "superseded index should be closed, not leaked")
}

func TestHistorySearchSeesNewMessages(t *testing.T) {
	searcher, store := newTestSearcher(t)
	seedMessages(t, store, "agent-c", "original message about cats")

	matches, err := searcher.Search(context.Background(), "agent-c", "dogs", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, store.AppendMessage(context.Background(), &storage.MessageRecord{
		ID:        uuid.NewString(),
		AgentID:   "agent-c",
		Role:      "user",
		Content:   "new message about dogs",
		CreatedAt: time.Now().UTC(),
	}))

	matches, err = searcher.Search(context.Background(), "agent-c", "dogs", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches, "index rebuilds when history grows")
	assert.Contains(t, matches[0].Content, "dogs")
}
