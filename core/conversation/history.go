package conversation

import (
	"context"
	"sync"

	"github.com/blevesearch/bleve/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/storage"
)

// DefaultIndexCacheSize bounds how many per-agent history indexes stay
// resident at once.
const DefaultIndexCacheSize = 64

// HistoryMatch is one conversation_search hit.
type HistoryMatch struct {
	MessageID string  `json:"message_id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
}

// historyDocument is the shape indexed per message.
type historyDocument struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// agentIndex is one agent's in-memory message index plus the history
// length it was built from, so growth triggers a rebuild.
type agentIndex struct {
	index bleve.Index
	count int
}

// historySearcher serves conversation_search from in-memory bleve
// indexes over persisted history. Indexes are built on demand,
// rebuilt when the history has grown, and evicted LRU with their
// bleve resources closed.
type historySearcher struct {
	store *storage.Store

	mu      sync.Mutex
	indexes *lru.Cache[string, *agentIndex]
}

func newHistorySearcher(store *storage.Store, cacheSize int) (*historySearcher, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultIndexCacheSize
	}

	searcher := &historySearcher{store: store}
	indexes, err := lru.NewWithEvict[string, *agentIndex](cacheSize, func(_ string, idx *agentIndex) {
		idx.index.Close()
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create history index cache", err)
	}
	searcher.indexes = indexes
	return searcher, nil
}

// Search returns up to limit messages matching the query, best first.
// An agent with no history yields an empty result.
func (h *historySearcher) Search(ctx context.Context, agentID, query string, limit int) ([]HistoryMatch, error) {
	if limit <= 0 {
		return nil, nil
	}

	idx, err := h.indexFor(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	request := bleve.NewSearchRequestOptions(matchQuery, limit, 0, false)
	request.Fields = []string{"role", "content"}

	result, err := idx.index.SearchInContext(ctx, request)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "search conversation history", err)
	}

	matches := make([]HistoryMatch, 0, len(result.Hits))
	for _, hit := range result.Hits {
		match := HistoryMatch{MessageID: hit.ID, Score: hit.Score}
		if role, ok := hit.Fields["role"].(string); ok {
			match.Role = role
		}
		if content, ok := hit.Fields["content"].(string); ok {
			match.Content = content
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// Invalidate drops the agent's cached index, typically after history
// is replaced wholesale by summarization or import.
func (h *historySearcher) Invalidate(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.indexes.Remove(agentID)
}

// Close releases every resident index.
func (h *historySearcher) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.indexes.Purge()
}

// indexFor returns a current index for the agent, rebuilding when the
// persisted history outgrew the cached one. Returns nil when the agent
// has no messages.
func (h *historySearcher) indexFor(ctx context.Context, agentID string) (*agentIndex, error) {
	count, err := h.store.CountMessages(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		h.Invalidate(agentID)
		return nil, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if cached, ok := h.indexes.Get(agentID); ok {
		if cached.count == count {
			return cached, nil
		}
		// Add on an existing key swaps the value without firing the
		// evict callback, so the stale index has to be closed here.
		h.indexes.Remove(agentID)
	}

	messages, err := h.store.ListMessages(ctx, agentID, 0)
	if err != nil {
		return nil, err
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create history index", err)
	}

	batch := index.NewBatch()
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if err := batch.Index(msg.ID, historyDocument{Role: msg.Role, Content: msg.Content}); err != nil {
			index.Close()
			return nil, errors.Wrap(errors.KindIO, "index message", err)
		}
	}
	if err := index.Batch(batch); err != nil {
		index.Close()
		return nil, errors.Wrap(errors.KindIO, "commit history index", err)
	}

	entry := &agentIndex{index: index, count: len(messages)}
	h.indexes.Add(agentID, entry)
	return entry, nil
}
