package archival

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/viterin/vek/vek32"
	"gonum.org/v1/gonum/floats"

	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/storage"
)

// EntryID identifies an appended entry: the global lexically-sortable
// id plus the per-folder sequence number assigned at insert.
type EntryID struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

// ScoredEntry is one search result. Score is the fused lexical+vector
// relevance, higher is better.
type ScoredEntry struct {
	ID        string    `json:"id"`
	Folder    string    `json:"folder"`
	Seq       int64     `json:"seq"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	// DefaultResultCacheSize bounds the per-process search result cache.
	DefaultResultCacheSize = 512

	// candidateMultiplier widens the lexical candidate pool beyond topK
	// so vector scores can reorder before the final cut.
	candidateMultiplier = 4

	// Fusion weights for lexical vs vector relevance.
	lexicalWeight = 0.5
	vectorWeight  = 0.5
)

// Config wires the service's collaborators. Zero values fall back to
// the hash embedder and default cache size.
type Config struct {
	Embedder        Embedder
	ResultCacheSize int
}

// Service is the archival memory store: append-only foldered entries
// over the agent store, searched through fused FTS and cosine ranking.
// Append embeds the new entry and invalidates the agent's cached
// results; Search memoizes per (agent, query, topK) until the next
// append.
type Service struct {
	store    *storage.Store
	embedder Embedder

	results *lru.Cache[string, []ScoredEntry]
	epochs  *lru.Cache[string, uint64]
}

func NewService(store *storage.Store, cfg Config) (*Service, error) {
	embedder := cfg.Embedder
	if embedder == nil {
		embedder = NewHashEmbedder(DefaultDimension)
	}

	size := cfg.ResultCacheSize
	if size <= 0 {
		size = DefaultResultCacheSize
	}
	results, err := lru.New[string, []ScoredEntry](size)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create result cache", err)
	}
	epochs, err := lru.New[string, uint64](size)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "create epoch cache", err)
	}

	return &Service{
		store:    store,
		embedder: embedder,
		results:  results,
		epochs:   epochs,
	}, nil
}

// Close releases the embedder's resources when it holds any.
func (s *Service) Close() {
	if closer, ok := s.embedder.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Append stores an immutable entry in the folder and returns its
// assigned identifiers. The entry's embedding is computed up front so
// search never re-embeds stored content.
func (s *Service) Append(ctx context.Context, agentID, folder, text string) (EntryID, error) {
	if folder == "" {
		return EntryID{}, errors.New(errors.KindValidation, "archival folder is empty")
	}
	if text == "" {
		return EntryID{}, errors.New(errors.KindValidation, "archival text is empty")
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return EntryID{}, errors.Wrap(errors.KindIO, "embed archival entry", err)
	}

	rec := &storage.ArchivalRecord{
		ID:        ulid.Make().String(),
		AgentID:   agentID,
		Folder:    folder,
		Content:   text,
		Embedding: EncodeVector(vec),
		CreatedAt: time.Now().UTC(),
	}

	seq, err := s.store.InsertArchival(ctx, rec)
	if err != nil {
		return EntryID{}, err
	}

	s.bumpEpoch(agentID)
	return EntryID{ID: rec.ID, Seq: seq}, nil
}

// Search returns up to topK entries across all of the agent's folders,
// ranked by fused relevance with ties broken most-recent-first.
// topK <= 0 and empty stores both yield an empty result, not an error.
func (s *Service) Search(ctx context.Context, agentID, query string, topK int) ([]ScoredEntry, error) {
	return s.SearchFolder(ctx, agentID, "", query, topK)
}

// SearchFolder scopes Search to one folder. An empty folder means all
// folders; an unknown folder is simply empty.
func (s *Service) SearchFolder(ctx context.Context, agentID, folder, query string, topK int) ([]ScoredEntry, error) {
	if topK <= 0 {
		return nil, nil
	}
	if query == "" {
		return nil, errors.New(errors.KindValidation, "search query is empty")
	}

	key := s.cacheKey(agentID, folder, query, topK)
	if cached, ok := s.results.Get(key); ok {
		return cached, nil
	}

	scored, err := s.rank(ctx, agentID, folder, query, topK)
	if err != nil {
		return nil, err
	}

	s.results.Add(key, scored)
	return scored, nil
}

// Folders lists the agent's archival folders.
func (s *Service) Folders(ctx context.Context, agentID string) ([]string, error) {
	return s.store.ListFolders(ctx, agentID)
}

// Count reports how many entries a folder holds.
func (s *Service) Count(ctx context.Context, agentID, folder string) (int64, error) {
	return s.store.CountArchival(ctx, agentID, folder)
}

// rank fuses lexical and vector relevance. Both score sets are min-max
// normalized to [0,1] before weighting so neither scale dominates.
func (s *Service) rank(ctx context.Context, agentID, folder, query string, topK int) ([]ScoredEntry, error) {
	lexical, err := s.store.SearchArchivalText(ctx, agentID, folder, query, topK*candidateMultiplier)
	if err != nil {
		return nil, err
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "embed query", err)
	}

	embedded, err := s.store.ListArchivalEmbedded(ctx, agentID, folder)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		rec    *storage.ArchivalRecord
		lex    float64
		cos    float64
		hasLex bool
	}
	candidates := make(map[string]*candidate, len(lexical)+len(embedded))

	for _, match := range lexical {
		candidates[match.Record.ID] = &candidate{rec: match.Record, lex: match.Score, hasLex: true}
	}
	for _, rec := range embedded {
		vec := DecodeVector(rec.Embedding)
		if len(vec) != len(queryVec) {
			continue
		}
		cos := float64(vek32.Dot(queryVec, vec))
		if existing, ok := candidates[rec.ID]; ok {
			existing.cos = cos
			continue
		}
		candidates[rec.ID] = &candidate{rec: rec, cos: cos}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	ordered := make([]*candidate, 0, len(candidates))
	lexScores := make([]float64, 0, len(candidates))
	cosScores := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		ordered = append(ordered, c)
		if c.hasLex {
			lexScores = append(lexScores, c.lex)
		}
		cosScores = append(cosScores, c.cos)
	}

	lexNorm := normalizer(lexScores)
	cosNorm := normalizer(cosScores)

	scored := make([]ScoredEntry, 0, len(ordered))
	for _, c := range ordered {
		var lex float64
		if c.hasLex {
			lex = lexNorm(c.lex)
		}
		scored = append(scored, ScoredEntry{
			ID:        c.rec.ID,
			Folder:    c.rec.Folder,
			Seq:       c.rec.Seq,
			Content:   c.rec.Content,
			Score:     lexicalWeight*lex + vectorWeight*cosNorm(c.cos),
			CreatedAt: c.rec.CreatedAt,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].CreatedAt.Equal(scored[j].CreatedAt) {
			return scored[i].CreatedAt.After(scored[j].CreatedAt)
		}
		return scored[i].Seq > scored[j].Seq
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// normalizer builds a min-max scaling function over the observed
// scores. A flat distribution maps everything to 1 so a lone match
// still counts as fully relevant.
func normalizer(scores []float64) func(float64) float64 {
	if len(scores) == 0 {
		return func(float64) float64 { return 0 }
	}
	lo, hi := floats.Min(scores), floats.Max(scores)
	if hi == lo {
		return func(float64) float64 { return 1 }
	}
	span := hi - lo
	return func(v float64) float64 { return (v - lo) / span }
}

func (s *Service) cacheKey(agentID, folder, query string, topK int) string {
	epoch, _ := s.epochs.Get(agentID)
	return fmt.Sprintf("%s\x00%d\x00%s\x00%s\x00%d", agentID, epoch, folder, query, topK)
}

// bumpEpoch invalidates the agent's cached results by rotating the
// epoch embedded in its cache keys; stale entries age out of the LRU.
func (s *Service) bumpEpoch(agentID string) {
	epoch, _ := s.epochs.Get(agentID)
	s.epochs.Add(agentID, epoch+1)
}
