// Package archival implements the append-only long-term memory store:
// foldered immutable entries with monotonic per-folder ids, searched
// through fused lexical and vector ranking.
package archival

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Embedder turns text into fixed-dimension vectors for similarity
// scoring. Implementations must return L2-normalized vectors so a dot
// product is a cosine similarity.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// DefaultDimension is the hash embedder's vector width.
const DefaultDimension = 256

// HashEmbedder derives embeddings locally by hashing character
// trigrams into buckets. Deterministic, offline, and cheap: texts that
// share substrings land in shared buckets, which is enough signal to
// rank archival entries without a model call.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimension)

	runes := []rune(text)
	if len(runes) < 3 {
		runes = append(runes, ' ', ' ')
	}
	for i := 0; i+3 <= len(runes); i++ {
		hasher := fnv.New32a()
		hasher.Write([]byte(string(runes[i : i+3])))
		vec[hasher.Sum32()%uint32(h.dimension)]++
	}

	normalize(vec)
	return vec, nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

func (h *HashEmbedder) Dimension() int {
	return h.dimension
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
}

// EncodeVector packs a float32 vector into little-endian bytes for
// BLOB storage.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks EncodeVector's output.
func DecodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

const (
	embedCacheCounters = 1e6
	embedCacheCost     = 32 << 20
	embedCacheBuffers  = 64
	embedCacheTTL      = time.Hour
)

// CachedEmbedder memoizes another embedder. Append and search both
// embed text, and searches repeat, so the cache pays for itself fast.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

func NewCachedEmbedder(inner Embedder) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: embedCacheCounters,
		MaxCost:     embedCacheCost,
		BufferItems: embedCacheBuffers,
	})
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if value, found := c.cache.Get(text); found {
		if vec, ok := value.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.SetWithTTL(text, vec, int64(len(vec)*4), embedCacheTTL)
	return vec, nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

// Wait flushes pending cache writes. Tests use it.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
