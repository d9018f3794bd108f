package archival

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	embedder := NewHashEmbedder(0)
	ctx := context.Background()

	a, err := embedder.Embed(ctx, "the same input text")
	require.NoError(t, err)
	b, err := embedder.Embed(ctx, "the same input text")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same text embeds identically")
	assert.Len(t, a, DefaultDimension)
}

func TestHashEmbedderNormalized(t *testing.T) {
	embedder := NewHashEmbedder(64)

	vec, err := embedder.Embed(context.Background(), "normalize me please")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "vectors are unit length")
}

func TestHashEmbedderSharedSubstringsScoreCloser(t *testing.T) {
	embedder := NewHashEmbedder(0)
	ctx := context.Background()

	base, err := embedder.Embed(ctx, "quarterly revenue report")
	require.NoError(t, err)
	near, err := embedder.Embed(ctx, "quarterly revenue summary")
	require.NoError(t, err)
	far, err := embedder.Embed(ctx, "zebra xylophone quartz")
	require.NoError(t, err)

	assert.Greater(t, dot(base, near), dot(base, far),
		"overlapping trigrams produce higher similarity")
}

func TestHashEmbedderShortText(t *testing.T) {
	embedder := NewHashEmbedder(0)

	vec, err := embedder.Embed(context.Background(), "ab")
	require.NoError(t, err)
	assert.Len(t, vec, DefaultDimension, "short text is padded, not rejected")
}

func TestEncodeDecodeVector(t *testing.T) {
	original := []float32{0.25, -1.5, 0, 3.75}
	assert.Equal(t, original, DecodeVector(EncodeVector(original)))
}

func TestCachedEmbedderServesFromCache(t *testing.T) {
	counting := &countingEmbedder{inner: NewHashEmbedder(32)}
	cached, err := NewCachedEmbedder(counting)
	require.NoError(t, err)
	t.Cleanup(cached.Close)

	ctx := context.Background()
	first, err := cached.Embed(ctx, "memoize this")
	require.NoError(t, err)
	cached.Wait()

	second, err := cached.Embed(ctx, "memoize this")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.calls, "second call hits the cache")
}

type countingEmbedder struct {
	inner Embedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

func (c *countingEmbedder) Dimension() int {
	return c.inner.Dimension()
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i] * b[i])
	}
	return sum
}
