// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vector

import (
	"context"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamsih300u/bastion/pkg/config"
)

type fakeEmbedder struct {
	dimension int
	calls     [][]string
	failures  int
	rateLimit bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.failures > 0 {
		f.failures--
		if f.rateLimit {
			return nil, &RateLimitError{RetryAfter: time.Millisecond, Message: "throttled"}
		}
		return nil, assert.AnError
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(len(texts[i])), 1.0}
	}
	return vectors, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dimension }

func testVectorConfig() *config.VectorConfig {
	cfg := &config.VectorConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestNormalizeContent(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeContent("  Hello\n\tWORLD  "))
	assert.Equal(t, "", NormalizeContent("   \n\t  "))
	assert.Equal(t, "a b c", NormalizeContent("a  b   c"))
}

func TestContentHashStable(t *testing.T) {
	// Normalization folds whitespace and case, so these collide.
	a := ContentHash("Hello   World")
	b := ContentHash("hello world")
	c := ContentHash("hello worlds")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("The quick brown fox")
	b := PointID("the  quick brown FOX")
	c := PointID("a different chunk")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotZero(t, a)
}

func TestRetryingEmbedderDropsEmpties(t *testing.T) {
	inner := &fakeEmbedder{dimension: 2}
	emb := NewRetryingEmbedder(inner, 10)

	vectors, indexes, err := emb.EmbedKeep(context.Background(), []string{"one", "", "  ", "four"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []int{0, 3}, indexes)
}

func TestRetryingEmbedderAllEmpty(t *testing.T) {
	inner := &fakeEmbedder{dimension: 2}
	emb := NewRetryingEmbedder(inner, 10)

	vectors, indexes, err := emb.EmbedKeep(context.Background(), []string{"", "  "})
	require.NoError(t, err)
	assert.Nil(t, vectors)
	assert.Nil(t, indexes)
	assert.Empty(t, inner.calls)
}

func TestRetryingEmbedderBatches(t *testing.T) {
	inner := &fakeEmbedder{dimension: 2}
	emb := NewRetryingEmbedder(inner, 2)

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := emb.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vectors, 5)
	assert.Len(t, inner.calls, 3)
}

func TestRetryingEmbedderRetriesTransient(t *testing.T) {
	inner := &fakeEmbedder{dimension: 2, failures: 2}
	emb := NewRetryingEmbedder(inner, 10)
	emb.baseDelay = time.Millisecond

	vectors, err := emb.Embed(context.Background(), []string{"text"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Len(t, inner.calls, 3)
}

func TestRetryingEmbedderGivesUp(t *testing.T) {
	inner := &fakeEmbedder{dimension: 2, failures: 100}
	emb := NewRetryingEmbedder(inner, 10)
	emb.baseDelay = time.Millisecond
	emb.maxDelay = time.Millisecond
	emb.maxRetries = 2

	_, err := emb.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestCollectionFor(t *testing.T) {
	g := &Gateway{cfg: testVectorConfig()}

	uid := "alice"
	assert.Equal(t, "user_alice_documents", g.CollectionFor(&uid))
	assert.Equal(t, "global_documents", g.CollectionFor(nil))

	empty := ""
	assert.Equal(t, "global_documents", g.CollectionFor(&empty))
}

func TestBuildPayloadKeys(t *testing.T) {
	g := &Gateway{cfg: testVectorConfig()}
	uid := "alice"

	payload, err := g.buildPayload(Chunk{
		ID:           "chunk-1",
		Index:        3,
		Text:         "some chunk text",
		Method:       "semantic",
		QualityScore: 0.9,
	}, "doc-1", &uid, &DocumentMeta{
		Category: "research",
		Tags:     []string{"ml", "go"},
		Title:    "A Title",
		Author:   "An Author",
		Filename: "paper.pdf",
	})
	require.NoError(t, err)

	for _, key := range []string{
		"chunk_id", "document_id", "content", "chunk_index", "quality_score",
		"method", "metadata", "content_hash", "user_id",
		"document_category", "document_tags", "document_title",
		"document_author", "document_filename",
	} {
		assert.Contains(t, payload, key, "missing payload key %s", key)
	}
	assert.Equal(t, "doc-1", payload["document_id"].GetStringValue())
	assert.Equal(t, int64(3), payload["chunk_index"].GetIntegerValue())
	assert.Equal(t, "alice", payload["user_id"].GetStringValue())
}

func TestBuildSearchFilter(t *testing.T) {
	assert.Nil(t, buildSearchFilter(SearchOptions{}))

	filter := buildSearchFilter(SearchOptions{
		FilterCategory: "research",
		FilterTags:     []string{"ml", "go"},
	})
	require.NotNil(t, filter)
	assert.Len(t, filter.Must, 3)
}

func TestHitFromPayload(t *testing.T) {
	content, err := qdrant.NewValue("chunk body")
	require.NoError(t, err)
	docID, err := qdrant.NewValue("doc-1")
	require.NoError(t, err)
	index, err := qdrant.NewValue(int64(4))
	require.NoError(t, err)

	hit := hitFromPayload(42, 0.87, map[string]*qdrant.Value{
		"content":     content,
		"document_id": docID,
		"chunk_index": index,
	}, "global_documents")

	assert.Equal(t, uint64(42), hit.PointID)
	assert.Equal(t, "chunk body", hit.Content)
	assert.Equal(t, "doc-1", hit.DocumentID)
	assert.Equal(t, 4, hit.ChunkIndex)
	assert.Equal(t, "global_documents", hit.SourceCollection)
	assert.False(t, hit.IsAdjacent)
}
