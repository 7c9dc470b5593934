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
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/errgroup"
)

// adjacentPenalty discounts neighbor chunks pulled in for context so
// they never outrank the chunk that actually matched.
const adjacentPenalty = 0.8

// SearchSimilar embeds the query once and searches the caller's user
// collection and the global collection in parallel, merging by point id
// with the higher score winning. Results carry source_collection, and
// when IncludeAdjacent is set each hit's chunk_index neighbors are
// appended with a score penalty and the is_adjacent marker.
func (g *Gateway) SearchSimilar(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	vectors, err := g.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("query produced no embedding")
	}
	queryVector := vectors[0]

	collections := []string{g.cfg.GlobalCollection}
	if opts.UserID != nil && *opts.UserID != "" {
		collections = append([]string{g.CollectionFor(opts.UserID)}, collections...)
	}

	filter := buildSearchFilter(opts)

	var (
		mu     sync.Mutex
		merged = make(map[uint64]SearchHit)
	)

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, collection := range collections {
		collection := collection
		grp.Go(func() error {
			exists, err := g.client.CollectionExists(grpCtx, collection)
			if err != nil {
				return fmt.Errorf("failed to check collection %s: %w", collection, err)
			}
			if !exists {
				return nil
			}

			searchRequest := &qdrant.SearchPoints{
				CollectionName: collection,
				Vector:         queryVector,
				Limit:          uint64(limit),
				WithPayload:    qdrant.NewWithPayload(true),
			}
			if filter != nil {
				searchRequest.Filter = filter
			}

			pointsClient := g.client.GetPointsClient()
			searchResult, err := pointsClient.Search(grpCtx, searchRequest)
			if err != nil {
				return fmt.Errorf("failed to search collection %s: %w", collection, err)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, pt := range searchResult.Result {
				if opts.Threshold > 0 && pt.Score < opts.Threshold {
					continue
				}
				hit := hitFromPayload(pointIDNum(pt.Id), pt.Score, pt.Payload, collection)
				if prev, ok := merged[hit.PointID]; !ok || hit.Score > prev.Score {
					merged[hit.PointID] = hit
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(merged))
	for _, hit := range merged {
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	if opts.IncludeAdjacent {
		hits = g.appendAdjacent(ctx, hits)
	}
	return hits, nil
}

// appendAdjacent fetches chunk_index neighbors for each primary hit.
// Neighbor lookups are best-effort: a failed scroll logs and moves on.
func (g *Gateway) appendAdjacent(ctx context.Context, hits []SearchHit) []SearchHit {
	present := make(map[uint64]bool, len(hits))
	for _, hit := range hits {
		present[hit.PointID] = true
	}

	pointsClient := g.client.GetPointsClient()

	var adjacent []SearchHit
	for _, hit := range hits {
		for _, idx := range []int{hit.ChunkIndex - 1, hit.ChunkIndex + 1} {
			if idx < 0 {
				continue
			}
			limit := uint32(1)
			scrollResult, err := pointsClient.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: hit.SourceCollection,
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						keywordCondition("document_id", hit.DocumentID),
						integerCondition("chunk_index", int64(idx)),
					},
				},
				Limit:       &limit,
				WithPayload: qdrant.NewWithPayload(true),
			})
			if err != nil {
				slog.Warn("Adjacent chunk lookup failed",
					"document_id", hit.DocumentID,
					"chunk_index", idx,
					"error", err)
				continue
			}
			for _, pt := range scrollResult.Result {
				id := pointIDNum(pt.Id)
				if present[id] {
					continue
				}
				present[id] = true
				neighbor := hitFromPayload(id, hit.Score*adjacentPenalty, pt.Payload, hit.SourceCollection)
				neighbor.IsAdjacent = true
				adjacent = append(adjacent, neighbor)
			}
		}
	}

	hits = append(hits, adjacent...)
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits
}

func buildSearchFilter(opts SearchOptions) *qdrant.Filter {
	var must []*qdrant.Condition
	if opts.FilterCategory != "" {
		must = append(must, keywordCondition("document_category", opts.FilterCategory))
	}
	for _, tag := range opts.FilterTags {
		must = append(must, keywordCondition("document_tags", tag))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func integerCondition(key string, value int64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Integer{Integer: value},
				},
			},
		},
	}
}

func pointIDNum(id *qdrant.PointId) uint64 {
	if id == nil {
		return 0
	}
	if num, ok := id.PointIdOptions.(*qdrant.PointId_Num); ok {
		return num.Num
	}
	return 0
}

func hitFromPayload(id uint64, score float32, payload map[string]*qdrant.Value, collection string) SearchHit {
	fields := make(map[string]any, len(payload))
	for key, value := range payload {
		fields[key] = valueToAny(value)
	}

	hit := SearchHit{
		PointID:          id,
		Score:            score,
		SourceCollection: collection,
		Payload:          fields,
	}
	if v, ok := fields["content"].(string); ok {
		hit.Content = v
	}
	if v, ok := fields["document_id"].(string); ok {
		hit.DocumentID = v
	}
	if v, ok := fields["chunk_id"].(string); ok {
		hit.ChunkID = v
	}
	switch v := fields["chunk_index"].(type) {
	case int64:
		hit.ChunkIndex = int(v)
	case float64:
		hit.ChunkIndex = int(v)
	}
	return hit
}

func valueToAny(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch kind := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]any, 0, len(kind.ListValue.Values))
		for _, item := range kind.ListValue.Values {
			items = append(items, valueToAny(item))
		}
		return items
	case *qdrant.Value_StructValue:
		fields := make(map[string]any, len(kind.StructValue.Fields))
		for key, item := range kind.StructValue.Fields {
			fields[key] = valueToAny(item)
		}
		return fields
	default:
		return nil
	}
}

// DeleteDocumentChunks removes every point of a document from its
// scope's collection.
func (g *Gateway) DeleteDocumentChunks(ctx context.Context, docID string, userID *string) error {
	collection := g.CollectionFor(userID)

	exists, err := g.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		return nil
	}

	_, err = g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						keywordCondition("document_id", docID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}

// DeleteUserCollection drops a user's entire collection.
func (g *Gateway) DeleteUserCollection(ctx context.Context, userID string) error {
	collection := g.CollectionFor(&userID)

	exists, err := g.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		return nil
	}

	if err := g.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// PatchDocumentPayload rewrites descriptive payload fields on all of a
// document's points without touching the vectors, so metadata edits do
// not force a re-embed.
func (g *Gateway) PatchDocumentPayload(ctx context.Context, docID string, userID *string, patch PayloadPatch) error {
	collection := g.CollectionFor(userID)

	exists, err := g.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		return nil
	}

	fields := map[string]any{}
	if patch.Category != nil {
		fields["document_category"] = *patch.Category
	}
	if patch.Tags != nil {
		tags := make([]any, len(patch.Tags))
		for i, t := range patch.Tags {
			tags[i] = t
		}
		fields["document_tags"] = tags
	}
	if patch.Title != nil {
		fields["document_title"] = *patch.Title
	}
	if patch.Author != nil {
		fields["document_author"] = *patch.Author
	}
	if patch.Filename != nil {
		fields["document_filename"] = *patch.Filename
	}
	if len(fields) == 0 {
		return nil
	}

	payload := make(map[string]*qdrant.Value, len(fields))
	for key, value := range fields {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("failed to convert payload value for key %s: %w", key, err)
		}
		payload[key] = val
	}

	_, err = g.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        payload,
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						keywordCondition("document_id", docID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to patch document payload: %w", err)
	}
	return nil
}
