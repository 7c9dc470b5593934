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

	"github.com/qdrant/go-client/qdrant"
)

// ToolSpec describes one routable tool. The description is what gets
// embedded; selection is by similarity to a task description.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolMatch is one scored tool candidate.
type ToolMatch struct {
	Tool  ToolSpec
	Score float32
}

// DeployTools vectorizes the tool descriptions into the tools
// collection. Point ids derive from the description text, so
// re-deploying upserts in place.
func (g *Gateway) DeployTools(ctx context.Context, tools []ToolSpec) error {
	if len(tools) == 0 {
		return nil
	}
	collection := g.ToolsCollection()
	if err := g.EnsureCollection(ctx, collection); err != nil {
		return err
	}

	texts := make([]string, len(tools))
	for i, tool := range tools {
		texts[i] = tool.Name + ": " + tool.Description
	}
	vectors, indexes, err := g.embedder.EmbedKeep(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed tool descriptions: %w", err)
	}

	points := make([]*qdrant.PointStruct, 0, len(vectors))
	for i, vec := range vectors {
		tool := tools[indexes[i]]
		fields := map[string]any{
			"tool_name":   tool.Name,
			"description": tool.Description,
		}
		if tool.Parameters != nil {
			fields["parameters"] = tool.Parameters
		} else {
			fields["parameters"] = map[string]any{}
		}
		payload := make(map[string]*qdrant.Value, len(fields))
		for key, value := range fields {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert tool payload for %s: %w", tool.Name, err)
			}
			payload[key] = val
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(PointID(texts[indexes[i]])),
			Vectors: qdrant.NewVectors(vec...),
			Payload: payload,
		})
	}

	if err := g.upsertBatch(ctx, collection, points); err != nil {
		return err
	}
	slog.Info("Deployed tools to vector index", "collection", collection, "tools", len(points))
	return nil
}

// SearchTools returns tool candidates ranked by similarity to the task
// description.
func (g *Gateway) SearchTools(ctx context.Context, task string, limit int) ([]ToolMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	collection := g.ToolsCollection()

	exists, err := g.client.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to check tools collection: %w", err)
	}
	if !exists {
		return nil, nil
	}

	vectors, err := g.embedder.Embed(ctx, []string{task})
	if err != nil {
		return nil, fmt.Errorf("failed to embed task description: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("task produced no embedding")
	}

	searchResult, err := g.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vectors[0],
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search tools: %w", err)
	}

	matches := make([]ToolMatch, 0, len(searchResult.Result))
	for _, pt := range searchResult.Result {
		fields := make(map[string]any, len(pt.Payload))
		for key, value := range pt.Payload {
			fields[key] = valueToAny(value)
		}
		tool := ToolSpec{}
		if v, ok := fields["tool_name"].(string); ok {
			tool.Name = v
		}
		if v, ok := fields["description"].(string); ok {
			tool.Description = v
		}
		if v, ok := fields["parameters"].(map[string]any); ok {
			tool.Parameters = v
		}
		matches = append(matches, ToolMatch{Tool: tool, Score: pt.Score})
	}
	return matches, nil
}
