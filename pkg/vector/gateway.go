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

// Package vector provides the vector index gateway: user- and
// global-scoped qdrant collections with idempotent, content-addressed
// point upserts, merged multi-collection search, and payload patching.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/adamsih300u/bastion/pkg/config"
)

// Chunk is the unit of embedding.
type Chunk struct {
	ID           string
	DocumentID   string
	Index        int
	Text         string
	Method       string
	QualityScore float64
	Metadata     map[string]any
}

// DocumentMeta enriches point payloads so search results report current
// document metadata without consulting the metadata store.
type DocumentMeta struct {
	Category string
	Tags     []string
	Title    string
	Author   string
	Filename string
}

// PayloadPatch updates descriptive payload fields across a document's
// points. Nil fields are left untouched.
type PayloadPatch struct {
	Category *string
	Tags     []string
	Title    *string
	Author   *string
	Filename *string
}

// SearchHit is one scored result.
type SearchHit struct {
	PointID          uint64
	Score            float32
	Content          string
	DocumentID       string
	ChunkID          string
	ChunkIndex       int
	SourceCollection string
	IsAdjacent       bool
	Payload          map[string]any
}

// SearchOptions configures SearchSimilar.
type SearchOptions struct {
	Limit           int
	Threshold       float32
	UserID          *string
	IncludeAdjacent bool
	FilterCategory  string
	FilterTags      []string
}

// Gateway is the vector index access layer.
type Gateway struct {
	client   *qdrant.Client
	cfg      *config.VectorConfig
	embedder *RetryingEmbedder
}

// NewGateway connects to qdrant and wraps the embedder with batching and
// rate-limit retry.
func NewGateway(cfg *config.VectorConfig, embedder Embedder) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector config is required")
	}
	cfg.SetDefaults()

	useTLS := false
	if cfg.EnableTLS != nil {
		useTLS = *cfg.EnableTLS
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Gateway{
		client:   client,
		cfg:      cfg,
		embedder: NewRetryingEmbedder(embedder, cfg.BatchSize),
	}, nil
}

// Close releases the qdrant connection.
func (g *Gateway) Close() error {
	return g.client.Close()
}

// CollectionFor returns the collection name for a scope. Team content
// shares the global collection.
func (g *Gateway) CollectionFor(userID *string) string {
	if userID != nil && *userID != "" {
		return fmt.Sprintf("user_%s_documents", *userID)
	}
	return g.cfg.GlobalCollection
}

// ToolsCollection returns the tool-routing collection name.
func (g *Gateway) ToolsCollection() string {
	return g.cfg.ToolsCollection
}

// EnsureCollection creates the collection when missing.
func (g *Gateway) EnsureCollection(ctx context.Context, collection string) error {
	exists, err := g.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}
	if exists {
		return nil
	}

	err = g.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(g.cfg.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeContent collapses whitespace and lower-cases, producing the
// canonical form used for dedup and point identity.
func NormalizeContent(text string) string {
	return strings.ToLower(strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " ")))
}

// ContentHash is the sha-256 of the normalized content.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(text)))
	return hex.EncodeToString(sum[:])
}

// PointID derives the deterministic vector-store id for a chunk text.
// FNV-64a over the normalized content keeps the id stable across
// processes, so re-embedding upserts instead of duplicating.
func PointID(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(NormalizeContent(text)))
	return h.Sum64()
}

// EmbedAndStoreChunks deduplicates chunks by normalized content hash,
// embeds them, and upserts the points with the full payload schema.
// Returns the number of points stored.
func (g *Gateway) EmbedAndStoreChunks(ctx context.Context, docID string, userID *string, chunks []Chunk, meta *DocumentMeta) (int, error) {
	collection := g.CollectionFor(userID)
	if err := g.EnsureCollection(ctx, collection); err != nil {
		return 0, err
	}

	// Dedup by normalized content hash before embedding.
	seen := make(map[string]bool)
	var unique []Chunk
	for _, chunk := range chunks {
		key := ContentHash(chunk.Text)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, chunk)
	}
	if len(unique) == 0 {
		return 0, nil
	}

	texts := make([]string, len(unique))
	for i, chunk := range unique {
		texts[i] = chunk.Text
	}

	vectors, indexes, err := g.embedder.EmbedKeep(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}

	points := make([]*qdrant.PointStruct, 0, len(vectors))
	for i, vec := range vectors {
		chunk := unique[indexes[i]]
		payload, err := g.buildPayload(chunk, docID, userID, meta)
		if err != nil {
			return 0, err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(PointID(chunk.Text)),
			Vectors: qdrant.NewVectors(vec...),
			Payload: payload,
		})
	}

	stored := 0
	for start := 0; start < len(points); start += g.cfg.BatchSize {
		end := start + g.cfg.BatchSize
		if end > len(points) {
			end = len(points)
		}
		if err := g.upsertBatch(ctx, collection, points[start:end]); err != nil {
			return stored, err
		}
		stored += end - start

		if end < len(points) {
			select {
			case <-time.After(g.cfg.BatchDelay):
			case <-ctx.Done():
				return stored, ctx.Err()
			}
		}
	}

	slog.Info("Stored document chunks",
		"document_id", docID,
		"collection", collection,
		"points", stored)
	return stored, nil
}

func (g *Gateway) upsertBatch(ctx context.Context, collection string, batch []*qdrant.PointStruct) error {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.StorageMaxRetries; attempt++ {
		batchCtx, cancel := context.WithTimeout(ctx, g.cfg.BatchTimeout)
		_, err := g.client.Upsert(batchCtx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         batch,
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("Vector upsert batch failed",
			"collection", collection,
			"attempt", attempt+1,
			"error", err)

		select {
		case <-time.After(g.cfg.BatchDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to upsert batch after %d retries: %w", g.cfg.StorageMaxRetries, lastErr)
}

func (g *Gateway) buildPayload(chunk Chunk, docID string, userID *string, meta *DocumentMeta) (map[string]*qdrant.Value, error) {
	fields := map[string]any{
		"chunk_id":      chunk.ID,
		"document_id":   docID,
		"content":       chunk.Text,
		"chunk_index":   int64(chunk.Index),
		"quality_score": chunk.QualityScore,
		"method":        chunk.Method,
		"content_hash":  ContentHash(chunk.Text),
	}
	if chunk.Metadata != nil {
		fields["metadata"] = chunk.Metadata
	} else {
		fields["metadata"] = map[string]any{}
	}
	if userID != nil {
		fields["user_id"] = *userID
	} else {
		fields["user_id"] = ""
	}
	if meta != nil {
		if meta.Category != "" {
			fields["document_category"] = meta.Category
		}
		if meta.Tags != nil {
			tags := make([]any, len(meta.Tags))
			for i, t := range meta.Tags {
				tags[i] = t
			}
			fields["document_tags"] = tags
		}
		if meta.Title != "" {
			fields["document_title"] = meta.Title
		}
		if meta.Author != "" {
			fields["document_author"] = meta.Author
		}
		if meta.Filename != "" {
			fields["document_filename"] = meta.Filename
		}
	}

	payload := make(map[string]*qdrant.Value, len(fields))
	for key, value := range fields {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to convert payload value for key %s: %w", key, err)
		}
		payload[key] = val
	}
	return payload, nil
}
