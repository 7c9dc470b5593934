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

package subgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/adamsih300u/bastion/pkg/vector"
)

// Retrieval tuning. Thresholds are mode-dependent; the boost favors
// documents uploaded within the last 30 days, linearly up to +0.10.
const (
	recencyWindow    = 30 * 24 * time.Hour
	recencyMaxBoost  = 0.10
	fullDocThreshold = 8000 // chars; smaller documents are pulled whole
	topChunksPerDoc  = 3
	searchLimit      = 20
)

var modeThresholds = map[string]float32{
	"fast":          0.3,
	"comprehensive": 0.4,
	"targeted":      0.5,
}

// Searcher is the vector-search slice the retrieval graph needs.
// *vector.Gateway satisfies it.
type Searcher interface {
	SearchSimilar(ctx context.Context, query string, opts vector.SearchOptions) ([]vector.SearchHit, error)
}

// DocumentLoader returns a document's full extracted text.
type DocumentLoader interface {
	LoadContent(ctx context.Context, docID string, userID *string) (title string, content string, err error)
}

// docCandidate is one document's retrieval plan.
type docCandidate struct {
	DocumentID string
	Title      string
	TopScore   float64
	Chunks     []vector.SearchHit
	Full       bool
	Content    string
}

const sufficiencyPrompt = `The query is: %s

These documents were retrieved as chunk excerpts:
%s

For each document, decide whether the excerpts suffice or the full document is needed.
Respond with JSON: {"upgrade": ["<document_id>", ...]}`

type sufficiencyVerdict struct {
	Upgrade []string `json:"upgrade"`
}

// NewRetrievalGraph builds the intelligent document retrieval pipeline:
// search with recency boost, threshold filter by mode, per-document
// full-vs-chunks strategy, an LLM sufficiency check that may upgrade
// chunked documents to full content, and final context formatting.
//
// Input keys: query, mode (fast|comprehensive|targeted), user_id
// (optional). Output keys: candidates, formatted_context, hit_count.
func NewRetrievalGraph(search Searcher, loader DocumentLoader, llm LLM) (*Compiled, error) {
	searchNode := func(ctx context.Context, state State) (State, error) {
		var userID *string
		if uid := state.String("user_id"); uid != "" {
			userID = &uid
		}

		hits, err := search.SearchSimilar(ctx, state.String("query"), vector.SearchOptions{
			Limit:  searchLimit,
			UserID: userID,
		})
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}

		now := time.Now()
		for i := range hits {
			hits[i].Score += float32(recencyBoost(hitUploadedAt(hits[i]), now))
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		return State{"hits": hits}, nil
	}

	filterNode := func(_ context.Context, state State) (State, error) {
		threshold, ok := modeThresholds[state.String("mode")]
		if !ok {
			threshold = modeThresholds["comprehensive"]
		}
		hits, _ := state["hits"].([]vector.SearchHit)
		kept := make([]vector.SearchHit, 0, len(hits))
		for _, hit := range hits {
			if hit.Score >= threshold {
				kept = append(kept, hit)
			}
		}
		return State{"hits": kept, "hit_count": len(kept)}, nil
	}

	strategyNode := func(ctx context.Context, state State) (State, error) {
		var userID *string
		if uid := state.String("user_id"); uid != "" {
			userID = &uid
		}

		hits, _ := state["hits"].([]vector.SearchHit)
		byDoc := map[string]*docCandidate{}
		var order []string
		for _, hit := range hits {
			cand, ok := byDoc[hit.DocumentID]
			if !ok {
				cand = &docCandidate{DocumentID: hit.DocumentID, TopScore: float64(hit.Score)}
				if title, ok := hit.Payload["document_title"].(string); ok {
					cand.Title = title
				}
				byDoc[hit.DocumentID] = cand
				order = append(order, hit.DocumentID)
			}
			if len(cand.Chunks) < topChunksPerDoc {
				cand.Chunks = append(cand.Chunks, hit)
			}
		}

		candidates := make([]*docCandidate, 0, len(order))
		for _, docID := range order {
			cand := byDoc[docID]
			title, content, err := loader.LoadContent(ctx, docID, userID)
			if err != nil {
				slog.Warn("Failed to load document content, keeping chunks",
					"document_id", docID, "error", err)
			} else {
				if cand.Title == "" {
					cand.Title = title
				}
				if len(content) < fullDocThreshold {
					cand.Full = true
					cand.Content = content
				}
			}
			candidates = append(candidates, cand)
		}
		return State{"candidates": candidates}, nil
	}

	sufficiencyNode := func(ctx context.Context, state State) (State, error) {
		candidates, _ := state["candidates"].([]*docCandidate)

		var chunked []*docCandidate
		var excerpt strings.Builder
		for _, cand := range candidates {
			if cand.Full {
				continue
			}
			chunked = append(chunked, cand)
			fmt.Fprintf(&excerpt, "Document %s (%s):\n", cand.DocumentID, cand.Title)
			for _, chunk := range cand.Chunks {
				excerpt.WriteString(chunk.Content)
				excerpt.WriteString("\n")
			}
			excerpt.WriteString("\n")
		}
		if len(chunked) == 0 || llm == nil {
			return State{}, nil
		}

		raw, err := llm.Complete(ctx, fmt.Sprintf(sufficiencyPrompt, state.String("query"), excerpt.String()))
		if err != nil {
			slog.Warn("Sufficiency check failed, keeping chunk strategy", "error", err)
			return State{}, nil
		}
		var verdict sufficiencyVerdict
		if err := decodeJSON(raw, &verdict); err != nil {
			return State{}, nil
		}

		upgrade := map[string]bool{}
		for _, docID := range verdict.Upgrade {
			upgrade[docID] = true
		}
		var userID *string
		if uid := state.String("user_id"); uid != "" {
			userID = &uid
		}
		for _, cand := range chunked {
			if !upgrade[cand.DocumentID] {
				continue
			}
			_, content, err := loader.LoadContent(ctx, cand.DocumentID, userID)
			if err != nil {
				slog.Warn("Sufficiency upgrade load failed", "document_id", cand.DocumentID, "error", err)
				continue
			}
			cand.Full = true
			cand.Content = content
		}
		return State{"candidates": candidates}, nil
	}

	formatNode := func(_ context.Context, state State) (State, error) {
		candidates, _ := state["candidates"].([]*docCandidate)
		var b strings.Builder
		for _, cand := range candidates {
			title := cand.Title
			if title == "" {
				title = cand.DocumentID
			}
			fmt.Fprintf(&b, "## %s\n\n", title)
			if cand.Full {
				b.WriteString(cand.Content)
			} else {
				for _, chunk := range cand.Chunks {
					b.WriteString(chunk.Content)
					b.WriteString("\n\n")
				}
			}
			b.WriteString("\n")
		}
		return State{"formatted_context": strings.TrimSpace(b.String())}, nil
	}

	return NewGraph("retrieval").
		AddNode("search", searchNode).
		AddNode("filter", filterNode).
		AddNode("strategy", strategyNode).
		AddNode("sufficiency", sufficiencyNode).
		AddNode("format", formatNode).
		AddEdge("search", "filter").
		AddConditionalEdge("filter", func(state State) string {
			if state.Float("hit_count") == 0 {
				return "format"
			}
			return "strategy"
		}).
		AddEdge("strategy", "sufficiency").
		AddEdge("sufficiency", "format").
		AddEdge("format", End).
		SetEntry("search").
		Compile()
}

// recencyBoost decays linearly across the window: a document uploaded
// now earns the full boost, one at the window edge earns nothing.
func recencyBoost(uploadedAt time.Time, now time.Time) float64 {
	if uploadedAt.IsZero() {
		return 0
	}
	age := now.Sub(uploadedAt)
	if age < 0 || age > recencyWindow {
		return 0
	}
	return recencyMaxBoost * (1 - float64(age)/float64(recencyWindow))
}

func hitUploadedAt(hit vector.SearchHit) time.Time {
	meta, ok := hit.Payload["metadata"].(map[string]any)
	if !ok {
		return time.Time{}
	}
	raw, ok := meta["uploaded_at"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
