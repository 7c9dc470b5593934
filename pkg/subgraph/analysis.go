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
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Analysis limits. The prompts carry whole documents, so the fan-out
// is kept small.
const (
	maxAnalysisDocs    = 2
	maxAnalysisQueries = 4
)

const analysisPrompt = `Answer the question using only this document.

Document: %s

%s

Question: %s`

const analysisSynthesisPrompt = `Synthesize the findings below into a single coherent answer.

%s`

type analysisFinding struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Query      string `json:"query"`
	Answer     string `json:"answer"`
}

// NewAnalysisGraph builds the full-document analysis pipeline: load up
// to two documents, run every document x query prompt in parallel, and
// synthesize the findings.
//
// Input keys: document_ids, queries, user_id (optional).
// Output keys: findings, synthesis.
func NewAnalysisGraph(loader DocumentLoader, llm LLM) (*Compiled, error) {
	load := func(ctx context.Context, state State) (State, error) {
		docIDs := state.Strings("document_ids")
		if len(docIDs) == 0 {
			return nil, fmt.Errorf("no documents to analyze")
		}
		if len(docIDs) > maxAnalysisDocs {
			docIDs = docIDs[:maxAnalysisDocs]
		}

		var userID *string
		if uid := state.String("user_id"); uid != "" {
			userID = &uid
		}

		docs := make([]*docCandidate, 0, len(docIDs))
		for _, docID := range docIDs {
			title, content, err := loader.LoadContent(ctx, docID, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to load document %s: %w", docID, err)
			}
			docs = append(docs, &docCandidate{
				DocumentID: docID,
				Title:      title,
				Full:       true,
				Content:    content,
			})
		}
		return State{"documents": docs}, nil
	}

	analyze := func(ctx context.Context, state State) (State, error) {
		docs, _ := state["documents"].([]*docCandidate)
		queries := state.Strings("queries")
		if len(queries) == 0 {
			return nil, fmt.Errorf("no queries to analyze")
		}
		if len(queries) > maxAnalysisQueries {
			queries = queries[:maxAnalysisQueries]
		}

		var (
			mu       sync.Mutex
			findings []analysisFinding
		)
		grp, grpCtx := errgroup.WithContext(ctx)
		for _, doc := range docs {
			for _, query := range queries {
				doc, query := doc, query
				grp.Go(func() error {
					answer, err := llm.Complete(grpCtx, fmt.Sprintf(analysisPrompt,
						doc.Title, doc.Content, query))
					if err != nil {
						return fmt.Errorf("analysis of %s failed: %w", doc.DocumentID, err)
					}
					mu.Lock()
					findings = append(findings, analysisFinding{
						DocumentID: doc.DocumentID,
						Title:      doc.Title,
						Query:      query,
						Answer:     answer,
					})
					mu.Unlock()
					return nil
				})
			}
		}
		if err := grp.Wait(); err != nil {
			return nil, err
		}
		return State{"findings": findings}, nil
	}

	synthesize := func(ctx context.Context, state State) (State, error) {
		findings, _ := state["findings"].([]analysisFinding)
		var b strings.Builder
		for _, f := range findings {
			fmt.Fprintf(&b, "[%s] %s: %s\n\n", f.Title, f.Query, f.Answer)
		}
		synthesis, err := llm.Complete(ctx, fmt.Sprintf(analysisSynthesisPrompt, b.String()))
		if err != nil {
			return nil, fmt.Errorf("analysis synthesis failed: %w", err)
		}
		return State{"synthesis": synthesis}, nil
	}

	return NewGraph("analysis").
		AddNode("load", load).
		AddNode("analyze", analyze).
		AddNode("synthesize", synthesize).
		AddEdge("load", "analyze").
		AddEdge("analyze", "synthesize").
		AddEdge("synthesize", End).
		SetEntry("load").
		Compile()
}
