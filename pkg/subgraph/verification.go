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
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const maxClaimsPerRun = 5

// WebSearcher finds external sources for a claim.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]WebResult, error)
}

// WebResult is one search hit.
type WebResult struct {
	URL     string
	Title   string
	Snippet string
}

// Source is a credibility-scored reference backing or contradicting a
// claim.
type Source struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Snippet     string  `json:"snippet"`
	Credibility float64 `json:"credibility"`
}

// ClaimVerdict is the per-claim verification outcome.
type ClaimVerdict struct {
	Claim         string   `json:"claim"`
	Sources       []Source `json:"sources"`
	Contradicted  bool     `json:"contradicted"`
	Explanation   string   `json:"explanation"`
	ConsensusSize float64  `json:"consensus_score"`
}

const extractClaimsPrompt = `Extract the discrete factual claims from this text.

%s

Respond with JSON: {"claims": ["...", "..."]}`

const contradictionPrompt = `Claim: %s

Sources:
%s

Do the sources contradict the claim? Respond with JSON:
{"contradicted": bool, "explanation": "..."}`

type claimsEnvelope struct {
	Claims []string `json:"claims"`
}

type contradictionEnvelope struct {
	Contradicted bool   `json:"contradicted"`
	Explanation  string `json:"explanation"`
}

// NewVerificationGraph builds the fact-verification pipeline: extract
// claims, cross-reference each via web search, score source domains,
// detect contradictions with the model, and build consensus.
//
// Input keys: text. Output keys: claims, verdicts, consensus.
func NewVerificationGraph(web WebSearcher, llm LLM) (*Compiled, error) {
	extract := func(ctx context.Context, state State) (State, error) {
		raw, err := llm.Complete(ctx, fmt.Sprintf(extractClaimsPrompt, state.String("text")))
		if err != nil {
			return nil, fmt.Errorf("claim extraction failed: %w", err)
		}
		var env claimsEnvelope
		if err := decodeJSON(raw, &env); err != nil {
			return nil, fmt.Errorf("claim extraction unparseable: %w", err)
		}
		claims := env.Claims
		if len(claims) > maxClaimsPerRun {
			claims = claims[:maxClaimsPerRun]
		}
		return State{"claims": claims}, nil
	}

	crossref := func(ctx context.Context, state State) (State, error) {
		claims := state.Strings("claims")
		verdicts := make([]ClaimVerdict, len(claims))

		grp, grpCtx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for i, claim := range claims {
			i, claim := i, claim
			grp.Go(func() error {
				results, err := web.Search(grpCtx, claim, 5)
				if err != nil {
					slog.Warn("Web search failed for claim", "claim", claim, "error", err)
					results = nil
				}
				sources := make([]Source, 0, len(results))
				for _, r := range results {
					sources = append(sources, Source{
						URL:         r.URL,
						Title:       r.Title,
						Snippet:     r.Snippet,
						Credibility: DomainCredibility(r.URL),
					})
				}
				mu.Lock()
				verdicts[i] = ClaimVerdict{Claim: claim, Sources: sources}
				mu.Unlock()
				return nil
			})
		}
		if err := grp.Wait(); err != nil {
			return nil, err
		}
		return State{"verdicts": verdicts}, nil
	}

	contradictions := func(ctx context.Context, state State) (State, error) {
		verdicts, _ := state["verdicts"].([]ClaimVerdict)
		for i := range verdicts {
			if len(verdicts[i].Sources) == 0 {
				verdicts[i].Explanation = "no sources found"
				continue
			}
			var b strings.Builder
			for _, src := range verdicts[i].Sources {
				fmt.Fprintf(&b, "- %s (%s, credibility %.1f): %s\n",
					src.Title, src.URL, src.Credibility, src.Snippet)
			}
			raw, err := llm.Complete(ctx, fmt.Sprintf(contradictionPrompt, verdicts[i].Claim, b.String()))
			if err != nil {
				slog.Warn("Contradiction check failed", "claim", verdicts[i].Claim, "error", err)
				continue
			}
			var env contradictionEnvelope
			if err := decodeJSON(raw, &env); err != nil {
				continue
			}
			verdicts[i].Contradicted = env.Contradicted
			verdicts[i].Explanation = env.Explanation
		}
		return State{"verdicts": verdicts}, nil
	}

	consensus := func(_ context.Context, state State) (State, error) {
		verdicts, _ := state["verdicts"].([]ClaimVerdict)
		supported := 0
		for i := range verdicts {
			verdicts[i].ConsensusSize = consensusScore(verdicts[i])
			if !verdicts[i].Contradicted && verdicts[i].ConsensusSize >= 0.5 {
				supported++
			}
		}
		overall := 0.0
		if len(verdicts) > 0 {
			overall = float64(supported) / float64(len(verdicts))
		}
		return State{"verdicts": verdicts, "consensus": overall}, nil
	}

	return NewGraph("verification").
		AddNode("extract", extract).
		AddNode("crossref", crossref).
		AddNode("contradictions", contradictions).
		AddNode("consensus", consensus).
		AddEdge("extract", "crossref").
		AddEdge("crossref", "contradictions").
		AddEdge("contradictions", "consensus").
		AddEdge("consensus", End).
		SetEntry("extract").
		Compile()
}

// consensusScore is the credibility-weighted support for a claim:
// average source credibility, zeroed when contradicted.
func consensusScore(v ClaimVerdict) float64 {
	if v.Contradicted || len(v.Sources) == 0 {
		return 0
	}
	total := 0.0
	for _, src := range v.Sources {
		total += src.Credibility
	}
	return total / float64(len(v.Sources))
}

// DomainCredibility scores a source URL by its host. Academic archives
// rank highest, institutional TLDs next, wikipedia below those, and
// everything else gets the neutral default.
func DomainCredibility(rawURL string) float64 {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0.5
	}
	host := strings.ToLower(parsed.Host)

	for _, marker := range []string{"scholar.", "pubmed", "arxiv"} {
		if strings.Contains(host, marker) {
			return 0.9
		}
	}
	if strings.HasSuffix(host, ".ac.uk") {
		return 0.9
	}
	if strings.Contains(host, "wikipedia") {
		return 0.7
	}
	for _, tld := range []string{".edu", ".gov", ".org"} {
		if strings.HasSuffix(host, tld) {
			return 0.8
		}
	}
	return 0.5
}
