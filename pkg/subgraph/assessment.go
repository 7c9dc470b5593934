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
)

const assessmentPrompt = `Assess whether the retrieved results are sufficient to answer the query.

Query: %s
%s%s
Results:
%s

Respond with a JSON object:
{"sufficient": bool, "confidence": float between 0 and 1, "reasoning": "...", "missing_info": ["..."], "has_relevant_info": bool}`

type assessmentVerdict struct {
	Sufficient      bool     `json:"sufficient"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	MissingInfo     []string `json:"missing_info"`
	HasRelevantInfo bool     `json:"has_relevant_info"`
}

// NewAssessmentGraph builds the two-node sufficiency assessor: prompt
// the model for a structured verdict, then parse it. A verdict that
// fails to parse yields the neutral fallback rather than an error.
//
// Input keys: query, results, context (optional), domain (optional).
// Output keys: assessment, sufficient, confidence, reasoning,
// missing_info, has_relevant_info.
func NewAssessmentGraph(llm LLM) (*Compiled, error) {
	verdict := func(ctx context.Context, state State) (State, error) {
		contextLine := ""
		if c := state.String("context"); c != "" {
			contextLine = "Context: " + c + "\n"
		}
		domainLine := ""
		if d := state.String("domain"); d != "" {
			domainLine = "Domain: " + d + "\n"
		}
		prompt := fmt.Sprintf(assessmentPrompt,
			state.String("query"), contextLine, domainLine, state.String("results"))

		raw, err := llm.Complete(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("assessment completion failed: %w", err)
		}
		return State{"raw_verdict": raw}, nil
	}

	parse := func(_ context.Context, state State) (State, error) {
		var v assessmentVerdict
		if err := decodeJSON(state.String("raw_verdict"), &v); err != nil {
			slog.Warn("Assessment verdict unparseable, using neutral fallback", "error", err)
			return neutralAssessment(), nil
		}
		if v.Confidence < 0 {
			v.Confidence = 0
		}
		if v.Confidence > 1 {
			v.Confidence = 1
		}
		return State{
			"assessment":        v.Reasoning,
			"sufficient":        v.Sufficient,
			"confidence":        v.Confidence,
			"reasoning":         v.Reasoning,
			"missing_info":      v.MissingInfo,
			"has_relevant_info": v.HasRelevantInfo,
		}, nil
	}

	return NewGraph("assessment").
		AddNode("verdict", verdict).
		AddNode("parse", parse).
		AddEdge("verdict", "parse").
		AddEdge("parse", End).
		SetEntry("verdict").
		Compile()
}

func neutralAssessment() State {
	return State{
		"assessment":        "parse failed",
		"sufficient":        false,
		"confidence":        0.5,
		"reasoning":         "parse failed",
		"missing_info":      []string{},
		"has_relevant_info": false,
	}
}
