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
	"time"

	"gopkg.in/yaml.v3"
)

// Finding is one unit of research input to synthesis.
type Finding struct {
	Text      string `json:"text"`
	SourceURL string `json:"source_url"`
	Source    string `json:"source"`
}

// synthSections are generated in this order and assembled in this
// order.
var synthSections = []string{
	"Executive Summary",
	"Core Findings",
	"Supporting Evidence",
	"Contradictions",
}

const organizePrompt = `Organize these research findings into themes for a knowledge document about: %s

Findings:
%s

Respond with JSON: {"themes": [{"name": "...", "finding_indexes": [0, 2]}]}`

const sectionPrompt = `Write the "%s" section of a knowledge document about: %s

Organized findings:
%s

Cite findings inline as [N] where N is the finding number. Write markdown body text only, no heading.`

type themesEnvelope struct {
	Themes []struct {
		Name           string `json:"name"`
		FindingIndexes []int  `json:"finding_indexes"`
	} `json:"themes"`
}

type frontmatter struct {
	Title     string    `yaml:"title"`
	Topic     string    `yaml:"topic"`
	Generated time.Time `yaml:"generated"`
	Sources   []string  `yaml:"sources"`
	Sections  []string  `yaml:"sections"`
}

// NewSynthesisGraph builds the knowledge-document writer: organize
// findings hierarchically, generate the four canonical sections, format
// footnote citations, build YAML frontmatter, and assemble the final
// markdown.
//
// Input keys: topic, findings ([]Finding). Output key: document.
func NewSynthesisGraph(llm LLM) (*Compiled, error) {
	organize := func(ctx context.Context, state State) (State, error) {
		findings, _ := state["findings"].([]Finding)
		if len(findings) == 0 {
			return nil, fmt.Errorf("no findings to synthesize")
		}

		var listing strings.Builder
		for i, f := range findings {
			fmt.Fprintf(&listing, "[%d] %s\n", i+1, f.Text)
		}

		organized := listing.String()
		raw, err := llm.Complete(ctx, fmt.Sprintf(organizePrompt, state.String("topic"), organized))
		if err != nil {
			return nil, fmt.Errorf("finding organization failed: %w", err)
		}
		var env themesEnvelope
		if err := decodeJSON(raw, &env); err == nil && len(env.Themes) > 0 {
			var themed strings.Builder
			for _, theme := range env.Themes {
				fmt.Fprintf(&themed, "### %s\n", theme.Name)
				for _, idx := range theme.FindingIndexes {
					if idx >= 0 && idx < len(findings) {
						fmt.Fprintf(&themed, "[%d] %s\n", idx+1, findings[idx].Text)
					}
				}
				themed.WriteString("\n")
			}
			organized = themed.String()
		}
		return State{"organized": organized}, nil
	}

	sections := func(ctx context.Context, state State) (State, error) {
		generated := make(map[string]string, len(synthSections))
		for _, name := range synthSections {
			body, err := llm.Complete(ctx, fmt.Sprintf(sectionPrompt,
				name, state.String("topic"), state.String("organized")))
			if err != nil {
				return nil, fmt.Errorf("failed to generate section %q: %w", name, err)
			}
			generated[name] = strings.TrimSpace(body)
		}
		return State{"sections": generated}, nil
	}

	footnotes := func(_ context.Context, state State) (State, error) {
		findings, _ := state["findings"].([]Finding)
		var b strings.Builder
		for i, f := range findings {
			label := f.Source
			if label == "" {
				label = f.SourceURL
			}
			if label == "" {
				label = "unattributed"
			}
			if f.SourceURL != "" && f.Source != "" {
				label = fmt.Sprintf("%s (%s)", f.Source, f.SourceURL)
			}
			fmt.Fprintf(&b, "[%d]: %s\n", i+1, label)
		}
		return State{"footnotes": strings.TrimSpace(b.String())}, nil
	}

	assemble := func(_ context.Context, state State) (State, error) {
		findings, _ := state["findings"].([]Finding)
		sources := make([]string, 0, len(findings))
		seen := map[string]bool{}
		for _, f := range findings {
			if f.SourceURL == "" || seen[f.SourceURL] {
				continue
			}
			seen[f.SourceURL] = true
			sources = append(sources, f.SourceURL)
		}

		topic := state.String("topic")
		front, err := yaml.Marshal(frontmatter{
			Title:     topic,
			Topic:     topic,
			Generated: time.Now().UTC().Truncate(time.Second),
			Sources:   sources,
			Sections:  synthSections,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build frontmatter: %w", err)
		}

		generated, _ := state["sections"].(map[string]string)
		var doc strings.Builder
		doc.WriteString("---\n")
		doc.Write(front)
		doc.WriteString("---\n\n")
		fmt.Fprintf(&doc, "# %s\n\n", topic)
		for _, name := range synthSections {
			fmt.Fprintf(&doc, "## %s\n\n%s\n\n", name, generated[name])
		}
		if fn := state.String("footnotes"); fn != "" {
			doc.WriteString("## Sources\n\n")
			doc.WriteString(fn)
			doc.WriteString("\n")
		}
		return State{"document": doc.String()}, nil
	}

	return NewGraph("synthesis").
		AddNode("organize", organize).
		AddNode("sections", sections).
		AddNode("footnotes", footnotes).
		AddNode("assemble", assemble).
		AddEdge("organize", "sections").
		AddEdge("sections", "footnotes").
		AddEdge("footnotes", "assemble").
		AddEdge("assemble", End).
		SetEntry("organize").
		Compile()
}
