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
)

// EditOp discriminates ManuscriptEdit variants.
type EditOp string

const (
	OpReplaceRange   EditOp = "replace_range"
	OpInsertAfter    EditOp = "insert_after"
	OpDeleteRange    EditOp = "delete_range"
	OpRewriteChapter EditOp = "rewrite_chapter"
)

// ManuscriptEdit is one typed edit operation. Which fields apply
// depends on Op: ranges use Start/End line numbers (1-based,
// inclusive), insert_after uses Start as the anchor line, and
// rewrite_chapter uses Chapter.
type ManuscriptEdit struct {
	Op      EditOp `json:"op"`
	Start   int    `json:"start,omitempty"`
	End     int    `json:"end,omitempty"`
	Chapter int    `json:"chapter,omitempty"`
	Text    string `json:"text,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Validate checks the edit against a manuscript of lineCount lines and
// chapterCount chapters.
func (e ManuscriptEdit) Validate(lineCount, chapterCount int) error {
	switch e.Op {
	case OpReplaceRange, OpDeleteRange:
		if e.Start < 1 || e.End < e.Start || e.End > lineCount {
			return fmt.Errorf("%s: invalid range %d-%d for %d lines", e.Op, e.Start, e.End, lineCount)
		}
		if e.Op == OpReplaceRange && e.Text == "" {
			return fmt.Errorf("replace_range requires text")
		}
	case OpInsertAfter:
		if e.Start < 0 || e.Start > lineCount {
			return fmt.Errorf("insert_after: anchor %d outside %d lines", e.Start, lineCount)
		}
		if e.Text == "" {
			return fmt.Errorf("insert_after requires text")
		}
	case OpRewriteChapter:
		if e.Chapter < 1 || e.Chapter > chapterCount {
			return fmt.Errorf("rewrite_chapter: chapter %d of %d", e.Chapter, chapterCount)
		}
		if e.Text == "" {
			return fmt.Errorf("rewrite_chapter requires text")
		}
	default:
		return fmt.Errorf("unknown edit op %q", e.Op)
	}
	return nil
}

// Apply produces the edited manuscript. Chapter rewrites replace the
// lines between chapter headings ("# Chapter N" or "## Chapter N").
func (e ManuscriptEdit) Apply(manuscript string) (string, error) {
	lines := strings.Split(manuscript, "\n")
	switch e.Op {
	case OpReplaceRange:
		out := append([]string{}, lines[:e.Start-1]...)
		out = append(out, strings.Split(e.Text, "\n")...)
		out = append(out, lines[e.End:]...)
		return strings.Join(out, "\n"), nil
	case OpDeleteRange:
		out := append([]string{}, lines[:e.Start-1]...)
		out = append(out, lines[e.End:]...)
		return strings.Join(out, "\n"), nil
	case OpInsertAfter:
		out := append([]string{}, lines[:e.Start]...)
		out = append(out, strings.Split(e.Text, "\n")...)
		out = append(out, lines[e.Start:]...)
		return strings.Join(out, "\n"), nil
	case OpRewriteChapter:
		start, end, ok := chapterBounds(lines, e.Chapter)
		if !ok {
			return "", fmt.Errorf("chapter %d not found", e.Chapter)
		}
		out := append([]string{}, lines[:start]...)
		out = append(out, strings.Split(e.Text, "\n")...)
		out = append(out, lines[end:]...)
		return strings.Join(out, "\n"), nil
	}
	return "", fmt.Errorf("unknown edit op %q", e.Op)
}

func isChapterHeading(line string) bool {
	trimmed := strings.TrimLeft(line, "# ")
	return strings.HasPrefix(line, "#") && strings.HasPrefix(strings.ToLower(trimmed), "chapter ")
}

// chapterBounds returns the line span of chapter n, body inclusive of
// its heading, exclusive of the next heading.
func chapterBounds(lines []string, n int) (start, end int, ok bool) {
	count := 0
	start = -1
	for i, line := range lines {
		if !isChapterHeading(line) {
			continue
		}
		count++
		if count == n {
			start = i
			continue
		}
		if start >= 0 {
			return start, i, true
		}
	}
	if start >= 0 {
		return start, len(lines), true
	}
	return 0, 0, false
}

func countChapters(manuscript string) int {
	count := 0
	for _, line := range strings.Split(manuscript, "\n") {
		if isChapterHeading(line) {
			count++
		}
	}
	return count
}

const fictionContextPrompt = `Summarize the narrative context relevant to this editing instruction.

Outline:
%s

Manuscript excerpt (chapters %s):
%s

Instruction: %s

Respond with a concise context paragraph.`

const fictionGeneratePrompt = `You are editing a manuscript.

Context: %s

Manuscript (with line numbers):
%s

Instruction: %s

Respond with JSON: {"edits": [{"op": "replace_range|insert_after|delete_range|rewrite_chapter", "start": N, "end": N, "chapter": N, "text": "...", "reason": "..."}]}`

type editsEnvelope struct {
	Edits []ManuscriptEdit `json:"edits"`
}

// NewFictionEditGraph builds the fiction-editing pipeline: context
// preparation over the outline and chapter range, edit generation,
// validation of every proposed edit against the manuscript, and
// resolution (applying valid edits in order).
//
// Input keys: manuscript, outline, chapter_range, instruction.
// Output keys: edits, rejected, manuscript (edited).
func NewFictionEditGraph(llm LLM) (*Compiled, error) {
	prepare := func(ctx context.Context, state State) (State, error) {
		narrative, err := llm.Complete(ctx, fmt.Sprintf(fictionContextPrompt,
			state.String("outline"),
			state.String("chapter_range"),
			state.String("manuscript"),
			state.String("instruction")))
		if err != nil {
			return nil, fmt.Errorf("context preparation failed: %w", err)
		}
		return State{"edit_context": strings.TrimSpace(narrative)}, nil
	}

	generate := func(ctx context.Context, state State) (State, error) {
		numbered := numberLines(state.String("manuscript"))
		raw, err := llm.Complete(ctx, fmt.Sprintf(fictionGeneratePrompt,
			state.String("edit_context"), numbered, state.String("instruction")))
		if err != nil {
			return nil, fmt.Errorf("edit generation failed: %w", err)
		}
		var env editsEnvelope
		if err := decodeJSON(raw, &env); err != nil {
			return nil, fmt.Errorf("edit generation unparseable: %w", err)
		}
		return State{"proposed": env.Edits}, nil
	}

	validate := func(_ context.Context, state State) (State, error) {
		manuscript := state.String("manuscript")
		lineCount := len(strings.Split(manuscript, "\n"))
		chapterCount := countChapters(manuscript)

		proposed, _ := state["proposed"].([]ManuscriptEdit)
		var valid []ManuscriptEdit
		var rejected []string
		for _, edit := range proposed {
			if err := edit.Validate(lineCount, chapterCount); err != nil {
				rejected = append(rejected, err.Error())
				continue
			}
			valid = append(valid, edit)
		}
		return State{"edits": valid, "rejected": rejected}, nil
	}

	resolve := func(_ context.Context, state State) (State, error) {
		manuscript := state.String("manuscript")
		edits, _ := state["edits"].([]ManuscriptEdit)
		for _, edit := range edits {
			next, err := edit.Apply(manuscript)
			if err != nil {
				return nil, fmt.Errorf("failed to apply %s: %w", edit.Op, err)
			}
			manuscript = next
		}
		return State{"manuscript": manuscript}, nil
	}

	return NewGraph("fiction_edit").
		AddNode("prepare", prepare).
		AddNode("generate", generate).
		AddNode("validate", validate).
		AddConditionalEdge("validate", func(state State) string {
			edits, _ := state["edits"].([]ManuscriptEdit)
			if len(edits) == 0 {
				return End
			}
			return "resolve"
		}).
		AddNode("resolve", resolve).
		AddEdge("prepare", "generate").
		AddEdge("generate", "validate").
		AddEdge("resolve", End).
		SetEntry("prepare").
		Compile()
}

const bookChapterPrompt = `Write chapter %d of a book.

Outline:
%s

Previously written chapters end with:
%s

Write the full chapter in markdown, starting with the heading "# Chapter %d".`

// NewBookGenerationGraph builds the chapter-by-chapter book writer: it
// loops the generate node until every outlined chapter exists.
//
// Input keys: outline, chapter_count. Output key: manuscript.
func NewBookGenerationGraph(llm LLM) (*Compiled, error) {
	generate := func(ctx context.Context, state State) (State, error) {
		manuscript := state.String("manuscript")
		next := countChapters(manuscript) + 1

		tail := manuscript
		if len(tail) > 2000 {
			tail = tail[len(tail)-2000:]
		}
		chapter, err := llm.Complete(ctx, fmt.Sprintf(bookChapterPrompt,
			next, state.String("outline"), tail, next))
		if err != nil {
			return nil, fmt.Errorf("failed to generate chapter %d: %w", next, err)
		}
		if manuscript != "" {
			manuscript += "\n\n"
		}
		manuscript += strings.TrimSpace(chapter)
		return State{"manuscript": manuscript}, nil
	}

	compiled, err := NewGraph("book_generation").
		AddNode("generate", generate).
		AddConditionalEdge("generate", func(state State) string {
			if countChapters(state.String("manuscript")) >= int(state.Float("chapter_count")) {
				return End
			}
			return "generate"
		}).
		SetEntry("generate").
		Compile()
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

func numberLines(text string) string {
	lines := strings.Split(text, "\n")
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%4d | %s\n", i+1, line)
	}
	return b.String()
}
