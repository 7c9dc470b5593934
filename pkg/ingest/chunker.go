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

package ingest

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken approximates token size when no encoding is available.
const charsPerToken = 4

// Chunker splits text into overlapping windows sized in tokens.
// When the tiktoken encoding cannot be loaded (offline environments)
// it falls back to rune windows at ~4 chars per token.
type Chunker struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
	overlap   int
}

// NewChunker builds a chunker with the given token window and overlap.
func NewChunker(maxTokens, overlap int) *Chunker {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	if overlap < 0 || overlap >= maxTokens {
		overlap = maxTokens / 8
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("Tokenizer unavailable, falling back to rune chunking", "error", err)
		enc = nil
	}

	return &Chunker{enc: enc, maxTokens: maxTokens, overlap: overlap}
}

// Split breaks text into chunk strings. Empty input yields nil.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if c.enc != nil {
		return c.splitTokens(text)
	}
	return c.splitRunes(text)
}

func (c *Chunker) splitTokens(text string) []string {
	tokens := c.enc.Encode(text, nil, nil)
	if len(tokens) <= c.maxTokens {
		return []string{text}
	}

	var chunks []string
	step := c.maxTokens - c.overlap
	for start := 0; start < len(tokens); start += step {
		end := start + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunk := strings.TrimSpace(c.enc.Decode(tokens[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

func (c *Chunker) splitRunes(text string) []string {
	runes := []rune(text)
	window := c.maxTokens * charsPerToken
	overlap := c.overlap * charsPerToken

	if len(runes) <= window {
		return []string{text}
	}

	var chunks []string
	step := window - overlap
	for start := 0; start < len(runes); start += step {
		end := start + window
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
