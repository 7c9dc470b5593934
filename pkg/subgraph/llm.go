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
	"encoding/json"
	"fmt"
	"strings"
)

// LLM is the completion boundary the subgraphs prompt against.
// Providers live outside this module.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// extractJSON pulls the first JSON object out of a completion that may
// wrap it in prose or a code fence.
func extractJSON(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in completion")
	}
	return text[start : end+1], nil
}

// decodeJSON unmarshals the first JSON object found in the completion.
func decodeJSON(raw string, out any) error {
	block, err := extractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(block), out); err != nil {
		return fmt.Errorf("failed to parse completion JSON: %w", err)
	}
	return nil
}
