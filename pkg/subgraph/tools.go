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

	"github.com/adamsih300u/bastion/pkg/vector"
)

// ToolFinder retrieves tool candidates by similarity to a task
// description. *vector.Gateway satisfies it.
type ToolFinder interface {
	SearchTools(ctx context.Context, task string, limit int) ([]vector.ToolMatch, error)
}

// NewToolSelectionNode returns a node that reads the task key and
// writes tool_candidates plus selected_tool (the top match by score).
func NewToolSelectionNode(finder ToolFinder, limit int) NodeFunc {
	return func(ctx context.Context, state State) (State, error) {
		task := state.String("task")
		if task == "" {
			return nil, fmt.Errorf("no task to route")
		}
		matches, err := finder.SearchTools(ctx, task, limit)
		if err != nil {
			return nil, fmt.Errorf("tool search failed: %w", err)
		}
		patch := State{"tool_candidates": matches}
		if len(matches) > 0 {
			patch["selected_tool"] = matches[0].Tool.Name
		}
		return patch, nil
	}
}
