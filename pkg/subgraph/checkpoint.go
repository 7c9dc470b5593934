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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adamsih300u/bastion/pkg/db"
)

// Checkpoint is one state snapshot, taken after a node ran. Next names
// the node the replay should enter.
type Checkpoint struct {
	Graph    string
	ThreadID string
	Step     int
	Next     string
	State    State
}

// CheckpointStore persists snapshots keyed by (graph, thread, step).
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Latest(ctx context.Context, graph, threadID string) (*Checkpoint, error)
}

// MemoryCheckpoints keeps snapshots in process. Used for short-lived
// invocations and tests.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	latest map[string]*Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{latest: make(map[string]*Checkpoint)}
}

func (m *MemoryCheckpoints) key(graph, threadID string) string {
	return graph + "\x00" + threadID
}

func (m *MemoryCheckpoints) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.key(cp.Graph, cp.ThreadID)
	if prev, ok := m.latest[key]; ok && prev.Step >= cp.Step {
		return nil
	}
	snapshot := *cp
	snapshot.State = cp.State.Clone()
	m.latest[key] = &snapshot
	return nil
}

func (m *MemoryCheckpoints) Latest(_ context.Context, graph, threadID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.latest[m.key(graph, threadID)]
	if !ok {
		return nil, nil
	}
	snapshot := *cp
	snapshot.State = cp.State.Clone()
	return &snapshot, nil
}

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS subgraph_checkpoints (
    graph VARCHAR(64) NOT NULL,
    thread_id VARCHAR(64) NOT NULL,
    step INTEGER NOT NULL,
    next_node VARCHAR(64) NOT NULL,
    state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (graph, thread_id, step)
);
`

// SQLCheckpoints persists snapshots through the database manager, so a
// replay survives a process restart.
type SQLCheckpoints struct {
	mgr *db.Manager
}

func NewSQLCheckpoints(mgr *db.Manager) *SQLCheckpoints {
	return &SQLCheckpoints{mgr: mgr}
}

// InitSchema creates the checkpoint table. Idempotent.
func (s *SQLCheckpoints) InitSchema(ctx context.Context) error {
	if err := s.mgr.Exec(ctx, createCheckpointsTableSQL, nil, nil); err != nil {
		return fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}
	return nil
}

func (s *SQLCheckpoints) q(query string) string {
	if s.mgr.Dialect() == "postgres" {
		return query
	}
	out := query
	for i := 9; i >= 1; i-- {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), "?")
	}
	return out
}

func (s *SQLCheckpoints) Save(ctx context.Context, cp *Checkpoint) error {
	encoded, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	err = s.mgr.Exec(ctx, s.q(`
		INSERT INTO subgraph_checkpoints (graph, thread_id, step, next_node, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (graph, thread_id, step) DO NOTHING`),
		[]any{cp.Graph, cp.ThreadID, cp.Step, cp.Next, string(encoded), time.Now().UTC()}, nil)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLCheckpoints) Latest(ctx context.Context, graph, threadID string) (*Checkpoint, error) {
	row, err := s.mgr.FetchOne(ctx, s.q(`
		SELECT step, next_node, state FROM subgraph_checkpoints
		WHERE graph = $1 AND thread_id = $2
		ORDER BY step DESC LIMIT 1`),
		[]any{graph, threadID}, nil)
	if err != nil || row == nil {
		return nil, err
	}

	var state State
	raw := ""
	switch v := row["state"].(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}

	step := 0
	switch v := row["step"].(type) {
	case int64:
		step = int(v)
	case int:
		step = v
	}
	next, _ := row["next_node"].(string)
	if b, ok := row["next_node"].([]byte); ok {
		next = string(b)
	}

	return &Checkpoint{
		Graph:    graph,
		ThreadID: threadID,
		Step:     step,
		Next:     next,
		State:    state,
	}, nil
}
