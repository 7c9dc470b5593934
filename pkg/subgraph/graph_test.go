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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamsih300u/bastion/pkg/config"
	"github.com/adamsih300u/bastion/pkg/db"
)

func patchNode(key string, value any) NodeFunc {
	return func(_ context.Context, _ State) (State, error) {
		return State{key: value}, nil
	}
}

func TestLinearExecution(t *testing.T) {
	compiled, err := NewGraph("linear").
		AddNode("a", patchNode("a_ran", true)).
		AddNode("b", func(_ context.Context, state State) (State, error) {
			require.True(t, state.Bool("a_ran"))
			return State{"b_ran": true}, nil
		}).
		AddEdge("a", "b").
		AddEdge("b", End).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	final, err := compiled.Invoke(context.Background(), State{"input": "x"}, "")
	require.NoError(t, err)
	assert.True(t, final.Bool("a_ran"))
	assert.True(t, final.Bool("b_ran"))
	assert.Equal(t, "x", final.String("input"))
}

func TestConditionalEdge(t *testing.T) {
	compiled, err := NewGraph("branch").
		AddNode("decide", patchNode("route", "left")).
		AddNode("left", patchNode("took", "left")).
		AddNode("right", patchNode("took", "right")).
		AddConditionalEdge("decide", func(state State) string {
			return state.String("route")
		}).
		AddEdge("left", End).
		AddEdge("right", End).
		SetEntry("decide").
		Compile()
	require.NoError(t, err)

	final, err := compiled.Invoke(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "left", final.String("took"))
}

func TestCompileValidation(t *testing.T) {
	_, err := NewGraph("no-entry").
		AddNode("a", patchNode("x", 1)).
		AddEdge("a", End).
		Compile()
	assert.ErrorContains(t, err, "no entry node")

	_, err = NewGraph("dangling").
		AddNode("a", patchNode("x", 1)).
		AddEdge("a", "missing").
		SetEntry("a").
		Compile()
	assert.ErrorContains(t, err, "unknown node")

	_, err = NewGraph("dead-end").
		AddNode("a", patchNode("x", 1)).
		SetEntry("a").
		Compile()
	assert.ErrorContains(t, err, "no outgoing edge")

	_, err = NewGraph("unreachable").
		AddNode("a", patchNode("x", 1)).
		AddNode("island", patchNode("y", 1)).
		AddEdge("a", End).
		AddEdge("island", End).
		SetEntry("a").
		Compile()
	assert.ErrorContains(t, err, "unreachable")
}

func TestInvokeStepLimit(t *testing.T) {
	compiled, err := NewGraph("spin").
		AddNode("loop", patchNode("spin", true)).
		AddConditionalEdge("loop", func(State) string { return "loop" }).
		SetEntry("loop").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Invoke(context.Background(), nil, "")
	assert.ErrorContains(t, err, "exceeded")
}

func TestNodeErrorStopsInvoke(t *testing.T) {
	compiled, err := NewGraph("failing").
		AddNode("boom", func(context.Context, State) (State, error) {
			return nil, fmt.Errorf("kaput")
		}).
		AddEdge("boom", End).
		SetEntry("boom").
		Compile()
	require.NoError(t, err)

	_, err = compiled.Invoke(context.Background(), nil, "")
	assert.ErrorContains(t, err, "kaput")
	assert.ErrorContains(t, err, "boom")
}

func TestCheckpointResume(t *testing.T) {
	aRuns, bRuns := 0, 0
	fail := true

	compiled, err := NewGraph("resumable").
		AddNode("a", func(context.Context, State) (State, error) {
			aRuns++
			return State{"a_ran": true}, nil
		}).
		AddNode("b", func(context.Context, State) (State, error) {
			bRuns++
			if fail {
				return nil, fmt.Errorf("transient")
			}
			return State{"b_ran": true}, nil
		}).
		AddEdge("a", "b").
		AddEdge("b", End).
		SetEntry("a").
		Compile()
	require.NoError(t, err)
	compiled.WithCheckpoints(NewMemoryCheckpoints())

	_, err = compiled.Invoke(context.Background(), State{"input": 1}, "thread-1")
	require.Error(t, err)
	assert.Equal(t, 1, aRuns)
	assert.Equal(t, 1, bRuns)

	// The retry resumes at b; a does not run again.
	fail = false
	final, err := compiled.Invoke(context.Background(), nil, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 1, aRuns)
	assert.Equal(t, 2, bRuns)
	assert.True(t, final.Bool("a_ran"))
	assert.True(t, final.Bool("b_ran"))
}

func TestMemoryCheckpointsKeepNewest(t *testing.T) {
	store := NewMemoryCheckpoints()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Checkpoint{Graph: "g", ThreadID: "t", Step: 2, Next: "b", State: State{"k": "new"}}))
	require.NoError(t, store.Save(ctx, &Checkpoint{Graph: "g", ThreadID: "t", Step: 1, Next: "a", State: State{"k": "old"}}))

	cp, err := store.Latest(ctx, "g", "t")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Step)
	assert.Equal(t, "new", cp.State.String("k"))

	missing, err := store.Latest(ctx, "g", "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLCheckpoints(t *testing.T) {
	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	mgr, err := db.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	store := NewSQLCheckpoints(mgr)
	ctx := context.Background()
	require.NoError(t, store.InitSchema(ctx))

	require.NoError(t, store.Save(ctx, &Checkpoint{
		Graph: "g", ThreadID: "t", Step: 1, Next: "b",
		State: State{"query": "q", "count": float64(3)},
	}))
	require.NoError(t, store.Save(ctx, &Checkpoint{
		Graph: "g", ThreadID: "t", Step: 2, Next: End,
		State: State{"query": "q", "done": true},
	}))

	cp, err := store.Latest(ctx, "g", "t")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.Step)
	assert.Equal(t, End, cp.Next)
	assert.True(t, cp.State.Bool("done"))
	assert.Equal(t, "q", cp.State.String("query"))

	// Duplicate (graph, thread, step) saves are ignored.
	require.NoError(t, store.Save(ctx, &Checkpoint{
		Graph: "g", ThreadID: "t", Step: 2, Next: "other", State: State{},
	}))
	cp, err = store.Latest(ctx, "g", "t")
	require.NoError(t, err)
	assert.Equal(t, End, cp.Next)

	missing, err := store.Latest(ctx, "g", "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStateHelpers(t *testing.T) {
	s := State{
		"str":   "x",
		"bool":  true,
		"int":   3,
		"float": 2.5,
		"list":  []any{"a", 1, "b"},
	}
	assert.Equal(t, "x", s.String("str"))
	assert.Equal(t, "", s.String("missing"))
	assert.True(t, s.Bool("bool"))
	assert.Equal(t, 3.0, s.Float("int"))
	assert.Equal(t, 2.5, s.Float("float"))
	assert.Equal(t, []string{"a", "b"}, s.Strings("list"))
}
