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

// Package orchestrator is the streaming client for the agent runtime:
// one server-streaming call per query, chunks accumulated into a single
// response. Messages travel as JSON over gRPC via a registered codec,
// so no generated stubs are needed.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/adamsih300u/bastion/pkg/config"
)

// queryMethod is the full method name of the orchestrator's query RPC.
const queryMethod = "/bastion.agent.Orchestrator/Query"

// codecName is the gRPC content-subtype carrying JSON frames.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec frames messages as plain JSON.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// Chunk types streamed by the orchestrator.
const (
	ChunkStatus  = "status"
	ChunkContent = "content"
	ChunkError   = "error"
)

// QueryRequest describes one agent query.
type QueryRequest struct {
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Persona        string         `json:"persona,omitempty"`
	AgentType      string         `json:"agent_type,omitempty"`
	Query          string         `json:"query"`
	Context        map[string]any `json:"context,omitempty"`
}

// Chunk is one streamed frame.
type Chunk struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// QueryResult is the accumulated outcome of a streamed query.
type QueryResult struct {
	Success        bool     `json:"success"`
	Response       string   `json:"response,omitempty"`
	AgentType      string   `json:"agent_type,omitempty"`
	StatusMessages []string `json:"status_messages,omitempty"`
	Error          string   `json:"error,omitempty"`
	Message        string   `json:"message,omitempty"`
}

// Client talks to the agent orchestrator.
type Client struct {
	conn *grpc.ClientConn
	cfg  *config.OrchestratorConfig
}

// NewClient connects to the orchestrator endpoint. The message size
// limits are raised well past the defaults; agent responses with full
// document context routinely exceed 4 MB.
func NewClient(cfg *config.OrchestratorConfig) (*Client, error) {
	if cfg == nil {
		cfg = &config.OrchestratorConfig{}
	}
	cfg.SetDefaults()

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator: %w", err)
	}
	return &Client{conn: conn, cfg: cfg}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Query streams one request and accumulates the response. onStatus, if
// non-nil, is invoked for every status chunk as it arrives.
func (c *Client) Query(ctx context.Context, req *QueryRequest, onStatus func(string)) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "Query", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, queryMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to open query stream: %w", err)
	}

	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("failed to send query: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send side: %w", err)
	}

	acc := newAccumulator()
	for {
		var chunk Chunk
		err := stream.RecvMsg(&chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("stream failed: %w", err)
		}

		if chunk.Type == ChunkStatus && onStatus != nil {
			onStatus(chunk.Message)
		}
		if done := acc.add(chunk); done {
			break
		}
	}

	result := acc.result()
	slog.Debug("Orchestrator query finished",
		"success", result.Success,
		"agent_type", result.AgentType,
		"response_len", len(result.Response),
		"status_messages", len(result.StatusMessages))
	return result, nil
}

// accumulator folds streamed chunks into a QueryResult. An error chunk
// is terminal and wins over any accumulated content.
type accumulator struct {
	content   []byte
	agentName string
	statuses  []string
	errChunk  *Chunk
}

func newAccumulator() *accumulator {
	return &accumulator{}
}

func (a *accumulator) add(chunk Chunk) (done bool) {
	if chunk.AgentName != "" {
		a.agentName = chunk.AgentName
	}

	switch chunk.Type {
	case ChunkContent:
		a.content = append(a.content, chunk.Content...)
	case ChunkStatus:
		if chunk.Message != "" {
			a.statuses = append(a.statuses, chunk.Message)
		}
	case ChunkError:
		c := chunk
		a.errChunk = &c
		return true
	}
	return false
}

func (a *accumulator) result() *QueryResult {
	if a.errChunk != nil {
		return &QueryResult{
			Success:        false,
			Error:          a.errChunk.Error,
			Message:        a.errChunk.Message,
			AgentType:      a.agentName,
			StatusMessages: a.statuses,
		}
	}
	return &QueryResult{
		Success:        true,
		Response:       string(a.content),
		AgentType:      a.agentName,
		StatusMessages: a.statuses,
	}
}
