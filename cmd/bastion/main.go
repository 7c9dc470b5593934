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

// Command bastion runs the knowledge platform: document ingestion with
// vector indexing, the watched uploads tree, background task fabric,
// RSS scheduling, and the streaming agent orchestrator client.
//
// Usage:
//
//	bastion serve --config config.yaml
//	bastion reconcile --config config.yaml
//	bastion version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/adamsih300u/bastion/pkg/config"
	"github.com/adamsih300u/bastion/pkg/db"
	"github.com/adamsih300u/bastion/pkg/documents"
	"github.com/adamsih300u/bastion/pkg/ingest"
	"github.com/adamsih300u/bastion/pkg/logger"
	"github.com/adamsih300u/bastion/pkg/notify"
	"github.com/adamsih300u/bastion/pkg/orchestrator"
	"github.com/adamsih300u/bastion/pkg/rss"
	"github.com/adamsih300u/bastion/pkg/subgraph"
	"github.com/adamsih300u/bastion/pkg/taskfabric"
	"github.com/adamsih300u/bastion/pkg/vector"
	"github.com/adamsih300u/bastion/pkg/watcher"
)

// Fabric tasks registered by the platform wiring.
const (
	QueryTaskName     = "agent.query"
	RetrieveTaskName  = "agent.retrieve"
	ImportURLTaskName = "document.import_url"
)

// CLI defines the command-line interface.
type CLI struct {
	Version   VersionCmd   `cmd:"" help:"Show version information."`
	Serve     ServeCmd     `cmd:"" help:"Run the platform."`
	Reconcile ReconcileCmd `cmd:"" help:"Reconcile the uploads tree against the metadata store and exit."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("bastion %s\n", version)
	return nil
}

// platform holds the wired components shared by the commands.
type platform struct {
	cfg     *config.Config
	mgr     *db.Manager
	repo    *documents.Repository
	gateway *vector.Gateway
	bus     *notify.Bus
	docs    *ingest.Service
	feeds   *rss.Service
	stash   *taskfabric.ResultStash
	fabric  *taskfabric.Fabric
	agents  *orchestrator.Client
}

// build wires the platform bottom-up: database, vector gateway, the
// document service, then the fabric and everything that submits to it.
func build(ctx context.Context, cfg *config.Config) (*platform, error) {
	mgr, err := db.NewManager(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := documents.NewRepository(mgr)
	if err := repo.InitSchema(ctx); err != nil {
		return nil, err
	}

	feedRepo := rss.NewRepository(mgr)
	if err := feedRepo.InitSchema(ctx); err != nil {
		return nil, err
	}

	var gateway *vector.Gateway
	if cfg.Vector.Embedder.APIKey != "" {
		embedder, err := vector.NewOpenAIEmbedder(vector.OpenAIConfig{
			APIKey:    cfg.Vector.Embedder.APIKey,
			BaseURL:   cfg.Vector.Embedder.BaseURL,
			Model:     cfg.Vector.Embedder.Model,
			Dimension: cfg.Vector.VectorSize,
			Timeout:   cfg.Vector.Embedder.Timeout,
		})
		if err != nil {
			return nil, err
		}
		gateway, err = vector.NewGateway(&cfg.Vector, embedder)
		if err != nil {
			return nil, err
		}
	} else {
		slog.Warn("No embedder API key configured, vector indexing disabled")
	}

	bus := notify.NewBus()

	docs := ingest.NewService(repo, vectorStoreOrNil(gateway), bus, cfg.Uploads.Root)

	var stash *taskfabric.ResultStash
	if s, err := taskfabric.NewResultStash(&cfg.Redis); err != nil {
		slog.Warn("Result stash unavailable, task results stay in memory", "error", err)
	} else {
		stash = s
	}

	fabric := taskfabric.New(&cfg.Fabric, stash)
	docs.WithSubmitter(fabric)

	fabric.Register(ingest.ProcessTaskName, func(tc *taskfabric.TaskContext) (any, error) {
		docID, _ := tc.Args["document_id"].(string)
		return nil, docs.Process(tc, docID)
	}, taskfabric.HandlerOptions{MaxRetries: 2})

	fabric.Register(ImportURLTaskName, func(tc *taskfabric.TaskContext) (any, error) {
		req := ingest.URLImportRequest{
			URL:      stringArg(tc.Args, "url"),
			Category: stringArg(tc.Args, "category"),
		}
		if uid := stringArg(tc.Args, "user_id"); uid != "" {
			req.UserID = &uid
			req.Username = stringArg(tc.Args, "username")
		}
		result, err := docs.ImportURL(tc, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"document_id": result.DocumentID, "duplicate": result.Duplicate}, nil
	}, taskfabric.HandlerOptions{MaxRetries: 2})

	feeds := rss.NewService(feedRepo, docs, &cfg.RSS).WithSubmitter(fabric)
	feeds.RegisterTasks(fabric)

	agents, err := orchestrator.NewClient(&cfg.Orchestrator)
	if err != nil {
		return nil, fmt.Errorf("failed to connect orchestrator: %w", err)
	}
	fabric.Register(QueryTaskName, func(tc *taskfabric.TaskContext) (any, error) {
		req := &orchestrator.QueryRequest{
			UserID:         stringArg(tc.Args, "user_id"),
			ConversationID: stringArg(tc.Args, "conversation_id"),
			SessionID:      stringArg(tc.Args, "session_id"),
			Persona:        stringArg(tc.Args, "persona"),
			AgentType:      stringArg(tc.Args, "agent_type"),
			Query:          stringArg(tc.Args, "query"),
		}
		result, err := agents.Query(tc, req, func(msg string) {
			tc.SetProgress(0, 0, msg)
		})
		if err != nil {
			return nil, err
		}
		if stash == nil {
			return result, nil
		}
		return tc.StashResult(result)
	}, taskfabric.HandlerOptions{})

	// Durable checkpoints let long retrieval pipelines resume after a
	// restart, keyed by task id.
	checkpoints := subgraph.NewSQLCheckpoints(mgr)
	if err := checkpoints.InitSchema(ctx); err != nil {
		return nil, err
	}
	if gateway != nil {
		retrieval, err := subgraph.NewRetrievalGraph(gateway, docs, nil)
		if err != nil {
			return nil, err
		}
		retrieval.WithCheckpoints(checkpoints)
		fabric.Register(RetrieveTaskName, func(tc *taskfabric.TaskContext) (any, error) {
			final, err := retrieval.Invoke(tc, subgraph.State{
				"query":   stringArg(tc.Args, "query"),
				"mode":    stringArg(tc.Args, "mode"),
				"user_id": stringArg(tc.Args, "user_id"),
			}, tc.TaskID)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"context":   final.String("formatted_context"),
				"hit_count": final.Float("hit_count"),
			}, nil
		}, taskfabric.HandlerOptions{})
	}

	return &platform{
		cfg:     cfg,
		mgr:     mgr,
		repo:    repo,
		gateway: gateway,
		bus:     bus,
		docs:    docs,
		feeds:   feeds,
		stash:   stash,
		fabric:  fabric,
		agents:  agents,
	}, nil
}

// vectorStoreOrNil keeps the typed-nil interface trap out of the
// service wiring.
func vectorStoreOrNil(gateway *vector.Gateway) ingest.VectorStore {
	if gateway == nil {
		return nil
	}
	return gateway
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func (p *platform) close() {
	if p.agents != nil {
		_ = p.agents.Close()
	}
	if p.stash != nil {
		_ = p.stash.Close()
	}
	if p.gateway != nil {
		_ = p.gateway.Close()
	}
	_ = p.mgr.Close()
}

// ServeCmd runs the full platform until interrupted.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	p, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	p.fabric.Start(ctx)
	defer p.fabric.Stop()

	w, err := watcher.New(cfg.Uploads.Root, p.docs, p.repo, p.bus)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	// Periodic feed polling and retention. The poll task's own rate
	// limit spaces actual feed fetches.
	go func() {
		poll := time.NewTicker(time.Minute)
		purge := time.NewTicker(24 * time.Hour)
		defer poll.Stop()
		defer purge.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-poll.C:
				if _, err := p.fabric.Submit(rss.TaskPollDue, nil); err != nil {
					slog.Warn("Failed to schedule feed poll", "error", err)
				}
			case <-purge.C:
				if _, err := p.fabric.Submit(rss.TaskPurge, nil); err != nil {
					slog.Warn("Failed to schedule retention purge", "error", err)
				}
			}
		}
	}()

	slog.Info("Platform ready",
		"uploads_root", cfg.Uploads.Root,
		"workers", cfg.Fabric.Workers,
		"database", cfg.Database.Driver)

	<-ctx.Done()
	return nil
}

// ReconcileCmd runs a single reconciliation pass and exits.
type ReconcileCmd struct{}

func (c *ReconcileCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	p, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.close()

	mapper := watcher.NewPathMapper(cfg.Uploads.Root, p.repo)
	rec := watcher.NewReconciler(cfg.Uploads.Root, p.docs, p.repo, mapper, p.bus)
	return rec.Reconcile(ctx)
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("bastion"),
		kong.Description("bastion - multi-tenant knowledge and agent platform"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, os.Stderr, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
