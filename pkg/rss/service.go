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

package rss

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/adamsih300u/bastion/pkg/config"
	"github.com/adamsih300u/bastion/pkg/db"
	"github.com/adamsih300u/bastion/pkg/ingest"
	"github.com/adamsih300u/bastion/pkg/taskfabric"
)

// Task names registered with the fabric.
const (
	TaskPollDue        = "rss.poll_due"
	TaskPollFeed       = "rss.poll_feed"
	TaskProcessArticle = "rss.process_article"
	TaskPurge          = "rss.purge"
)

// Submitter is the slice of the task fabric the service needs.
type Submitter interface {
	Submit(name string, args map[string]any) (string, error)
}

// Service drives feed polling and article materialization.
type Service struct {
	repo     *Repository
	docs     *ingest.Service
	importer *ingest.URLImporter
	fabric   Submitter
	cfg      *config.RSSConfig
	parser   *gofeed.Parser
}

func NewService(repo *Repository, docs *ingest.Service, cfg *config.RSSConfig) *Service {
	if cfg == nil {
		cfg = &config.RSSConfig{}
	}
	cfg.SetDefaults()
	return &Service{
		repo:     repo,
		docs:     docs,
		importer: ingest.NewURLImporter(cfg.FetchTimeout),
		cfg:      cfg,
		parser:   gofeed.NewParser(),
	}
}

// WithSubmitter attaches the task fabric for async polling.
func (s *Service) WithSubmitter(fabric Submitter) *Service {
	s.fabric = fabric
	return s
}

// RegisterTasks binds the feed tasks to the fabric with their rate
// limits: the scheduled poll at 1/min, article processing at 2/min
// with retries.
func (s *Service) RegisterTasks(f *taskfabric.Fabric) {
	f.Register(TaskPollDue, func(tc *taskfabric.TaskContext) (any, error) {
		var userID *string
		if uid, ok := tc.Args["user_id"].(string); ok && uid != "" {
			userID = &uid
		}
		return nil, s.PollDue(tc, userID)
	}, taskfabric.HandlerOptions{RateLimit: 1, RatePeriod: time.Minute})

	f.Register(TaskPollFeed, func(tc *taskfabric.TaskContext) (any, error) {
		feedID, _ := tc.Args["feed_id"].(string)
		force, _ := tc.Args["force_poll"].(bool)
		return nil, s.PollFeed(tc, feedID, force)
	}, taskfabric.HandlerOptions{})

	f.Register(TaskProcessArticle, func(tc *taskfabric.TaskContext) (any, error) {
		articleID, _ := tc.Args["article_id"].(string)
		return nil, s.ProcessArticle(tc, articleID)
	}, taskfabric.HandlerOptions{
		RateLimit:  2,
		RatePeriod: time.Minute,
		MaxRetries: 3,
		RetryBase:  60 * time.Second,
		Priority:   5,
	})

	f.Register(TaskPurge, func(tc *taskfabric.TaskContext) (any, error) {
		return s.Purge(tc)
	}, taskfabric.HandlerOptions{})
}

// CreateFeed registers a feed, subscribes the creator, and triggers an
// immediate forced poll.
func (s *Service) CreateFeed(ctx context.Context, feed *Feed) (*Feed, error) {
	created, err := s.repo.CreateFeed(ctx, feed)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("feed %s not found after create", feed.ID)
	}

	if created.UserID != nil {
		if err := s.repo.Subscribe(ctx, created.ID, *created.UserID); err != nil {
			slog.Warn("Failed to subscribe feed creator", "feed_id", created.ID, "error", err)
		}
	}

	if s.fabric != nil {
		if _, err := s.fabric.Submit(TaskPollFeed, map[string]any{
			"feed_id":    created.ID,
			"force_poll": true,
		}); err != nil {
			slog.Warn("Failed to schedule initial poll", "feed_id", created.ID, "error", err)
		}
	}
	return created, nil
}

// PollDue resets stuck locks, then polls every eligible feed.
func (s *Service) PollDue(ctx context.Context, userID *string) error {
	if freed, err := s.repo.ResetStuckFeeds(ctx, s.cfg.StuckThreshold); err != nil {
		slog.Warn("Failed to reset stuck feeds", "error", err)
	} else if len(freed) > 0 {
		slog.Info("Reset stuck feed locks", "feeds", freed)
	}

	feeds, err := s.repo.FeedsNeedingPoll(ctx, userID, time.Now())
	if err != nil {
		return err
	}

	for _, feed := range feeds {
		if s.fabric != nil {
			if _, err := s.fabric.Submit(TaskPollFeed, map[string]any{"feed_id": feed.ID}); err != nil {
				slog.Warn("Failed to schedule feed poll", "feed_id", feed.ID, "error", err)
			}
			continue
		}
		if err := s.PollFeed(ctx, feed.ID, false); err != nil {
			slog.Warn("Feed poll failed", "feed_id", feed.ID, "error", err)
		}
	}
	return nil
}

// PollFeed fetches one feed under the is_polling lock. At most one poll
// per feed is in flight; the lock is released on every exit path.
func (s *Service) PollFeed(ctx context.Context, feedID string, force bool) error {
	feed, err := s.repo.GetFeed(ctx, feedID)
	if err != nil {
		return err
	}
	if feed == nil {
		return fmt.Errorf("feed %s not found", feedID)
	}

	if !force && feed.LastCheck != nil && time.Since(*feed.LastCheck) < feed.CheckInterval {
		return nil
	}

	claimed, err := s.repo.ClaimFeed(ctx, feedID)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Debug("Feed already being polled", "feed_id", feedID)
		return nil
	}
	defer func() {
		if err := s.repo.ReleaseFeed(context.WithoutCancel(ctx), feedID); err != nil {
			slog.Error("Failed to release feed lock", "feed_id", feedID, "error", err)
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	parsed, err := s.parser.ParseURLWithContext(feed.URL, fetchCtx)
	if err != nil {
		return fmt.Errorf("failed to fetch feed %s: %w", feed.URL, err)
	}

	created := 0
	for _, item := range parsed.Items {
		article := &Article{
			FeedID:      feed.ID,
			Title:       item.Title,
			Description: item.Description,
			Link:        item.Link,
			Published:   item.PublishedParsed,
		}
		inserted, err := s.repo.InsertArticle(ctx, article)
		if err != nil {
			slog.Warn("Failed to store article", "feed_id", feed.ID, "link", item.Link, "error", err)
			continue
		}
		if !inserted {
			continue
		}
		created++

		if s.fabric != nil {
			if _, err := s.fabric.Submit(TaskProcessArticle, map[string]any{"article_id": article.ID}); err != nil {
				slog.Warn("Failed to schedule article processing", "article_id", article.ID, "error", err)
			}
		}
	}

	slog.Info("Feed polled", "feed_id", feed.ID, "items", len(parsed.Items), "new", created)
	return nil
}

// ProcessArticle crawls the article's link for full content, marks it
// processed, and materializes a document in the feed's folder.
func (s *Service) ProcessArticle(ctx context.Context, articleID string) error {
	article, err := s.repo.GetArticle(ctx, articleID)
	if err != nil {
		return err
	}
	if article == nil {
		return fmt.Errorf("article %s not found", articleID)
	}
	if article.IsProcessed {
		return nil
	}

	feed, err := s.repo.GetFeed(ctx, article.FeedID)
	if err != nil {
		return err
	}
	if feed == nil {
		return fmt.Errorf("feed %s not found", article.FeedID)
	}

	text := article.Description
	html := ""
	var images []string
	if article.Link != "" {
		page, err := s.importer.FetchPage(ctx, article.Link)
		if err != nil {
			slog.Warn("Full-content extraction failed, keeping description",
				"article_id", articleID, "link", article.Link, "error", err)
		} else {
			if page.Text != "" {
				text = page.Text
			}
			html = page.HTML
			images = page.Images
		}
	}

	if err := s.repo.MarkProcessed(ctx, articleID, text, html, images); err != nil {
		return err
	}

	if s.docs == nil || text == "" {
		return nil
	}

	docID, err := s.materialize(ctx, feed, article, text)
	if err != nil {
		return fmt.Errorf("failed to materialize article %s: %w", articleID, err)
	}

	if err := s.repo.CreateNewsArticle(ctx, articleID, docID, article.Title, article.Description, article.Published); err != nil {
		slog.Warn("Failed to record news article", "article_id", articleID, "error", err)
	}
	return nil
}

// materialize turns extracted article text into a document under the
// feed's folder. Feed scope decides document scope: nil user is global.
func (s *Service) materialize(ctx context.Context, feed *Feed, article *Article, text string) (string, error) {
	content := text
	if article.Title != "" {
		content = "# " + article.Title + "\n\n" + text
	}

	folderName := feed.Name
	if folderName == "" {
		folderName = feed.ID[:8]
	}

	result, err := s.docs.Upload(ctx, ingest.UploadRequest{
		Filename:   articleFilename(article),
		Content:    []byte(content),
		UserID:     feed.UserID,
		FolderPath: []string{"RSS", folderName},
		Category:   feed.Category,
		Tags:       feed.Tags,
	})
	if err != nil {
		return "", err
	}
	return result.DocumentID, nil
}

// Purge deletes articles past the retention window plus the documents
// and files they materialized into.
func (s *Service) Purge(ctx context.Context) (map[string]any, error) {
	cutoff := time.Now().Add(-s.cfg.Retention)

	docIDs, err := s.repo.StaleDocumentIDs(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	removedDocs := 0
	if s.docs != nil {
		for _, docID := range docIDs {
			if err := s.docs.Delete(ctx, docID, db.Admin()); err != nil {
				slog.Warn("Failed to delete materialized document", "document_id", docID, "error", err)
				continue
			}
			removedDocs++
		}
	}

	purged, err := s.repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	slog.Info("RSS retention purge complete", "articles", purged, "documents", removedDocs)
	return map[string]any{"articles": purged, "documents": removedDocs}, nil
}

func articleFilename(article *Article) string {
	name := article.Title
	if name == "" {
		name = article.ID
	}
	if len(name) > 80 {
		name = name[:80]
	}
	return sanitizeFilename(name) + ".md"
}

func sanitizeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == ' ', r == '-', r == '_':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "article"
	}
	return string(out)
}
