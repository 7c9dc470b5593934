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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamsih300u/bastion/pkg/config"
	"github.com/adamsih300u/bastion/pkg/db"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	cfg := &config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	mgr, err := db.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	repo := NewRepository(mgr)
	require.NoError(t, repo.InitSchema(context.Background()))
	return repo
}

func testFeed(url string, userID *string) *Feed {
	return &Feed{
		URL:           url,
		Name:          "Example Feed",
		CheckInterval: time.Hour,
		UserID:        userID,
	}
}

func TestFeedIDDerivation(t *testing.T) {
	uid := "u1"
	global := NewFeedID("https://example.com/rss", nil)
	personal := NewFeedID("https://example.com/rss", &uid)

	assert.Len(t, global, 32)
	assert.NotEqual(t, global, personal)
	assert.Equal(t, global, NewFeedID("https://example.com/rss", nil))
}

func TestContentHashNormalizes(t *testing.T) {
	a := ContentHash("Title", "Some   description", "https://x/1")
	b := ContentHash("  title", "some description ", "https://x/1")
	c := ContentHash("Title", "different", "https://x/1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCreateFeedIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.CreateFeed(ctx, testFeed("https://example.com/rss", nil))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := repo.CreateFeed(ctx, testFeed("https://example.com/rss", nil))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestFeedsNeedingPoll(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Never checked: eligible, sorts first.
	fresh, err := repo.CreateFeed(ctx, testFeed("https://a.example/rss", nil))
	require.NoError(t, err)

	// Checked long ago: eligible.
	overdue, err := repo.CreateFeed(ctx, testFeed("https://b.example/rss", nil))
	require.NoError(t, err)
	require.NoError(t, repo.mgr.Exec(ctx, repo.q(
		`UPDATE rss_feeds SET last_check = $1 WHERE feed_id = $2`),
		[]any{time.Now().UTC().Add(-2 * time.Hour), overdue.ID}, nil))

	// Checked recently: not eligible.
	recent, err := repo.CreateFeed(ctx, testFeed("https://c.example/rss", nil))
	require.NoError(t, err)
	require.NoError(t, repo.mgr.Exec(ctx, repo.q(
		`UPDATE rss_feeds SET last_check = $1 WHERE feed_id = $2`),
		[]any{time.Now().UTC().Add(-time.Minute), recent.ID}, nil))

	// Being polled: not eligible even when overdue.
	locked, err := repo.CreateFeed(ctx, testFeed("https://d.example/rss", nil))
	require.NoError(t, err)
	claimed, err := repo.ClaimFeed(ctx, locked.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	due, err := repo.FeedsNeedingPoll(ctx, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, fresh.ID, due[0].ID) // NULLS FIRST
	assert.Equal(t, overdue.ID, due[1].ID)
}

func TestClaimFeedCAS(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	feed, err := repo.CreateFeed(ctx, testFeed("https://example.com/rss", nil))
	require.NoError(t, err)

	first, err := repo.ClaimFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, first)

	// Second claim loses while the lock is held.
	second, err := repo.ClaimFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, repo.ReleaseFeed(ctx, feed.ID))

	after, err := repo.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, after.IsPolling)
	require.NotNil(t, after.LastCheck)

	third, err := repo.ClaimFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.True(t, third)
}

func TestResetStuckFeeds(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	feed, err := repo.CreateFeed(ctx, testFeed("https://example.com/rss", nil))
	require.NoError(t, err)

	claimed, err := repo.ClaimFeed(ctx, feed.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// Fresh lock: not stuck yet.
	freed, err := repo.ResetStuckFeeds(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, freed)

	// Backdate the lock past the threshold.
	require.NoError(t, repo.mgr.Exec(ctx, repo.q(
		`UPDATE rss_feeds SET updated_at = $1 WHERE feed_id = $2`),
		[]any{time.Now().UTC().Add(-time.Hour), feed.ID}, nil))

	freed, err = repo.ResetStuckFeeds(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{feed.ID}, freed)

	after, err := repo.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, after.IsPolling)
}

func TestInsertArticleDedup(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	feed, err := repo.CreateFeed(ctx, testFeed("https://example.com/rss", nil))
	require.NoError(t, err)

	created, err := repo.InsertArticle(ctx, &Article{
		FeedID: feed.ID, Title: "Story", Description: "Body", Link: "https://x/1",
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Same content hash: skipped.
	dup, err := repo.InsertArticle(ctx, &Article{
		FeedID: feed.ID, Title: " story", Description: "body ", Link: "https://x/1",
	})
	require.NoError(t, err)
	assert.False(t, dup)

	// Same link, new content: still skipped.
	dup, err = repo.InsertArticle(ctx, &Article{
		FeedID: feed.ID, Title: "Story updated", Description: "new body", Link: "https://x/1",
	})
	require.NoError(t, err)
	assert.False(t, dup)

	// Different feed, same content: separate row.
	other, err := repo.CreateFeed(ctx, testFeed("https://other.example/rss", nil))
	require.NoError(t, err)
	created, err = repo.InsertArticle(ctx, &Article{
		FeedID: other.ID, Title: "Story", Description: "Body", Link: "https://x/1",
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMarkProcessed(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	feed, err := repo.CreateFeed(ctx, testFeed("https://example.com/rss", nil))
	require.NoError(t, err)

	article := &Article{FeedID: feed.ID, Title: "T", Link: "https://x/1"}
	_, err = repo.InsertArticle(ctx, article)
	require.NoError(t, err)

	unprocessed, err := repo.ListUnprocessed(ctx, feed.ID, 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	require.NoError(t, repo.MarkProcessed(ctx, article.ID, "full text", "<p>html</p>", []string{"https://x/img.png"}))

	after, err := repo.GetArticle(ctx, article.ID)
	require.NoError(t, err)
	assert.True(t, after.IsProcessed)
	assert.Equal(t, "full text", after.FullText)
	assert.Equal(t, []string{"https://x/img.png"}, after.Images)

	unprocessed, err = repo.ListUnprocessed(ctx, feed.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestPurgeOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	feed, err := repo.CreateFeed(ctx, testFeed("https://example.com/rss", nil))
	require.NoError(t, err)

	old := &Article{FeedID: feed.ID, Title: "Old", Link: "https://x/old"}
	_, err = repo.InsertArticle(ctx, old)
	require.NoError(t, err)
	require.NoError(t, repo.mgr.Exec(ctx, repo.q(
		`UPDATE rss_articles SET created_at = $1 WHERE article_id = $2`),
		[]any{time.Now().UTC().Add(-30 * 24 * time.Hour), old.ID}, nil))
	require.NoError(t, repo.CreateNewsArticle(ctx, old.ID, "doc-old", "Old", "", nil))

	fresh := &Article{FeedID: feed.ID, Title: "Fresh", Link: "https://x/fresh"}
	_, err = repo.InsertArticle(ctx, fresh)
	require.NoError(t, err)

	cutoff := time.Now().Add(-14 * 24 * time.Hour)

	stale, err := repo.StaleDocumentIDs(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-old"}, stale)

	purged, err := repo.PurgeOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	gone, err := repo.GetArticle(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := repo.GetArticle(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
<title>Example Feed</title>
<item><title>First story</title><description>Body one</description><link>https://news.example/1</link></item>
<item><title>Second story</title><description>Body two</description><link>https://news.example/2</link></item>
</channel></rss>`

func TestPollFeedStoresArticles(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedXML)
	}))
	defer srv.Close()

	svc := NewService(repo, nil, &config.RSSConfig{FetchTimeout: 5 * time.Second})

	feed, err := svc.CreateFeed(ctx, testFeed(srv.URL, nil))
	require.NoError(t, err)

	require.NoError(t, svc.PollFeed(ctx, feed.ID, true))

	articles, err := repo.ListUnprocessed(ctx, feed.ID, 10)
	require.NoError(t, err)
	assert.Len(t, articles, 2)

	// Lock released, last_check stamped.
	after, err := repo.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, after.IsPolling)
	require.NotNil(t, after.LastCheck)

	// Re-poll dedups every item.
	require.NoError(t, svc.PollFeed(ctx, feed.ID, true))
	articles, err = repo.ListUnprocessed(ctx, feed.ID, 10)
	require.NoError(t, err)
	assert.Len(t, articles, 2)
}

func TestPollFeedReleasesLockOnFetchError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewService(repo, nil, &config.RSSConfig{FetchTimeout: 2 * time.Second})
	feed, err := svc.CreateFeed(ctx, testFeed(srv.URL, nil))
	require.NoError(t, err)

	require.Error(t, svc.PollFeed(ctx, feed.ID, true))

	after, err := repo.GetFeed(ctx, feed.ID)
	require.NoError(t, err)
	assert.False(t, after.IsPolling)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Breaking-News-2024", sanitizeFilename("Breaking News: 2024!"))
	assert.Equal(t, "article", sanitizeFilename("???"))
}
