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

// Package rss implements feed scheduling and article ingestion: the
// poll eligibility query, the is_polling claim protocol, article dedup,
// and materialization of processed articles into documents.
package rss

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adamsih300u/bastion/pkg/db"
)

// Feed is one subscribed feed. A nil UserID means a global feed.
type Feed struct {
	ID            string
	URL           string
	Name          string
	Category      string
	Tags          []string
	CheckInterval time.Duration
	LastCheck     *time.Time
	IsPolling     bool
	UserID        *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Article is one feed entry.
type Article struct {
	ID          string
	FeedID      string
	Title       string
	Description string
	FullText    string
	FullHTML    string
	Images      []string
	Link        string
	Published   *time.Time
	IsProcessed bool
	IsRead      bool
	ContentHash string
	CreatedAt   time.Time
}

// Repository persists feeds and articles.
type Repository struct {
	mgr *db.Manager
}

func NewRepository(mgr *db.Manager) *Repository {
	return &Repository{mgr: mgr}
}

func (r *Repository) q(query string) string {
	if r.mgr.Dialect() == "postgres" {
		return query
	}
	out := query
	for i := 30; i >= 1; i-- {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), "?")
	}
	return out
}

// NewFeedID derives the feed id from the URL plus the owning user, so
// the same URL can exist once globally and once per user.
func NewFeedID(url string, userID *string) string {
	seed := url
	if userID != nil {
		seed += "|" + *userID
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:32]
}

var contentWS = regexp.MustCompile(`\s+`)

// ContentHash normalizes small textual variants before hashing so that
// re-published articles dedup correctly.
func ContentHash(title, description, link string) string {
	normalized := strings.ToLower(strings.TrimSpace(
		contentWS.ReplaceAllString(title+" "+description+" "+link, " ")))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

const feedColumns = `feed_id, url, name, category, tags, check_interval, last_check,
is_polling, user_id, created_at, updated_at`

// CreateFeed inserts the feed if it does not exist and returns the row
// either way.
func (r *Repository) CreateFeed(ctx context.Context, feed *Feed) (*Feed, error) {
	if feed.URL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	if feed.ID == "" {
		feed.ID = NewFeedID(feed.URL, feed.UserID)
	}
	if feed.CheckInterval == 0 {
		feed.CheckInterval = time.Hour
	}

	now := time.Now().UTC()
	err := r.mgr.Exec(ctx, r.q(`
		INSERT INTO rss_feeds (feed_id, url, name, category, tags, check_interval, is_polling, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, $9)
		ON CONFLICT (feed_id) DO NOTHING`),
		[]any{feed.ID, feed.URL, feed.Name, feed.Category, marshalJSON(feed.Tags),
			int64(feed.CheckInterval.Seconds()), feed.UserID, now, now}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed: %w", err)
	}
	return r.GetFeed(ctx, feed.ID)
}

// GetFeed returns the feed or nil.
func (r *Repository) GetFeed(ctx context.Context, feedID string) (*Feed, error) {
	row, err := r.mgr.FetchOne(ctx,
		r.q(`SELECT `+feedColumns+` FROM rss_feeds WHERE feed_id = $1`),
		[]any{feedID}, nil)
	if err != nil || row == nil {
		return nil, err
	}
	return scanFeed(row), nil
}

// ListFeeds returns a user's feeds, or the global feeds for nil.
func (r *Repository) ListFeeds(ctx context.Context, userID *string) ([]*Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM rss_feeds WHERE user_id IS NULL ORDER BY created_at`
	var args []any
	if userID != nil {
		query = `SELECT ` + feedColumns + ` FROM rss_feeds WHERE user_id = $1 ORDER BY created_at`
		args = []any{*userID}
	}
	rows, err := r.mgr.FetchAll(ctx, r.q(query), args, nil)
	if err != nil {
		return nil, err
	}
	feeds := make([]*Feed, 0, len(rows))
	for _, row := range rows {
		feeds = append(feeds, scanFeed(row))
	}
	return feeds, nil
}

// DeleteFeed removes the feed; articles cascade.
func (r *Repository) DeleteFeed(ctx context.Context, feedID string) error {
	return r.mgr.Exec(ctx, r.q(`DELETE FROM rss_feeds WHERE feed_id = $1`), []any{feedID}, nil)
}

// FeedsNeedingPoll returns up to 10 feeds whose interval elapsed and
// which are not currently being polled. Never-checked feeds sort first.
func (r *Repository) FeedsNeedingPoll(ctx context.Context, userID *string, now time.Time) ([]*Feed, error) {
	elapsed := `last_check + check_interval * interval '1 second' < $1`
	if r.mgr.Dialect() != "postgres" {
		elapsed = `strftime('%s', last_check) + check_interval < strftime('%s', $1)`
	}

	scope := `user_id IS NULL`
	args := []any{now.UTC()}
	if userID != nil {
		scope = `user_id = $2`
		args = append(args, *userID)
	}

	query := `SELECT ` + feedColumns + ` FROM rss_feeds
		WHERE (last_check IS NULL OR ` + elapsed + `)
		  AND (is_polling IS NULL OR is_polling = FALSE)
		  AND ` + scope + `
		ORDER BY last_check ASC NULLS FIRST
		LIMIT 10`

	rows, err := r.mgr.FetchAll(ctx, r.q(query), args, nil)
	if err != nil {
		return nil, err
	}
	feeds := make([]*Feed, 0, len(rows))
	for _, row := range rows {
		feeds = append(feeds, scanFeed(row))
	}
	return feeds, nil
}

// ClaimFeed is the compare-and-set poll lock: it succeeds for exactly
// one caller while is_polling is false.
func (r *Repository) ClaimFeed(ctx context.Context, feedID string) (bool, error) {
	row, err := r.mgr.FetchOne(ctx, r.q(`
		UPDATE rss_feeds SET is_polling = TRUE, updated_at = $1
		WHERE feed_id = $2 AND (is_polling IS NULL OR is_polling = FALSE)
		RETURNING feed_id`),
		[]any{time.Now().UTC(), feedID}, nil)
	if err != nil {
		return false, fmt.Errorf("failed to claim feed %s: %w", feedID, err)
	}
	return row != nil, nil
}

// ReleaseFeed drops the poll lock and stamps last_check. Callers defer
// this on every exit path after a successful claim.
func (r *Repository) ReleaseFeed(ctx context.Context, feedID string) error {
	now := time.Now().UTC()
	return r.mgr.Exec(ctx, r.q(`
		UPDATE rss_feeds SET is_polling = FALSE, last_check = $1, updated_at = $2
		WHERE feed_id = $3`),
		[]any{now, now, feedID}, nil)
}

// ResetStuckFeeds releases polls abandoned longer than threshold,
// typically after a crashed worker. Returns the freed feed ids.
func (r *Repository) ResetStuckFeeds(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := r.mgr.FetchAll(ctx, r.q(`
		UPDATE rss_feeds SET is_polling = FALSE, updated_at = $1
		WHERE is_polling = TRUE AND updated_at < $2
		RETURNING feed_id`),
		[]any{time.Now().UTC(), cutoff}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to reset stuck feeds: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, asString(row["feed_id"]))
	}
	return ids, nil
}

const articleColumns = `article_id, feed_id, title, description, full_text, full_html, images,
link, published_date, is_processed, is_read, content_hash, created_at`

// InsertArticle stores a new article unless the feed already carries
// the same content hash or link. Reports whether a row was created.
func (r *Repository) InsertArticle(ctx context.Context, a *Article) (bool, error) {
	if a.ContentHash == "" {
		a.ContentHash = ContentHash(a.Title, a.Description, a.Link)
	}

	dup, err := r.mgr.FetchVal(ctx, r.q(`
		SELECT article_id FROM rss_articles
		WHERE feed_id = $1 AND (content_hash = $2 OR link = $3)
		LIMIT 1`),
		[]any{a.FeedID, a.ContentHash, a.Link}, nil)
	if err != nil {
		return false, err
	}
	if dup != nil {
		return false, nil
	}

	if a.ID == "" {
		a.ID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	a.CreatedAt = time.Now().UTC()

	err = r.mgr.Exec(ctx, r.q(`
		INSERT INTO rss_articles (`+articleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`),
		[]any{a.ID, a.FeedID, a.Title, a.Description, a.FullText, a.FullHTML,
			marshalJSON(a.Images), a.Link, a.Published, a.IsProcessed, a.IsRead,
			a.ContentHash, a.CreatedAt}, nil)
	if err != nil {
		return false, fmt.Errorf("failed to insert article: %w", err)
	}
	return true, nil
}

// GetArticle returns the article or nil.
func (r *Repository) GetArticle(ctx context.Context, articleID string) (*Article, error) {
	row, err := r.mgr.FetchOne(ctx,
		r.q(`SELECT `+articleColumns+` FROM rss_articles WHERE article_id = $1`),
		[]any{articleID}, nil)
	if err != nil || row == nil {
		return nil, err
	}
	return scanArticle(row), nil
}

// ListUnprocessed returns articles awaiting full-content extraction.
func (r *Repository) ListUnprocessed(ctx context.Context, feedID string, limit int) ([]*Article, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.mgr.FetchAll(ctx, r.q(`
		SELECT `+articleColumns+` FROM rss_articles
		WHERE feed_id = $1 AND is_processed = FALSE
		ORDER BY created_at LIMIT $2`),
		[]any{feedID, limit}, nil)
	if err != nil {
		return nil, err
	}
	articles := make([]*Article, 0, len(rows))
	for _, row := range rows {
		articles = append(articles, scanArticle(row))
	}
	return articles, nil
}

// MarkProcessed stores the extracted content and flips is_processed.
func (r *Repository) MarkProcessed(ctx context.Context, articleID, fullText, fullHTML string, images []string) error {
	return r.mgr.Exec(ctx, r.q(`
		UPDATE rss_articles SET full_text = $1, full_html = $2, images = $3, is_processed = TRUE
		WHERE article_id = $4`),
		[]any{fullText, fullHTML, marshalJSON(images), articleID}, nil)
}

// Subscribe links a user to a feed. Idempotent.
func (r *Repository) Subscribe(ctx context.Context, feedID, userID string) error {
	return r.mgr.Exec(ctx, r.q(`
		INSERT INTO rss_feed_subscriptions (feed_id, user_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (feed_id, user_id) DO NOTHING`),
		[]any{feedID, userID, time.Now().UTC()}, nil)
}

// CreateNewsArticle records a materialized article-document pair.
func (r *Repository) CreateNewsArticle(ctx context.Context, sourceArticleID, documentID, title, summary string, published *time.Time) error {
	return r.mgr.Exec(ctx, r.q(`
		INSERT INTO news_articles (article_id, source_article_id, document_id, title, summary, published_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`),
		[]any{strings.ReplaceAll(uuid.New().String(), "-", ""), sourceArticleID, documentID,
			title, summary, published, time.Now().UTC()}, nil)
}

// StaleDocumentIDs returns document ids materialized from articles past
// the retention cutoff, so the purge can remove their files and points.
func (r *Repository) StaleDocumentIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.mgr.FetchAll(ctx, r.q(`
		SELECT n.document_id FROM news_articles n
		JOIN rss_articles a ON a.article_id = n.source_article_id
		WHERE a.created_at < $1 AND n.document_id IS NOT NULL`),
		[]any{cutoff.UTC()}, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := asString(row["document_id"]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PurgeOlderThan deletes articles (and cascaded news rows) created
// before the cutoff. Returns the number of articles removed.
func (r *Repository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := r.mgr.FetchAll(ctx, r.q(`
		DELETE FROM rss_articles WHERE created_at < $1
		RETURNING article_id`),
		[]any{cutoff.UTC()}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to purge articles: %w", err)
	}
	return len(rows), nil
}

func scanFeed(row db.Row) *Feed {
	return &Feed{
		ID:            asString(row["feed_id"]),
		URL:           asString(row["url"]),
		Name:          asString(row["name"]),
		Category:      asString(row["category"]),
		Tags:          unmarshalJSON(asString(row["tags"])),
		CheckInterval: time.Duration(asInt64(row["check_interval"])) * time.Second,
		LastCheck:     asTimePtr(row["last_check"]),
		IsPolling:     asBool(row["is_polling"]),
		UserID:        asStringPtr(row["user_id"]),
		CreatedAt:     asTime(row["created_at"]),
		UpdatedAt:     asTime(row["updated_at"]),
	}
}

func scanArticle(row db.Row) *Article {
	return &Article{
		ID:          asString(row["article_id"]),
		FeedID:      asString(row["feed_id"]),
		Title:       asString(row["title"]),
		Description: asString(row["description"]),
		FullText:    asString(row["full_text"]),
		FullHTML:    asString(row["full_html"]),
		Images:      unmarshalJSON(asString(row["images"])),
		Link:        asString(row["link"]),
		Published:   asTimePtr(row["published_date"]),
		IsProcessed: asBool(row["is_processed"]),
		IsRead:      asBool(row["is_read"]),
		ContentHash: asString(row["content_hash"]),
		CreatedAt:   asTime(row["created_at"]),
	}
}

func marshalJSON(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalJSON(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return ""
}

func asStringPtr(v any) *string {
	s := asString(v)
	if s == "" {
		return nil
	}
	return &s
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	}
	return false
}

func asTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func asTimePtr(v any) *time.Time {
	if t, ok := v.(time.Time); ok && !t.IsZero() {
		return &t
	}
	return nil
}
