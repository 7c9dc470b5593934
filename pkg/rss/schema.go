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
)

const createFeedsTableSQL = `
CREATE TABLE IF NOT EXISTS rss_feeds (
    feed_id VARCHAR(32) PRIMARY KEY,
    url TEXT NOT NULL,
    name VARCHAR(256),
    category VARCHAR(64),
    tags TEXT,
    check_interval INTEGER NOT NULL DEFAULT 3600,
    last_check TIMESTAMP,
    is_polling BOOLEAN NOT NULL DEFAULT FALSE,
    user_id VARCHAR(64),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const createArticlesTableSQL = `
CREATE TABLE IF NOT EXISTS rss_articles (
    article_id VARCHAR(32) PRIMARY KEY,
    feed_id VARCHAR(32) NOT NULL,
    title TEXT,
    description TEXT,
    full_text TEXT,
    full_html TEXT,
    images TEXT,
    link TEXT NOT NULL,
    published_date TIMESTAMP,
    is_processed BOOLEAN NOT NULL DEFAULT FALSE,
    is_read BOOLEAN NOT NULL DEFAULT FALSE,
    content_hash VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (feed_id) REFERENCES rss_feeds(feed_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_rss_articles_hash ON rss_articles(feed_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_rss_articles_link ON rss_articles(feed_id, link);
CREATE INDEX IF NOT EXISTS idx_rss_articles_created ON rss_articles(created_at);
`

const createSubscriptionsTableSQL = `
CREATE TABLE IF NOT EXISTS rss_feed_subscriptions (
    feed_id VARCHAR(32) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (feed_id, user_id),
    FOREIGN KEY (feed_id) REFERENCES rss_feeds(feed_id) ON DELETE CASCADE
);
`

const createNewsArticlesTableSQL = `
CREATE TABLE IF NOT EXISTS news_articles (
    article_id VARCHAR(32) PRIMARY KEY,
    source_article_id VARCHAR(32) NOT NULL,
    document_id VARCHAR(32),
    title TEXT,
    summary TEXT,
    published_date TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (source_article_id) REFERENCES rss_articles(article_id) ON DELETE CASCADE
);
`

// InitSchema creates the feed tables. Idempotent.
func (r *Repository) InitSchema(ctx context.Context) error {
	statements := []string{
		createFeedsTableSQL,
		createArticlesTableSQL,
		createSubscriptionsTableSQL,
		createNewsArticlesTableSQL,
	}
	for _, stmt := range statements {
		if err := r.mgr.Exec(ctx, stmt, nil, nil); err != nil {
			return fmt.Errorf("failed to initialize rss schema: %w", err)
		}
	}
	return nil
}
