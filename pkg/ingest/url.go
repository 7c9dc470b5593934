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

package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// maxCleanTextLen truncates crawled page text.
const maxCleanTextLen = 50000

// binaryExtensions route a URL to direct download instead of page crawl.
var binaryExtensions = map[string]bool{
	".pdf": true, ".docx": true, ".epub": true, ".zip": true,
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".flac": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".mp4": true, ".mkv": true, ".webm": true, ".mov": true, ".srt": true,
}

// browserHeaders make fetches look like a normal browser; several sites
// reject obvious bots outright.
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
}

// webChromePhrases are boilerplate page-chrome fragments stripped from
// crawled text before indexing.
var webChromePhrases = []string{
	"skip to main content",
	"skip to content",
	"accept all cookies",
	"accept cookies",
	"we use cookies",
	"cookie policy",
	"privacy policy",
	"terms of service",
	"terms of use",
	"all rights reserved",
	"subscribe to our newsletter",
	"sign up for our newsletter",
	"follow us on",
	"share this article",
	"share on facebook",
	"share on twitter",
	"advertisement",
	"related articles",
	"recommended for you",
	"back to top",
	"log in",
	"sign in",
	"create an account",
}

// URLImporter fetches remote content for URL-type documents.
type URLImporter struct {
	client     *http.Client
	maxRetries int
}

// NewURLImporter builds an importer with the given fetch timeout.
func NewURLImporter(timeout time.Duration) *URLImporter {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &URLImporter{
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

// IsBinaryURL reports whether the URL path names a downloadable file.
func IsBinaryURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return binaryExtensions[strings.ToLower(path.Ext(parsed.Path))]
}

// FilenameFromURL derives a filename for a downloaded document.
func FilenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || path.Base(parsed.Path) == "/" || path.Base(parsed.Path) == "." {
		return "download"
	}
	return path.Base(parsed.Path)
}

// DownloadBinary fetches a file with browser headers, retrying 403/429/503
// responses with exponential backoff.
func (u *URLImporter) DownloadBinary(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * 2 * time.Second
			slog.Debug("Retrying download", "url", rawURL, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := u.fetch(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("download failed after %d retries: %w", u.maxRetries, lastErr)
}

func (u *URLImporter) fetch(ctx context.Context, rawURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	for key, value := range browserHeaders {
		req.Header.Set(key, value)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("failed to read response: %w", err)
		}
		return data, false, nil
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, true, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
}

// PageContent is the crawl output for a web page.
type PageContent struct {
	Text   string   // cleaned, chrome-stripped, truncated
	HTML   string   // original markup, kept as metadata
	Images []string // image source URLs found in the page
}

// FetchPage crawls a page and returns cleaned text, the original HTML,
// and the image list.
func (u *URLImporter) FetchPage(ctx context.Context, rawURL string) (*PageContent, error) {
	body, err := u.DownloadBinary(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	html := string(body)
	return &PageContent{
		Text:   CleanPageText(html),
		HTML:   html,
		Images: extractImageURLs(html),
	}, nil
}

var imgSrcPattern = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)

func extractImageURLs(html string) []string {
	var images []string
	seen := make(map[string]bool)
	for _, match := range imgSrcPattern.FindAllStringSubmatch(html, -1) {
		src := match[1]
		if src == "" || strings.HasPrefix(src, "data:") || seen[src] {
			continue
		}
		seen[src] = true
		images = append(images, src)
	}
	return images
}

// CleanPageText strips markup and web chrome and truncates the result.
func CleanPageText(html string) string {
	text := stripTags(html)

	lower := strings.ToLower(text)
	for _, phrase := range webChromePhrases {
		for {
			idx := strings.Index(lower, phrase)
			if idx < 0 {
				break
			}
			text = text[:idx] + text[idx+len(phrase):]
			lower = lower[:idx] + lower[idx+len(phrase):]
		}
	}

	text = strings.TrimSpace(whitespaceCollaps.ReplaceAllString(text, " "))
	if len(text) > maxCleanTextLen {
		// Back off to a rune boundary so the cut never leaves a broken
		// multi-byte sequence at the tail.
		cut := maxCleanTextLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
