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
	"net/url"
	"strings"

	"github.com/adamsih300u/bastion/pkg/documents"
)

// URLImportRequest carries one remote import.
type URLImportRequest struct {
	URL        string
	UserID     *string
	Username   string
	TeamID     *string
	FolderPath []string
	Category   string
	Tags       []string
}

// ImportURL ingests remote content. URLs naming a downloadable file are
// fetched and registered like a regular upload under the URL's filename;
// anything else is crawled as a page into a url-type document whose
// content is the cleaned text, with the original markup and image list
// kept on the row. Either way the row lands in processing and the async
// pipeline takes it from there.
func (s *Service) ImportURL(ctx context.Context, req URLImportRequest) (*UploadResult, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}

	upload := UploadRequest{
		UserID:     req.UserID,
		Username:   req.Username,
		TeamID:     req.TeamID,
		FolderPath: req.FolderPath,
		Category:   req.Category,
		Tags:       req.Tags,
		Metadata:   map[string]any{"source_url": req.URL},
	}

	if IsBinaryURL(req.URL) {
		body, err := s.urls.DownloadBinary(ctx, req.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", req.URL, err)
		}
		upload.Filename = FilenameFromURL(req.URL)
		upload.Content = body
		return s.register(ctx, upload, true)
	}

	page, err := s.urls.FetchPage(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to crawl %s: %w", req.URL, err)
	}
	if page.Text == "" {
		return nil, fmt.Errorf("page %s has no extractable text", req.URL)
	}

	upload.Metadata["original_html"] = page.HTML
	if len(page.Images) > 0 {
		upload.Metadata["images"] = page.Images
	}
	upload.Filename = urlDocumentFilename(parsed)
	upload.Content = []byte(page.Text)
	upload.DeclaredType = documents.TypeURL
	return s.register(ctx, upload, true)
}

// urlDocumentFilename slugs a page URL into a stable on-disk name.
func urlDocumentFilename(u *url.URL) string {
	slug := strings.ToLower(u.Host + strings.ReplaceAll(u.Path, "/", "-"))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, slug)
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-.")
	if slug == "" {
		slug = "page"
	}
	return slug + ".url"
}
