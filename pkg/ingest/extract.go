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
	"os"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/adamsih300u/bastion/pkg/documents"
)

// ExtractResult is the parse output of a single file.
type ExtractResult struct {
	Text  string
	Pages int
}

// ExtractText pulls plain text out of a file according to its type.
func ExtractText(ctx context.Context, path string, docType documents.DocType) (*ExtractResult, error) {
	switch docType {
	case documents.TypePDF:
		return extractPDF(ctx, path)
	case documents.TypeDocx:
		return extractDocx(path)
	case documents.TypeHTML:
		return extractHTML(path)
	default:
		return extractPlain(path)
	}
}

func extractPlain(path string) (*ExtractResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return &ExtractResult{Text: string(content), Pages: 1}, nil
}

func extractHTML(path string) (*ExtractResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return &ExtractResult{Text: stripTags(string(content)), Pages: 1}, nil
}

func extractDocx(path string) (*ExtractResult, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse docx: %w", err)
	}
	defer doc.Close()

	// GetContent returns document.xml; strip the markup down to text.
	text := stripTags(doc.Editable().GetContent())
	return &ExtractResult{Text: text, Pages: 1}, nil
}

func extractPDF(ctx context.Context, path string) (*ExtractResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat PDF: %w", err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}

	var parts []string
	totalPages := reader.NumPage()
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}

	return &ExtractResult{Text: strings.Join(parts, "\n\n"), Pages: totalPages}, nil
}

var (
	scriptPattern     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	whitespaceCollaps = regexp.MustCompile(`[ \t]+`)
	blankLinePattern  = regexp.MustCompile(`\n{3,}`)
)

// stripTags reduces markup to readable text.
func stripTags(html string) string {
	text := scriptPattern.ReplaceAllString(html, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	text = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	).Replace(text)
	text = whitespaceCollaps.ReplaceAllString(text, " ")
	text = blankLinePattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
