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
	"unicode"

	"github.com/ledongthuc/pdf"
)

// PDFClass partitions PDFs by extraction strategy.
type PDFClass string

const (
	ClassNativeDigital PDFClass = "native_digital"
	ClassScannedImage  PDFClass = "scanned_image"
	ClassOCRCandidate  PDFClass = "ocr_candidate"
	ClassEmpty         PDFClass = "empty"
	ClassUnknown       PDFClass = "unknown"
)

// Classification thresholds.
const (
	minNativeTextLen   = 100  // below this the PDF has effectively no text layer
	nativeQualityFloor = 0.7  // clean extraction
	garbledQualityCap  = 0.4  // likely a bad OCR layer
)

// ocrSignatures mark producer/creator strings written by OCR software.
var ocrSignatures = []string{
	"tesseract",
	"abbyy",
	"finereader",
	"omnipage",
	"readiris",
	"paper capture",
	"scansnap",
	"naps2",
	"ocrmypdf",
}

// PDFProfile is the classifier's measurement of one PDF.
type PDFProfile struct {
	Class        PDFClass
	TextLength   int
	ImageCount   int
	FontCount    int
	QualityScore float64
	Pages        int
	Producer     string
	Creator      string
	Text         string
}

// ClassifyPDF measures the PDF and assigns an extraction class. The
// classification drives processing-mode selection.
func ClassifyPDF(ctx context.Context, path string) (*PDFProfile, error) {
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

	profile := &PDFProfile{Pages: reader.NumPage()}

	docInfo := reader.Trailer().Key("Info")
	if !docInfo.IsNull() {
		profile.Producer = docInfo.Key("Producer").Text()
		profile.Creator = docInfo.Key("Creator").Text()
	}

	var parts []string
	for pageNum := 1; pageNum <= profile.Pages; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		if text, err := page.GetPlainText(nil); err == nil {
			if strings.TrimSpace(text) != "" {
				parts = append(parts, text)
			}
		}

		resources := page.V.Key("Resources")
		if fonts := resources.Key("Font"); !fonts.IsNull() {
			profile.FontCount += len(fonts.Keys())
		}
		if xobjects := resources.Key("XObject"); !xobjects.IsNull() {
			for _, name := range xobjects.Keys() {
				if xobjects.Key(name).Key("Subtype").Name() == "Image" {
					profile.ImageCount++
				}
			}
		}
	}

	profile.Text = strings.Join(parts, "\n\n")
	profile.TextLength = len(strings.TrimSpace(profile.Text))
	profile.QualityScore = textQualityScore(profile.Text)
	profile.Class = classify(profile)
	return profile, nil
}

// classify applies the decision thresholds to a measured profile.
func classify(p *PDFProfile) PDFClass {
	hasOCRSignature := hasOCRProducer(p.Producer, p.Creator)

	if p.TextLength < minNativeTextLen {
		switch {
		case hasOCRSignature:
			return ClassOCRCandidate
		case p.ImageCount > 0:
			return ClassScannedImage
		default:
			return ClassEmpty
		}
	}

	switch {
	case p.QualityScore >= nativeQualityFloor && p.FontCount > 0:
		return ClassNativeDigital
	case p.QualityScore < garbledQualityCap:
		// Text exists but is garbled: a bad embedded OCR layer.
		return ClassOCRCandidate
	default:
		return ClassUnknown
	}
}

func hasOCRProducer(producer, creator string) bool {
	meta := strings.ToLower(producer + " " + creator)
	for _, sig := range ocrSignatures {
		if strings.Contains(meta, sig) {
			return true
		}
	}
	return false
}

var garbledRunPattern = regexp.MustCompile(`[^a-zA-Z0-9\s]{4,}`)

// textQualityScore scores extracted text in [0,1]: alphabetic ratio,
// suspicious glyphs, isolated single-char words, garbled symbol runs,
// and excessive whitespace each subtract from a perfect 1.0.
func textQualityScore(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	score := 1.0
	total := 0
	alpha := 0
	suspicious := 0
	whitespace := 0

	for _, r := range trimmed {
		total++
		switch {
		case unicode.IsLetter(r):
			alpha++
		case unicode.IsSpace(r):
			whitespace++
		case r == unicode.ReplacementChar || (unicode.IsControl(r) && r != '\n' && r != '\t'):
			suspicious++
		}
	}

	alphaRatio := float64(alpha) / float64(total)
	if alphaRatio < 0.5 {
		score -= 0.5 - alphaRatio
	}

	if suspicious > 0 {
		score -= float64(suspicious) / float64(total) * 5
	}

	words := strings.Fields(trimmed)
	if len(words) > 0 {
		singles := 0
		for _, w := range words {
			if len([]rune(w)) == 1 && unicode.IsLetter([]rune(w)[0]) {
				singles++
			}
		}
		singleRatio := float64(singles) / float64(len(words))
		if singleRatio > 0.2 {
			score -= singleRatio
		}
	}

	garbled := garbledRunPattern.FindAllString(trimmed, -1)
	if len(garbled) > 0 {
		score -= float64(len(garbled)) / float64(len(words)+1)
	}

	wsRatio := float64(whitespace) / float64(total)
	if wsRatio > 0.4 {
		score -= wsRatio - 0.4
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
