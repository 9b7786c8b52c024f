package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

// Chunking parameters for long papers. Windows overlap so sentences cut
// at a boundary appear intact in the next chunk.
const (
	extractionWindow  = 12000
	extractionOverlap = 500
)

const extractorSystem = "You are a scientific document processor. You receive raw paper content and return clean extracted text. Always respond with a single JSON object."

// ExtractorSpec builds the text extractor stage. The memoization key is
// the hash of the raw content, so re-uploading the same paper never costs
// a provider call.
func ExtractorSpec() StageSpec {
	return StageSpec{
		Kind: models.StageTextExtractor,
		Fingerprint: func(input json.RawMessage) (string, error) {
			var in models.ExtractorInput
			if err := decodeInput(input, &in); err != nil {
				return "", err
			}
			if in.PaperID == "" || in.Content == "" {
				return "", models.NewStageError(models.ErrKindInvalidInput, "extractor requires paper_id and content")
			}
			return fingerprint(models.StageTextExtractor, in.Content), nil
		},
		Execute: extract,
		Decode:  typedDecoder[models.Extraction](),
	}
}

func extract(ctx context.Context, call ProviderCall, input json.RawMessage) (any, error) {
	var in models.ExtractorInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	chunks := window(in.Content, extractionWindow, extractionOverlap)

	var fullText strings.Builder
	var sections []models.SectionEntry
	for i, chunk := range chunks {
		resp, err := call(ctx, llm.Request{
			System: extractorSystem,
			Prompt: extractorPrompt(chunk, i+1, len(chunks)),
			// low temperature: extraction should be literal
			MaxTokens:   4096,
			Temperature: 0,
		})
		if err != nil {
			return nil, err
		}

		var out struct {
			Text     string   `json:"text"`
			Sections []string `json:"sections"`
		}
		if err := decodeModelJSON(resp.Text, &out); err != nil {
			return nil, err
		}
		if strings.TrimSpace(out.Text) == "" {
			return nil, models.NewStageError(models.ErrKindInvalidResponse, "extractor returned empty text")
		}

		base := fullText.Len()
		if base > 0 {
			fullText.WriteString("\n")
			base++
		}
		fullText.WriteString(out.Text)
		for _, title := range out.Sections {
			offset := base
			if idx := strings.Index(out.Text, title); idx >= 0 {
				offset = base + idx
			}
			sections = append(sections, models.SectionEntry{Title: title, Offset: offset})
		}
	}

	text := fullText.String()
	return &models.Extraction{
		PaperID:      in.PaperID,
		FullText:     text,
		SectionIndex: sections,
		TokenCount:   approxTokens(text),
	}, nil
}

func extractorPrompt(chunk string, part, total int) string {
	var b strings.Builder
	if total > 1 {
		fmt.Fprintf(&b, "This is part %d of %d of a research paper.\n", part, total)
	}
	b.WriteString(`Extract the readable text from the content below. Remove artifacts (page numbers, headers, hyphenation breaks) but preserve the wording. List the section headings you encounter, in order.

Respond with JSON: {"text": "<clean text>", "sections": ["<heading>", ...]}

Content:
`)
	b.WriteString(chunk)
	return b.String()
}

// window splits content into overlapping chunks of at most size chars.
func window(content string, size, overlap int) []string {
	if len(content) <= size {
		return []string{content}
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(content); start += step {
		from := runeFloor(content, start)
		end := start + size
		if end >= len(content) {
			chunks = append(chunks, content[from:])
			break
		}
		chunks = append(chunks, content[from:runeFloor(content, end)])
	}
	return chunks
}
