package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

const discovererSystem = "You recommend related research papers across citation, author, venue and topic networks. Always respond with a single JSON object."

// DiscovererSpec builds the related-paper discoverer stage. Hits are
// deduplicated by DOI when present, otherwise by normalized-title
// fingerprint. Discoverer has no fallback: the local model has no view of
// external catalogs.
func DiscovererSpec() StageSpec {
	return StageSpec{
		Kind: models.StageDiscoverer,
		Fingerprint: func(input json.RawMessage) (string, error) {
			in, err := discovererInput(input)
			if err != nil {
				return "", err
			}
			return fingerprint(models.StageDiscoverer, in.Metadata.Title, in.Metadata.DOI), nil
		},
		Execute: discover,
		Decode:  typedDecoder[models.Discovery](),
	}
}

func discovererInput(input json.RawMessage) (*models.DiscovererInput, error) {
	var in models.DiscovererInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Metadata == nil || in.Metadata.Title == "" {
		return nil, models.NewStageError(models.ErrKindInvalidInput, "discoverer requires metadata with a title")
	}
	return &in, nil
}

func discover(ctx context.Context, call ProviderCall, input json.RawMessage) (any, error) {
	in, err := discovererInput(input)
	if err != nil {
		return nil, err
	}
	md := in.Metadata

	var b strings.Builder
	b.WriteString("Suggest research papers related to the following paper.\n\n")
	fmt.Fprintf(&b, "Title: %s\n", md.Title)
	if len(md.Authors) > 0 {
		fmt.Fprintf(&b, "Authors: %s\n", strings.Join(md.Authors, ", "))
	}
	if md.Venue != "" {
		fmt.Fprintf(&b, "Venue: %s\n", md.Venue)
	}
	if md.Year != 0 {
		fmt.Fprintf(&b, "Year: %d\n", md.Year)
	}
	b.WriteString(`
For each suggestion give the relationship to the source paper, one of:
citing, cited-by, semantic, author-network, venue-network, topic-network.

Respond with JSON: {"papers": [{"title": "...", "authors": ["..."], "doi": "...", "relationship": "semantic", "relevance": 0.8}]}
Relevance is in [0.0, 1.0]. Omit the doi field when unsure; never invent one.`)

	resp, err := call(ctx, llm.Request{
		System:      discovererSystem,
		Prompt:      b.String(),
		MaxTokens:   2048,
		Temperature: 0.5,
	})
	if err != nil {
		return nil, err
	}

	var out models.Discovery
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return nil, err
	}
	for i, p := range out.Papers {
		if p.Title == "" {
			return nil, models.NewStageError(models.ErrKindInvalidResponse,
				fmt.Sprintf("discovered paper %d has no title", i))
		}
		if !p.Relationship.IsValid() {
			return nil, models.NewStageError(models.ErrKindInvalidResponse,
				fmt.Sprintf("unknown relationship kind %q", p.Relationship))
		}
		if p.Relevance < 0 || p.Relevance > 1 {
			return nil, models.NewStageError(models.ErrKindInvalidResponse,
				fmt.Sprintf("relevance %v outside [0,1]", p.Relevance))
		}
	}

	out.Papers = dedupePapers(out.Papers)
	return &out, nil
}

// dedupePapers keeps the first occurrence per identity: DOI when present,
// normalized title otherwise.
func dedupePapers(papers []models.DiscoveredPaper) []models.DiscoveredPaper {
	seen := make(map[string]bool, len(papers))
	out := papers[:0]
	for _, p := range papers {
		key := strings.ToLower(p.DOI)
		if key == "" {
			key = "title:" + normalizeTitle(p.Title)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

// normalizeTitle lowercases and strips everything but letters and digits,
// collapsing runs of anything else to a single space.
func normalizeTitle(title string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		} else {
			space = true
		}
	}
	return b.String()
}
