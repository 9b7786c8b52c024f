package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

const formatterSystem = "You extract bibliography entries from research papers into structured records. Always respond with a single JSON object."

// FormatterSpec builds the citation formatter stage. The model extracts
// structured citations; style rendering (APA, MLA, Chicago, IEEE) is
// deterministic local code, so a formatting quirk never costs a retry.
func FormatterSpec() StageSpec {
	return StageSpec{
		Kind: models.StageCitationFormatter,
		Fingerprint: func(input json.RawMessage) (string, error) {
			var in models.FormatterInput
			if err := decodeInput(input, &in); err != nil {
				return "", err
			}
			if in.FullText == "" {
				return "", models.NewStageError(models.ErrKindInvalidInput, "formatter requires full_text")
			}
			return fingerprint(models.StageCitationFormatter, in.FullText), nil
		},
		Execute: formatCitations,
		Decode:  typedDecoder[models.Bibliography](),
	}
}

func formatCitations(ctx context.Context, call ProviderCall, input json.RawMessage) (any, error) {
	var in models.FormatterInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`Extract every bibliography entry cited by this paper.

Respond with JSON: {"citations": [{"authors": ["Last, First"], "title": "...", "venue": "...", "year": 2020, "doi": "..."}]}
Use an empty list if the paper has no references.

Paper text:
`)
	b.WriteString(in.FullText)

	resp, err := call(ctx, llm.Request{
		System:      formatterSystem,
		Prompt:      b.String(),
		MaxTokens:   4096,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Citations []models.Citation `json:"citations"`
	}
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return nil, err
	}
	for i, c := range out.Citations {
		if strings.TrimSpace(c.Title) == "" {
			return nil, models.NewStageError(models.ErrKindInvalidResponse,
				fmt.Sprintf("citation %d has no title", i))
		}
	}

	formatted := make(map[string]string, len(models.CitationStyles))
	for _, style := range models.CitationStyles {
		formatted[style] = renderBibliography(out.Citations, style)
	}
	return &models.Bibliography{Citations: out.Citations, Formatted: formatted}, nil
}

func renderBibliography(citations []models.Citation, style string) string {
	entries := make([]string, 0, len(citations))
	for i, c := range citations {
		entries = append(entries, renderCitation(c, style, i+1))
	}
	return strings.Join(entries, "\n")
}

func renderCitation(c models.Citation, style string, ordinal int) string {
	authors := strings.Join(c.Authors, ", ")
	var s string
	switch style {
	case "apa":
		s = fmt.Sprintf("%s (%d). %s.", authors, c.Year, c.Title)
		if c.Venue != "" {
			s += " " + c.Venue + "."
		}
	case "mla":
		s = fmt.Sprintf("%s. \"%s.\"", authors, c.Title)
		if c.Venue != "" {
			s += " " + c.Venue + ","
		}
		s += fmt.Sprintf(" %d.", c.Year)
	case "chicago":
		s = fmt.Sprintf("%s. \"%s.\"", authors, c.Title)
		if c.Venue != "" {
			s += " " + c.Venue
		}
		s += fmt.Sprintf(" (%d).", c.Year)
	case "ieee":
		s = fmt.Sprintf("[%d] %s, \"%s,\"", ordinal, authors, c.Title)
		if c.Venue != "" {
			s += " " + c.Venue + ","
		}
		s += fmt.Sprintf(" %d.", c.Year)
	default:
		s = fmt.Sprintf("%s. %s. %d.", authors, c.Title, c.Year)
	}
	if c.DOI != "" {
		s += " doi:" + c.DOI
	}
	return s
}
