package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

const summarizerSystem = "You are a research paper summarizer. Always respond with a single JSON object."

// SummarizerSpec builds the summarizer stage. All three summary lengths
// come from a single prompt round-trip; the length ordering (brief <=
// standard <= detailed) is validated as part of the response schema.
func SummarizerSpec() StageSpec {
	return StageSpec{
		Kind: models.StageSummarizer,
		Fingerprint: func(input json.RawMessage) (string, error) {
			var in models.SummarizerInput
			if err := decodeInput(input, &in); err != nil {
				return "", err
			}
			if in.FullText == "" {
				return "", models.NewStageError(models.ErrKindInvalidInput, "summarizer requires full_text")
			}
			return fingerprint(models.StageSummarizer, in.FullText), nil
		},
		Execute: summarize,
		Decode:  typedDecoder[models.SummarySet](),
	}
}

func summarize(ctx context.Context, call ProviderCall, input json.RawMessage) (any, error) {
	var in models.SummarizerInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`Summarize this research paper at three levels of detail:
- "brief": 2-3 sentences
- "standard": one paragraph
- "detailed": several paragraphs covering methodology and findings

Respond with JSON: {"brief": "...", "standard": "...", "detailed": "..."}
`)
	if in.Metadata != nil && in.Metadata.Title != "" {
		fmt.Fprintf(&b, "\nTitle: %s\n", in.Metadata.Title)
		if len(in.Metadata.Authors) > 0 {
			fmt.Fprintf(&b, "Authors: %s\n", strings.Join(in.Metadata.Authors, ", "))
		}
	}
	b.WriteString("\nPaper text:\n")
	b.WriteString(in.FullText)

	resp, err := call(ctx, llm.Request{
		System:      summarizerSystem,
		Prompt:      b.String(),
		MaxTokens:   4096,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}

	var set models.SummarySet
	if err := decodeModelJSON(resp.Text, &set); err != nil {
		return nil, err
	}
	if set.Brief == "" || set.Standard == "" || set.Detailed == "" {
		return nil, models.NewStageError(models.ErrKindInvalidResponse, "summarizer returned an incomplete summary set")
	}
	if approxTokens(set.Brief) > approxTokens(set.Standard) || approxTokens(set.Standard) > approxTokens(set.Detailed) {
		return nil, models.NewStageError(models.ErrKindInvalidResponse, "summary lengths out of order")
	}
	return &set, nil
}
