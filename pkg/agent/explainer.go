package agent

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

const explainerSystem = "You explain technical concepts from research papers to a general audience. Always respond with a single JSON object."

// ExplainerSpec builds the concept explainer stage. Terms are sorted so
// identical input always yields identical iteration order, whatever order
// the model emitted.
func ExplainerSpec() StageSpec {
	return StageSpec{
		Kind: models.StageConceptExplainer,
		Fingerprint: func(input json.RawMessage) (string, error) {
			var in models.ExplainerInput
			if err := decodeInput(input, &in); err != nil {
				return "", err
			}
			if in.FullText == "" {
				return "", models.NewStageError(models.ErrKindInvalidInput, "explainer requires full_text")
			}
			return fingerprint(models.StageConceptExplainer, in.FullText, strings.Join(in.KeyTerms, ",")), nil
		},
		Execute: explain,
		Decode:  typedDecoder[models.ConceptMap](),
	}
}

func explain(ctx context.Context, call ProviderCall, input json.RawMessage) (any, error) {
	var in models.ExplainerInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	var b strings.Builder
	if len(in.KeyTerms) > 0 {
		b.WriteString("Explain the following terms as they are used in this research paper: ")
		b.WriteString(strings.Join(in.KeyTerms, ", "))
		b.WriteString("\n")
	} else {
		b.WriteString("Identify the key technical terms in this research paper and explain each in plain language.\n")
	}
	b.WriteString(`
Respond with JSON: {"explanations": {"<term>": "<explanation>", ...}}

Paper text:
`)
	b.WriteString(in.FullText)

	resp, err := call(ctx, llm.Request{
		System:      explainerSystem,
		Prompt:      b.String(),
		MaxTokens:   4096,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Explanations map[string]string `json:"explanations"`
	}
	if err := decodeModelJSON(resp.Text, &out); err != nil {
		return nil, err
	}
	if len(out.Explanations) == 0 {
		return nil, models.NewStageError(models.ErrKindInvalidResponse, "explainer returned no explanations")
	}
	for term, expl := range out.Explanations {
		if strings.TrimSpace(expl) == "" {
			return nil, models.NewStageError(models.ErrKindInvalidResponse, "empty explanation for term "+term)
		}
	}

	terms := make([]string, 0, len(out.Explanations))
	for term := range out.Explanations {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	return &models.ConceptMap{Terms: terms, Explanations: out.Explanations}, nil
}
