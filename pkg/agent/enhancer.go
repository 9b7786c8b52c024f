package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

// enhancerExcerpt bounds how much of the paper the metadata prompt sees;
// titles, authors and venue live in the front matter.
const enhancerExcerpt = 6000

const enhancerSystem = "You are a bibliographic metadata extractor for research papers. Always respond with a single JSON object."

// EnhancerSpec builds the metadata enhancer stage. The LLM extracts
// structured metadata from the paper front matter; the resolver then
// fills in external identifiers with its own independent retry budget.
func EnhancerSpec(resolver IdentifierResolver, logger *slog.Logger) StageSpec {
	if resolver == nil {
		resolver = NoopResolver{}
	}
	return StageSpec{
		Kind: models.StageMetadataEnhancer,
		Fingerprint: func(input json.RawMessage) (string, error) {
			var in models.EnhancerInput
			if err := decodeInput(input, &in); err != nil {
				return "", err
			}
			if in.FullText == "" {
				return "", models.NewStageError(models.ErrKindInvalidInput, "enhancer requires full_text")
			}
			return fingerprint(models.StageMetadataEnhancer, in.FullText, in.TitleHint), nil
		},
		Execute: func(ctx context.Context, call ProviderCall, input json.RawMessage) (any, error) {
			return enhance(ctx, call, input, resolver, logger)
		},
		Decode: typedDecoder[models.Metadata](),
	}
}

func enhance(ctx context.Context, call ProviderCall, input json.RawMessage, resolver IdentifierResolver, logger *slog.Logger) (any, error) {
	var in models.EnhancerInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	excerpt := truncate(in.FullText, enhancerExcerpt)

	var b strings.Builder
	b.WriteString(`Extract the bibliographic metadata of this research paper.

Respond with JSON: {"title": "...", "authors": ["..."], "venue": "...", "year": 2024, "doi": "..."}
Use an empty string or omit fields you cannot determine. Do not guess a DOI.
`)
	if in.TitleHint != "" {
		b.WriteString("\nThe uploader suggested the title: " + in.TitleHint + "\n")
	}
	b.WriteString("\nPaper front matter:\n")
	b.WriteString(excerpt)

	resp, err := call(ctx, llm.Request{
		System:      enhancerSystem,
		Prompt:      b.String(),
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	var md models.Metadata
	if err := decodeModelJSON(resp.Text, &md); err != nil {
		return nil, err
	}
	if strings.TrimSpace(md.Title) == "" {
		return nil, models.NewStageError(models.ErrKindInvalidResponse, "enhancer returned no title")
	}

	// Identifier lookup is independent of the LLM call: its retries do not
	// consume the stage retry budget, and its failure is not a stage
	// failure.
	doi, ids, err := resolveIdentifiers(ctx, resolver, md.Title, md.Authors)
	if err != nil {
		logger.Warn("identifier lookup failed, continuing without",
			"title", md.Title, "error", err)
	} else {
		if md.DOI == "" {
			md.DOI = doi
		}
		md.Identifiers = ids
	}
	return &md, nil
}

func resolveIdentifiers(ctx context.Context, resolver IdentifierResolver, title string, authors []string) (string, []string, error) {
	var doi string
	var ids []string

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second

	err := backoff.Retry(func() error {
		var err error
		doi, ids, err = resolver.Resolve(ctx, title, authors)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	return doi, ids, err
}
