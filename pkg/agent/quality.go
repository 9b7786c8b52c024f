package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

const qualitySystem = "You audit summaries of research papers for accuracy and completeness. Always respond with a single JSON object."

// QualitySpec builds the quality checker stage. Scores below the floor
// raise a warning but never fail the stage.
func QualitySpec(floor float64, logger *slog.Logger) StageSpec {
	return StageSpec{
		Kind: models.StageQualityChecker,
		Fingerprint: func(input json.RawMessage) (string, error) {
			in, err := qualityInput(input)
			if err != nil {
				return "", err
			}
			return fingerprint(models.StageQualityChecker, in.Summary.Standard, in.FullText), nil
		},
		Execute: func(ctx context.Context, call ProviderCall, input json.RawMessage) (any, error) {
			return checkQuality(ctx, call, input, floor, logger)
		},
		Decode: typedDecoder[models.QualityReport](),
	}
}

func qualityInput(input json.RawMessage) (*models.QualityInput, error) {
	var in models.QualityInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Summary == nil || in.FullText == "" {
		return nil, models.NewStageError(models.ErrKindInvalidInput, "quality checker requires summary and full_text")
	}
	return &in, nil
}

func checkQuality(ctx context.Context, call ProviderCall, input json.RawMessage, floor float64, logger *slog.Logger) (any, error) {
	in, err := qualityInput(input)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`Compare the summary below against the paper text. Rate how faithfully and completely the summary represents the paper on a scale from 0.0 to 1.0, and list concrete issues.

Respond with JSON: {"score": 0.0, "issues": ["..."]}

Summary:
`)
	b.WriteString(in.Summary.Detailed)
	b.WriteString("\n\nPaper text:\n")
	b.WriteString(in.FullText)

	resp, err := call(ctx, llm.Request{
		System:      qualitySystem,
		Prompt:      b.String(),
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	var report models.QualityReport
	if err := decodeModelJSON(resp.Text, &report); err != nil {
		return nil, err
	}
	if report.Score < 0 || report.Score > 1 {
		return nil, models.NewStageError(models.ErrKindInvalidResponse,
			fmt.Sprintf("quality score %v outside [0,1]", report.Score))
	}
	if report.Issues == nil {
		report.Issues = []string{}
	}

	if report.Score < floor {
		logger.Warn("summary quality below floor",
			"score", report.Score, "floor", floor, "issues", len(report.Issues))
	}
	return &report, nil
}
