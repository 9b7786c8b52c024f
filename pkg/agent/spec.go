package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/scholarlab/paperflow/pkg/models"
)

// StageSpec carries the stage-specific behavior plugged into BaseAgent:
// how to fingerprint the input, how to execute against a provider, and how
// to rehydrate a stored payload.
type StageSpec struct {
	Kind models.StageKind

	// Fingerprint derives the memoization key from the task input. An
	// error means the input is malformed (invalid-input).
	Fingerprint func(input json.RawMessage) (string, error)

	// Execute runs the stage against a provider path. Every provider
	// round-trip goes through call; multi-call stages (chunked extraction,
	// sequential summaries) charge one permit per call.
	Execute func(ctx context.Context, call ProviderCall, input json.RawMessage) (any, error)

	// Decode rehydrates a stored payload for replays and memo hits.
	Decode func(raw json.RawMessage) (any, error)
}

// fingerprint builds a stable content-addressed key, namespaced by stage
// kind so two stages never collide on identical text.
func fingerprint(kind models.StageKind, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return string(kind) + ":" + hex.EncodeToString(h.Sum(nil))
}

// decodeModelJSON extracts the first JSON object from a model response.
// Models routinely wrap JSON in prose or code fences; everything outside
// the outermost braces is ignored. A failure here is invalid-response.
func decodeModelJSON(text string, into any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return models.NewStageError(models.ErrKindInvalidResponse, "no JSON object in response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), into); err != nil {
		return models.NewStageError(models.ErrKindInvalidResponse,
			fmt.Sprintf("malformed response JSON: %v", err))
	}
	return nil
}

// decodeInput unmarshals the task input, mapping failures to invalid-input.
func decodeInput(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return models.NewStageError(models.ErrKindInvalidInput,
			fmt.Sprintf("malformed task input: %v", err))
	}
	return nil
}

// approxTokens estimates token count for budget bookkeeping. Four
// characters per token is the usual English heuristic.
func approxTokens(text string) int {
	return (len(text) + 3) / 4
}

// runeFloor walks i back to the nearest rune start so a byte-index slice
// never splits a multi-byte character.
func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// truncate caps s at max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:runeFloor(s, max)]
}

// typedDecoder returns a Decode func unmarshalling into T.
func typedDecoder[T any]() func(json.RawMessage) (any, error) {
	return func(raw json.RawMessage) (any, error) {
		out := new(T)
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("failed to decode stored payload: %w", err)
		}
		return out, nil
	}
}
