package agent

import (
	"fmt"

	"github.com/scholarlab/paperflow/pkg/models"
)

// degradedNote is surfaced with every fallback result.
const degradedNote = "processed by the local model after the primary provider was unavailable; results may be less detailed"

// fallbackEligible lists the stages with a registered local fallback.
// Discoverer is absent: related-paper discovery needs external catalogs a
// local model cannot reach.
var fallbackEligible = map[models.StageKind]bool{
	models.StageTextExtractor:     true,
	models.StageMetadataEnhancer:  true,
	models.StageSummarizer:        true,
	models.StageConceptExplainer:  true,
	models.StageQualityChecker:    true,
	models.StageCitationFormatter: true,
}

// FallbackRegistry maps stage kinds to the local degraded executor. When
// fallback is disabled (or no local provider is configured) the registry
// is empty and lookups return nil. The registry is immutable after
// construction; fallback executors never chain into another fallback.
type FallbackRegistry struct {
	executors map[models.StageKind]*Executor
}

// NewFallbackRegistry builds an empty registry.
func NewFallbackRegistry() *FallbackRegistry {
	return &FallbackRegistry{executors: make(map[models.StageKind]*Executor)}
}

// Register adds a fallback executor for a stage kind. Kinds without a
// local path (Discoverer) are rejected.
func (r *FallbackRegistry) Register(kind models.StageKind, exec *Executor) error {
	if !fallbackEligible[kind] {
		return fmt.Errorf("stage %s has no fallback path", kind)
	}
	r.executors[kind] = exec
	return nil
}

// Lookup returns the fallback executor for a stage kind, or nil.
func (r *FallbackRegistry) Lookup(kind models.StageKind) *Executor {
	return r.executors[kind]
}

// Len returns the number of registered fallbacks.
func (r *FallbackRegistry) Len() int { return len(r.executors) }
