// Package models defines the shared domain types for the paper pipeline:
// stage kinds, task records, pipeline requests, and stage payloads.
package models

// StageKind identifies one pipeline stage (one agent variant).
type StageKind string

// Pipeline stage kinds.
const (
	StageTextExtractor     StageKind = "text_extractor"
	StageMetadataEnhancer  StageKind = "metadata_enhancer"
	StageSummarizer        StageKind = "summarizer"
	StageConceptExplainer  StageKind = "concept_explainer"
	StageQualityChecker    StageKind = "quality_checker"
	StageCitationFormatter StageKind = "citation_formatter"
	StageDiscoverer        StageKind = "discoverer"
)

// AllStageKinds lists every stage kind in canonical dependency order.
var AllStageKinds = []StageKind{
	StageTextExtractor,
	StageMetadataEnhancer,
	StageCitationFormatter,
	StageSummarizer,
	StageConceptExplainer,
	StageQualityChecker,
	StageDiscoverer,
}

// IsValid reports whether k is a known stage kind.
func (k StageKind) IsValid() bool {
	switch k {
	case StageTextExtractor, StageMetadataEnhancer, StageSummarizer,
		StageConceptExplainer, StageQualityChecker, StageCitationFormatter,
		StageDiscoverer:
		return true
	}
	return false
}

// Dependencies returns the upstream stage kinds k requires.
// The dependency graph is static:
//
//	text_extractor      → (none)
//	metadata_enhancer   → text_extractor
//	citation_formatter  → text_extractor
//	summarizer          → text_extractor, metadata_enhancer
//	concept_explainer   → summarizer
//	quality_checker     → summarizer
//	discoverer          → metadata_enhancer
func (k StageKind) Dependencies() []StageKind {
	switch k {
	case StageTextExtractor:
		return nil
	case StageMetadataEnhancer, StageCitationFormatter:
		return []StageKind{StageTextExtractor}
	case StageSummarizer:
		return []StageKind{StageTextExtractor, StageMetadataEnhancer}
	case StageConceptExplainer, StageQualityChecker:
		return []StageKind{StageSummarizer}
	case StageDiscoverer:
		return []StageKind{StageMetadataEnhancer}
	}
	return nil
}
