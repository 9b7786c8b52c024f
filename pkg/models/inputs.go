package models

// Typed inputs consumed by each stage agent. The orchestrator assembles
// these from the request and from upstream stage outputs; they marshal to
// the opaque JSON stored in agent_tasks.input_json.

// ExtractorInput feeds the text extractor. Content carries the raw paper
// bytes, decoded to text by the upload path.
type ExtractorInput struct {
	PaperID string `json:"paper_id"`
	Content string `json:"content"`
}

// EnhancerInput feeds the metadata enhancer.
type EnhancerInput struct {
	FullText  string `json:"full_text"`
	TitleHint string `json:"title_hint,omitempty"`
}

// SummarizerInput feeds the summarizer.
type SummarizerInput struct {
	FullText string    `json:"full_text"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// ExplainerInput feeds the concept explainer. KeyTerms, when present,
// restricts explanation to the given terms.
type ExplainerInput struct {
	FullText string   `json:"full_text"`
	KeyTerms []string `json:"key_terms,omitempty"`
}

// QualityInput feeds the quality checker.
type QualityInput struct {
	Summary  *SummarySet `json:"summary"`
	FullText string      `json:"full_text"`
}

// FormatterInput feeds the citation formatter.
type FormatterInput struct {
	FullText string `json:"full_text"`
}

// DiscovererInput feeds the discoverer.
type DiscovererInput struct {
	Metadata *Metadata `json:"metadata"`
}
