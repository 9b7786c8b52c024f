package models

// Typed payloads produced by each stage agent. All payloads marshal to the
// opaque JSON stored in agent_tasks.result_json.

// Extraction is the text extractor output.
type Extraction struct {
	PaperID      string         `json:"paper_id"`
	FullText     string         `json:"full_text"`
	SectionIndex []SectionEntry `json:"section_index"`
	TokenCount   int            `json:"token_count"`
}

// SectionEntry locates one section inside the extracted text.
type SectionEntry struct {
	Title  string `json:"title"`
	Offset int    `json:"offset"`
}

// Metadata is the metadata enhancer output.
type Metadata struct {
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Venue       string   `json:"venue,omitempty"`
	Year        int      `json:"year,omitempty"`
	DOI         string   `json:"doi,omitempty"`
	Identifiers []string `json:"identifiers,omitempty"`
}

// SummarySet is the summarizer output. Brief, standard and detailed are
// ordered by token count: brief <= standard <= detailed.
type SummarySet struct {
	Brief    string `json:"brief"`
	Standard string `json:"standard"`
	Detailed string `json:"detailed"`
}

// ConceptMap is the concept explainer output. Terms carries the
// deterministic iteration order; Explanations maps term → explanation.
type ConceptMap struct {
	Terms        []string          `json:"terms"`
	Explanations map[string]string `json:"explanations"`
}

// QualityReport is the quality checker output.
type QualityReport struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues"`
}

// Citation is one structured bibliography entry.
type Citation struct {
	Authors []string `json:"authors"`
	Title   string   `json:"title"`
	Venue   string   `json:"venue,omitempty"`
	Year    int      `json:"year,omitempty"`
	DOI     string   `json:"doi,omitempty"`
}

// Bibliography is the citation formatter output. Formatted maps a style
// name (apa, mla, chicago, ieee) to the rendered bibliography.
type Bibliography struct {
	Citations []Citation        `json:"citations"`
	Formatted map[string]string `json:"formatted"`
}

// CitationStyles lists the canonical styles every bibliography carries.
var CitationStyles = []string{"apa", "mla", "chicago", "ieee"}

// RelationshipKind classifies how a discovered paper relates to the source.
type RelationshipKind string

// Discovery relationship kinds.
const (
	RelCiting        RelationshipKind = "citing"
	RelCitedBy       RelationshipKind = "cited-by"
	RelSemantic      RelationshipKind = "semantic"
	RelAuthorNetwork RelationshipKind = "author-network"
	RelVenueNetwork  RelationshipKind = "venue-network"
	RelTopicNetwork  RelationshipKind = "topic-network"
)

// IsValid reports whether k is a known relationship kind.
func (k RelationshipKind) IsValid() bool {
	switch k {
	case RelCiting, RelCitedBy, RelSemantic, RelAuthorNetwork,
		RelVenueNetwork, RelTopicNetwork:
		return true
	}
	return false
}

// DiscoveredPaper is one related-paper hit.
type DiscoveredPaper struct {
	Title        string           `json:"title"`
	Authors      []string         `json:"authors,omitempty"`
	DOI          string           `json:"doi,omitempty"`
	Relationship RelationshipKind `json:"relationship"`
	Relevance    float64          `json:"relevance"`
}

// Discovery is the discoverer output.
type Discovery struct {
	Papers []DiscoveredPaper `json:"papers"`
}
