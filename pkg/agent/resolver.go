package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IdentifierResolver looks up external identifiers (DOI and friends) for
// a paper. Lookups run independently of the LLM call and carry their own
// retry budget; a failed lookup degrades the metadata, never the stage.
type IdentifierResolver interface {
	Resolve(ctx context.Context, title string, authors []string) (doi string, identifiers []string, err error)
}

// NoopResolver skips identifier lookup entirely.
type NoopResolver struct{}

func (NoopResolver) Resolve(context.Context, string, []string) (string, []string, error) {
	return "", nil, nil
}

// CrossrefResolver resolves DOIs against the public Crossref REST API.
type CrossrefResolver struct {
	client  *http.Client
	baseURL string

	// MailTo joins the Crossref polite pool when set.
	MailTo string
}

// NewCrossrefResolver creates a resolver with a short per-lookup timeout;
// identifier lookup is garnish, not a stage dependency.
func NewCrossrefResolver() *CrossrefResolver {
	return &CrossrefResolver{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.crossref.org",
	}
}

func (r *CrossrefResolver) Resolve(ctx context.Context, title string, authors []string) (string, []string, error) {
	q := url.Values{}
	query := title
	if len(authors) > 0 {
		query += " " + strings.Join(authors, " ")
	}
	q.Set("query.bibliographic", query)
	q.Set("rows", "1")
	if r.MailTo != "" {
		q.Set("mailto", r.MailTo)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/works?"+q.Encode(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build crossref request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("crossref lookup failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("crossref lookup returned status %d", resp.StatusCode)
	}

	var body struct {
		Message struct {
			Items []struct {
				DOI  string `json:"DOI"`
				ISSN []string
			} `json:"items"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", nil, fmt.Errorf("failed to decode crossref response: %w", err)
	}
	if len(body.Message.Items) == 0 {
		return "", nil, nil
	}

	item := body.Message.Items[0]
	var ids []string
	if item.DOI != "" {
		ids = append(ids, "doi:"+item.DOI)
	}
	for _, issn := range item.ISSN {
		ids = append(ids, "issn:"+issn)
	}
	return item.DOI, ids, nil
}
