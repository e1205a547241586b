package search

import (
	"fmt"
	"strings"

	"github.com/NikhilSetiya/bizchat-gateway/internal/registry"
	"github.com/NikhilSetiya/bizchat-gateway/pkg/errors"
)

// Request is the body of a search call
type Request struct {
	Query          string   `json:"query"`
	MaxResults     int      `json:"max_results"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	TraceID        string   `json:"trace_id,omitempty"`
}

// Result is one search hit
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Response is the body returned by a search call
type Response struct {
	Query   string   `json:"query"`
	Answer  string   `json:"answer,omitempty"`
	Results []Result `json:"results"`
}

// ExtractRequest is the body of an extract call
type ExtractRequest struct {
	URLs      []string `json:"urls"`
	SessionID string   `json:"session_id,omitempty"`
}

// ExtractedPage is the content of one fetched URL
type ExtractedPage struct {
	URL        string `json:"url"`
	RawContent string `json:"raw_content"`
}

// ExtractResponse is the body returned by an extract call
type ExtractResponse struct {
	Results       []ExtractedPage `json:"results"`
	FailedResults []string        `json:"failed_results,omitempty"`
}

// requestFromArgs maps capability arguments onto a search Request. The
// caller's domains restrict the search when present.
func requestFromArgs(args registry.Args) (Request, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return Request{}, errors.NewValidationError("query is required")
	}

	req := Request{
		Query:       query,
		SearchDepth: stringArg(args, "search_depth"),
		SessionID:   stringArg(args, registry.ArgSessionID),
		TraceID:     stringArg(args, registry.ArgTraceID),
	}

	switch v := args["max_results"].(type) {
	case nil:
	case int:
		req.MaxResults = v
	case int64:
		req.MaxResults = int(v)
	case float64:
		req.MaxResults = int(v)
	default:
		return Request{}, errors.NewValidationError(fmt.Sprintf("max_results must be a number, got %T", v))
	}

	if raw, ok := args[registry.ArgDomains]; ok {
		domains, err := stringSlice(raw)
		if err != nil {
			return Request{}, errors.NewValidationError("domains must be a list of strings")
		}
		req.IncludeDomains = domains
	}
	return req, nil
}

func stringArg(args registry.Args, key string) string {
	s, _ := args[key].(string)
	return s
}

// stringSlice accepts both []string and the []interface{} produced by JSON
// decoding
func stringSlice(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected element %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}
