package session

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
)

// Page is one page of a query result.
type Page struct {
	TotalSize      int               `json:"totalSize"`
	Done           bool              `json:"done"`
	NextRecordsURL string            `json:"nextRecordsUrl"`
	Records        []json.RawMessage `json:"records"`
}

// Pages fetches path and then follows nextRecordsUrl until a page reports
// done. Iteration stops at the first error.
func (s *Session) Pages(ctx context.Context, path string) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		next := path
		for next != "" {
			page, err := s.fetchPage(ctx, next)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) || page.Done {
				return
			}
			next = page.NextRecordsURL
		}
	}
}

// QueryAll returns the records of path in page order. With all unset only the
// first page is returned.
func (s *Session) QueryAll(ctx context.Context, path string, all bool) ([]json.RawMessage, error) {
	records := make([]json.RawMessage, 0)

	for page, err := range s.Pages(ctx, path) {
		if err != nil {
			return nil, err
		}
		records = append(records, page.Records...)
		if !all {
			break
		}
	}

	return records, nil
}

// Query runs a SOQL query against the query endpoint of the session's API version.
func (s *Session) Query(ctx context.Context, soql string, all bool) ([]json.RawMessage, error) {
	return s.QueryAll(ctx, versionsPath+versionPlaceholder+"/query/?q="+url.QueryEscape(soql), all)
}

func (s *Session) fetchPage(ctx context.Context, path string) (*Page, error) {
	resp, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, newResponseError(resp)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}
	return &page, nil
}
