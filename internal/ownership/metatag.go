package ownership

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// MetaFetcher answers whether a page carries the platform verification
// meta tag with the exact token.
type MetaFetcher interface {
	HasVerificationTag(ctx context.Context, pageURL, prefix, token string) (bool, error)
}

// HTTPMetaFetcher fetches the official URL and inspects its head for
// <meta name="<prefix>-verification" content="<token>">.
type HTTPMetaFetcher struct {
	client *http.Client
}

// NewHTTPMetaFetcher uses the documented 10 s timeout when client is nil.
func NewHTTPMetaFetcher(client *http.Client) *HTTPMetaFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPMetaFetcher{client: client}
}

func (f *HTTPMetaFetcher) HasVerificationTag(ctx context.Context, pageURL, prefix, token string) (bool, error) {
	if pageURL == "" {
		return false, fmt.Errorf("brand has no official URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	selector := fmt.Sprintf(`meta[name=%q]`, prefix+"-verification")
	found := false
	doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if content, ok := sel.Attr("content"); ok && content == token {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

var _ MetaFetcher = (*HTTPMetaFetcher)(nil)
