// Package fetch performs outbound HTTP against scan targets: rotating user
// agents, a redirect cap, bounded body reads, and retry with exponential
// backoff and jitter. Robots policy lives in robots.go.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	retry "github.com/avast/retry-go/v4"
)

const (
	maxRedirects = 5
	maxBodyBytes = 2 << 20 // 2 MiB per page

	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
	retryMaxJitter = 150 * time.Millisecond // +-30% of base
)

// Page is a fetched document.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Body        string
	ContentType string
	FetchedAt   time.Time
}

// Fetcher issues GET requests with a per-request timeout.
type Fetcher struct {
	client     *http.Client
	userAgents []string
	uaCursor   atomic.Uint64
}

// New builds a fetcher. The timeout is applied per request via context by
// the caller; the client itself only caps redirects.
func New(userAgents []string) *Fetcher {
	if len(userAgents) == 0 {
		userAgents = []string{"copysentry-scanner/1.0"}
	}
	return &Fetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgents: userAgents,
	}
}

// Get fetches url within timeout, retrying transient failures with
// exponential backoff (base 500 ms, jittered, 3 attempts). HTTP 4xx other
// than 429 is not retried.
func (f *Fetcher) Get(ctx context.Context, url string, timeout time.Duration) (*Page, error) {
	var page *Page

	err := retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", f.nextUserAgent())
			req.Header.Set("Accept", "text/html,application/xhtml+xml")

			resp, err := f.client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 && resp.StatusCode != http.StatusTooManyRequests {
				return retry.Unrecoverable(fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return err
			}

			page = &Page{
				URL:         url,
				FinalURL:    resp.Request.URL.String(),
				StatusCode:  resp.StatusCode,
				Body:        string(body),
				ContentType: resp.Header.Get("Content-Type"),
				FetchedAt:   time.Now(),
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseDelay),
		retry.MaxJitter(retryMaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (f *Fetcher) nextUserAgent() string {
	n := f.uaCursor.Add(1)
	return f.userAgents[int(n)%len(f.userAgents)]
}

// ExtractText pulls the visible text and title out of an HTML body.
// Script and style contents are excluded.
func ExtractText(htmlBody string) (text, title string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		return htmlBody, ""
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript").Remove()
	text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if text == "" {
		text = htmlBody
	}
	return text, title
}

// Jitter returns d with up to +-frac random variation. Used by callers
// that space crawl delays.
func Jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := float64(d) * frac
	return d + time.Duration((rand.Float64()*2-1)*delta)
}
