// Package pageload measures how long web pages take to load over plain
// HTTP: the document, then every image, script and stylesheet it links.
package pageload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rmax-ai/loadtest/pkg/probe"
	"github.com/rmax-ai/loadtest/pkg/scenario"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxResources = 50
	DefaultParallelism  = 6
	maxRedirects        = 10
	userAgent           = "loadtest-pageload/1.0"
)

// Probe loads every target_url once per fire.
type Probe struct {
	transport   http.RoundTripper
	parallelism int
}

func New() *Probe {
	return &Probe{transport: http.DefaultTransport, parallelism: DefaultParallelism}
}

// NewWithTransport is used by tests to route requests to a local server.
func NewWithTransport(rt http.RoundTripper) *Probe {
	return &Probe{transport: rt, parallelism: DefaultParallelism}
}

func (p *Probe) Run(ctx context.Context, scenarioID string, params scenario.Parameters) ([]probe.Measurement, error) {
	targets := params.Strings("target_url")
	if len(targets) == 0 {
		return nil, &probe.Error{Reason: "no target_url for " + scenarioID}
	}
	timeout := params.Duration("timeout", DefaultTimeout)
	maxResources := params.Int("max_resources", DefaultMaxResources)

	var out []probe.Measurement
	for _, target := range targets {
		res, err := p.load(ctx, target, timeout, maxResources)
		if err != nil {
			return nil, probe.Failf(err, "loading %s", target)
		}
		out = append(out, res.measurements()...)
	}
	return out, nil
}

// Result is the timing of one page.
type Result struct {
	URL              string
	TTFB             time.Duration
	DOMContentLoaded time.Duration
	PageLoadTime     time.Duration
	StatusCode       int
	ResourceCount    int
	RedirectCount    int
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (r Result) measurements() []probe.Measurement {
	return []probe.Measurement{
		{Name: "ttfb", Value: ms(r.TTFB), Unit: "ms"},
		{Name: "dom_content_loaded", Value: ms(r.DOMContentLoaded), Unit: "ms"},
		{Name: "page_load_time", Value: ms(r.PageLoadTime), Unit: "ms"},
		{Name: "http_response_code", Value: float64(r.StatusCode), Unit: "count"},
		{Name: "resource_count", Value: float64(r.ResourceCount), Unit: "count"},
		{Name: "redirect_count", Value: float64(r.RedirectCount), Unit: "count"},
	}
}

func (p *Probe) load(ctx context.Context, target string, timeout time.Duration, maxResources int) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := Result{URL: target}
	var responses, redirects atomic.Int64

	client := &http.Client{
		Transport: p.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Errorf("stopped after %d redirects", maxRedirects)
			}
			redirects.Add(1)
			responses.Add(1)
			return nil
		},
	}

	// The trace follows the redirect chain, so the last request wins.
	var wroteRequest, firstByte time.Time
	trace := &httptrace.ClientTrace{
		WroteRequest:         func(httptrace.WroteRequestInfo) { wroteRequest = time.Now() },
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, target, nil)
	if err != nil {
		return res, errors.Wrap(err, "bad url")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return res, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()
	responses.Add(1)
	res.StatusCode = resp.StatusCode
	if !firstByte.IsZero() && firstByte.After(wroteRequest) {
		res.TTFB = firstByte.Sub(wroteRequest)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return res, errors.Wrap(err, "failed to parse document")
	}
	res.DOMContentLoaded = time.Since(start)

	resources := Subresources(doc, resp.Request.URL, maxResources)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, u := range resources {
		g.Go(func() error {
			if fetchResource(gctx, client, u) {
				responses.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	res.PageLoadTime = time.Since(start)
	res.ResourceCount = int(responses.Load())
	res.RedirectCount = int(redirects.Load())
	return res, nil
}

// fetchResource downloads one sub-resource. A failed sub-resource does not
// fail the page; it just is not counted.
func fetchResource(ctx context.Context, client *http.Client, u string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return true
}

// Subresources lists the absolute URLs of images, scripts and stylesheets
// referenced by doc, deduplicated, in document order.
func Subresources(doc *goquery.Document, base *url.URL, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ref string) {
		if ref == "" || len(out) >= limit {
			return
		}
		u, err := base.Parse(ref)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		u.Fragment = ""
		abs := u.String()
		if !seen[abs] {
			seen[abs] = true
			out = append(out, abs)
		}
	}

	doc.Find("img[src], script[src], link[href]").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "link" {
			rel, _ := s.Attr("rel")
			if rel != "stylesheet" && rel != "icon" && rel != "preload" {
				return
			}
			href, _ := s.Attr("href")
			add(href)
			return
		}
		src, _ := s.Attr("src")
		add(src)
	})
	return out
}
