package source

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

const (
	websiteUserAgent = "Mozilla/5.0 (compatible; EnrichBot/1.0)"
	maxPageBytes     = 1 << 20
)

// NewHTTPClient returns the shared client used by HTTP adapters. Per-call
// deadlines come from the request context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Website reads a company's homepage and extracts identity fields from its
// HTML metadata and contact links.
type Website struct {
	name    string
	client  *http.Client
	urlFunc func(domain string) string
}

// WebsiteOption configures a Website adapter.
type WebsiteOption func(*Website)

// WithURLFunc overrides how a domain maps to the fetched URL.
func WithURLFunc(fn func(domain string) string) WebsiteOption {
	return func(w *Website) { w.urlFunc = fn }
}

// NewWebsite creates the homepage adapter.
func NewWebsite(name string, client *http.Client, opts ...WebsiteOption) *Website {
	if client == nil {
		client = NewHTTPClient(15 * time.Second)
	}
	w := &Website{
		name:    name,
		client:  client,
		urlFunc: func(domain string) string { return "https://" + domain },
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Website) Name() string { return w.name }

func (w *Website) Fetch(ctx context.Context, req Request) (*Response, error) {
	target := w.urlFunc(req.Domain)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "website: create request")
	}
	httpReq.Header.Set("User-Agent", websiteUserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError("website", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, classifyTransportError("website", err)
	}

	if blocked, bt := DetectBlock(resp, body); blocked {
		return nil, resilience.NewExternalError(model.ErrorKindHTTP, resp.StatusCode,
			eris.Errorf("website: blocked (%s)", bt))
	}
	if resp.StatusCode >= 400 {
		return nil, httpStatusError("website", resp.StatusCode)
	}

	reader, err := decodeCharset(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, resilience.NewExternalError(model.ErrorKindParse, resp.StatusCode, err)
	}
	doc, err := html.Parse(reader)
	if err != nil {
		return nil, resilience.NewExternalError(model.ErrorKindParse, resp.StatusCode,
			eris.Wrap(err, "website: parse html"))
	}

	base, _ := url.Parse(target)
	return &Response{Fields: extractPageFields(doc, base)}, nil
}

// decodeCharset converts body to UTF-8 using the charset declared in the
// Content-Type header. Unknown or absent charsets are passed through.
func decodeCharset(contentType string, body []byte) (io.Reader, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return bytes.NewReader(body), nil
	}
	cs := strings.ToLower(strings.TrimSpace(params["charset"]))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return bytes.NewReader(body), nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return nil, eris.Wrapf(err, "website: unsupported charset %q", cs)
	}
	return enc.NewDecoder().Reader(bytes.NewReader(body)), nil
}

type pageMeta struct {
	title       string
	siteName    string
	description string
	ogDesc      string
	ogImage     string
	icon        string
	linkedin    string
	phone       string
	email       string
}

func extractPageFields(doc *html.Node, base *url.URL) model.Fields {
	var m pageMeta
	walkPage(doc, &m)

	f := model.Fields{}
	switch {
	case m.siteName != "":
		f[model.FieldName] = m.siteName
	case m.title != "":
		f[model.FieldName] = cleanTitle(m.title)
	}
	if m.description != "" {
		f[model.FieldDescription] = m.description
	} else if m.ogDesc != "" {
		f[model.FieldDescription] = m.ogDesc
	}
	if logo := firstNonEmpty(m.ogImage, m.icon); logo != "" {
		f[model.FieldLogoURL] = resolveURL(base, logo)
	}
	if m.linkedin != "" {
		f[model.FieldLinkedInURL] = m.linkedin
	}
	if m.phone != "" {
		f[model.FieldPhone] = m.phone
	}
	if m.email != "" {
		f[model.FieldEmail] = m.email
	}
	return f
}

func walkPage(n *html.Node, m *pageMeta) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if m.title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				m.title = strings.TrimSpace(n.FirstChild.Data)
			}
		case atom.Meta:
			readMeta(n, m)
		case atom.Link:
			rel := strings.ToLower(attr(n, "rel"))
			if m.icon == "" && (rel == "apple-touch-icon" || rel == "icon") {
				m.icon = attr(n, "href")
			}
		case atom.A:
			readAnchor(attr(n, "href"), m)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkPage(c, m)
	}
}

func readMeta(n *html.Node, m *pageMeta) {
	content := strings.TrimSpace(attr(n, "content"))
	if content == "" {
		return
	}
	switch strings.ToLower(firstNonEmpty(attr(n, "property"), attr(n, "name"))) {
	case "og:site_name":
		m.siteName = content
	case "description":
		m.description = content
	case "og:description":
		m.ogDesc = content
	case "og:image":
		m.ogImage = content
	}
}

func readAnchor(href string, m *pageMeta) {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	switch {
	case m.phone == "" && strings.HasPrefix(lower, "tel:"):
		m.phone = strings.TrimSpace(href[len("tel:"):])
	case m.email == "" && strings.HasPrefix(lower, "mailto:"):
		addr := href[len("mailto:"):]
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		m.email = strings.TrimSpace(addr)
	case m.linkedin == "" && strings.Contains(lower, "linkedin.com/company/"):
		m.linkedin = strings.TrimRight(href, "/")
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// cleanTitle keeps the brand part of titles like "Acme | Home".
func cleanTitle(t string) string {
	for _, sep := range []string{" | ", " - ", " – ", " :: "} {
		if i := strings.Index(t, sep); i > 0 {
			return strings.TrimSpace(t[:i])
		}
	}
	return t
}

func resolveURL(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
