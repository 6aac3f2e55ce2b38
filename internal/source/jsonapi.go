package source

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

const maxJSONBytes = 2 << 20

// JSONAPIConfig describes a generic JSON REST provider.
type JSONAPIConfig struct {
	// URL may reference {domain} and {name}; both are query-escaped.
	URL     string
	Headers map[string]string
	// Fields maps each FieldKey to a gjson path in the response body.
	Fields map[model.FieldKey]string
	// CostPath optionally reads the billed cost from the response.
	CostPath string
	// RequireHint rejects the lookup when this hint is not known.
	RequireHint model.FieldKey
	Retry       resilience.RetryConfig
}

// JSONAPI maps a JSON provider onto FieldKeys with gjson paths. A 404 is a
// successful lookup that found nothing.
type JSONAPI struct {
	name   string
	client *http.Client
	cfg    JSONAPIConfig
}

// NewJSONAPI creates a generic JSON adapter. Header values are expanded from
// the environment ("${TOKEN}").
func NewJSONAPI(name string, client *http.Client, cfg JSONAPIConfig) (*JSONAPI, error) {
	if cfg.URL == "" {
		return nil, eris.Errorf("jsonapi %s: url is required", name)
	}
	if len(cfg.Fields) == 0 {
		return nil, eris.Errorf("jsonapi %s: at least one field mapping is required", name)
	}
	for k := range cfg.Fields {
		if !k.Valid() {
			return nil, eris.Errorf("jsonapi %s: unknown field %q", name, k)
		}
	}
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	cfg.Headers = headers
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger(name, "fetch")
	}
	return &JSONAPI{name: name, client: client, cfg: cfg}, nil
}

func (j *JSONAPI) Name() string { return j.name }

func (j *JSONAPI) Fetch(ctx context.Context, req Request) (*Response, error) {
	if j.cfg.RequireHint != "" && strings.TrimSpace(req.Hints[j.cfg.RequireHint]) == "" {
		return nil, eris.Wrapf(ErrRejected, "%s: missing hint %s", j.name, j.cfg.RequireHint)
	}

	target := expandURL(j.cfg.URL, req)
	return resilience.DoVal(ctx, j.cfg.Retry, func(ctx context.Context) (*Response, error) {
		return j.get(ctx, target)
	})
}

func (j *JSONAPI) get(ctx context.Context, target string) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: create request", j.name)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range j.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(j.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBytes))
	if err != nil {
		return nil, classifyTransportError(j.name, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &Response{Fields: model.Fields{}}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpStatusError(j.name, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, resilience.NewExternalError(model.ErrorKindParse, resp.StatusCode,
			eris.Errorf("%s: invalid json response", j.name))
	}

	out := &Response{Fields: make(model.Fields, len(j.cfg.Fields))}
	for key, path := range j.cfg.Fields {
		if v := gjsonString(gjson.GetBytes(body, path)); v != "" {
			out.Fields[key] = v
		}
	}
	if j.cfg.CostPath != "" {
		out.CostUSD = gjson.GetBytes(body, j.cfg.CostPath).Float()
	}
	return out, nil
}

// gjsonString renders scalars; objects, arrays and nulls read as absent.
func gjsonString(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return strconv.FormatFloat(r.Num, 'f', -1, 64)
	case gjson.True, gjson.False:
		return strconv.FormatBool(r.Bool())
	default:
		return ""
	}
}

// expandURL fills {domain} and any {<field>} placeholder from the hints.
func expandURL(tmpl string, req Request) string {
	pairs := []string{"{domain}", url.QueryEscape(req.Domain)}
	for _, k := range model.FieldKeys {
		pairs = append(pairs, "{"+string(k)+"}", url.QueryEscape(req.Hints[k]))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
