package source

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// MXResolver looks up mail exchangers. *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// mailProviders maps MX host suffixes to a provider label.
var mailProviders = []struct {
	suffix   string
	provider string
}{
	{"google.com", "google"},
	{"googlemail.com", "google"},
	{"outlook.com", "microsoft"},
	{"office365.us", "microsoft"},
	{"zoho.com", "zoho"},
	{"zoho.eu", "zoho"},
	{"zohomail.com", "zoho"},
	{"protonmail.ch", "proton"},
	{"proton.me", "proton"},
}

// DNS infers the email provider from a domain's MX records.
type DNS struct {
	name     string
	resolver MXResolver
}

// NewDNS creates the MX adapter. A nil resolver uses net.DefaultResolver.
func NewDNS(name string, resolver MXResolver) *DNS {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNS{name: name, resolver: resolver}
}

func (d *DNS) Name() string { return d.name }

func (d *DNS) Fetch(ctx context.Context, req Request) (*Response, error) {
	records, err := d.resolver.LookupMX(ctx, req.Domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return &Response{Fields: model.Fields{}}, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		kind := model.ErrorKindHTTP
		if resilience.KindOf(err) == model.ErrorKindTimeout {
			kind = model.ErrorKindTimeout
		}
		return nil, resilience.NewExternalError(kind, 0, eris.Wrapf(err, "dns: lookup mx %s", req.Domain))
	}
	if len(records) == 0 {
		return &Response{Fields: model.Fields{}}, nil
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
	return &Response{Fields: model.Fields{
		model.FieldEmailProvider: EmailProvider(records[0].Host),
	}}, nil
}

// EmailProvider classifies an MX host.
func EmailProvider(host string) string {
	h := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	for _, p := range mailProviders {
		if h == p.suffix || strings.HasSuffix(h, "."+p.suffix) {
			return p.provider
		}
	}
	return "other"
}
