package source

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

type fakeResolver struct {
	records []*net.MX
	err     error
}

func (f fakeResolver) LookupMX(context.Context, string) ([]*net.MX, error) {
	return f.records, f.err
}

func TestDNS_Fetch(t *testing.T) {
	tests := []struct {
		name     string
		resolver fakeResolver
		want     model.Fields
		wantKind model.ErrorKind
	}{
		{
			name: "google by lowest preference",
			resolver: fakeResolver{records: []*net.MX{
				{Host: "mx.backup.example.net.", Pref: 20},
				{Host: "aspmx.l.google.com.", Pref: 1},
			}},
			want: model.Fields{model.FieldEmailProvider: "google"},
		},
		{
			name:     "microsoft",
			resolver: fakeResolver{records: []*net.MX{{Host: "acme-com.mail.protection.outlook.com.", Pref: 0}}},
			want:     model.Fields{model.FieldEmailProvider: "microsoft"},
		},
		{
			name:     "no records",
			resolver: fakeResolver{},
			want:     model.Fields{},
		},
		{
			name:     "nxdomain is an empty success",
			resolver: fakeResolver{err: &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}},
			want:     model.Fields{},
		},
		{
			name:     "timeout",
			resolver: fakeResolver{err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}},
			wantKind: model.ErrorKindTimeout,
		},
		{
			name:     "server failure",
			resolver: fakeResolver{err: errors.New("server misbehaving")},
			wantKind: model.ErrorKindHTTP,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewDNS("dns", tt.resolver).Fetch(context.Background(), Request{Domain: "acme.com"})
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, resilience.KindOf(err))
				assert.True(t, resilience.IsExpectedFailure(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Fields)
		})
	}
}

func TestEmailProvider(t *testing.T) {
	tests := map[string]string{
		"ASPMX.L.GOOGLE.COM.":              "google",
		"alt1.aspmx.l.googlemail.com":      "google",
		"acme.mail.protection.outlook.com": "microsoft",
		"mx.zoho.eu.":                      "zoho",
		"mail.protonmail.ch":               "proton",
		"mx1.mailgun.org":                  "other",
		"notgoogle.com":                    "other",
	}
	for host, want := range tests {
		assert.Equal(t, want, EmailProvider(host), host)
	}
}
