package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/api"
	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/model"
)

// newServedApp wires an app over one JSON provider and serves it over HTTP.
func newServedApp(t *testing.T) (*app, *httptest.Server) {
	t.Helper()
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"company":{"name":"Acme Inc"}}`))
	}))
	t.Cleanup(provider.Close)

	sources := `
sources:
  - name: directory
    kind: jsonapi
    tier: quick
    weight: 0.8
    url: ` + provider.URL + `/lookup?domain={domain}
    fields:
      name: company.name
`
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sources), 0644))

	a, err := initApp(context.Background(), testConfig(t, path))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(api.NewHandler(api.Deps{Service: a.Service}))
	t.Cleanup(srv.Close)
	return a, srv
}

func runCacheInvalidate(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cacheServer = server
	t.Cleanup(func() { cacheServer = "" })

	var out bytes.Buffer
	cacheInvalidateCmd.SetContext(context.Background())
	cacheInvalidateCmd.SetOut(&out)
	err := cacheInvalidateCmd.RunE(cacheInvalidateCmd, args)
	return out.String(), err
}

func TestCacheInvalidate_ThroughServerDropsFastTier(t *testing.T) {
	a, srv := newServedApp(t)
	ctx := context.Background()

	_, err := a.Service.EnrichQuick(ctx, "acme.com")
	require.NoError(t, err)
	_, ok := a.Cache.Get(ctx, "acme.com", model.DepthQuick)
	require.True(t, ok)

	out, err := runCacheInvalidate(t, srv.URL+"/", "quick", "www.acme.com")
	require.NoError(t, err)
	assert.Contains(t, out, "invalidated quick www.acme.com")

	_, ok = a.Cache.Get(ctx, "acme.com", model.DepthQuick)
	assert.False(t, ok, "the serving process no longer has the record in either tier")
}

func TestCacheInvalidate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/cache/deep/acme.com", r.URL.Path)
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := runCacheInvalidate(t, srv.URL, "deep", "acme.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestCacheInvalidate_RejectsUnknownDepth(t *testing.T) {
	_, err := runCacheInvalidate(t, "http://127.0.0.1:1", "medium", "acme.com")
	assert.Error(t, err)
}

func TestServerBase(t *testing.T) {
	prev := cfg
	cfg = &config.Config{}
	cfg.Server.Port = 9000
	t.Cleanup(func() { cfg = prev })

	assert.Equal(t, "http://enrich:8080", serverBase("http://enrich:8080/"))
	assert.Equal(t, "http://localhost:9000", serverBase(""))
}
