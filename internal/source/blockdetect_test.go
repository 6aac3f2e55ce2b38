package source

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name   string
		resp   *http.Response
		body   string
		want   bool
		wantBT BlockType
	}{
		{
			name: "cloudflare 403 header",
			resp: &http.Response{StatusCode: 403, Header: http.Header{"Cf-Ray": {"abc123"}}},
			want: true, wantBT: BlockCloudflare,
		},
		{
			name: "cloudflare 503 server",
			resp: &http.Response{StatusCode: 503, Header: http.Header{"Server": {"cloudflare"}}},
			want: true, wantBT: BlockCloudflare,
		},
		{
			name: "captcha body",
			resp: &http.Response{StatusCode: 200, Header: http.Header{}},
			body: "<html><body>Please complete the reCAPTCHA to continue</body></html>",
			want: true, wantBT: BlockCaptcha,
		},
		{
			name: "js shell",
			resp: &http.Response{StatusCode: 200, Header: http.Header{}},
			body: "<html><noscript>Enable JavaScript to continue</noscript></html>",
			want: true, wantBT: BlockJSShell,
		},
		{
			name:   "nil response",
			wantBT: BlockNone,
		},
		{
			name:   "clean page",
			resp:   &http.Response{StatusCode: 200, Header: http.Header{}},
			body:   "<html><body>Welcome to Acme Corp. We build great products.</body></html>",
			wantBT: BlockNone,
		},
		{
			name:   "plain 503 is not a block",
			resp:   &http.Response{StatusCode: 503, Header: http.Header{}},
			body:   "<html><body>Service temporarily down for maintenance, back soon.</body></html>",
			wantBT: BlockNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocked, bt := DetectBlock(tt.resp, []byte(tt.body))
			assert.Equal(t, tt.want, blocked)
			assert.Equal(t, tt.wantBT, bt)
		})
	}
}
