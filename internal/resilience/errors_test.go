package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/enrich-cli/internal/model"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"regular", errors.New("bad request"), false},
		{"external 503", NewExternalError(model.ErrorKindHTTP, 503, errors.New("overloaded")), true},
		{"external 404", NewExternalError(model.ErrorKindHTTP, 404, errors.New("missing")), false},
		{"external timeout", NewExternalError(model.ErrorKindTimeout, 0, errors.New("slow")), true},
		{"wrapped external 429", fmt.Errorf("call: %w", NewExternalError(model.ErrorKindHTTP, 429, errors.New("rate limited"))), true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"net timeout", timeoutErr{}, true},
		{"string pattern", errors.New("lookup acme.com: no such host"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestIsExpectedFailure(t *testing.T) {
	t.Parallel()

	assert.False(t, IsExpectedFailure(nil))
	assert.False(t, IsExpectedFailure(errors.New("nil pointer somewhere")))
	assert.True(t, IsExpectedFailure(NewExternalError(model.ErrorKindParse, 0, errors.New("bad json"))))
	assert.True(t, IsExpectedFailure(eris.Wrap(NewExternalError(model.ErrorKindHTTP, 404, errors.New("gone")), "source")))
	assert.True(t, IsExpectedFailure(eris.Wrap(context.DeadlineExceeded, "fetch")))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"nil", nil, model.ErrorKindNone},
		{"circuit open", eris.Wrap(ErrCircuitOpen, "source"), model.ErrorKindRejected},
		{"parse", NewExternalError(model.ErrorKindParse, 0, errors.New("x")), model.ErrorKindParse},
		{"deadline", context.DeadlineExceeded, model.ErrorKindTimeout},
		{"net timeout", timeoutErr{}, model.ErrorKindTimeout},
		{"reset", syscall.ECONNRESET, model.ErrorKindHTTP},
		{"unknown", errors.New("boom"), model.ErrorKindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestExternalError_Unwrap(t *testing.T) {
	t.Parallel()
	inner := errors.New("upstream said no")
	ee := NewExternalError(model.ErrorKindHTTP, 500, inner)
	assert.ErrorIs(t, ee, inner)
	assert.Equal(t, "upstream said no", ee.Error())
}
