// Package source defines the adapter contract for external data providers
// and the breaker-guarded wrapper that turns every provider outcome into a
// model.PartialRecord.
package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// ErrRejected is returned by an adapter that declines a lookup without
// contacting its provider (e.g. a required hint is missing). It is reported
// as a rejected call and never trips the breaker.
var ErrRejected = eris.New("source: lookup rejected")

// errPanic marks a recovered adapter panic.
var errPanic = eris.New("source: adapter panic")

// Request is the input to one provider lookup.
type Request struct {
	Domain string
	// Hints carries fields already known for the domain (from the quick tier
	// or the caller) that can improve the provider's match rate.
	Hints model.Fields
}

// Response is a provider's raw answer, already mapped onto FieldKeys.
type Response struct {
	Fields  model.Fields
	CostUSD float64
	// Cached marks an answer served from the provider's own cache; it is
	// free of charge regardless of CostUSD or the declared cost per call.
	Cached bool
}

// Adapter hides one provider's protocol. Implementations return plain errors;
// Source classifies them.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Descriptor is the static declaration of a source.
type Descriptor struct {
	Name        string
	Kind        string
	Tier        model.Depth
	Weight      float64
	CostPerCall float64
	Timeout     time.Duration

	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// Validate checks weight range, tier and name.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return eris.New("source: name is required")
	}
	if d.Weight < 0 || d.Weight > 1 || math.IsNaN(d.Weight) {
		return eris.Errorf("source %s: weight %v outside [0,1]", d.Name, d.Weight)
	}
	if _, err := model.ParseDepth(string(d.Tier)); err != nil {
		return eris.Wrapf(err, "source %s", d.Name)
	}
	if d.CostPerCall < 0 {
		return eris.Errorf("source %s: negative cost_per_call", d.Name)
	}
	return nil
}

// Source is an Adapter guarded by its own circuit breaker and timeout.
type Source struct {
	desc    Descriptor
	adapter Adapter
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
	nowFunc func() time.Time
}

// Guard wraps adapter with breaker. A zero Timeout falls back to the tier default.
func Guard(desc Descriptor, adapter Adapter, breaker *resilience.CircuitBreaker) *Source {
	if desc.Timeout <= 0 {
		desc.Timeout = DefaultTimeout(desc.Tier)
	}
	return &Source{
		desc:    desc,
		adapter: adapter,
		breaker: breaker,
		log:     zap.L().With(zap.String("component", "source"), zap.String("source", desc.Name)),
		nowFunc: time.Now,
	}
}

// Name returns the source name.
func (s *Source) Name() string { return s.desc.Name }

// Descriptor returns the static declaration.
func (s *Source) Descriptor() Descriptor { return s.desc }

// Breaker returns the source's circuit breaker.
func (s *Source) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Fetch runs one lookup. It never returns an error: every failure, including
// an open circuit, a timeout or an adapter panic, becomes a failed PartialRecord.
func (s *Source) Fetch(ctx context.Context, domain string, hints model.Fields) model.PartialRecord {
	start := s.nowFunc()
	pr := model.PartialRecord{
		Source: s.desc.Name,
		Tier:   s.desc.Tier,
		Weight: s.desc.Weight,
	}

	ctx, cancel := context.WithTimeout(ctx, s.desc.Timeout)
	defer cancel()

	req := Request{Domain: domain, Hints: hints.Clone()}
	resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*Response, error) {
		return s.call(ctx, req)
	})
	pr.DurationMs = s.nowFunc().Sub(start).Milliseconds()

	if err != nil {
		pr.ErrorKind = s.classify(err)
		pr.Error = err.Error()
		s.logFailure(domain, pr, err)
		return pr
	}

	pr.Success = true
	if resp != nil {
		pr.Fields = resp.Fields.Compact()
		pr.CostIncurred = resp.CostUSD
		pr.Cached = resp.Cached
	}
	if pr.Fields == nil {
		pr.Fields = model.Fields{}
	}
	switch {
	case pr.Cached:
		pr.CostIncurred = 0
	case pr.CostIncurred <= 0:
		pr.CostIncurred = s.desc.CostPerCall
	}
	s.log.Debug("source call succeeded",
		zap.String("key", domain),
		zap.Int("fields", len(pr.Fields)),
		zap.Float64("cost_usd", pr.CostIncurred),
		zap.Int64("duration_ms", pr.DurationMs),
	)
	return pr
}

type callResult struct {
	resp *Response
	err  error
}

// call runs the adapter in its own goroutine so a provider that ignores its
// context cannot hold the caller past the deadline. The result of an
// abandoned call is discarded.
func (s *Source) call(ctx context.Context, req Request) (*Response, error) {
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: eris.Wrapf(errPanic, "%s: %v", s.desc.Name, r)}
			}
		}()
		resp, err := s.adapter.Fetch(ctx, req)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil && !errors.Is(res.err, ErrRejected) {
			return nil, timeoutError(ctx)
		}
		return res.resp, res.err
	case <-ctx.Done():
		return nil, timeoutError(ctx)
	}
}

func timeoutError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.Canceled) {
		// Caller went away; not the provider's fault.
		return err
	}
	return resilience.NewExternalError(model.ErrorKindTimeout, 0, eris.Wrap(err, "source: deadline exceeded"))
}

func (s *Source) classify(err error) model.ErrorKind {
	switch {
	case errors.Is(err, ErrRejected), errors.Is(err, resilience.ErrCircuitOpen):
		return model.ErrorKindRejected
	case errors.Is(err, errPanic):
		return model.ErrorKindInternal
	case errors.Is(err, context.Canceled):
		return model.ErrorKindTimeout
	}
	return resilience.KindOf(err)
}

func (s *Source) logFailure(domain string, pr model.PartialRecord, err error) {
	fields := []zap.Field{
		zap.String("key", domain),
		zap.String("error_kind", string(pr.ErrorKind)),
		zap.Int64("duration_ms", pr.DurationMs),
		zap.Error(err),
	}
	switch pr.ErrorKind {
	case model.ErrorKindInternal:
		s.log.Error("source call failed", fields...)
	case model.ErrorKindRejected:
		s.log.Info("source call rejected", fields...)
	default:
		s.log.Warn("source call failed", fields...)
	}
}

// DefaultTimeout returns the per-call timeout for a tier.
func DefaultTimeout(tier model.Depth) time.Duration {
	if tier == model.DepthDeep {
		return 30 * time.Second
	}
	return 5 * time.Second
}

// DefaultFailureThreshold returns the breaker threshold for a tier. Quick
// sources trip sooner; they are cheap to skip.
func DefaultFailureThreshold(tier model.Depth) int {
	if tier == model.DepthDeep {
		return 5
	}
	return 3
}

func httpStatusError(name string, status int) error {
	return resilience.NewExternalError(model.ErrorKindHTTP, status,
		eris.New(fmt.Sprintf("%s: unexpected status %d", name, status)))
}

// classifyTransportError wraps a client-side failure (no HTTP status) as an
// external error so it counts against the provider's breaker.
func classifyTransportError(name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := model.ErrorKindHTTP
	if resilience.KindOf(err) == model.ErrorKindTimeout {
		kind = model.ErrorKindTimeout
	}
	return resilience.NewExternalError(kind, 0, eris.Wrapf(err, "%s: request", name))
}
