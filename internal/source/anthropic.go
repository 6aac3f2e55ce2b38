package source

import (
	"context"

	"github.com/sells-group/enrich-cli/internal/cost"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/pkg/anthropic"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-haiku-4-5-20251001"

// Anthropic asks Claude for a company profile from its training knowledge
// and the hints gathered so far.
type Anthropic struct {
	name   string
	client anthropic.Client
	model  string
	costs  *cost.Calculator
	retry  resilience.RetryConfig
}

// NewAnthropic creates the Claude adapter.
func NewAnthropic(name string, client anthropic.Client, model string, costs *cost.Calculator, retry resilience.RetryConfig) *Anthropic {
	if model == "" {
		model = DefaultAnthropicModel
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(name, "create_message")
	}
	return &Anthropic{name: name, client: client, model: model, costs: costs, retry: retry}
}

func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) Fetch(ctx context.Context, req Request) (*Response, error) {
	system, user := profilePrompts(req)
	temp := 0.0

	resp, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		r, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       a.model,
			MaxTokens:   1024,
			System:      system,
			Messages:    []anthropic.Message{{Role: "user", Content: user}},
			Temperature: &temp,
		})
		if err != nil {
			return nil, classifyAPIError(a.name, anthropic.StatusCode(err), err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	fields, err := parseProfileJSON(resp.Text())
	if err != nil {
		return nil, err
	}

	out := &Response{Fields: fields}
	if a.costs != nil {
		u := resp.Usage
		out.CostUSD = a.costs.Claude(a.model, u.InputTokens, u.OutputTokens,
			u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
	return out, nil
}
