package source

import (
	"context"

	"github.com/sells-group/enrich-cli/internal/cost"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/pkg/perplexity"
)

// Perplexity asks a web-grounded LLM for a company profile.
type Perplexity struct {
	name   string
	client perplexity.Client
	costs  *cost.Calculator
	retry  resilience.RetryConfig
}

// NewPerplexity creates the Perplexity adapter.
func NewPerplexity(name string, client perplexity.Client, costs *cost.Calculator, retry resilience.RetryConfig) *Perplexity {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(name, "chat_completion")
	}
	return &Perplexity{name: name, client: client, costs: costs, retry: retry}
}

func (p *Perplexity) Name() string { return p.name }

func (p *Perplexity) Fetch(ctx context.Context, req Request) (*Response, error) {
	system, user := profilePrompts(req)
	temp := 0.0
	maxTokens := 800

	resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		r, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages: []perplexity.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Temperature: &temp,
			MaxTokens:   &maxTokens,
		})
		if err != nil {
			return nil, classifyAPIError(p.name, perplexity.StatusCode(err), err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	fields, err := parseProfileJSON(resp.Content())
	if err != nil {
		return nil, err
	}

	out := &Response{Fields: fields}
	if p.costs != nil {
		out.CostUSD = p.costs.Perplexity(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return out, nil
}
