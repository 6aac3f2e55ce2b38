package source

import (
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/enrich-cli/internal/cost"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/pkg/anthropic"
	"github.com/sells-group/enrich-cli/pkg/perplexity"
	"github.com/sells-group/enrich-cli/pkg/salesforce"
)

// Adapter kinds understood by Build.
const (
	KindWebsite    = "website"
	KindDNS        = "dns"
	KindJSONAPI    = "jsonapi"
	KindSalesforce = "salesforce"
	KindPerplexity = "perplexity"
	KindAnthropic  = "anthropic"
)

// FileConfig is the top-level sources.yaml document.
type FileConfig struct {
	Sources []Spec `yaml:"sources"`
}

// Spec declares one source in sources.yaml.
type Spec struct {
	Name        string  `yaml:"name"`
	Kind        string  `yaml:"kind"`
	Tier        string  `yaml:"tier"`
	Weight      float64 `yaml:"weight"`
	CostPerCall float64 `yaml:"cost_per_call"`
	TimeoutMs   int     `yaml:"timeout_ms"`
	Disabled    bool    `yaml:"disabled"`

	FailureThreshold int `yaml:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold"`
	OpenTimeoutSecs  int `yaml:"open_timeout_secs"`
	RetryAttempts    int `yaml:"retry_attempts"`

	// jsonapi
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	Fields      map[string]string `yaml:"fields"`
	CostPath    string            `yaml:"cost_path"`
	RequireHint string            `yaml:"require_hint"`

	// anthropic
	Model string `yaml:"model"`
}

// LoadFile reads and parses a sources.yaml file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read config %s", path)
	}
	return Parse(data)
}

// Parse decodes a sources.yaml document.
func Parse(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrap(err, "source: parse config")
	}
	return &fc, nil
}

// DefaultFileConfig is used when no sources.yaml is present: the two free
// quick sources that need no credentials.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{Sources: []Spec{
		{Name: "website", Kind: KindWebsite, Tier: string(model.DepthQuick), Weight: 0.70},
		{Name: "dns", Kind: KindDNS, Tier: string(model.DepthQuick), Weight: 0.90},
	}}
}

// Descriptor converts the spec, applying tier defaults.
func (s Spec) Descriptor() (Descriptor, error) {
	tier, err := model.ParseDepth(s.Tier)
	if err != nil {
		return Descriptor{}, eris.Wrapf(err, "source %s", s.Name)
	}
	d := Descriptor{
		Name:             s.Name,
		Kind:             s.Kind,
		Tier:             tier,
		Weight:           s.Weight,
		CostPerCall:      s.CostPerCall,
		Timeout:          time.Duration(s.TimeoutMs) * time.Millisecond,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
		OpenTimeout:      time.Duration(s.OpenTimeoutSecs) * time.Second,
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout(tier)
	}
	if d.FailureThreshold <= 0 {
		d.FailureThreshold = DefaultFailureThreshold(tier)
	}
	return d, d.Validate()
}

// Deps are the shared clients adapters are built from. A paid source whose
// client is nil is a configuration error.
type Deps struct {
	HTTP       *http.Client
	Resolver   MXResolver
	Perplexity perplexity.Client
	Anthropic  anthropic.Client
	Salesforce salesforce.Client
	Costs      *cost.Calculator
}

// Build registers every enabled spec into reg.
func Build(fc *FileConfig, deps Deps, reg *Registry) error {
	if fc == nil {
		return eris.New("source: nil config")
	}
	for _, spec := range fc.Sources {
		if spec.Disabled {
			continue
		}
		desc, err := spec.Descriptor()
		if err != nil {
			return err
		}
		adapter, err := newAdapter(spec, deps)
		if err != nil {
			return err
		}
		if _, err := reg.Register(desc, adapter); err != nil {
			return err
		}
	}
	return nil
}

func newAdapter(spec Spec, deps Deps) (Adapter, error) {
	retry := resilience.DefaultRetryConfig()
	if spec.RetryAttempts > 0 {
		retry.MaxAttempts = spec.RetryAttempts
	}

	switch spec.Kind {
	case KindWebsite:
		return NewWebsite(spec.Name, deps.HTTP), nil
	case KindDNS:
		return NewDNS(spec.Name, deps.Resolver), nil
	case KindJSONAPI:
		fields := make(map[model.FieldKey]string, len(spec.Fields))
		for k, path := range spec.Fields {
			key, ok := model.ParseFieldKey(k)
			if !ok {
				return nil, eris.Errorf("source %s: unknown field %q", spec.Name, k)
			}
			fields[key] = path
		}
		var hint model.FieldKey
		if spec.RequireHint != "" {
			k, ok := model.ParseFieldKey(spec.RequireHint)
			if !ok {
				return nil, eris.Errorf("source %s: unknown require_hint %q", spec.Name, spec.RequireHint)
			}
			hint = k
		}
		return NewJSONAPI(spec.Name, deps.HTTP, JSONAPIConfig{
			URL:         spec.URL,
			Headers:     spec.Headers,
			Fields:      fields,
			CostPath:    spec.CostPath,
			RequireHint: hint,
			Retry:       retry,
		})
	case KindSalesforce:
		if deps.Salesforce == nil {
			return nil, eris.Errorf("source %s: salesforce credentials are not configured", spec.Name)
		}
		return NewSalesforce(spec.Name, deps.Salesforce), nil
	case KindPerplexity:
		if deps.Perplexity == nil {
			return nil, eris.Errorf("source %s: perplexity api key is not configured", spec.Name)
		}
		return NewPerplexity(spec.Name, deps.Perplexity, deps.Costs, retry), nil
	case KindAnthropic:
		if deps.Anthropic == nil {
			return nil, eris.Errorf("source %s: anthropic api key is not configured", spec.Name)
		}
		return NewAnthropic(spec.Name, deps.Anthropic, spec.Model, deps.Costs, retry), nil
	default:
		return nil, eris.Errorf("source %s: unknown kind %q", spec.Name, spec.Kind)
	}
}
