package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

const profileSystemPrompt = `You are a company research assistant. Answer with a single JSON object and nothing else.
Use only these keys: %s.
Omit any key you cannot verify. Use plain strings; numbers may be JSON numbers.
employee_count is a headcount, annual_revenue is USD per year, founded_year is a four digit year.`

// profilePrompts builds the system and user prompts for an LLM company profile.
func profilePrompts(req Request) (system, user string) {
	keys := make([]string, len(model.FieldKeys))
	for i, k := range model.FieldKeys {
		keys[i] = string(k)
	}
	system = fmt.Sprintf(profileSystemPrompt, strings.Join(keys, ", "))

	var b strings.Builder
	fmt.Fprintf(&b, "Company website domain: %s\n", req.Domain)
	if known := req.Hints.Compact(); len(known) > 0 {
		b.WriteString("Already known (may help disambiguate):\n")
		for _, k := range known.Keys() {
			fmt.Fprintf(&b, "- %s: %s\n", k, known[k])
		}
	}
	b.WriteString("Return the JSON profile.")
	return system, b.String()
}

// parseProfileJSON extracts the first JSON object from an LLM answer and maps
// its known keys onto Fields. Unknown keys, nulls and nested values are dropped.
func parseProfileJSON(text string) (model.Fields, error) {
	obj := extractJSONObject(text)
	if obj == "" {
		return nil, resilience.NewExternalError(model.ErrorKindParse, 0,
			eris.New("llm: no json object in response"))
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, resilience.NewExternalError(model.ErrorKindParse, 0,
			eris.Wrap(err, "llm: decode json object"))
	}

	out := make(model.Fields, len(raw))
	for k, v := range raw {
		key, ok := model.ParseFieldKey(k)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			out[key] = val
		case float64:
			out[key] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return out.Compact(), nil
}

// extractJSONObject returns the outermost {...} span, skipping code fences
// and prose around it.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// classifyAPIError turns a provider client error into an external error
// carrying the HTTP status when one is known.
func classifyAPIError(name string, status int, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if status > 0 {
		return resilience.NewExternalError(model.ErrorKindHTTP, status, eris.Wrapf(err, "%s: api", name))
	}
	return classifyTransportError(name, err)
}
