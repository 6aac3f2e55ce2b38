package enrich

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/tasks"
)

// DeepTaskName is the task function that runs EnrichDeep in the background.
const DeepTaskName = "enrich_deep"

// DeepArgs is the task payload for DeepTaskName.
type DeepArgs struct {
	Key     string       `json:"key"`
	Context model.Fields `json:"context,omitempty"`
}

// DeepTaskHandler adapts EnrichDeep to the task queue. Malformed payloads and
// invalid keys are permanent failures.
func (s *Service) DeepTaskHandler() tasks.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args DeepArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, tasks.Permanent(eris.Wrap(err, "enrich: decode deep task args"))
		}
		rec, err := s.EnrichDeep(ctx, args.Key, args.Context)
		if err != nil {
			if errors.Is(err, ErrInvalidKey) {
				return nil, tasks.Permanent(err)
			}
			return nil, err
		}
		return rec, nil
	}
}

// SubmitDeep enqueues background deep enrichment for rawKey.
func SubmitDeep(ctx context.Context, q tasks.Queue, rawKey string, callerContext model.Fields, priority tasks.Priority) (string, error) {
	domain, err := NormalizeKey(rawKey)
	if err != nil {
		return "", err
	}
	id, err := q.Enqueue(ctx, DeepTaskName, DeepArgs{Key: domain, Context: callerContext}, priority)
	if err != nil {
		return "", eris.Wrapf(err, "enrich: enqueue deep %s", domain)
	}
	return id, nil
}
