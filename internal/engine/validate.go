package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// executeValidate runs the resolved validation stages with up to retry
// re-attempts. The optional on_failure step runs before each retry; its
// errors are logged and swallowed so the retry loop always proceeds.
// Total attempts = 1 + retry.
func (e *Executor) executeValidate(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback) (interface{}, []*execcontext.StepResult, error) {
	stages, err := resolveStages(step.Stages, ec.Config)
	if err != nil {
		return nil, nil, err
	}
	// No config or an empty resolved stage list means nothing to run: the
	// step succeeds vacuously with zero attempts and the host is not called.
	if ec.Config == nil || len(stages) == 0 {
		return map[string]interface{}{
			"stages":   stages,
			"attempts": 0,
			"success":  true,
		}, nil, nil
	}

	var nested []*execcontext.StepResult
	attempts := 0
	var lastOutput string

	for attempt := 0; attempt <= step.Retry; attempt++ {
		if attempt > 0 && step.OnFailure != nil {
			// on_failure failures never abort the retry loop.
			result := e.ExecuteStep(ctx, step.OnFailure, ec, cb)
			nested = append(nested, result)
			if !result.Success {
				log.Warn().
					Str("step", step.Name).
					Str("on_failure", step.OnFailure.Name).
					Str("error", result.Error).
					Msg("on_failure step failed, continuing retries")
			}
		}

		attempts++
		outcome, err := ec.Config.RunValidationStages(ctx, stages)
		if err != nil {
			lastOutput = err.Error()
			log.Debug().Str("step", step.Name).Int("attempt", attempts).Err(err).Msg("Validation attempt errored")
			continue
		}
		lastOutput = outcome.Output
		if outcome.Success {
			return map[string]interface{}{
				"stages":   stages,
				"attempts": attempts,
				"success":  true,
				"output":   outcome.Output,
			}, nested, nil
		}
		log.Debug().Str("step", step.Name).Int("attempt", attempts).Msg("Validation attempt failed")
	}

	return map[string]interface{}{
		"stages":   stages,
		"attempts": attempts,
		"success":  false,
		"output":   lastOutput,
	}, nested, fmt.Errorf("validation failed after %d attempts (%d retries): %s", attempts, step.Retry, lastOutput)
}

// resolveStages resolves a validate step's stage specification against the
// config: explicit list as-is, string key through the named-stage table,
// absent means the configured defaults.
func resolveStages(spec *ast.StageSpec, cfg execcontext.Config) ([]string, error) {
	if spec == nil {
		if cfg == nil {
			return nil, nil
		}
		return cfg.ValidationStages(), nil
	}
	if len(spec.List) > 0 {
		return spec.List, nil
	}
	if spec.Key != "" {
		if cfg == nil {
			return nil, fmt.Errorf("stage key %q: no config to resolve against", spec.Key)
		}
		stages, ok := cfg.NamedStages(spec.Key)
		if !ok {
			return nil, fmt.Errorf("stage key %q not found in config", spec.Key)
		}
		return stages, nil
	}
	if cfg == nil {
		return nil, nil
	}
	return cfg.ValidationStages(), nil
}
