package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Call is one complete, assembled tool invocation handed down by the
// orchestrator. Malformed is set when the argument payload failed to parse
// during stream assembly; the executor rejects such calls with a structured
// error instead of running the handler on guessed input.
type Call struct {
	ID            string
	Name          string
	ArgumentsJSON string
	Malformed     bool
}

// Executor runs assembled tool calls against the registry. One Executor
// serves exactly one orchestration pass: the seen set gives the at-most-once
// guarantee per tool-call id within that pass, and nothing more. Client
// retries of a whole turn get a fresh Executor and may re-invoke handlers.
type Executor struct {
	reg  *Registry
	seen map[string]bool
}

func NewExecutor(reg *Registry) *Executor {
	return &Executor{reg: reg, seen: make(map[string]bool)}
}

// Execute validates and runs one call. Every failure mode short of a
// programming error comes back as a Result with Success=false; the
// conversation is never aborted because the model asked for something wrong.
func (e *Executor) Execute(ctx context.Context, call Call, tc Context) Result {
	if call.ID != "" {
		if e.seen[call.ID] {
			return ErrorResult(fmt.Sprintf("tool call %s already executed", call.ID))
		}
		e.seen[call.ID] = true
	}

	def, handler, err := e.reg.Get(call.Name)
	if err != nil {
		if errors.Is(err, ErrUnknownTool) {
			return ErrorResult("unknown tool")
		}
		return ErrorResult(err.Error())
	}

	if call.Malformed {
		return ErrorResult(fmt.Sprintf("tool %s: arguments were not valid JSON", call.Name))
	}

	args, err := parseArgs(call.ArgumentsJSON)
	if err != nil {
		return ErrorResult(fmt.Sprintf("tool %s: %v", call.Name, err))
	}
	if missing := missingRequired(def, args); len(missing) > 0 {
		return ErrorResult(fmt.Sprintf("tool %s: missing required arguments: %s",
			call.Name, strings.Join(missing, ", ")))
	}

	out, err := handler(ctx, args, tc)
	if err != nil {
		return ErrorResult(err.Error())
	}

	res := Result{Success: true}
	if out != nil {
		res.ArtifactID = out.ArtifactID
		if out.Value != nil {
			data, err := json.Marshal(out.Value)
			if err != nil {
				return ErrorResult(fmt.Sprintf("tool %s: result not serializable: %v", call.Name, err))
			}
			res.Data = data
		}
	}
	return res
}

func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments were not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func missingRequired(def Definition, args map[string]any) []string {
	var missing []string
	for _, name := range def.RequiredFields() {
		v, ok := args[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
