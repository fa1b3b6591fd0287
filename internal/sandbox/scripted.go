package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentfront/enclave/pkg/wire"
)

// Scripted is the in-repo stand-in for a real isolation backend: a
// line-oriented interpreter whose observable behaviour (tool calls, output
// limits, timeouts, aborts) matches what the broker expects from any
// adapter.
//
// Dialect, one command per line (# comments and blank lines are free):
//
//	print TEXT                  append TEXT plus newline to stdout
//	set NAME JSON               bind a variable
//	call TOOL JSON              invoke a tool, discard the value
//	call NAME = TOOL JSON       invoke a tool, bind the value
//	trycall NAME = TOOL JSON    invoke, bind {ok, value|error} instead of failing
//	sleep DURATION              pause (10ms, 1s, ...)
//	fail MESSAGE                fail the execution
//	return JSON                 finish with a value
//
// $NAME references are substituted before JSON parsing: JSON-encoded inside
// set/call/return arguments, stringified inside print.
type Scripted struct {
	mu       sync.Mutex
	disposed bool
}

// NewScripted returns a fresh scripted adapter.
func NewScripted() *Scripted {
	return &Scripted{}
}

// ErrDisposed is returned by Execute on a disposed adapter.
var ErrDisposed = errors.New("sandbox: adapter disposed")

var (
	varRef       = regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`)
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	namedCall    = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(\S+)\s*(.*)$`)
	bareCall     = regexp.MustCompile(`^(\S+)\s*(.*)$`)
)

// Execute interprets code line by line.
func (s *Scripted) Execute(ctx context.Context, code string, ec *ExecutionContext) (*ExecutionResult, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	s.mu.Unlock()

	if ec == nil {
		ec = &ExecutionContext{}
	}

	run := &scriptRun{
		parent: ctx,
		ec:     ec,
		vars:   make(map[string]any, len(ec.Globals)),
		start:  time.Now(),
	}
	for k, v := range ec.Globals {
		run.vars[k] = v
	}

	execCtx := ctx
	if ec.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, ec.Timeout)
		defer cancel()
	}
	run.ctx = execCtx

	value, failure := run.interpret(code)
	return run.result(value, failure), nil
}

// Dispose marks the adapter unusable.
func (s *Scripted) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
}

type scriptRun struct {
	parent context.Context
	ctx    context.Context
	ec     *ExecutionContext

	vars       map[string]any
	stdout     strings.Builder
	stdoutSize int64
	toolCalls  int
	iterations int
	start      time.Time
}

func (r *scriptRun) result(value any, failure *SafeError) *ExecutionResult {
	end := time.Now()
	return &ExecutionResult{
		Success: failure == nil,
		Value:   value,
		Error:   failure,
		Stdout:  r.stdout.String(),
		Stats: Stats{
			Duration:       end.Sub(r.start),
			ToolCallCount:  r.toolCalls,
			IterationCount: r.iterations,
			StdoutBytes:    r.stdoutSize,
			StartTime:      r.start,
			EndTime:        end,
		},
	}
}

func (r *scriptRun) interpret(code string) (any, *SafeError) {
	lines := strings.Split(code, "\n")
	for n, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if failure := r.checkLive(); failure != nil {
			return nil, failure
		}

		r.iterations++
		if r.ec.MaxIterations > 0 && r.iterations > r.ec.MaxIterations {
			return nil, NewSafeError(wire.CodeExecutionError,
				fmt.Sprintf("iteration limit of %d exceeded", r.ec.MaxIterations))
		}

		command, rest := splitCommand(line)
		value, done, failure := r.step(command, rest)
		if failure != nil {
			failure.Message = fmt.Sprintf("line %d: %s", n+1, failure.Message)
			return nil, failure
		}
		if done {
			return value, nil
		}
	}
	return nil, nil
}

// step runs one command. done is true only for return.
func (r *scriptRun) step(command, rest string) (value any, done bool, failure *SafeError) {
	switch command {
	case "print":
		return nil, false, r.print(rest)
	case "set":
		return nil, false, r.set(rest)
	case "call":
		return nil, false, r.call(rest, false)
	case "trycall":
		return nil, false, r.call(rest, true)
	case "sleep":
		return nil, false, r.sleep(rest)
	case "fail":
		message := rest
		if message == "" {
			message = "script failed"
		}
		return nil, false, NewSafeError(wire.CodeExecutionError, message)
	case "return":
		v, failure := r.evalJSON(rest)
		if failure != nil {
			return nil, false, failure
		}
		return v, true, nil
	default:
		return nil, false, NewSafeError(wire.CodeExecutionError,
			fmt.Sprintf("unknown command %q", command))
	}
}

func (r *scriptRun) print(text string) *SafeError {
	expanded, failure := r.substitute(text, false)
	if failure != nil {
		return failure
	}
	out := expanded + "\n"
	r.stdoutSize += int64(len(out))
	if r.ec.MaxStdoutBytes > 0 && r.stdoutSize > r.ec.MaxStdoutBytes {
		return NewSafeError(wire.CodeExecutionError,
			fmt.Sprintf("stdout limit of %d bytes exceeded", r.ec.MaxStdoutBytes))
	}
	r.stdout.WriteString(out)
	return nil
}

func (r *scriptRun) set(rest string) *SafeError {
	name, expr, ok := strings.Cut(rest, " ")
	if !ok || !identPattern.MatchString(name) {
		return NewSafeError(wire.CodeExecutionError, "set wants: set NAME JSON")
	}
	v, failure := r.evalJSON(expr)
	if failure != nil {
		return failure
	}
	r.vars[name] = v
	return nil
}

func (r *scriptRun) call(rest string, catch bool) *SafeError {
	var bind, tool, argExpr string
	if m := namedCall.FindStringSubmatch(rest); m != nil {
		bind, tool, argExpr = m[1], m[2], m[3]
	} else if m := bareCall.FindStringSubmatch(rest); m != nil && !catch {
		tool, argExpr = m[1], m[2]
	} else {
		if catch {
			return NewSafeError(wire.CodeExecutionError, "trycall wants: trycall NAME = TOOL JSON")
		}
		return NewSafeError(wire.CodeExecutionError, "call wants: call [NAME =] TOOL JSON")
	}

	args := map[string]any{}
	if strings.TrimSpace(argExpr) != "" {
		v, failure := r.evalJSON(argExpr)
		if failure != nil {
			return failure
		}
		m, ok := v.(map[string]any)
		if !ok {
			return NewSafeError(wire.CodeExecutionError,
				fmt.Sprintf("%s args must be a JSON object", tool))
		}
		args = m
	}

	if r.ec.ToolHandler == nil {
		return NewSafeError(wire.CodeExecutionError, "no tool handler available")
	}

	r.toolCalls++
	value, err := r.ec.ToolHandler(r.ctx, tool, args)
	if err != nil {
		if failure := r.checkLive(); failure != nil {
			return failure
		}
		code := wire.CodeOf(err)
		if catch {
			r.vars[bind] = map[string]any{
				"ok": false,
				"error": map[string]any{
					"code":    string(code),
					"message": wire.MessageOf(err),
				},
			}
			return nil
		}
		return NewSafeError(code, wire.MessageOf(err))
	}

	if bind != "" {
		if catch {
			r.vars[bind] = map[string]any{"ok": true, "value": value}
		} else {
			r.vars[bind] = value
		}
	}
	return nil
}

func (r *scriptRun) sleep(rest string) *SafeError {
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil {
		return NewSafeError(wire.CodeExecutionError, fmt.Sprintf("sleep: %v", err))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-r.ctx.Done():
		return r.checkLive()
	}
}

// checkLive maps context termination onto the abort/timeout split: a done
// parent means the broker aborted the session, the adapter's own deadline
// means the execution timed out.
func (r *scriptRun) checkLive() *SafeError {
	select {
	case <-r.ctx.Done():
	default:
		return nil
	}
	if r.parent.Err() != nil {
		return NewSafeError(wire.CodeExecutionAborted, "execution aborted")
	}
	return NewSafeError(wire.CodeExecutionTimeout, "execution timed out")
}

// evalJSON substitutes $NAME references and parses the result as JSON.
func (r *scriptRun) evalJSON(expr string) (any, *SafeError) {
	expanded, failure := r.substitute(strings.TrimSpace(expr), true)
	if failure != nil {
		return nil, failure
	}
	if expanded == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(expanded), &v); err != nil {
		return nil, NewSafeError(wire.CodeExecutionError, fmt.Sprintf("bad JSON %q: %v", expanded, err))
	}
	return v, nil
}

func (r *scriptRun) substitute(text string, jsonContext bool) (string, *SafeError) {
	var failure *SafeError
	out := varRef.ReplaceAllStringFunc(text, func(ref string) string {
		if failure != nil {
			return ref
		}
		name := ref[1:]
		value, ok := r.vars[name]
		if !ok {
			failure = NewSafeError(wire.CodeExecutionError,
				fmt.Sprintf("undefined reference $%s", name))
			return ref
		}
		if !jsonContext {
			if s, ok := value.(string); ok {
				return s
			}
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			failure = NewSafeError(wire.CodeExecutionError,
				fmt.Sprintf("unserializable reference $%s", name))
			return ref
		}
		return string(encoded)
	})
	if failure != nil {
		return "", failure
	}
	return out, nil
}

func splitCommand(line string) (string, string) {
	command, rest, _ := strings.Cut(line, " ")
	return command, strings.TrimSpace(rest)
}
