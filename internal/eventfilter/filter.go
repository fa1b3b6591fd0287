// Package eventfilter evaluates include/exclude rules against stream events
// before they leave the broker.
//
// A filter is compiled once per subscriber and is immutable afterwards, so
// evaluation needs no locking. Regex and glob patterns are pre-compiled at
// construction; inputs longer than a fixed ceiling are rejected without
// evaluation.
package eventfilter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentfront/enclave/pkg/wire"
)

// Mode selects whether matching rules include or exclude events.
type Mode string

const (
	// ModeInclude sends only events matched by at least one rule.
	ModeInclude Mode = "include"

	// ModeExclude sends every event not matched by any rule.
	ModeExclude Mode = "exclude"
)

// Pattern kinds.
const (
	PatternExact  = "exact"
	PatternPrefix = "prefix"
	PatternRegex  = "regex"
	PatternGlob   = "glob"
)

// MaxPatternInput is the evaluation ceiling. Values longer than this are
// never matched against a pattern.
const MaxPatternInput = 10_000

// DefaultAlwaysAllow are the event types that bypass filtering when the
// config leaves alwaysAllow unset. Terminal and liveness events must reach
// the client regardless of filter rules.
var DefaultAlwaysAllow = []wire.EventType{
	wire.EventFinal,
	wire.EventError,
	wire.EventHeartbeat,
}

// Config is the wire shape of a filter, accepted in the POST /sessions body
// and the stream endpoint's filter query parameter.
type Config struct {
	Mode  Mode   `json:"mode"`
	Rules []Rule `json:"rules,omitempty"`

	// AlwaysAllow lists event types that bypass the rules. nil means the
	// default set {final, error, heartbeat}; an explicit empty list means
	// no bypass at all.
	AlwaysAllow []wire.EventType `json:"alwaysAllow"`
}

// Rule matches an event when both sub-filters match. A missing sub-filter is
// vacuously true.
type Rule struct {
	Types   []wire.EventType `json:"types,omitempty"`
	Content *ContentFilter   `json:"content,omitempty"`
}

// ContentFilter matches event content against one or more patterns.
type ContentFilter struct {
	Patterns []Pattern `json:"patterns"`

	// Match is "any" (default) or "all".
	Match string `json:"match,omitempty"`
}

// Pattern matches a single value extracted from the event.
type Pattern struct {
	// Type is one of exact, prefix, regex, glob.
	Type string `json:"type"`

	// Field is a dotted path into the event object, for example
	// "payload.toolName". Empty matches against the whole event as JSON.
	Field string `json:"field,omitempty"`

	Pattern string `json:"pattern"`

	CaseInsensitive bool `json:"caseInsensitive,omitempty"`
}

// Filter is a compiled, immutable rule set.
type Filter struct {
	mode        Mode
	rules       []compiledRule
	alwaysAllow map[wire.EventType]bool
	onError     func(error)
}

type compiledRule struct {
	types   map[wire.EventType]bool
	content *compiledContent
}

type compiledContent struct {
	matchAll bool
	patterns []compiledPattern
}

type compiledPattern struct {
	kind    string
	path    []string
	literal string
	re      *regexp.Regexp
	fold    bool
}

// New compiles cfg. onError receives evaluation-time problems (oversized
// inputs, unserializable events) and compile-time backtracking warnings; nil
// disables the hook. A non-nil error means the config is invalid and must be
// surfaced to the client as INVALID_FILTER.
func New(cfg Config, onError func(error)) (*Filter, error) {
	if cfg.Mode != ModeInclude && cfg.Mode != ModeExclude {
		return nil, fmt.Errorf("filter mode must be %q or %q, got %q", ModeInclude, ModeExclude, cfg.Mode)
	}

	f := &Filter{
		mode:        cfg.Mode,
		alwaysAllow: make(map[wire.EventType]bool),
		onError:     onError,
	}

	allow := cfg.AlwaysAllow
	if allow == nil {
		allow = DefaultAlwaysAllow
	}
	for _, t := range allow {
		if !wire.KnownEventType(t) {
			return nil, fmt.Errorf("alwaysAllow contains unknown event type %q", t)
		}
		f.alwaysAllow[t] = true
	}

	for i, rule := range cfg.Rules {
		compiled, err := compileRule(rule, onError)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		f.rules = append(f.rules, compiled)
	}

	return f, nil
}

// Parse decodes a JSON filter config and compiles it.
func Parse(raw []byte, onError func(error)) (*Filter, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return New(cfg, onError)
}

func compileRule(rule Rule, onError func(error)) (compiledRule, error) {
	var out compiledRule

	if len(rule.Types) > 0 {
		out.types = make(map[wire.EventType]bool, len(rule.Types))
		for _, t := range rule.Types {
			if !wire.KnownEventType(t) {
				return out, fmt.Errorf("unknown event type %q", t)
			}
			out.types[t] = true
		}
	}

	if rule.Content != nil {
		content, err := compileContent(*rule.Content, onError)
		if err != nil {
			return out, err
		}
		out.content = content
	}

	return out, nil
}

func compileContent(cf ContentFilter, onError func(error)) (*compiledContent, error) {
	if len(cf.Patterns) == 0 {
		return nil, fmt.Errorf("content filter has no patterns")
	}

	out := &compiledContent{}
	switch cf.Match {
	case "", "any":
		out.matchAll = false
	case "all":
		out.matchAll = true
	default:
		return nil, fmt.Errorf("content match must be \"any\" or \"all\", got %q", cf.Match)
	}

	for i, p := range cf.Patterns {
		compiled, err := compilePattern(p, onError)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		out.patterns = append(out.patterns, compiled)
	}
	return out, nil
}

func compilePattern(p Pattern, onError func(error)) (compiledPattern, error) {
	out := compiledPattern{
		kind: p.Type,
		fold: p.CaseInsensitive,
	}
	if p.Field != "" {
		out.path = strings.Split(p.Field, ".")
	}

	switch p.Type {
	case PatternExact, PatternPrefix:
		out.literal = p.Pattern

	case PatternRegex:
		if suspectsBacktracking(p.Pattern) && onError != nil {
			onError(fmt.Errorf("pattern %q has nested quantifiers", p.Pattern))
		}
		expr := p.Pattern
		if p.CaseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return out, fmt.Errorf("compile regex %q: %w", p.Pattern, err)
		}
		out.re = re

	case PatternGlob:
		expr := globToRegex(p.Pattern)
		if p.CaseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return out, fmt.Errorf("compile glob %q: %w", p.Pattern, err)
		}
		out.re = re

	default:
		return out, fmt.Errorf("unknown pattern type %q", p.Type)
	}

	return out, nil
}

// globToRegex translates a glob into an anchored regex: * matches any run of
// characters, ? matches one, everything else is literal.
func globToRegex(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// suspectsBacktracking reports whether a quantified group itself contains a
// quantifier, the shape that explodes under backtracking engines. The regexp
// package runs RE2 and is immune, but filters are often copied to clients
// that are not.
func suspectsBacktracking(pattern string) bool {
	depth := 0
	quantified := make([]bool, 0, 8)
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '\\':
			i++
		case '(':
			depth++
			quantified = append(quantified, false)
		case ')':
			if depth == 0 {
				return false
			}
			depth--
			inner := quantified[len(quantified)-1]
			quantified = quantified[:len(quantified)-1]
			if i+1 < len(pattern) {
				next := pattern[i+1]
				if inner && (next == '*' || next == '+' || next == '{') {
					return true
				}
			}
		case '*', '+', '{':
			if len(quantified) > 0 {
				quantified[len(quantified)-1] = true
			}
		}
	}
	return false
}

// ShouldSend reports whether ev passes the filter.
func (f *Filter) ShouldSend(ev *wire.Event) bool {
	if f.alwaysAllow[ev.Type] {
		return true
	}
	matched := f.anyRuleMatches(ev)
	if f.mode == ModeInclude {
		return matched
	}
	return !matched
}

func (f *Filter) anyRuleMatches(ev *wire.Event) bool {
	var (
		evMap  map[string]any
		evJSON string
		err    error
	)
	lazyMap := func() map[string]any {
		if evMap == nil && err == nil {
			evMap, err = wire.ToMap(ev)
			if err != nil {
				f.reportError(fmt.Errorf("filter: event not serializable: %w", err))
			}
		}
		return evMap
	}
	lazyJSON := func() string {
		if evJSON == "" {
			raw, jerr := json.Marshal(ev)
			if jerr != nil {
				f.reportError(fmt.Errorf("filter: event not serializable: %w", jerr))
				return ""
			}
			evJSON = string(raw)
		}
		return evJSON
	}

	for _, rule := range f.rules {
		if rule.types != nil && !rule.types[ev.Type] {
			continue
		}
		if rule.content == nil {
			return true
		}
		if f.contentMatches(rule.content, lazyMap, lazyJSON) {
			return true
		}
	}
	return false
}

func (f *Filter) contentMatches(content *compiledContent, lazyMap func() map[string]any, lazyJSON func() string) bool {
	for _, p := range content.patterns {
		var value string
		var ok bool
		if len(p.path) == 0 {
			value = lazyJSON()
			ok = value != ""
		} else {
			value, ok = extractField(lazyMap(), p.path)
		}

		matched := false
		if ok {
			if len(value) > MaxPatternInput {
				f.reportError(fmt.Errorf("filter: value at %q exceeds %d bytes, skipping match", strings.Join(p.path, "."), MaxPatternInput))
			} else {
				matched = p.match(value)
			}
		}

		if content.matchAll && !matched {
			return false
		}
		if !content.matchAll && matched {
			return true
		}
	}
	return content.matchAll
}

func (p *compiledPattern) match(value string) bool {
	switch p.kind {
	case PatternExact:
		if p.fold {
			return strings.EqualFold(value, p.literal)
		}
		return value == p.literal
	case PatternPrefix:
		if p.fold {
			return len(value) >= len(p.literal) && strings.EqualFold(value[:len(p.literal)], p.literal)
		}
		return strings.HasPrefix(value, p.literal)
	case PatternRegex, PatternGlob:
		return p.re.MatchString(value)
	}
	return false
}

// extractField walks a dotted path through nested JSON objects. Missing
// segments mean no match. Strings are returned as-is; other values are
// JSON-encoded.
func extractField(m map[string]any, path []string) (string, bool) {
	if m == nil {
		return "", false
	}
	var current any = m
	for _, segment := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = obj[segment]
		if !ok {
			return "", false
		}
	}
	if s, ok := current.(string); ok {
		return s, true
	}
	raw, err := json.Marshal(current)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (f *Filter) reportError(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}
