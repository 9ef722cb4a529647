package logger

import (
	"fmt"
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// redactionRule masks what its pattern matches. When the pattern has a
// capture group named "keep", that part of the match survives, so a field
// name or auth scheme stays readable.
type redactionRule struct {
	name    string
	pattern *regexp.Regexp
	keep    int
}

func newRule(name, pattern string) (redactionRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return redactionRule{}, fmt.Errorf("invalid redaction rule %q: %w", name, err)
	}
	return redactionRule{name: name, pattern: re, keep: re.SubexpIndex("keep")}, nil
}

func mustRule(name, pattern string) redactionRule {
	r, err := newRule(name, pattern)
	if err != nil {
		panic(err)
	}
	return r
}

var defaultRules = []redactionRule{
	mustRule("anthropic", `sk-ant-[a-zA-Z0-9_-]{20,}`),
	mustRule("openai", `sk-[a-zA-Z0-9_-]{20,}`),
	mustRule("google", `AIza[0-9A-Za-z_-]{35}`),
	mustRule("aws-access-key", `(?:AKIA|ASIA)[0-9A-Z]{16}`),
	mustRule("bearer", `(?P<keep>Bearer\s+)[a-zA-Z0-9._~+/-]+=*`),
	mustRule("shared-secret", `(?i)(?P<keep>(?:secret|password|api_key|apikey)["']?\s*[:=]\s*["']?)[^\s"',}&]+`),
}

// Redactor masks provider credentials and similar secrets in log output.
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a redactor with the default rules.
func NewRedactor() *Redactor {
	rules := make([]redactionRule, len(defaultRules))
	copy(rules, defaultRules)
	return &Redactor{rules: rules}
}

// AddRule adds a named pattern. A group named "keep" is preserved.
func (r *Redactor) AddRule(name, pattern string) error {
	rule, err := newRule(name, pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule)
	return nil
}

// Redact masks every secret in s.
func (r *Redactor) Redact(s string) string {
	return string(r.redactBytes([]byte(s)))
}

func (r *Redactor) redactBytes(b []byte) []byte {
	for _, rule := range r.rules {
		b = rule.apply(b)
	}
	return b
}

func (rule redactionRule) apply(b []byte) []byte {
	if rule.keep < 0 {
		return rule.pattern.ReplaceAll(b, []byte(redacted))
	}
	return rule.pattern.ReplaceAllFunc(b, func(match []byte) []byte {
		sub := rule.pattern.FindSubmatch(match)
		out := make([]byte, 0, len(sub[rule.keep])+len(redacted))
		out = append(out, sub[rule.keep]...)
		return append(out, redacted...)
	})
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return redactingWriter{next: w, redactor: r}
}

type redactingWriter struct {
	next     io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; zerolog treats a shorter count as a
// short write.
func (w redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.next.Write(w.redactor.redactBytes(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
