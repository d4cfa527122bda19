package redact

import (
	"regexp"
)

// Placeholder replaces every matched secret.
const Placeholder = "[REDACTED]"

// Rule is a single pattern and its replacement template (regexp.Expand syntax).
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor masks secrets in captured subprocess output.
// It holds no mutable state and is safe for concurrent use.
type Redactor struct {
	rules []Rule
}

// secretKey matches credential-like key names, optionally prefixed (db_password).
const secretKey = `(?:[a-z0-9]+[_\-])*(?:password|passwd|secret|token|api[_\-]?key|apikey|access[_\-]?key|client[_\-]?secret)`

var defaultRules = []Rule{
	{
		Name:        "pem-private-key",
		Pattern:     regexp.MustCompile(`-----BEGIN ([A-Z ]*)PRIVATE KEY-----[\s\S]*?-----END ([A-Z ]*)PRIVATE KEY-----`),
		Replacement: "-----BEGIN ${1}PRIVATE KEY-----" + Placeholder + "-----END ${2}PRIVATE KEY-----",
	},
	{
		Name:        "bearer",
		Pattern:     regexp.MustCompile(`(?i)\b(bearer)(\s+)[A-Za-z0-9\-._~+/]+=*`),
		Replacement: "${1}${2}" + Placeholder,
	},
	{
		Name:        "basic-auth",
		Pattern:     regexp.MustCompile(`(?i)\b(authorization\s*[:=]\s*basic)(\s+)[A-Za-z0-9+/]+=*`),
		Replacement: "${1}${2}" + Placeholder,
	},
	{
		Name:        "url-credentials",
		Pattern:     regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9+.\-]*://[^:/@\s]+:)[^@/\s]+@`),
		Replacement: "${1}" + Placeholder + "@",
	},
	{
		Name:        "key-value-double-quoted",
		Pattern:     regexp.MustCompile(`(?i)\b(` + secretKey + `)(["']?\s*[=:]\s*)"[^"\n]*"`),
		Replacement: `${1}${2}"` + Placeholder + `"`,
	},
	{
		Name:        "key-value-single-quoted",
		Pattern:     regexp.MustCompile(`(?i)\b(` + secretKey + `)(["']?\s*[=:]\s*)'[^'\n]*'`),
		Replacement: "${1}${2}'" + Placeholder + "'",
	},
	{
		Name:        "key-value",
		Pattern:     regexp.MustCompile(`(?i)\b(` + secretKey + `)(["']?\s*[=:]\s*["']?)([^\s"'&,;]+)`),
		Replacement: "${1}${2}" + Placeholder,
	},
	{
		Name:        "github-token",
		Pattern:     regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})\b`),
		Replacement: Placeholder,
	},
	{
		Name:        "aws-access-key-id",
		Pattern:     regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		Replacement: Placeholder,
	},
	{
		Name:        "slack-token",
		Pattern:     regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9\-]{10,}\b`),
		Replacement: Placeholder,
	},
}

// Default returns a Redactor with the built-in rule set.
func Default() *Redactor { return New() }

// New returns a Redactor with the built-in rules followed by extra.
func New(extra ...Rule) *Redactor {
	rules := make([]Rule, 0, len(defaultRules)+len(extra))
	rules = append(rules, defaultRules...)
	for _, r := range extra {
		if r.Pattern == nil {
			continue
		}
		if r.Replacement == "" {
			r.Replacement = Placeholder
		}
		rules = append(rules, r)
	}
	return &Redactor{rules: rules}
}

// Patterns compiles plain patterns into rules that replace the whole match.
func Patterns(exprs ...string) ([]Rule, error) {
	out := make([]Rule, 0, len(exprs))
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, err
		}
		out = append(out, Rule{Name: e, Pattern: re, Replacement: Placeholder})
	}
	return out, nil
}

// Redact returns s with every rule applied in order.
func (r *Redactor) Redact(s string) string {
	if r == nil || s == "" {
		return s
	}
	for _, rule := range r.rules {
		s = rule.Pattern.ReplaceAllString(s, rule.Replacement)
	}
	return s
}
