// Package threat classifies free-text input for injection-shaped content.
//
// Classify is pure and stateless so handlers can call it on every inbound
// message without locking. Matchers run in priority order and the first
// hit wins; a prompt-injection attempt that also contains SQL keywords is
// reported as prompt injection, not as the "most severe" category.
package threat

import (
	"regexp"
	"strings"
)

// Category identifies the class of threat found in a piece of text.
// The empty category means the text is clean.
type Category string

const (
	CategoryNone             Category = ""
	CategoryPromptInjection  Category = "prompt_injection"
	CategoryMarkupInjection  Category = "markup_injection"
	CategorySQLInjection     Category = "sql_injection"
	CategoryCommandInjection Category = "command_injection"
	CategoryPathTraversal    Category = "path_traversal"
	CategoryPolicyViolation  Category = "policy_violation"
)

// Severity returns the abuse-scoring weight for a category.
func (c Category) Severity() int {
	switch c {
	case CategorySQLInjection, CategoryCommandInjection:
		return 7
	case CategoryPromptInjection, CategoryMarkupInjection:
		return 5
	case CategoryPathTraversal:
		return 4
	case CategoryPolicyViolation:
		return 2
	default:
		return 0
	}
}

// MaxTextLength is the longest input accepted before the text is treated
// as a policy violation regardless of content.
const MaxTextLength = 4096

// matcher pairs a category with the patterns that indicate it.
type matcher struct {
	category Category
	patterns []*regexp.Regexp
}

// matchers are evaluated in this order. Order is part of the contract:
// callers depend on the first-match category for scoring and logging.
var matchers = []matcher{
	{
		category: CategoryPromptInjection,
		patterns: compile(
			`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts?|rules)`,
			`(?i)disregard\s+(your|the|all)\s+(instructions|system\s+prompt|rules)`,
			`(?i)you\s+are\s+now\s+(a|an|in)\b`,
			`(?i)\bsystem\s*prompt\b`,
			`(?i)\bjailbreak\b`,
			`(?i)pretend\s+(you\s+are|to\s+be)\b`,
		),
	},
	{
		category: CategoryMarkupInjection,
		patterns: compile(
			`(?i)<\s*script`,
			`(?i)javascript:`,
			`(?i)\bon\w+\s*=`,
			`(?i)data:text/html`,
			`(?i)vbscript:`,
			`\{\{.*\}\}`,
			`\$\{.*\}`,
			`(?i)__proto__|\bconstructor\b|\bprototype\b`,
		),
	},
	{
		category: CategorySQLInjection,
		patterns: compile(
			`(?i)('|")\s*(or|and)\s*('|"|\d)`,
			`(?i);\s*(drop|delete|update|insert|alter)\b`,
			`(?i)union\s+select`,
			`--\s*$`,
			`/\*.*\*/`,
		),
	},
	{
		category: CategoryCommandInjection,
		patterns: compile(
			`&&|\|\|`,
			`;\s*\w+`,
			`\$\(`,
			"`[^`]*`",
			`(?i)\beval\b`,
			`(?i)\bexec\b`,
		),
	},
	{
		category: CategoryPathTraversal,
		patterns: compile(
			`\.\./|\.\.\\`,
			`(?i)%2e%2e(%2f|%5c)`,
			`(?i)/etc/(passwd|shadow)`,
		),
	},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// Classify returns the first matching threat category for text, or
// CategoryNone if the text is clean. Empty text is always clean.
func Classify(text string) Category {
	if text == "" {
		return CategoryNone
	}

	for _, m := range matchers {
		for _, p := range m.patterns {
			if p.MatchString(text) {
				return m.category
			}
		}
	}

	// Generic policy checks run last so a recognizable attack shape is
	// reported as its own category even when the input is also oversized.
	if len(text) > MaxTextLength || strings.ContainsRune(text, '\x00') {
		return CategoryPolicyViolation
	}

	return CategoryNone
}

// Sanitize truncates text to maxLen, strips control characters, and
// escapes HTML metacharacters for safe re-display.
func Sanitize(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen]
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 32 && r != '\n' && r != '\t' {
			continue
		}
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#x27;")
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
