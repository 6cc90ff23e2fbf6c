package sqlutil

import (
	"strconv"
	"strings"
)

func QuoteIdentifier(name, quote string) string {
	return quote + escapeIdentifier(name, quote) + quote
}

func escapeIdentifier(name, quote string) string {
	if name == "" {
		return ""
	}
	escapedQuote := quote + quote
	return strings.ReplaceAll(name, quote, escapedQuote)
}

// Args collects query arguments and renders their placeholders, either
// numbered ($1, $2) or positional (?).
type Args struct {
	numbered bool
	values   []any
}

func NewArgs(numbered bool) *Args {
	return &Args{numbered: numbered}
}

// Arg records v and returns its placeholder.
func (a *Args) Arg(v any) string {
	a.values = append(a.values, v)
	if a.numbered {
		return "$" + strconv.Itoa(len(a.values))
	}
	return "?"
}

// List records vs and returns their comma separated placeholders.
func (a *Args) List(vs []any) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = a.Arg(v)
	}
	return strings.Join(parts, ", ")
}

func (a *Args) Values() []any {
	return a.values
}
