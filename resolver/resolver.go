package resolver

import (
	"fmt"
	"strconv"
	"strings"
)

// ContextReader is the minimal read surface the resolver needs from a
// context store: keyed lookup plus the full key set for diagnostics.
type ContextReader interface {
	Get(key string) interface{}
	Keys() []string
}

// Result is the outcome of resolving one value: the resolved value and
// any placeholder references that could not be satisfied at all (every
// alternative in the fallback chain failed and there was no literal
// fallback).
type Result struct {
	Value      interface{}
	Unresolved []string
}

// Resolve walks value — which may be a scalar, a []interface{}, or a
// map[string]interface{} — and replaces every `{{...}}` template found
// in a string scalar, recursing through sequences and mappings. Every
// other scalar type passes through unchanged. The resolver never
// returns an error; unresolved references are reported in Result.
func Resolve(value interface{}, ctx ContextReader) Result {
	var unresolved []string
	resolved := resolveValue(value, ctx, &unresolved)
	return Result{Value: resolved, Unresolved: unresolved}
}

func resolveValue(value interface{}, ctx ContextReader, unresolved *[]string) interface{} {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx, unresolved)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, ctx, unresolved)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = resolveValue(item, ctx, unresolved)
		}
		return out
	default:
		return value
	}
}

func resolveString(raw string, ctx ContextReader, unresolved *[]string) interface{} {
	tpl := Parse(raw)
	return ResolveTemplate(tpl, ctx, unresolved)
}

// ResolveTemplate evaluates an already-parsed Template. Resolve calls it
// with a freshly parsed Template for every string; nothing in the engine
// keeps a Template between evaluations.
func ResolveTemplate(tpl *Template, ctx ContextReader, unresolved *[]string) interface{} {
	if tpl.SingleRef {
		if ref, ok := tpl.Nodes[0].(Ref); ok {
			val, found := resolveRef(ref, ctx, unresolved)
			if !found {
				return ""
			}
			return val
		}
	}

	var sb strings.Builder
	for _, node := range tpl.Nodes {
		switch n := node.(type) {
		case Literal:
			sb.WriteString(n.Text)
		case Ref:
			val, found := resolveRef(n, ctx, unresolved)
			if !found {
				continue
			}
			sb.WriteString(stringify(val))
		}
	}
	return sb.String()
}

// resolveRef evaluates the fallback chain of one Ref, returning the
// first alternative whose value is non-null/non-empty. A literal
// alternative always "succeeds" (even if empty), since literals are the
// documented escape hatch for defaulting.
func resolveRef(ref Ref, ctx ContextReader, unresolved *[]string) (interface{}, bool) {
	last := len(ref.Alternatives) - 1
	for i, alt := range ref.Alternatives {
		if alt.IsLiteral {
			return alt.Literal, true
		}
		val, ok := lookupPath(alt.Path, ctx)
		if !ok {
			continue
		}
		// Only treat an empty string as "absent" when deciding whether to
		// fall through to a later alternative; a direct (non-fallback, or
		// final-alternative) lookup returns its value verbatim, including
		// empty string.
		if i < last && isNullOrEmpty(val) {
			continue
		}
		return val, true
	}
	*unresolved = append(*unresolved, fmt.Sprintf("{{%s}}", describeRef(ref)))
	return nil, false
}

func describeRef(ref Ref) string {
	parts := make([]string, 0, len(ref.Alternatives))
	for _, alt := range ref.Alternatives {
		if alt.IsLiteral {
			parts = append(parts, fmt.Sprintf("%q", alt.Literal))
			continue
		}
		parts = append(parts, strings.Join(alt.Path, "."))
	}
	return strings.Join(parts, "||")
}

// lookupPath walks path against ctx: the first segment is a context
// key, every subsequent segment is either a map key or a "[N]" index
// into a sequence. A missing key and an existing-but-nil value, at any
// depth, are both reported as "not found".
func lookupPath(path []string, ctx ContextReader) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	current := ctx.Get(path[0])
	if current == nil {
		return nil, false
	}
	for _, seg := range path[1:] {
		if idx, isIndex := parseIndex(seg); isIndex {
			seq, ok := current.([]interface{})
			if !ok || idx < 0 || idx >= len(seq) {
				return nil, false
			}
			current = seq[idx]
			continue
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func parseIndex(seg string) (int, bool) {
	if len(seg) < 3 || seg[0] != '[' || seg[len(seg)-1] != ']' {
		return 0, false
	}
	n, err := strconv.Atoi(seg[1 : len(seg)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func isNullOrEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// stringify renders a resolved value for inline string substitution. A
// one-element sequence collapses to its sole element's string form.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		if len(val) == 1 {
			return stringify(val[0])
		}
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
