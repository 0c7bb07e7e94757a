// Package resolver implements the placeholder language used inside step
// parameters: {{path}}, {{a[0].b}}, {{a||b||"literal"}}. Templates are
// parsed into a small AST (grounded in the teacher's own
// substituteTemplates regex-driven approach, reworked into a proper
// two-pass scan-then-parse) and then evaluated against a context
// snapshot. Resolve parses each template string on every call; the AST
// is not cached between evaluations.
package resolver

// Node is one piece of a parsed template: either literal text passed
// through unchanged, or a placeholder reference to resolve.
type Node interface {
	isNode()
}

// Literal is verbatim text with no placeholder semantics.
type Literal struct {
	Text string
}

func (Literal) isNode() {}

// Ref is a `{{...}}` placeholder: an ordered list of fallback
// alternatives, each either a literal string (`"..."` / `'...'`) or a
// context path. The first alternative that resolves to a non-null,
// non-empty value wins.
type Ref struct {
	Alternatives []Alternative
}

func (Ref) isNode() {}

// Alternative is one fallback-chain segment.
type Alternative struct {
	// IsLiteral marks a quoted literal alternative, e.g. "default".
	IsLiteral bool
	Literal   string
	// Path is the sequence of segments for a non-literal alternative,
	// e.g. ["step_5", "result", "jobs", "[0]", "company"].
	Path []string
}

// Template is a parsed template; ResolveTemplate can evaluate it any
// number of times.
type Template struct {
	Nodes []Node
	// SingleRef is true when the whole template is exactly one `{{...}}`
	// reference, e.g. "{{step_2.result}}" with no surrounding text. In
	// that case Resolve preserves the resolved value's original type
	// instead of stringifying it.
	SingleRef bool
}
