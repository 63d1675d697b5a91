package resolve

import (
	"strings"

	"github.com/trellis-works/trellis/internal/scheme"
)

// Options is the default collapse policy applied by the hydrator when
// a relation has no explicit include set.
type Options uint8

const (
	OptNone    Options = 0
	OptFiles   Options = 1 << 0
	OptIds     Options = 1 << 1
	OptSets    Options = 1 << 2
	OptObjects Options = 1 << 3
	OptAll             = OptFiles | OptIds | OptSets | OptObjects
)

// Has reports whether all bits of o2 are set.
func (o Options) Has(o2 Options) bool { return o&o2 == o2 }

// MetaFlag selects which meta keys survive hydration.
type MetaFlag uint8

const (
	MetaNone   MetaFlag = 0
	MetaAction MetaFlag = 1 << 0
	MetaTime   MetaFlag = 1 << 1
	MetaView   MetaFlag = 1 << 2
)

// Has reports whether all bits of m2 are set.
func (m MetaFlag) Has(m2 MetaFlag) bool { return m&m2 == m2 }

// FieldResolver is one node of the per-scheme include tree. It decides
// which fields are emitted at its depth, which meta keys survive, and
// what the default policy is for relations without an include set.
//
// A nil bound scheme marks a free-form node (Data/Extra
// sub-dictionaries) where every key is kept.
type FieldResolver struct {
	reg      *scheme.Registry
	scheme   *scheme.Scheme
	includes []string
	children map[string]*FieldResolver
	opts     Options
	meta     MetaFlag
	depth    int
	maxDepth int
}

// NewFieldResolver builds the include tree for s from a comma-separated
// resolve list. Tokens:
//
//	$ids $files $sets $objects $all   set default-collapse bits
//	__delta __delta.action __delta.time __views   meta flags
//	a.b.c   dotted include path through relation fields
//
// Tokens naming fields unknown to the scheme are silently ignored.
func NewFieldResolver(reg *scheme.Registry, s *scheme.Scheme, resolveList string, maxDepth int) *FieldResolver {
	root := &FieldResolver{
		reg:      reg,
		scheme:   s,
		children: make(map[string]*FieldResolver),
		maxDepth: maxDepth,
	}

	for _, tok := range strings.Split(resolveList, ",") {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "":
		case "$ids":
			root.opts |= OptIds
		case "$files":
			root.opts |= OptFiles
		case "$sets":
			root.opts |= OptSets
		case "$objects":
			root.opts |= OptObjects
		case "$all":
			root.opts |= OptAll
		case "__delta":
			root.meta |= MetaAction | MetaTime
		case "__delta.action":
			root.meta |= MetaAction
		case "__delta.time":
			root.meta |= MetaTime
		case "__views":
			root.meta |= MetaView
		default:
			root.addPath(tok)
		}
	}
	return root
}

// addPath threads a dotted include path through the relation graph.
// Segments that do not name a field on the node's scheme are dropped.
func (fr *FieldResolver) addPath(path string) {
	node := fr
	for _, seg := range strings.Split(path, ".") {
		if node.scheme == nil {
			return
		}
		f := node.scheme.Field(seg)
		if f == nil {
			return // unknown tokens are ignored
		}
		if !node.Included(seg) {
			node.includes = append(node.includes, seg)
		}
		child, ok := node.children[seg]
		if !ok {
			child = node.makeChild(f)
			node.children[seg] = child
		}
		node = child
	}
}

func (fr *FieldResolver) makeChild(f *scheme.Field) *FieldResolver {
	child := &FieldResolver{
		reg:      fr.reg,
		children: make(map[string]*FieldResolver),
		opts:     fr.opts,
		meta:     fr.meta,
		depth:    fr.depth + 1,
		maxDepth: fr.maxDepth,
	}
	if f.IsRelation() || f.IsContent() {
		child.scheme = fr.reg.Get(f.Foreign)
	}
	// Data/Extra children stay free-form (nil scheme).
	return child
}

// Scheme returns the bound scheme (nil for free-form nodes).
func (fr *FieldResolver) Scheme() *scheme.Scheme { return fr.scheme }

// Depth returns this node's distance from the root.
func (fr *FieldResolver) Depth() int { return fr.depth }

// MaxDepth returns the depth bound the tree was built with.
func (fr *FieldResolver) MaxDepth() int { return fr.maxDepth }

// Meta returns the surviving meta flags.
func (fr *FieldResolver) Meta() MetaFlag { return fr.meta }

// Options returns the default collapse policy.
func (fr *FieldResolver) Options() Options { return fr.opts }

// ResolvesData reports whether an explicit include set is present.
func (fr *FieldResolver) ResolvesData() bool { return len(fr.includes) > 0 }

// Includes returns the include set in request order.
func (fr *FieldResolver) Includes() []string { return fr.includes }

// Included reports whether name is in the include set.
func (fr *FieldResolver) Included(name string) bool {
	for _, n := range fr.includes {
		if n == name {
			return true
		}
	}
	return false
}

// GetField returns the named field on the bound scheme, nil for
// free-form nodes or unknown names.
func (fr *FieldResolver) GetField(name string) *scheme.Field {
	if fr.scheme == nil {
		return nil
	}
	return fr.scheme.Field(name)
}

// Next returns the child node for the named field, synthesizing an
// empty node (same options, depth advanced by one) when the field was
// not explicitly included.
func (fr *FieldResolver) Next(name string) *FieldResolver {
	if child, ok := fr.children[name]; ok {
		return child
	}
	f := fr.GetField(name)
	if f == nil {
		// Free-form descent keeps pruning disabled.
		return &FieldResolver{
			reg:      fr.reg,
			children: map[string]*FieldResolver{},
			opts:     fr.opts,
			meta:     fr.meta,
			depth:    fr.depth + 1,
			maxDepth: fr.maxDepth,
		}
	}
	child := fr.makeChild(f)
	fr.children[name] = child
	return child
}
