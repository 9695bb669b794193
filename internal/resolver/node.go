package resolver

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jav/stapserve/internal/protocol"
)

// MatchKey identifies one trie edge: a functor name plus the parameter shape
// it accepts. "timer.s" and "timer.s(5)" take different edges.
type MatchKey struct {
	Name          string
	HasParameter  bool
	ParameterType ArgType
}

func keyOf(c *Component) MatchKey {
	k := MatchKey{Name: c.Functor, HasParameter: c.Arg != nil}
	if c.Arg != nil {
		k.ParameterType = c.Arg.Type
	}
	return k
}

// Less orders keys lexicographically over (name, has-parameter, type), the
// order child edges are enumerated in.
func (k MatchKey) Less(other MatchKey) bool {
	if k.Name != other.Name {
		return k.Name < other.Name
	}
	if k.HasParameter != other.HasParameter {
		return !k.HasParameter
	}
	return k.ParameterType < other.ParameterType
}

func (k MatchKey) String() string {
	if !k.HasParameter {
		return k.Name
	}
	switch k.ParameterType {
	case ArgString:
		return k.Name + "(string)"
	case ArgLong:
		return k.Name + "(number)"
	}
	return k.Name + "(...)"
}

// globMatch reports whether the key's pattern name matches other under
// shell-glob rules with an identical parameter shape.
func (k MatchKey) globMatch(other MatchKey) bool {
	ok, err := path.Match(k.Name, other.Name)
	return err == nil && ok &&
		k.HasParameter == other.HasParameter &&
		k.ParameterType == other.ParameterType
}

func isGlob(s string) bool   { return strings.ContainsAny(s, "*?[") }
func isDouble(s string) bool { return strings.Contains(s, "**") }

type childEntry struct {
	key  MatchKey
	node *MatchNode
}

// MatchNode is one trie node: sorted child edges, terminal builders, and the
// privilege required to use probes under this subtree.
type MatchNode struct {
	children []childEntry
	ends     []*Builder
	required protocol.Privilege
}

// NewMatchNode builds an empty node. Subtrees require system privilege
// until a registration loosens them.
func NewMatchNode() *MatchNode {
	return &MatchNode{required: protocol.PrivSystem}
}

func (n *MatchNode) find(k MatchKey) *MatchNode {
	i := sort.Search(len(n.children), func(i int) bool { return !n.children[i].key.Less(k) })
	if i < len(n.children) && n.children[i].key == k {
		return n.children[i].node
	}
	return nil
}

// Bind returns the child for key, creating it if needed. Registration-time
// only; a literal "*" functor is rejected.
func (n *MatchNode) Bind(name string) *MatchNode {
	return n.bindKey(MatchKey{Name: name})
}

// BindStr binds a child taking a string parameter.
func (n *MatchNode) BindStr(name string) *MatchNode {
	return n.bindKey(MatchKey{Name: name, HasParameter: true, ParameterType: ArgString})
}

// BindNum binds a child taking a number parameter.
func (n *MatchNode) BindNum(name string) *MatchNode {
	return n.bindKey(MatchKey{Name: name, HasParameter: true, ParameterType: ArgLong})
}

func (n *MatchNode) bindKey(k MatchKey) *MatchNode {
	if k.Name == "*" {
		panic("invalid use of wildcard probe point component in registration")
	}
	if child := n.find(k); child != nil {
		return child
	}
	child := NewMatchNode()
	i := sort.Search(len(n.children), func(i int) bool { return !n.children[i].key.Less(k) })
	n.children = append(n.children, childEntry{})
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = childEntry{key: k, node: child}
	return child
}

// BindBuilder registers a terminal builder at this node.
func (n *MatchNode) BindBuilder(b *Builder) *MatchNode {
	n.ends = append(n.ends, b)
	return n
}

// BindPrivilege sets the privilege required for this subtree and returns the
// node for chaining.
func (n *MatchNode) BindPrivilege(p protocol.Privilege) *MatchNode {
	n.required = p
	return n
}

// alternatives lists the child keys in sorted order, for diagnostics.
func (n *MatchNode) alternatives() []string {
	out := make([]string, len(n.children))
	for i, c := range n.children {
		out[i] = c.key.String()
	}
	return out
}

// FindAndBuild matches loc.Components[pos:] against the subtree under n,
// invoking terminal builders once every component is consumed. Results are
// appended to out; child edges are tried in sorted key order, so resolution
// is deterministic.
func (n *MatchNode) FindAndBuild(s *Session, p *Probe, loc *ProbePoint, pos int, out *[]*DerivedProbe) error {
	if pos == len(loc.Components) {
		return n.buildTerminals(s, p, loc, pos, out)
	}

	functor := loc.Components[pos].Functor
	switch {
	case isDouble(functor):
		return n.expandDoubleGlob(s, p, loc, pos, out)
	case isGlob(functor):
		return n.expandGlob(s, p, loc, pos, out)
	}

	child := n.find(keyOf(loc.Components[pos]))
	if child == nil {
		return &MismatchError{Pos: pos, Alternatives: n.alternatives()}
	}
	return child.FindAndBuild(s, p, loc, pos+1, out)
}

func (n *MatchNode) buildTerminals(s *Session, p *Probe, loc *ProbePoint, pos int, out *[]*DerivedProbe) error {
	if len(n.ends) == 0 {
		return &TruncatedError{Pos: pos, Alternatives: n.alternatives()}
	}
	if !s.Privilege.Contains(n.required) {
		return &ForbiddenError{Privilege: s.Privilege}
	}

	params := make(map[string]*Literal, pos)
	for i := 0; i < pos; i++ {
		if arg := loc.Components[i].Arg; arg != nil {
			params[loc.Components[i].Functor] = arg
		}
	}

	for _, b := range n.ends {
		if err := b.Build(s, p, loc, params, out); err != nil {
			return err
		}
	}
	return nil
}

// expandDoubleGlob handles a "**" in a component. Faced with "foo**bar" it
// tries "foo*bar" in place and "foo*" followed by an inserted "**bar"
// component; any component argument attaches to the latter part only.
func (n *MatchNode) expandDoubleGlob(s *Session, p *Probe, loc *ProbePoint, pos int, out *[]*DerivedProbe) error {
	before := len(*out)
	comp := loc.Components[pos]
	functor := comp.Functor

	globStart := strings.Index(functor, "**")
	globEnd := globStart
	for globEnd < len(functor) && functor[globEnd] == '*' {
		globEnd++
	}
	prefix := functor[:globStart]
	suffix := functor[globEnd:]

	simple := loc.clone()
	simpleComp := comp.clone()
	simpleComp.Functor = prefix + "*" + suffix
	simple.Components[pos] = simpleComp
	if err := n.FindAndBuild(s, p, simple, pos, out); err != nil && !isSemantic(err) {
		return err
	}

	expanded := loc.clone()
	pre := comp.clone()
	pre.Functor = prefix + "*"
	pre.Arg = nil
	post := comp.clone()
	post.Functor = "**" + suffix
	expanded.Components[pos] = pre
	expanded.Components = append(expanded.Components[:pos+1],
		append([]*Component{post}, expanded.Components[pos+1:]...)...)
	if err := n.FindAndBuild(s, p, expanded, pos, out); err != nil && !isSemantic(err) {
		return err
	}

	if !loc.Optional && len(*out) == before {
		return &MismatchError{Pos: pos, Alternatives: n.alternatives()}
	}
	return nil
}

// expandGlob tries every child whose key matches the wildcard component,
// recursing with the concrete functor substituted. Per-alternative semantic
// failures are suppressed; only a fruitless, non-optional expansion raises.
func (n *MatchNode) expandGlob(s *Session, p *Probe, loc *ProbePoint, pos int, out *[]*DerivedProbe) error {
	match := keyOf(loc.Components[pos])
	before := len(*out)

	for _, c := range n.children {
		if !match.globMatch(c.key) {
			continue
		}
		s.Logger.Debug("wildcard matched", "pattern", match.Name, "functor", c.key.Name)

		concrete := loc.clone()
		concreteComp := loc.Components[pos].clone()
		concreteComp.Functor = c.key.Name
		concrete.Components[pos] = concreteComp

		if err := c.node.FindAndBuild(s, p, concrete, pos+1, out); err != nil && !isSemantic(err) {
			return err
		}
	}

	if !loc.Optional && len(*out) == before {
		return &MismatchError{Pos: pos, Alternatives: n.alternatives()}
	}
	return nil
}

// Dump lists every complete probe point under the node visible at the
// session privilege, skipping aliases. Children are visited in sorted
// order; name is the dotted path to this node.
func (n *MatchNode) Dump(s *Session, name string, out *[]string) {
	for _, b := range n.ends {
		if b.IsAlias() {
			continue
		}
		if s.Privilege.Contains(n.required) {
			*out = append(*out, name)
			break
		}
	}

	dot := ""
	if name != "" {
		dot = "."
	}
	for _, c := range n.children {
		c.node.Dump(s, name+dot+c.key.String(), out)
	}
}

func (n *MatchNode) String() string {
	return fmt.Sprintf("match_node{children: %d, builders: %d}", len(n.children), len(n.ends))
}
