package resolver

import (
	"log/slog"

	"github.com/jav/stapserve/internal/logutil"
	"github.com/jav/stapserve/internal/protocol"
)

// Session carries the per-resolution state: the session privilege and the
// expansion depth guard.
type Session struct {
	Privilege protocol.Privilege
	Logger    *slog.Logger

	depth uint
}

// NewSession builds a resolution session at the given privilege.
func NewSession(priv protocol.Privilege, logger *slog.Logger) *Session {
	return &Session{Privilege: priv, Logger: logutil.NoopIfNil(logger)}
}

// maxRecursion bounds nested alias expansion.
const maxRecursion = 100

// Probe is a script-level probe: one or more locations sharing a body. The
// chain records the aliases expanded to reach this probe, outermost first;
// walking it detects alias cycles.
type Probe struct {
	Locations  []*ProbePoint
	Body       string
	Privileged bool

	chain []*Alias
}

// AliasChain returns the aliases expanded to reach this probe.
func (p *Probe) AliasChain() []*Alias { return p.chain }

// DerivedProbe is the resolver's output: the original probe body bound to
// one concrete resolved point, with the alias chain kept for diagnostics and
// room for backend-specific attributes.
type DerivedProbe struct {
	Probe      *Probe
	Point      *ProbePoint
	AliasChain []*Alias
	Attrs      map[string]string
}

// NewDerivedProbe binds a probe to its resolved point, capturing the alias
// chain for diagnostics. Backend builders call this and then attach their
// own attributes.
func NewDerivedProbe(p *Probe, loc *ProbePoint) *DerivedProbe {
	return &DerivedProbe{
		Probe:      p,
		Point:      loc.clone(),
		AliasChain: p.chain,
		Attrs:      map[string]string{},
	}
}

// BuildFunc consumes a fully matched probe point and emits derived probes.
// params holds one entry per component that carried an argument, keyed by
// functor; components without an argument have no entry.
type BuildFunc func(s *Session, p *Probe, loc *ProbePoint, params map[string]*Literal, out *[]*DerivedProbe) error

// Builder is a terminal registered at a trie path: a build function plus its
// registration-time parameters. Aliases are builders too, carrying their
// Alias for cycle detection.
type Builder struct {
	Name  string
	Build BuildFunc

	alias *Alias
}

// IsAlias reports whether this builder expands an alias rather than
// producing backend probes.
func (b *Builder) IsAlias() bool { return b.alias != nil }

// DeriveProbes is the match-and-expand loop: each location of p is driven
// through the trie. Failures of optional locations are tolerated; a
// sufficient location that produced results stops the remaining locations.
func DeriveProbes(s *Session, root *MatchNode, p *Probe, out *[]*DerivedProbe, optional bool) error {
	if s.depth > maxRecursion {
		return &RecursionError{}
	}
	s.depth++
	defer func() { s.depth-- }()

	for i, loc := range p.Locations {
		before := len(*out)

		// The optional flag of e.g. an alias reference extends to each
		// location it expands to.
		effective := loc
		if optional && !loc.Optional {
			effective = loc.clone()
			effective.Optional = true
		}

		err := root.FindAndBuild(s, p, effective, 0, out)
		if err != nil {
			if effective.Optional && isSemantic(err) {
				continue
			}
			return err
		}

		if !effective.Optional && len(*out) == before {
			return &NoMatchError{Point: loc.String()}
		}

		if loc.Sufficient && len(*out) > before {
			if len(p.Locations) > i+1 {
				s.Logger.Debug("probe point sufficient, skipping remaining locations",
					"point", loc.String(), "skipped", len(p.Locations)-i-1)
			}
			break
		}
	}
	return nil
}
