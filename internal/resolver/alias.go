package resolver

import "fmt"

// Alias is a named expansion from one probe point pattern to a list of
// target points, carrying its own body. Epilogue-style aliases run their
// body after the use's body instead of before it.
type Alias struct {
	Name          string
	Locations     []*ProbePoint
	Body          string
	EpilogueStyle bool
}

// Builder wraps the alias as a trie terminal. Invoking it splices the
// alias's probe points into the probe being built, concatenates the bodies,
// and re-derives through the same trie.
func (a *Alias) Builder(root *MatchNode) *Builder {
	return &Builder{
		Name:  "alias " + a.Name,
		alias: a,
		Build: func(s *Session, use *Probe, loc *ProbePoint, _ map[string]*Literal, out *[]*DerivedProbe) error {
			// Reject the expansion when this alias already appears in the
			// derivation chain: that is infinite recursion.
			for _, seen := range use.chain {
				if seen == a {
					return &RecursionError{Point: loc.String()}
				}
			}

			expanded := &Probe{
				Privileged: use.Privileged,
				Body:       a.spliceBody(use.Body),
				chain:      append(append([]*Alias{}, use.chain...), a),
				Locations:  make([]*ProbePoint, 0, len(a.Locations)),
			}
			// The expansion gets deep copies of the alias's locations with
			// the use's condition joined in.
			for _, target := range a.Locations {
				pp := target.clone()
				pp.Condition = joinConditions(pp.Condition, loc.Condition)
				expanded.Locations = append(expanded.Locations, pp)
			}

			return DeriveProbes(s, root, expanded, out, loc.Optional)
		},
	}
}

func (a *Alias) spliceBody(useBody string) string {
	if a.EpilogueStyle {
		return joinBodies(useBody, a.Body)
	}
	return joinBodies(a.Body, useBody)
}

func joinBodies(first, second string) string {
	switch {
	case first == "":
		return second
	case second == "":
		return first
	}
	return first + "\n" + second
}

func joinConditions(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return fmt.Sprintf("(%s) && (%s)", a, b)
}
