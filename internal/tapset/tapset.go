// Package tapset registers the built-in probe-point trie content: the
// begin/end/error lifecycle probes, the never probe, and the timer family.
// Real probe backends hang their builders off the same registration calls.
package tapset

import (
	"strconv"

	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/resolver"
)

const (
	tokBegin     = "begin"
	tokEnd       = "end"
	tokError     = "error"
	tokNever     = "never"
	tokTimer     = "timer"
	tokRandomize = "randomize"
)

// timerUnits maps each timer functor to its interval scale in nanoseconds.
var timerUnits = []struct {
	name  string
	scale int64
}{
	{"s", 1e9},
	{"sec", 1e9},
	{"ms", 1e6},
	{"msec", 1e6},
	{"us", 1e3},
	{"usec", 1e3},
	{"ns", 1},
	{"nsec", 1},
}

// NewRoot builds the trie with every built-in registration bound.
func NewRoot() *resolver.MatchNode {
	root := resolver.NewMatchNode()
	registerBeen(root)
	registerTimers(root)
	return root
}

// registerBeen binds the begin/end/error/never probes. An optional number
// argument orders same-kind probes among each other.
func registerBeen(root *resolver.MatchNode) {
	for _, tok := range []string{tokBegin, tokEnd, tokError} {
		b := beenBuilder(tok)
		root.Bind(tok).
			BindPrivilege(protocol.PrivUser).
			BindBuilder(b)
		root.BindNum(tok).
			BindPrivilege(protocol.PrivUser).
			BindBuilder(b)
	}
	root.Bind(tokNever).
		BindPrivilege(protocol.PrivUser).
		BindBuilder(neverBuilder())
}

func beenBuilder(kind string) *resolver.Builder {
	return &resolver.Builder{
		Name: kind,
		Build: func(s *resolver.Session, p *resolver.Probe, loc *resolver.ProbePoint,
			params map[string]*resolver.Literal, out *[]*resolver.DerivedProbe) error {
			dp := resolver.NewDerivedProbe(p, loc)
			dp.Attrs["kind"] = kind
			if arg := params[kind]; arg != nil {
				dp.Attrs["priority"] = strconv.FormatInt(arg.Num, 10)
			}
			*out = append(*out, dp)
			return nil
		},
	}
}

func neverBuilder() *resolver.Builder {
	return &resolver.Builder{
		Name: tokNever,
		Build: func(s *resolver.Session, p *resolver.Probe, loc *resolver.ProbePoint,
			params map[string]*resolver.Literal, out *[]*resolver.DerivedProbe) error {
			dp := resolver.NewDerivedProbe(p, loc)
			dp.Attrs["kind"] = tokNever
			*out = append(*out, dp)
			return nil
		},
	}
}

// registerTimers binds timer.<unit>(N) with an optional .randomize(M), plus
// the jiffies and hz forms.
func registerTimers(root *resolver.MatchNode) {
	timer := root.Bind(tokTimer)

	for _, unit := range timerUnits {
		b := timerBuilder(unit.name, unit.scale)
		timer.BindNum(unit.name).
			BindPrivilege(protocol.PrivUser).
			BindBuilder(b)
		timer.BindNum(unit.name).BindNum(tokRandomize).
			BindPrivilege(protocol.PrivUser).
			BindBuilder(b)
	}

	jiffies := timerBuilder("jiffies", 0)
	timer.BindNum("jiffies").
		BindPrivilege(protocol.PrivUser).
		BindBuilder(jiffies)
	timer.BindNum("jiffies").BindNum(tokRandomize).
		BindPrivilege(protocol.PrivUser).
		BindBuilder(jiffies)

	timer.BindNum("hz").
		BindPrivilege(protocol.PrivUser).
		BindBuilder(timerBuilder("hz", 0))

	// timer.profile has no argument and observes every tick; it is not
	// available to unprivileged sessions.
	timer.Bind("profile").
		BindBuilder(timerBuilder("profile", 0))
}

func timerBuilder(unit string, scale int64) *resolver.Builder {
	return &resolver.Builder{
		Name: tokTimer + "." + unit,
		Build: func(s *resolver.Session, p *resolver.Probe, loc *resolver.ProbePoint,
			params map[string]*resolver.Literal, out *[]*resolver.DerivedProbe) error {
			dp := resolver.NewDerivedProbe(p, loc)
			dp.Attrs["kind"] = tokTimer
			dp.Attrs["unit"] = unit
			if arg := params[unit]; arg != nil {
				dp.Attrs["interval"] = strconv.FormatInt(arg.Num, 10)
				if scale > 0 {
					dp.Attrs["interval_ns"] = strconv.FormatInt(arg.Num*scale, 10)
				}
			}
			if arg := params[tokRandomize]; arg != nil {
				dp.Attrs["randomize"] = strconv.FormatInt(arg.Num, 10)
			}
			*out = append(*out, dp)
			return nil
		},
	}
}
