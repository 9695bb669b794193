package tapset

import (
	"strings"
	"testing"

	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/resolver"
)

func derive(t *testing.T, priv, point string) ([]*resolver.DerivedProbe, error) {
	t.Helper()
	root := NewRoot()
	sess := resolver.NewSession(protocol.ParsePrivilege(priv), nil)
	pp, err := resolver.ParseProbePoint(point)
	if err != nil {
		t.Fatal(err)
	}
	var out []*resolver.DerivedProbe
	err = resolver.DeriveProbes(sess, root, &resolver.Probe{Locations: []*resolver.ProbePoint{pp}}, &out, false)
	return out, err
}

func TestBeenProbes(t *testing.T) {
	tests := []struct {
		point string
		kind  string
		prio  string
	}{
		{"begin", "begin", ""},
		{"end", "end", ""},
		{"error", "error", ""},
		{"never", "never", ""},
		{"begin(9999)", "begin", "9999"},
		{"end(-9999)", "end", "-9999"},
	}
	for _, tt := range tests {
		t.Run(tt.point, func(t *testing.T) {
			dps, err := derive(t, "stapusr", tt.point)
			if err != nil {
				t.Fatal(err)
			}
			if len(dps) != 1 {
				t.Fatalf("derived %d probes", len(dps))
			}
			if dps[0].Attrs["kind"] != tt.kind {
				t.Errorf("kind = %q", dps[0].Attrs["kind"])
			}
			if dps[0].Attrs["priority"] != tt.prio {
				t.Errorf("priority = %q, want %q", dps[0].Attrs["priority"], tt.prio)
			}
		})
	}
}

func TestTimerProbes(t *testing.T) {
	dps, err := derive(t, "stapusr", "timer.ms(500)")
	if err != nil {
		t.Fatal(err)
	}
	if len(dps) != 1 {
		t.Fatalf("derived %d probes", len(dps))
	}
	attrs := dps[0].Attrs
	if attrs["unit"] != "ms" || attrs["interval"] != "500" || attrs["interval_ns"] != "500000000" {
		t.Errorf("attrs = %v", attrs)
	}
}

func TestTimerRandomize(t *testing.T) {
	dps, err := derive(t, "stapusr", "timer.s(5).randomize(2)")
	if err != nil {
		t.Fatal(err)
	}
	if len(dps) != 1 {
		t.Fatalf("derived %d probes", len(dps))
	}
	if dps[0].Attrs["randomize"] != "2" {
		t.Errorf("attrs = %v", dps[0].Attrs)
	}
}

func TestTimerWildcard(t *testing.T) {
	dps, err := derive(t, "stapusr", "timer.*(10)")
	if err != nil {
		t.Fatal(err)
	}
	// Every single-argument timer unit matches, in sorted functor order.
	if len(dps) < 8 {
		t.Fatalf("derived %d probes", len(dps))
	}
	for i := 1; i < len(dps); i++ {
		if dps[i-1].Point.String() > dps[i].Point.String() {
			t.Errorf("wildcard expansion out of order: %s > %s", dps[i-1].Point, dps[i].Point)
		}
	}
}

func TestTimerProfileRequiresPrivilege(t *testing.T) {
	if _, err := derive(t, "stapusr", "timer.profile"); err == nil {
		t.Error("timer.profile must be forbidden for stapusr")
	}
	if _, err := derive(t, "stapsys", "timer.profile"); err != nil {
		t.Errorf("timer.profile should resolve for stapsys: %v", err)
	}
}

func TestDumpListsTimerFamily(t *testing.T) {
	sess := resolver.NewSession(protocol.ParsePrivilege("stapdev"), nil)
	var listing []string
	NewRoot().Dump(sess, "", &listing)
	joined := strings.Join(listing, "\n")
	for _, want := range []string{"begin", "never", "timer.s(number)", "timer.jiffies(number).randomize(number)"} {
		if !strings.Contains(joined, want) {
			t.Errorf("dump missing %q", want)
		}
	}
}
