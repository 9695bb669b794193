package protocol

import (
	"net/netip"
	"testing"
)

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestServerInfoEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b ServerInfo
		want bool
	}{
		{
			"both addresses set and equal",
			ServerInfo{Addr: addr("10.0.0.1:2017")},
			ServerInfo{Addr: addr("10.0.0.1:2017"), Host: "other"},
			true,
		},
		{
			"both addresses set and different",
			ServerInfo{Addr: addr("10.0.0.1:2017")},
			ServerInfo{Addr: addr("10.0.0.2:2017")},
			false,
		},
		{
			"no addresses, host names decide",
			ServerInfo{Host: "buildhost"},
			ServerInfo{Host: "buildhost"},
			true,
		},
		{
			"no addresses, host mismatch",
			ServerInfo{Host: "buildhost"},
			ServerInfo{Host: "elsewhere"},
			false,
		},
		{
			// An address-only record unifies with a record whose host name
			// is empty: unset fields match anything.
			"address-only matches empty host record",
			ServerInfo{Addr: addr("10.0.0.1:2017")},
			ServerInfo{},
			true,
		},
		{
			"set fields must agree",
			ServerInfo{Host: "h", Version: "1.6"},
			ServerInfo{Host: "h", Version: "1.0"},
			false,
		},
		{
			"unset sysinfo matches anything",
			ServerInfo{Host: "h", Sysinfo: "5.14.0 x86_64"},
			ServerInfo{Host: "h"},
			true,
		},
		{
			"cert serial mismatch",
			ServerInfo{Host: "h", CertSerial: "aa:bb"},
			ServerInfo{Host: "h", CertSerial: "cc:dd"},
			false,
		},
		{
			"port compared only when both set",
			ServerInfo{Addr: addr("10.0.0.1:2017")},
			ServerInfo{Addr: addr("10.0.0.1:5000")},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
			if got := tt.b.Equal(tt.a); got != tt.want {
				t.Errorf("Equal (reversed) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreferredOrder(t *testing.T) {
	servers := []ServerInfo{
		{Host: "a", Version: "1.0"},
		{Host: "b", Version: "1.10"},
		{Host: "c", Version: "1.9"},
		{Host: "d"}, // no version advertised: treated as 1.0
		{Host: "e", Version: "1.10"},
	}
	PreferredOrder(servers)

	want := []string{"b", "e", "c", "a", "d"}
	for i, h := range want {
		if servers[i].Host != h {
			t.Fatalf("order[%d] = %s, want %s (full order %v)", i, servers[i].Host, h, servers)
		}
	}
}

func TestAddServerInfoMerges(t *testing.T) {
	list := AddServerInfo(ServerInfo{Host: "h"}, nil)
	list = AddServerInfo(ServerInfo{Host: "h", Version: "1.6", CertSerial: "aa"}, list)
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}
	if list[0].Version != "1.6" || list[0].CertSerial != "aa" {
		t.Errorf("merge did not absorb detail: %+v", list[0])
	}

	list = AddServerInfo(ServerInfo{Host: "other"}, list)
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
}

func TestPrivilegeFromArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Privilege
	}{
		{"default is developer", []string{"-v", "-p4"}, ParsePrivilege("stapdev")},
		{"unprivileged", []string{"--unprivileged"}, ParsePrivilege("stapusr")},
		{"privilege equals form", []string{"--privilege=stapsys"}, ParsePrivilege("stapsys")},
		{"privilege split form", []string{"--privilege", "stapusr"}, ParsePrivilege("stapusr")},
		{"ignored after double dash", []string{"--", "--unprivileged"}, ParsePrivilege("stapdev")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PrivilegeFromArgs(tt.args); got != tt.want {
				t.Errorf("PrivilegeFromArgs(%v) = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}

func TestPrivilegeContains(t *testing.T) {
	dev := ParsePrivilege("stapdev")
	sys := ParsePrivilege("stapsys")
	usr := ParsePrivilege("stapusr")

	if !dev.Contains(usr) || !dev.Contains(sys) {
		t.Error("developer must contain lower levels")
	}
	if !sys.Contains(usr) {
		t.Error("system must contain user")
	}
	if usr.Contains(sys) || sys.Contains(dev) {
		t.Error("lower levels must not contain higher ones")
	}
	if dev.NeedsSigning() {
		t.Error("developer sessions need no signature")
	}
	if !usr.NeedsSigning() || !sys.NeedsSigning() {
		t.Error("non-developer sessions need signatures")
	}
}
