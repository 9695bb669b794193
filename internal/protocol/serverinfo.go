package protocol

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// ServerInfo describes a compile server as known to the client: from the
// user's --use-server arguments, from discovery, or from the trust store.
// Any field may be unset; records from different sources are merged as more
// detail becomes known.
type ServerInfo struct {
	Host       string
	Addr       netip.AddrPort // zero when only a host name is known
	Version    Version
	Sysinfo    string
	CertSerial string
}

// Empty reports whether the record identifies no server at all.
func (s ServerInfo) Empty() bool {
	return s.Host == "" && !s.HasAddr()
}

// HasAddr reports whether a concrete address is known.
func (s ServerInfo) HasAddr() bool { return s.Addr.Addr().IsValid() }

// Port returns the known port, or 0.
func (s ServerInfo) Port() uint16 {
	if !s.HasAddr() {
		return 0
	}
	return s.Addr.Port()
}

// Equal reports whether two records describe the same server. If either side
// lacks an address the host names decide; otherwise the addresses decide.
// Remaining fields are compared only when set on both sides: an unset field
// matches anything, so a sparse record from one source can unify with a
// fuller record from another.
func (s ServerInfo) Equal(that ServerInfo) bool {
	if !s.HasAddr() || !that.HasAddr() {
		if s.Host != that.Host {
			return false
		}
	} else if s.Addr.Addr() != that.Addr.Addr() {
		return false
	}
	if s.Port() != 0 && that.Port() != 0 && s.Port() != that.Port() {
		return false
	}
	if s.Version != "" && that.Version != "" && s.Version != that.Version {
		return false
	}
	if s.Sysinfo != "" && that.Sysinfo != "" && s.Sysinfo != that.Sysinfo {
		return false
	}
	if s.CertSerial != "" && that.CertSerial != "" && s.CertSerial != that.CertSerial {
		return false
	}
	return true
}

// Merge copies fields set in src but unset in s.
func (s *ServerInfo) Merge(src ServerInfo) {
	if s.Host == "" {
		s.Host = src.Host
	}
	if !s.HasAddr() {
		s.Addr = src.Addr
	}
	if s.Version == "" {
		s.Version = src.Version
	}
	if s.Sysinfo == "" {
		s.Sysinfo = src.Sysinfo
	}
	if s.CertSerial == "" {
		s.CertSerial = src.CertSerial
	}
}

func (s ServerInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, " host=%s", s.Host)
	if s.HasAddr() {
		fmt.Fprintf(&b, " address=%s port=%d", s.Addr.Addr(), s.Addr.Port())
	}
	fmt.Fprintf(&b, " sysinfo=%q version=%s certinfo=%q",
		s.Sysinfo, s.Version.OrDefault(), s.CertSerial)
	return strings.TrimPrefix(b.String(), " ")
}

// AddServerInfo appends info to list unless an equal record is already
// present, in which case the existing record absorbs any extra detail.
func AddServerInfo(info ServerInfo, list []ServerInfo) []ServerInfo {
	for i := range list {
		if list[i].Equal(info) {
			list[i].Merge(info)
			return list
		}
	}
	return append(list, info)
}

// KeepCommonServerInfo retains only the records of list equal to keep,
// merging keep's detail into the survivors.
func KeepCommonServerInfo(keep ServerInfo, list []ServerInfo) []ServerInfo {
	out := list[:0]
	for i := range list {
		if list[i].Equal(keep) {
			list[i].Merge(keep)
			out = append(out, list[i])
		}
	}
	return out
}

// PreferredOrder sorts servers into the order in which they should be
// contacted: higher protocol versions first. The sort is stable so that
// ties keep their discovery order.
func PreferredOrder(servers []ServerInfo) {
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[j].Version.OrDefault().Less(servers[i].Version.OrDefault())
	})
}
