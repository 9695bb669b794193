package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/jav/stapserve/internal/discovery"
	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/trust"
)

// Server-set properties for enumeration and selection, mirroring the
// --list-servers filters.
const (
	PropAll        = "all"
	PropSpecified  = "specified"
	PropOnline     = "online"
	PropTrusted    = "trusted"
	PropCompatible = "compatible"
	PropSigner     = "signer"
)

// parseServerSpec turns a user-supplied server argument into a descriptor:
// "host", "host:port", "ip", "ip:port" or "[v6]:port". Any other string is
// taken as a host name.
func parseServerSpec(spec string) (protocol.ServerInfo, error) {
	if spec == "" {
		return protocol.ServerInfo{}, errors.New("empty server specification")
	}

	if ap, err := netip.ParseAddrPort(spec); err == nil {
		return protocol.ServerInfo{Addr: ap}, nil
	}
	if host, portStr, err := net.SplitHostPort(spec); err == nil {
		port, perr := strconv.Atoi(portStr)
		if perr != nil || port <= 0 || port > 65535 {
			return protocol.ServerInfo{}, fmt.Errorf("invalid port in server specification %q", spec)
		}
		if addr, aerr := netip.ParseAddr(host); aerr == nil {
			return protocol.ServerInfo{Addr: netip.AddrPortFrom(addr, uint16(port))}, nil
		}
		// Host name with port: resolve the host, keep the port.
		info := protocol.ServerInfo{Host: host}
		if resolved, rerr := resolveHost(host, uint16(port)); rerr == nil {
			info.Addr = resolved
		}
		return info, nil
	}
	if addr, err := netip.ParseAddr(spec); err == nil {
		return protocol.ServerInfo{Addr: netip.AddrPortFrom(addr, 0)}, nil
	}
	return protocol.ServerInfo{Host: spec}, nil
}

func resolveHost(host string, port uint16) (netip.AddrPort, error) {
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("cannot resolve %q", host)
	}
	addr, err := netip.ParseAddr(addrs[0])
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, port), nil
}

// onlineServers browses the local network once per driver call chain.
func (d *Driver) onlineServers(ctx context.Context) []protocol.ServerInfo {
	if d.online != nil {
		return d.online
	}
	if !d.cfg.DiscoveryEnabled() {
		d.online = []protocol.ServerInfo{}
		return d.online
	}
	timeout := time.Duration(d.cfg.Discovery.BrowseTimeoutMS) * time.Millisecond
	d.online = discovery.Browse(ctx, timeout, d.logger)
	return d.online
}

// trustedServers lists the records of both SSL trust stores (private first).
func (d *Driver) trustedServers(ctx context.Context) []protocol.ServerInfo {
	var out []protocol.ServerInfo
	for _, dir := range []string{d.cfg.Trust.SSLPrivateDir, d.cfg.Trust.SSLGlobalDir} {
		store, err := trust.Open(trust.SSLPrivate, dir, false)
		if err != nil {
			if !errors.Is(err, trust.ErrNoStore) {
				d.logger.Warn("unable to open trust store", "dir", dir, "error", err)
			}
			continue
		}
		infos, err := store.ServerInfos(ctx)
		store.Close()
		if err != nil {
			d.logger.Warn("unable to read trust store", "dir", dir, "error", err)
			continue
		}
		for _, info := range infos {
			out = protocol.AddServerInfo(info, out)
		}
	}
	return out
}

// signingServers lists the machine-wide module-signer records.
func (d *Driver) signingServers(ctx context.Context) []protocol.ServerInfo {
	store, err := trust.Open(trust.Signer, d.cfg.Trust.SignerDir, false)
	if err != nil {
		if !errors.Is(err, trust.ErrNoStore) {
			d.logger.Warn("unable to open signer store", "error", err)
		}
		return nil
	}
	defer store.Close()
	infos, err := store.ServerInfos(ctx)
	if err != nil {
		d.logger.Warn("unable to read signer store", "error", err)
		return nil
	}
	return infos
}

// keepMatching retains the servers of list equal to at least one filter
// record, merging detail from the filters.
func keepMatching(list, filters []protocol.ServerInfo) []protocol.ServerInfo {
	var out []protocol.ServerInfo
	for _, candidate := range list {
		for _, f := range filters {
			if candidate.Equal(f) {
				merged := candidate
				merged.Merge(f)
				out = append(out, merged)
				break
			}
		}
	}
	return out
}

// compatible keeps servers whose advertised sysinfo equals ours.
func (d *Driver) compatible(list []protocol.ServerInfo) []protocol.ServerInfo {
	var out []protocol.ServerInfo
	for _, s := range list {
		if s.Sysinfo == d.sys.Tag() {
			out = append(out, s)
		}
	}
	return out
}

// specifiedServers parses the configured server list.
func (d *Driver) specifiedServers() ([]protocol.ServerInfo, error) {
	var out []protocol.ServerInfo
	for _, spec := range d.cfg.Client.Servers {
		info, err := parseServerSpec(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// selectServers builds the candidate list for a compile: the user's
// explicit servers resolved against what is online, or the full
// online ∩ trusted ∩ compatible (∩ signer for unprivileged sessions) set.
// The result comes back in preferred order; an empty result carries a
// diagnostic enumerating what was requested versus what is online.
func (d *Driver) selectServers(ctx context.Context, needSigner bool) ([]protocol.ServerInfo, error) {
	specified, err := d.specifiedServers()
	if err != nil {
		return nil, err
	}

	var candidates []protocol.ServerInfo
	if len(specified) > 0 {
		for _, s := range specified {
			if s.HasAddr() && s.Port() != 0 {
				candidates = protocol.AddServerInfo(s, candidates)
				continue
			}
			// Flesh the record out from the online set.
			online := append([]protocol.ServerInfo{}, d.onlineServers(ctx)...)
			if s.Port() == 0 {
				online = d.compatible(online)
				if needSigner {
					online = keepMatching(online, d.signingServers(ctx))
				}
			}
			online = protocol.KeepCommonServerInfo(s, online)
			for _, o := range online {
				candidates = protocol.AddServerInfo(o, candidates)
			}
		}
	} else {
		candidates = append(candidates, d.onlineServers(ctx)...)
		candidates = keepMatching(candidates, d.trustedServers(ctx))
		candidates = d.compatible(candidates)
		if needSigner {
			candidates = keepMatching(candidates, d.signingServers(ctx))
		}
	}

	if len(candidates) == 0 {
		return nil, d.noServersError(ctx, specified, needSigner)
	}

	protocol.PreferredOrder(candidates)
	return candidates, nil
}

// noServersError explains an empty selection: what is online, what was
// requested, and which criteria filtered everything away.
func (d *Driver) noServersError(ctx context.Context, specified []protocol.ServerInfo, needSigner bool) error {
	online := d.onlineServers(ctx)
	if len(online) == 0 {
		return errors.New("unable to find a suitable compile server: no servers online to select from")
	}

	msg := "unable to find a suitable compile server.\nThe following servers are online:\n"
	for _, s := range online {
		msg += "  " + s.String() + "\n"
	}
	if len(specified) > 0 {
		msg += "The following servers were requested:\n"
		for _, s := range specified {
			msg += "  " + s.String() + "\n"
		}
	} else {
		criteria := "online,trusted,compatible"
		if needSigner {
			criteria += ",signer"
		}
		msg += fmt.Sprintf("No servers matched the selection criteria of %s.", criteria)
	}
	return errors.New(msg)
}
