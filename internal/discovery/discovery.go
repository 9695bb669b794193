// Package discovery announces a compile server on the local network and
// enumerates the servers announced by others, using DNS-SD over mDNS.
// The record schema is the service type "_stap._tcp" with TXT attributes
// sysinfo, certinfo, version and optinfo.
//
// Discovery is best effort: when mDNS is unusable the browse degrades to an
// empty result with a warning, and everything else keeps working from
// explicitly given server addresses.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/jav/stapserve/internal/logutil"
	"github.com/jav/stapserve/internal/protocol"
)

// ServiceType is the DNS-SD service type compile servers register under.
const ServiceType = "_stap._tcp"

const serviceDomain = "local."

// DefaultBrowseTimeout bounds a browse when the caller supplies none.
const DefaultBrowseTimeout = 2 * time.Second

// TXT attribute keys.
const (
	txtSysinfo  = "sysinfo"
	txtCertinfo = "certinfo"
	txtVersion  = "version"
	txtOptinfo  = "optinfo"
)

// Announcement is what a server publishes about itself.
type Announcement struct {
	InstanceName string // service instance name, renamed on collision
	Port         int
	Sysinfo      string
	CertSerial   string
	Options      []string // advertised compile options (optinfo)
}

func (a Announcement) txtRecords() []string {
	return []string{
		txtSysinfo + "=" + a.Sysinfo,
		txtCertinfo + "=" + a.CertSerial,
		txtVersion + "=" + string(protocol.CurrentVersion),
		txtOptinfo + "=" + strings.Join(a.Options, " "),
	}
}

// Announcer keeps a service registration alive until Shutdown.
type Announcer struct {
	server *zeroconf.Server
	name   string
	logger *slog.Logger
}

// Announce registers the service. On an instance-name collision it renames
// with a " #N" variant and retries a few times before giving up.
func Announce(a Announcement, logger *slog.Logger) (*Announcer, error) {
	logger = logutil.NoopIfNil(logger)

	name := a.InstanceName
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			name = fmt.Sprintf("%s #%d", a.InstanceName, attempt+1)
		}
		srv, err := zeroconf.Register(name, ServiceType, serviceDomain, a.Port, a.txtRecords(), nil)
		if err == nil {
			logger.Info("advertising compile server",
				"instance", name, "port", a.Port, "certinfo", a.CertSerial)
			return &Announcer{server: srv, name: name, logger: logger}, nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "collision") {
			break
		}
		logger.Warn("service name collision, renaming", "instance", name)
	}
	return nil, fmt.Errorf("failed to register %s service: %w", ServiceType, lastErr)
}

// Name returns the registered instance name (after any collision rename).
func (an *Announcer) Name() string { return an.name }

// Shutdown withdraws the registration.
func (an *Announcer) Shutdown() {
	an.logger.Info("removing compile server advertisement", "instance", an.name)
	an.server.Shutdown()
}

// Browse enumerates online compile servers within the timeout window.
// Resolved records arrive on an internal channel and are folded into the
// result set; a resolver failure degrades to an empty result with a warning.
func Browse(ctx context.Context, timeout time.Duration, logger *slog.Logger) []protocol.ServerInfo {
	logger = logutil.NoopIfNil(logger)
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		logger.Warn("zeroconf unavailable, assuming no servers are online", "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, ServiceType, serviceDomain, entries); err != nil {
		logger.Warn("browse failed, assuming no servers are online", "error", err)
		return nil
	}

	var servers []protocol.ServerInfo
	for entry := range entries {
		for _, info := range entryToInfos(entry) {
			servers = append(servers, info)
			logger.Debug("discovered compile server", "server", info.String())
		}
	}
	return servers
}

// entryToInfos converts a resolved service entry into one descriptor per
// address. Both IPv4 and IPv6 are supported; other records are ignored.
func entryToInfos(entry *zeroconf.ServiceEntry) []protocol.ServerInfo {
	txt := parseTXT(entry.Text)
	base := protocol.ServerInfo{
		Host:       strings.TrimSuffix(entry.HostName, "."),
		Sysinfo:    txt[txtSysinfo],
		CertSerial: txt[txtCertinfo],
		Version:    protocol.Version(txt[txtVersion]).OrDefault(),
	}

	var infos []protocol.ServerInfo
	for _, ip := range entry.AddrIPv4 {
		if addr, ok := netip.AddrFromSlice(ip.To4()); ok {
			info := base
			info.Addr = netip.AddrPortFrom(addr, uint16(entry.Port))
			infos = append(infos, info)
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			info := base
			info.Addr = netip.AddrPortFrom(addr, uint16(entry.Port))
			infos = append(infos, info)
		}
	}
	return infos
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		if k, v, ok := strings.Cut(r, "="); ok {
			out[k] = v
		}
	}
	return out
}
