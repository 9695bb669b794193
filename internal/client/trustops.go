package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/jav/stapserve/internal/certs"
	"github.com/jav/stapserve/internal/protocol"
	"github.com/jav/stapserve/internal/transport"
	"github.com/jav/stapserve/internal/trust"
)

// TrustOptions control a trust or revoke operation.
type TrustOptions struct {
	// Servers are the server specifications to (un)trust.
	Servers []string

	// Signer manages the module-signer store instead of SSL peer trust.
	// Signer trust is machine-wide only.
	Signer bool

	// AllUsers uses the machine-wide SSL store instead of the private one.
	AllUsers bool

	// Revoke removes trust instead of adding it.
	Revoke bool
}

func (d *Driver) trustStoreFor(opts TrustOptions, create bool) (*trust.Store, error) {
	switch {
	case opts.Signer:
		return trust.Open(trust.Signer, d.cfg.Trust.SignerDir, create)
	case opts.AllUsers:
		return trust.Open(trust.SSLGlobal, d.cfg.Trust.SSLGlobalDir, create)
	}
	return trust.Open(trust.SSLPrivate, d.cfg.Trust.SSLPrivateDir, create)
}

// Trust adds or revokes trust for the given servers. Adding contacts each
// server over TLS first: the certificate stored is the one the server
// actually presented during that exchange, never anything else.
func (d *Driver) Trust(ctx context.Context, opts TrustOptions) error {
	if opts.Revoke {
		return d.revoke(ctx, opts)
	}

	store, err := d.trustStoreFor(opts, true)
	if err != nil {
		return err
	}
	defer store.Close()

	specified, err := d.resolveSpecs(ctx, opts.Servers)
	if err != nil {
		return err
	}

	dialer := transport.NewDialer(nil, transport.BootstrapNone, d.logger)
	for _, server := range specified {
		if !server.HasAddr() || server.Port() == 0 {
			return fmt.Errorf("cannot contact server %s: no address and port", server.String())
		}
		cert, err := dialer.FetchCertificate(ctx, server)
		if err != nil {
			return fmt.Errorf("unable to obtain certificate from %s: %w", server.String(), err)
		}
		server.CertSerial = certs.SerialString(cert)

		res, err := store.Add(ctx, server, certs.EncodePEMCertificate(cert))
		if err != nil {
			return err
		}
		switch res {
		case trust.Added:
			d.logger.Info("added trust", "server", server.String(), "store", store.Kind().String())
			fmt.Fprintf(d.Stdout, "Added trust for %s\n", server.String())
		case trust.AlreadyTrusted:
			fmt.Fprintf(d.Stdout, "Already trusted: %s\n", server.String())
		}
	}
	return nil
}

func (d *Driver) revoke(ctx context.Context, opts TrustOptions) error {
	store, err := d.trustStoreFor(opts, false)
	if err != nil {
		if errors.Is(err, trust.ErrNoStore) {
			fmt.Fprintln(d.Stdout, "No trust store; nothing to revoke.")
			return nil
		}
		return err
	}
	defer store.Close()

	specified, err := d.resolveSpecs(ctx, opts.Servers)
	if err != nil {
		return err
	}

	records, err := store.List(ctx)
	if err != nil {
		return err
	}

	for _, server := range specified {
		target := server
		if target.CertSerial == "" {
			// Match the spec against the stored records to find the serial.
			for _, rec := range records {
				if rec.ServerInfo().Equal(server) {
					target.CertSerial = rec.Serial
					break
				}
			}
		}
		res, err := store.Revoke(ctx, target)
		if err != nil {
			return err
		}
		switch res {
		case trust.Revoked:
			d.logger.Info("revoked trust", "server", server.String(), "store", store.Kind().String())
			fmt.Fprintf(d.Stdout, "Revoked trust for %s\n", server.String())
		case trust.AlreadyUntrusted:
			fmt.Fprintf(d.Stdout, "Already untrusted: %s\n", server.String())
		}
	}
	return nil
}

// resolveSpecs parses server specifications, filling in addresses from the
// online set where the spec alone does not name one.
func (d *Driver) resolveSpecs(ctx context.Context, specs []string) ([]protocol.ServerInfo, error) {
	if len(specs) == 0 {
		return nil, errors.New("no servers specified")
	}
	var out []protocol.ServerInfo
	for _, spec := range specs {
		info, err := parseServerSpec(spec)
		if err != nil {
			return nil, err
		}
		if !info.HasAddr() || info.Port() == 0 {
			online := append([]protocol.ServerInfo{}, d.onlineServers(ctx)...)
			online = protocol.KeepCommonServerInfo(info, online)
			if len(online) > 0 {
				out = append(out, online...)
				continue
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// ListServers enumerates servers with the given property filters applied in
// sequence, the way --list-servers does.
func (d *Driver) ListServers(ctx context.Context, properties []string) ([]protocol.ServerInfo, error) {
	if len(properties) == 0 {
		properties = []string{PropOnline, PropTrusted, PropCompatible}
	}

	var servers []protocol.ServerInfo
	seeded := false
	seed := func(list []protocol.ServerInfo) {
		if !seeded {
			servers = list
			seeded = true
			return
		}
		servers = keepMatching(servers, list)
	}

	for _, prop := range properties {
		switch prop {
		case PropAll:
			for _, s := range d.onlineServers(ctx) {
				servers = protocol.AddServerInfo(s, servers)
			}
			for _, s := range d.trustedServers(ctx) {
				servers = protocol.AddServerInfo(s, servers)
			}
			for _, s := range d.signingServers(ctx) {
				servers = protocol.AddServerInfo(s, servers)
			}
			seeded = true
		case PropSpecified:
			specified, err := d.specifiedServers()
			if err != nil {
				return nil, err
			}
			seed(specified)
		case PropOnline:
			seed(d.onlineServers(ctx))
		case PropTrusted:
			seed(d.trustedServers(ctx))
		case PropCompatible:
			if !seeded {
				seed(d.compatible(d.onlineServers(ctx)))
			} else {
				servers = d.compatible(servers)
			}
		case PropSigner:
			seed(d.signingServers(ctx))
		default:
			return nil, fmt.Errorf("unknown server property %q", prop)
		}
	}

	protocol.PreferredOrder(servers)
	return servers, nil
}
