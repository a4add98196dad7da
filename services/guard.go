package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// ErrPrivateAddress meldet ein Ziel, das in einen privaten oder lokalen Adressbereich auflöst.
var ErrPrivateAddress = errors.New("target resolves to a private or loopback address")

// AddressGuard prüft Ziel-Hosts vor ausgehenden Anfragen.
type AddressGuard struct {
	// Lookup ist austauschbar für Tests; Standard ist net.DefaultResolver.
	Lookup func(ctx context.Context, host string) ([]net.IPAddr, error)
	// Disabled schaltet die Prüfung ab (nur für lokale Entwicklung).
	Disabled bool
}

// NewAddressGuard erstellt einen Guard mit dem Standard-Resolver.
func NewAddressGuard(disabled bool) *AddressGuard {
	return &AddressGuard{Lookup: net.DefaultResolver.LookupIPAddr, Disabled: disabled}
}

// Check löst den Host von rawURL auf und lehnt private, Loopback-, Link-Local- und
// unspezifizierte Adressen ab.
func (g *AddressGuard) Check(ctx context.Context, rawURL string) error {
	if g == nil || g.Disabled {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("guard: parse %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("guard: no host in %q", rawURL)
	}

	var addrs []net.IPAddr
	if ip := net.ParseIP(host); ip != nil {
		addrs = []net.IPAddr{{IP: ip}}
	} else {
		addrs, err = g.Lookup(ctx, host)
		if err != nil {
			return fmt.Errorf("guard: resolve %s: %w", host, err)
		}
	}
	for _, a := range addrs {
		if isInternal(a.IP) {
			return fmt.Errorf("%w: %s -> %s", ErrPrivateAddress, host, a.IP)
		}
	}
	return nil
}

// Control prüft beim Verbindungsaufbau die tatsächlich gewählte Adresse. Damit greift
// der Guard auch nach Weiterleitungen und wenn sich die DNS-Antwort seit Check geändert hat.
func (g *AddressGuard) Control(network, address string, _ syscall.RawConn) error {
	if g == nil || g.Disabled {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("guard: dial address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("guard: dial address %q is not an ip", address)
	}
	if isInternal(ip) {
		return fmt.Errorf("%w: dial %s %s", ErrPrivateAddress, network, ip)
	}
	return nil
}

func isInternal(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsInterfaceLocalMulticast()
}
