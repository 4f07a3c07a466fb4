package origin

import (
	"log/slog"
	"net"
	"net/netip"
)

// probeTarget is routable but never contacted: connecting a UDP socket only
// asks the kernel to pick the outbound interface.
const probeTarget = "8.8.8.8:80"

// Discover returns the host's outward-facing IPv4 address, if any. It is
// best-effort and returns an empty slice on any failure.
func Discover(logger *slog.Logger) []netip.Addr {
	return discoverVia(probeTarget, logger)
}

func discoverVia(target string, logger *slog.Logger) []netip.Addr {
	conn, err := net.Dial("udp4", target)
	if err != nil {
		logger.Debug("local ip discovery failed", "err", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil
	}
	addr := ua.AddrPort().Addr().Unmap()
	if !addr.Is4() || addr.IsLoopback() || addr.IsUnspecified() {
		return nil
	}

	logger.Info("detected local ip for cors", "ip", addr.String())
	return []netip.Addr{addr}
}
