//go:build !linux && !darwin

package ingress

import (
	"context"
	"net"
)

// listenReusePort falls back to a plain socket without SO_REUSEPORT on
// other platforms. A second socket on the same address then fails to bind,
// so Pool.Run returns an error unless NumWorkers is 1.
func listenReusePort(ctx context.Context, addr string) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
