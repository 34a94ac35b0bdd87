package orchestrator

import (
	"fmt"
	"net"
)

// NetworkReachable reports ErrNetworkUnreachable unless some interface is up
// and carries a non-loopback address.
func NetworkReachable() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				return nil
			}
		}
	}
	return ErrNetworkUnreachable
}
