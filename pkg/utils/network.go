package utils

import (
	"net"
)

// GetLocalIP returns the preferred outbound IPv4 address of this machine, or
// 127.0.0.1 when there is no route. No packet is sent.
func GetLocalIP() string {
	conn, err := net.Dial("udp4", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// BroadcastAddrs lists the directed broadcast address of every up, non-loopback
// IPv4 interface that supports broadcast.
func BroadcastAddrs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if bc := DirectedBroadcast(ipnet); bc != nil {
				out = append(out, bc)
			}
		}
	}
	return out
}

// DirectedBroadcast returns the broadcast address of an IPv4 network, or nil.
func DirectedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	bc := make(net.IP, net.IPv4len)
	for i := range ip {
		bc[i] = ip[i] | ^n.Mask[i]
	}
	return bc
}
