// Package iputil derives a fallback node id from the host's IPv4 address.
//
// This is the degraded-mode path only: when the shared cache is unreachable
// and the operator has opted in, the low bits of the host address stand in
// for a leased slot. Candidate addresses rank loopback lowest, then the
// private ranges, then global, since the higher-ranked addresses are the
// ones most likely to differ between workers in one deployment.
package iputil

import (
	"math/rand/v2"
	"net"
)

var privateClasses = []struct {
	cidr string
	net  *net.IPNet
}{
	{cidr: "127.0.0.0/8"},
	{cidr: "10.0.0.0/8"},
	{cidr: "172.16.0.0/12"},
	{cidr: "192.168.0.0/16"},
}

func init() {
	for i := range privateClasses {
		_, n, _ := net.ParseCIDR(privateClasses[i].cidr)
		privateClasses[i].net = n
	}
}

// HostNode derives a node id with at most bits valid bits from the host's
// best IPv4 address. Returns false when no usable IPv4 address exists.
func HostNode(bits uint) (int64, bool) {
	ip, prefix, ok := resolveHostIPv4()
	if !ok {
		return 0, false
	}
	return hostNode(ip, prefix, bits), true
}

// RandomNode returns a random node id with at most bits valid bits. Last
// resort when even the interface scan yields nothing.
func RandomNode(bits uint) int64 {
	return rand.Int64N(1 << bits)
}

// resolveHostIPv4 picks the highest-priority IPv4 address across all
// interfaces: loopback < class A < class B < class C < global.
func resolveHostIPv4() (net.IP, int, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, 0, false
	}

	var (
		best       net.IP
		bestPrefix int
		bestPrio   = -1
	)
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipNet.IP.To4()
			if v4 == nil {
				continue
			}
			if p := priority(v4); p > bestPrio {
				best = v4
				bestPrefix, _ = ipNet.Mask.Size()
				bestPrio = p
			}
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestPrefix, true
}

// hostNode masks the address down to its host bits, further limited to the
// requested node bit-width.
func hostNode(ip net.IP, prefix int, bits uint) int64 {
	v4 := ip.To4()
	addr := uint64(v4[0])<<24 | uint64(v4[1])<<16 | uint64(v4[2])<<8 | uint64(v4[3])

	hostMask := uint64(0xffff_ffff) >> prefix
	widthMask := uint64(1)<<bits - 1
	return int64(addr & min(hostMask, widthMask))
}

func priority(ip net.IP) int {
	for i, class := range privateClasses {
		if class.net.Contains(ip) {
			return i
		}
	}
	// Global address: differs most between hosts, prefer it.
	return len(privateClasses)
}
