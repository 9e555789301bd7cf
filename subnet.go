package meshlink

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Subnet types
const (
	subnetMAC = iota
	subnetIPv4
	subnetIPv6
)

// subnet is a MAC address or IP prefix claimed by exactly one node.
// The latest announcement wins ownership.
type subnet struct {
	owner  *node
	typ    int
	mac    [6]byte
	prefix netip.Prefix
}

// net2str renders the canonical text form used in host files and
// meta lines.
func (s *subnet) net2str() string {
	if s.typ == subnetMAC {
		return net.HardwareAddr(s.mac[:]).String()
	}
	return s.prefix.String()
}

// str2net parses the text form of a subnet.
func str2net(text string) (*subnet, error) {
	if strings.Count(text, ":") == 5 && !strings.Contains(text, "/") {
		hw, err := net.ParseMAC(text)
		if err != nil || len(hw) != 6 {
			return nil, fmt.Errorf("bad MAC subnet %q", text)
		}
		s := &subnet{typ: subnetMAC}
		copy(s.mac[:], hw)
		return s, nil
	}

	// A bare address is a host prefix.
	if !strings.Contains(text, "/") {
		addr, err := netip.ParseAddr(text)
		if err != nil {
			return nil, fmt.Errorf("bad subnet %q", text)
		}
		text = fmt.Sprintf("%s/%d", addr, addr.BitLen())
	}
	p, err := netip.ParsePrefix(text)
	if err != nil {
		return nil, fmt.Errorf("bad subnet %q", text)
	}
	p = p.Masked()
	s := &subnet{prefix: p}
	if p.Addr().Is4() {
		s.typ = subnetIPv4
	} else {
		s.typ = subnetIPv6
	}
	return s, nil
}

// addSubnet applies a claim. The latest announcement takes ownership
// away from a previous owner. Returns false when the claim is
// already in place, stopping the flood.
func (m *Mesh) addSubnet(owner *node, s *subnet) bool {
	key := s.net2str()
	if cur, ok := m.subnets[key]; ok {
		if cur.owner == owner {
			return false
		}
		cur.owner = owner
		return true
	}
	s.owner = owner
	m.subnets[key] = s
	return true
}

// delSubnet retracts a claim; only the current owner's retraction
// counts.
func (m *Mesh) delSubnet(owner *node, key string) bool {
	cur, ok := m.subnets[key]
	if !ok || cur.owner != owner {
		return false
	}
	delete(m.subnets, key)
	return true
}

// delNodeSubnets drops every claim held by one node.
func (m *Mesh) delNodeSubnets(owner *node) {
	for key, s := range m.subnets {
		if s.owner == owner {
			delete(m.subnets, key)
		}
	}
}

// lookupSubnetMAC resolves a MAC destination to its owner.
func (m *Mesh) lookupSubnetMAC(hw [6]byte) *node {
	for _, s := range m.subnets {
		if s.typ == subnetMAC && s.mac == hw {
			return s.owner
		}
	}
	return nil
}

// lookupSubnetIP resolves an IP destination to the owner of the
// longest matching prefix.
func (m *Mesh) lookupSubnetIP(addr netip.Addr) *node {
	var best *subnet
	for _, s := range m.subnets {
		if s.typ == subnetMAC || !s.prefix.Contains(addr) {
			continue
		}
		if best == nil || s.prefix.Bits() > best.prefix.Bits() {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	return best.owner
}

// subnetsOwnedBy lists the text forms of one node's claims, for
// flooding and export.
func (m *Mesh) subnetsOwnedBy(owner *node) []string {
	var out []string
	for key, s := range m.subnets {
		if s.owner == owner {
			out = append(out, key)
		}
	}
	return out
}
