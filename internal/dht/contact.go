package dht

import (
	"fmt"
	"net"
)

// Contact pairs a node id with its UDP endpoint.
type Contact struct {
	ID   NodeID
	Addr *net.UDPAddr
}

func (c Contact) String() string {
	return c.ID.Hex() + " at " + c.Addr.String()
}

func (c Contact) Equal(other Contact) bool {
	return c.ID == other.ID && sameUDPAddr(c.Addr, other.Addr)
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// EncodeEndpoint produces the compact wire form of an endpoint:
// big-endian IP (4 or 16 bytes) followed by a big-endian port.
func EncodeEndpoint(ep *net.UDPAddr) []byte {
	var out []byte
	if ip4 := ep.IP.To4(); ip4 != nil {
		out = append(out, ip4...)
	} else {
		out = append(out, ep.IP.To16()...)
	}
	out = append(out, byte(ep.Port>>8), byte(ep.Port))
	return out
}

// DecodeEndpoint parses a 6-byte (IPv4) or 18-byte (IPv6) compact endpoint.
func DecodeEndpoint(b []byte) (*net.UDPAddr, error) {
	switch len(b) {
	case 6:
		ip := make(net.IP, 4)
		copy(ip, b[:4])
		return &net.UDPAddr{IP: ip, Port: int(b[4])<<8 | int(b[5])}, nil
	case 18:
		ip := make(net.IP, 16)
		copy(ip, b[:16])
		return &net.UDPAddr{IP: ip, Port: int(b[16])<<8 | int(b[17])}, nil
	default:
		return nil, fmt.Errorf("dht: bad compact endpoint length %d", len(b))
	}
}

// EncodeContacts packs contacts into 26-byte (IPv4) or 38-byte (IPv6)
// records for the "nodes"/"nodes6" reply fields.
func EncodeContacts(contacts []Contact) []byte {
	var out []byte
	for _, c := range contacts {
		out = append(out, c.ID[:]...)
		out = append(out, EncodeEndpoint(c.Addr)...)
	}
	return out
}

// DecodeContacts unpacks a "nodes" (v6=false) or "nodes6" (v6=true) field.
func DecodeContacts(b []byte, v6 bool) ([]Contact, error) {
	recLen := IDBytes + 6
	if v6 {
		recLen = IDBytes + 18
	}
	if len(b)%recLen != 0 {
		return nil, fmt.Errorf("dht: contact blob length %d not a multiple of %d", len(b), recLen)
	}
	out := make([]Contact, 0, len(b)/recLen)
	for i := 0; i+recLen <= len(b); i += recLen {
		rec := b[i : i+recLen]
		id, _ := NodeIDFromBytes(rec[:IDBytes])
		ep, err := DecodeEndpoint(rec[IDBytes:])
		if err != nil {
			return nil, err
		}
		out = append(out, Contact{ID: id, Addr: ep})
	}
	return out, nil
}
