package tracker

import (
	"fmt"
	"net/netip"

	"github.com/prxssh/rabbit-core/internal/bencode"
)

const (
	compactStrideV4 = 6  // 4 bytes IP + 2 bytes port
	compactStrideV6 = 18 // 16 bytes IP + 2 bytes port
)

// decodePeers handles both announce-response peer shapes: a compact byte
// string (BEP-23) or a list of per-peer dictionaries.
func decodePeers(v *bencode.Value) ([]netip.AddrPort, error) {
	switch v.Kind {
	case bencode.KindString:
		raw, err := v.Bytes()
		if err != nil {
			return nil, err
		}
		return decodeCompactPeers(raw)
	case bencode.KindList:
		items, err := v.Items()
		if err != nil {
			return nil, err
		}
		return decodeDictPeers(items)
	default:
		return nil, fmt.Errorf("peers: unexpected kind %v", v.Kind)
	}
}

func decodeCompactPeers(data []byte) ([]netip.AddrPort, error) {
	if len(data)%compactStrideV4 != 0 {
		return nil, fmt.Errorf("peers: compact length %d not a multiple of %d", len(data), compactStrideV4)
	}

	n := len(data) / compactStrideV4
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+compactStrideV4 {
		chunk := data[off : off+compactStrideV4]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := uint16(chunk[4])<<8 | uint16(chunk[5])
		out[i] = netip.AddrPortFrom(addr, port)
	}
	return out, nil
}

func decodeDictPeers(items []*bencode.Value) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(items))

	for i, it := range items {
		if it.Kind != bencode.KindDict {
			return nil, fmt.Errorf("peers[%d]: not a dict", i)
		}

		ipVal := it.Get("ip")
		if ipVal == nil {
			return nil, fmt.Errorf("peers[%d]: missing 'ip'", i)
		}
		ipBytes, err := ipVal.Bytes()
		if err != nil {
			return nil, fmt.Errorf("peers[%d]: invalid 'ip': %w", i, err)
		}

		addr, err := parsePeerAddr(ipBytes)
		if err != nil {
			return nil, fmt.Errorf("peers[%d]: %w", i, err)
		}

		portVal := it.Get("port")
		if portVal == nil {
			return nil, fmt.Errorf("peers[%d]: missing 'port'", i)
		}
		port, err := portVal.Int64()
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("peers[%d]: invalid 'port'", i)
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}

func parsePeerAddr(b []byte) (netip.Addr, error) {
	switch len(b) {
	case 4:
		return netip.AddrFrom4([4]byte{b[0], b[1], b[2], b[3]}), nil
	case 16:
		var a16 [16]byte
		copy(a16[:], b)
		return netip.AddrFrom16(a16), nil
	default:
		if addr, err := netip.ParseAddr(string(b)); err == nil {
			return addr, nil
		}
		return netip.Addr{}, fmt.Errorf("bad ip representation, len=%d", len(b))
	}
}
