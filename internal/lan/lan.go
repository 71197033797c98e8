// Package lan discovers cache peers on the local network: a UDP probe is
// broadcast and peers answer with their cache listen endpoint. Messages
// are sealed under a shared swarm key so unrelated machines ignore them.
package lan

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"peercache/internal/crypto/channel"
)

const (
	DefaultPort    = 42177
	DefaultTimeout = time.Second
)

type Config struct {
	Port    int
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Port: DefaultPort, Timeout: DefaultTimeout}
}

// message is the sealed discovery payload.
type message struct {
	Type   string `json:"type"`   // "probe" or "reply"
	Listen string `json:"listen"` // cache listen address, e.g. "192.168.1.10:7070"
}

// StartResponder answers probes with this node's cache endpoint until
// stop is closed.
func StartResponder(stop <-chan struct{}, cfg Config, key channel.Key, listenAddr string) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if network == "udp4" || network == "udp" {
				ctrlErr = c.Control(func(fd uintptr) {
					// Allow several local nodes to share the discovery port.
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				})
			}
			return ctrlErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("lan responder listen: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return fmt.Errorf("lan responder: not a UDPConn")
	}

	go func() {
		defer udpConn.Close()

		buf := make([]byte, 2048)
		for {
			select {
			case <-stop:
				return
			default:
			}

			_ = udpConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

			n, addr, err := udpConn.ReadFromUDP(buf)
			if err != nil {
				continue
			}

			plain, err := channel.Open(key, buf[:n])
			if err != nil {
				continue
			}
			var msg message
			if err := json.Unmarshal(plain, &msg); err != nil || msg.Type != "probe" {
				continue
			}

			reply, err := json.Marshal(message{Type: "reply", Listen: listenAddr})
			if err != nil {
				continue
			}
			sealed, err := channel.Seal(key, reply)
			if err != nil {
				continue
			}
			_, _ = udpConn.WriteToUDP(sealed, addr)
		}
	}()

	return nil
}

// Discover broadcasts a probe and returns the cache endpoints of peers
// replying within cfg.Timeout.
func Discover(cfg Config, key channel.Key, selfAddr string) ([]string, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("lan discover listen: %w", err)
	}
	defer conn.Close()

	probe, err := json.Marshal(message{Type: "probe", Listen: selfAddr})
	if err != nil {
		return nil, err
	}
	sealed, err := channel.Seal(key, probe)
	if err != nil {
		return nil, err
	}

	targets := broadcastAddrs(cfg.Port)
	if len(targets) == 0 {
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port})
	}
	// Broadcast may be unavailable (filtered interfaces, sandboxes);
	// the loopback probe below still reaches co-located nodes.
	for _, dst := range targets {
		_, _ = conn.WriteToUDP(sealed, dst)
	}
	_, _ = conn.WriteToUDP(sealed, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Port})

	if err := conn.SetReadDeadline(time.Now().Add(cfg.Timeout)); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	buf := make([]byte, 2048)

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		plain, err := channel.Open(key, buf[:n])
		if err != nil {
			continue
		}
		var msg message
		if err := json.Unmarshal(plain, &msg); err != nil || msg.Type != "reply" {
			continue
		}
		if msg.Listen == "" || msg.Listen == selfAddr {
			continue
		}
		if _, ok := seen[msg.Listen]; ok {
			continue
		}
		seen[msg.Listen] = struct{}{}
		out = append(out, msg.Listen)
	}
	return out, nil
}

func broadcastAddrs(port int) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, 8)

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 || it.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		addrs, err := it.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != 4 {
				continue
			}
			mask := ipnet.Mask
			b := net.IPv4(
				ip4[0]|^mask[0],
				ip4[1]|^mask[1],
				ip4[2]|^mask[2],
				ip4[3]|^mask[3],
			)
			out = append(out, &net.UDPAddr{IP: b, Port: port})
		}
	}
	return out
}
