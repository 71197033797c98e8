package dht

import (
	mrand "math/rand"
	"net"
	"sync/atomic"
	"testing"
)

var testSeed int64

func newTestRand() *mrand.Rand {
	return mrand.New(mrand.NewSource(atomic.AddInt64(&testSeed, 1)))
}

func newTestConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return conn
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n := NewNode(Config{
		Conn: newTestConn(t),
		Rand: newTestRand(),
		Logf: t.Logf,
	})
	t.Cleanup(func() { n.Close() })
	return n
}
