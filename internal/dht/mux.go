package dht

import (
	"net"
	"sync"
)

// Mux owns a single UDP socket. Sends are queued and drained FIFO by one
// sender goroutine; each inbound datagram is handed to every waiter
// registered at that moment (waiters are drained per datagram, they do not
// queue up datagrams).
type Mux struct {
	conn *net.UDPConn

	mu        sync.Mutex
	sendQueue [][]byte
	sendDst   []*net.UDPAddr
	sendCond  *sync.Cond
	waiters   []chan datagram
	closed    bool

	done chan struct{}
}

type datagram struct {
	data []byte
	from *net.UDPAddr
}

func NewMux(conn *net.UDPConn) *Mux {
	m := &Mux{
		conn: conn,
		done: make(chan struct{}),
	}
	m.sendCond = sync.NewCond(&m.mu)
	go m.sendLoop()
	go m.receiveLoop()
	return m
}

func (m *Mux) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// Send enqueues a datagram for asynchronous transmission. It never blocks.
func (m *Mux) Send(msg []byte, to *net.UDPAddr) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.sendQueue = append(m.sendQueue, msg)
	m.sendDst = append(m.sendDst, to)
	m.mu.Unlock()
	m.sendCond.Signal()
}

// Receive blocks until the next datagram arrives or the mux is closed.
func (m *Mux) Receive(cancel <-chan struct{}) ([]byte, *net.UDPAddr, error) {
	ch := make(chan datagram, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrAborted
	}
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case d := <-ch:
		return d.data, d.from, nil
	case <-cancel:
		m.dropWaiter(ch)
		return nil, nil, ErrAborted
	case <-m.done:
		return nil, nil, ErrAborted
	}
}

func (m *Mux) dropWaiter(ch chan datagram) {
	m.mu.Lock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

func (m *Mux) sendLoop() {
	for {
		m.mu.Lock()
		for len(m.sendQueue) == 0 && !m.closed {
			m.sendCond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		msg := m.sendQueue[0]
		dst := m.sendDst[0]
		m.sendQueue = m.sendQueue[1:]
		m.sendDst = m.sendDst[1:]
		m.mu.Unlock()

		// Send errors are not reported; a lost datagram is a lost datagram.
		_, _ = m.conn.WriteToUDP(msg, dst)
	}
}

func (m *Mux) receiveLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		m.mu.Lock()
		waiters := m.waiters
		m.waiters = nil
		m.mu.Unlock()

		if len(waiters) == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		for _, w := range waiters {
			w <- datagram{data: data, from: from}
		}
	}
}

// Close shuts the socket down and aborts pending sends and receives.
// It is idempotent.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.sendQueue = nil
	m.sendDst = nil
	m.mu.Unlock()

	close(m.done)
	m.sendCond.Broadcast()
	return m.conn.Close()
}
