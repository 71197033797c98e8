package dht

import (
	"net"
	"testing"
	"time"
)

func TestMux_SendReceive(t *testing.T) {
	a := NewMux(newTestConn(t))
	defer a.Close()
	b := NewMux(newTestConn(t))
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		data, from, err := b.Receive(nil)
		if err != nil {
			t.Errorf("Receive: %v", err)
			return
		}
		if string(data) != "hello" {
			t.Errorf("got %q", data)
		}
		if from == nil {
			t.Errorf("missing sender address")
		}
	}()

	// Give the receiver a moment to register its waiter.
	time.Sleep(50 * time.Millisecond)
	a.Send([]byte("hello"), b.LocalAddr())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("datagram never arrived")
	}
}

func TestMux_SendOrderPreserved(t *testing.T) {
	a := NewMux(newTestConn(t))
	defer a.Close()

	sink, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer sink.Close()

	const count = 20
	for i := 0; i < count; i++ {
		a.Send([]byte{byte(i)}, sink.LocalAddr().(*net.UDPAddr))
	}

	buf := make([]byte, 16)
	_ = sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < count; i++ {
		n, _, err := sink.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if n != 1 || buf[0] != byte(i) {
			t.Fatalf("datagram %d out of order: got %v", i, buf[:n])
		}
	}
}

func TestMux_CloseAbortsReceive(t *testing.T) {
	m := NewMux(newTestConn(t))

	errCh := make(chan error, 1)
	go func() {
		_, _, err := m.Receive(nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err != ErrAborted {
			t.Fatalf("expected ErrAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Receive never aborted")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMux_CancelDropsWaiter(t *testing.T) {
	m := NewMux(newTestConn(t))
	defer m.Close()

	cancel := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, _, err := m.Receive(cancel)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(cancel)

	select {
	case err := <-errCh:
		if err != ErrAborted {
			t.Fatalf("expected ErrAborted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Receive never returned")
	}
}
