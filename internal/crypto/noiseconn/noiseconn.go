// Package noiseconn secures a byte stream with a Noise XX handshake and
// length-prefixed encrypted frames. Peers exchanging cached responses do
// not need to know each other beforehand; XX transmits the static keys
// during the handshake.
package noiseconn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

const maxFrameSize = 65535

// SecureConn wraps an underlying stream with Noise cipher states.
type SecureConn struct {
	underlying io.ReadWriteCloser

	readCS  *noise.CipherState
	writeCS *noise.CipherState

	readRest []byte
}

// Read returns plaintext from the next encrypted frame. Frames larger
// than the caller's buffer are buffered and drained by later reads.
func (c *SecureConn) Read(p []byte) (int, error) {
	if len(c.readRest) > 0 {
		n := copy(p, c.readRest)
		c.readRest = c.readRest[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.underlying, lenBuf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize+64 {
		return 0, fmt.Errorf("noiseconn: invalid frame length %d", n)
	}

	ct := make([]byte, n)
	if _, err := io.ReadFull(c.underlying, ct); err != nil {
		return 0, err
	}

	pt, err := c.readCS.Decrypt(nil, nil, ct)
	if err != nil {
		return 0, err
	}

	copied := copy(p, pt)
	if copied < len(pt) {
		c.readRest = pt[copied:]
	}
	return copied, nil
}

// Write encrypts p into one or more length-prefixed frames.
func (c *SecureConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrameSize {
			chunk = chunk[:maxFrameSize]
		}
		ct, err := c.writeCS.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))
		if _, err := c.underlying.Write(lenBuf[:]); err != nil {
			return total, err
		}
		if _, err := c.underlying.Write(ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (c *SecureConn) Close() error {
	return c.underlying.Close()
}

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
}

// GenerateKeypair creates a static Noise keypair.
func GenerateKeypair() (noise.DHKey, error) {
	return cipherSuite().GenerateKeypair(rand.Reader)
}

// Client runs a Noise XX handshake as initiator.
func Client(underlying io.ReadWriteCloser, static noise.DHKey) (*SecureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(underlying, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	buf, err := readFrame(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, buf); err != nil {
		return nil, err
	}

	// -> s, se
	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(underlying, msg2); err != nil {
		return nil, err
	}

	// Initiator sends with cs1 and receives with cs2.
	return &SecureConn{underlying: underlying, readCS: cs2, writeCS: cs1}, nil
}

// Server runs a Noise XX handshake as responder.
func Server(underlying io.ReadWriteCloser, static noise.DHKey) (*SecureConn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, err
	}

	// <- e
	buf, err := readFrame(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, buf); err != nil {
		return nil, err
	}

	// -> e, ee, s, es
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(underlying, msg); err != nil {
		return nil, err
	}

	// <- s, se
	buf2, err := readFrame(underlying)
	if err != nil {
		return nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, buf2)
	if err != nil {
		return nil, err
	}

	// Responder cipher states are swapped relative to the initiator.
	return &SecureConn{underlying: underlying, readCS: cs1, writeCS: cs2}, nil
}

func writeFrame(w io.Writer, msg []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("noiseconn: invalid handshake frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
