package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"
)

// Announce tokens tie an announce_peer to an earlier get_peers from the
// same address. A token is an HMAC of the requester's IP under a server
// secret that rotates every five minutes; the current and previous secret
// are accepted, so tokens stay valid for roughly ten minutes.
type tokenManager struct {
	mu      sync.Mutex
	secret  [20]byte
	prev    [20]byte
	rotated time.Time
	now     func() time.Time
}

const tokenRotatePeriod = 5 * time.Minute

func newTokenManager() *tokenManager {
	tm := &tokenManager{now: time.Now}
	_, _ = rand.Read(tm.secret[:])
	_, _ = rand.Read(tm.prev[:])
	tm.rotated = tm.now()
	return tm
}

func (tm *tokenManager) rotateLocked() {
	now := tm.now()
	if now.Sub(tm.rotated) < tokenRotatePeriod {
		return
	}
	tm.prev = tm.secret
	_, _ = rand.Read(tm.secret[:])
	tm.rotated = now
}

func tokenFor(secret []byte, ip net.IP) string {
	mac := hmac.New(sha1.New, secret)
	if ip4 := ip.To4(); ip4 != nil {
		mac.Write(ip4)
	} else {
		mac.Write(ip.To16())
	}
	return string(mac.Sum(nil))
}

func (tm *tokenManager) Token(ip net.IP) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.rotateLocked()
	return tokenFor(tm.secret[:], ip)
}

func (tm *tokenManager) Valid(token string, ip net.IP) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.rotateLocked()
	if hmac.Equal([]byte(token), []byte(tokenFor(tm.secret[:], ip))) {
		return true
	}
	return hmac.Equal([]byte(token), []byte(tokenFor(tm.prev[:], ip)))
}
