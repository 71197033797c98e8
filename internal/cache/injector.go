package cache

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"peercache/internal/httpsig"
	"peercache/internal/stream"
)

// Injector signs origin responses so any peer can redistribute them.
type Injector struct {
	key ed25519.PrivateKey

	// Now supplies injection timestamps; tests pin it.
	Now func() int64

	// NewID supplies injection ids; defaults to random UUIDs.
	NewID func() string
}

func NewInjector(key ed25519.PrivateKey) *Injector {
	return &Injector{
		key:   key,
		Now:   func() int64 { return time.Now().Unix() },
		NewID: randomUUID,
	}
}

func (i *Injector) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// Inject wraps an origin response in a signed stream for url. Responses
// that cannot be cached pass through unsigned.
func (i *Injector) Inject(url string, origin stream.PartReader) stream.PartReader {
	r := httpsig.NewSigningReader(origin, url, i.NewID(), i.Now(), i.key)
	r.Now = i.Now
	return r
}

// randomUUID renders 16 random bytes as an RFC 4122 version-4 UUID.
func randomUUID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
