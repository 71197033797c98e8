// Package httpsig implements the signed-response format: hs2019 HTTP
// head signatures (draft-cavage-http-signatures profile), per-block
// Ed25519 signatures over a SHA-512 hash chain, and the reader wrappers
// that produce and verify signed chunked streams.
package httpsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

const (
	VersionHdr     = "X-Ouinet-Version"
	CurrentVersion = "0"
	URIHdr         = "X-Ouinet-URI"
	InjectionHdr   = "X-Ouinet-Injection"
	BSigsHdr       = "X-Ouinet-BSigs"
	DataSizeHdr    = "X-Ouinet-Data-Size"
	DigestHdr      = "Digest"
	InitialSigHdr  = "X-Ouinet-Sig0"
	FinalSigHdr    = "X-Ouinet-Sig1"
	sigHdrPrefix   = "X-Ouinet-Sig"

	SigExt  = "ouisig"
	HashExt = "ouihash"

	// BlockSize is the body slice covered by one block signature.
	BlockSize = 65536

	sigAlgorithm = "hs2019"
	keyIDPrefix  = "ed25519="
)

var (
	ErrMalformed    = errors.New("httpsig: malformed")
	ErrBadSignature = errors.New("httpsig: bad signature")
	ErrBadMessage   = errors.New("httpsig: stream invariant violated")
	ErrUnsupported  = errors.New("httpsig: unsupported")
)

// KeyID encodes a public key as a signature key identifier.
func KeyID(pk ed25519.PublicKey) string {
	return keyIDPrefix + base64.StdEncoding.EncodeToString(pk)
}

// DecodeKeyID recovers the public key from a key identifier.
func DecodeKeyID(keyID string) (ed25519.PublicKey, bool) {
	if len(keyID) < len(keyIDPrefix) || keyID[:len(keyIDPrefix)] != keyIDPrefix {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(keyID[len(keyIDPrefix):])
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}
