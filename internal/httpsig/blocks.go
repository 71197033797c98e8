package httpsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// BlockSigs is a parsed X-Ouinet-BSigs header: the key and block size
// governing the per-block signatures of a response.
type BlockSigs struct {
	KeyID     string
	PK        ed25519.PublicKey
	Algorithm string
	Size      int64
}

// ParseBlockSigs parses `keyId="...",algorithm="hs2019",size=N`.
func ParseBlockSigs(s string) (*BlockSigs, error) {
	if hasCommaInQuotes(s) {
		return nil, fmt.Errorf("%w: commas in quoted block-signature arguments", ErrMalformed)
	}

	var bs BlockSigs
	for _, item := range strings.Split(s, ",") {
		key, value, _ := strings.Cut(item, "=")
		key = strings.TrimSpace(key)
		if key == "size" {
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad block size", ErrMalformed)
			}
			bs.Size = n
			continue
		}
		if len(value) < 2 || value[0] != '"' || value[len(value)-1] != '"' {
			return nil, fmt.Errorf("%w: bad quoting in block signatures", ErrMalformed)
		}
		value = value[1 : len(value)-1]
		switch key {
		case "keyId":
			bs.KeyID = value
			if pk, ok := DecodeKeyID(value); ok {
				bs.PK = pk
			}
		case "algorithm":
			bs.Algorithm = value
		default:
			return nil, fmt.Errorf("%w: unknown block-signature field %q", ErrMalformed, key)
		}
	}
	if bs.PK == nil {
		return nil, fmt.Errorf("%w: missing or invalid key id in block signatures", ErrMalformed)
	}
	if bs.Algorithm != sigAlgorithm {
		return nil, fmt.Errorf("%w: block-signature algorithm %q", ErrUnsupported, bs.Algorithm)
	}
	if bs.Size <= 0 {
		return nil, fmt.Errorf("%w: missing or invalid size in block signatures", ErrMalformed)
	}
	return &bs, nil
}

// blockSigPayload is the string signed per block:
// INJECTION_ID '\0' CHAIN_DIGEST.
func blockSigPayload(injID string, digest []byte) []byte {
	out := make([]byte, 0, len(injID)+1+len(digest))
	out = append(out, injID...)
	out = append(out, 0)
	out = append(out, digest...)
	return out
}

// SignBlock signs the chain digest covering a block.
func SignBlock(sk ed25519.PrivateKey, injID string, digest []byte) []byte {
	return ed25519.Sign(sk, blockSigPayload(injID, digest))
}

// VerifyBlock checks a block signature against its chain digest.
func VerifyBlock(pk ed25519.PublicKey, injID string, digest, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pk, blockSigPayload(injID, digest), sig)
}

// ChunkExt renders the chunk extensions for a block signature and the
// previous chain hash (omitted when empty).
func ChunkExt(sig, prevDigest []byte) string {
	var b strings.Builder
	if len(sig) > 0 {
		fmt.Fprintf(&b, `;%s="%s"`, SigExt, base64.StdEncoding.EncodeToString(sig))
	}
	if len(prevDigest) > 0 {
		fmt.Fprintf(&b, `;%s="%s"`, HashExt, base64.StdEncoding.EncodeToString(prevDigest))
	}
	return b.String()
}

// ParseChunkExts extracts quoted extension values from a chunk header
// extension string like `;ouisig="...";ouihash="..."`.
func ParseChunkExts(exts string) (map[string]string, error) {
	out := make(map[string]string)
	for _, tok := range strings.Split(exts, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		name, value, hasValue := strings.Cut(tok, "=")
		if !hasValue {
			out[name] = ""
			continue
		}
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		out[name] = value
	}
	return out, nil
}

// InjectionID extracts the injection id from an X-Ouinet-Injection value
// like `id=<uuid>,ts=<seconds>`.
func InjectionID(v string) (string, bool) {
	for _, item := range strings.Split(v, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if ok && key == "id" {
			return value, value != ""
		}
	}
	return "", false
}

// InjectionTS extracts the injection timestamp (unix seconds).
func InjectionTS(v string) (int64, bool) {
	for _, item := range strings.Split(v, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if ok && key == "ts" {
			ts, err := strconv.ParseInt(value, 10, 64)
			return ts, err == nil
		}
	}
	return 0, false
}
