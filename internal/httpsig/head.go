package httpsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"peercache/internal/stream"
)

var sigHdrRx = regexp.MustCompile(`^(?i)X-Ouinet-Sig[0-9]+$`)

// WithoutFraming strips the transfer framing headers, leaving only what
// signatures cover.
func WithoutFraming(head stream.Head) stream.Head {
	out := head.Clone()
	out.Fields.Del("Content-Length")
	out.Fields.Del("Transfer-Encoding")
	out.Fields.Del("Trailer")
	return out
}

// InjectionHead decorates a response head for injection: it adds the
// protocol headers binding the head to uri and the injection id, signs
// the result into X-Ouinet-Sig0, and declares chunked framing with the
// signature trailers.
func InjectionHead(uri string, head stream.Head, injID string, injTS int64, sk ed25519.PrivateKey, keyID string) stream.Head {
	out := WithoutFraming(head)
	out.Fields.Set(VersionHdr, CurrentVersion)
	out.Fields.Set(URIHdr, uri)
	out.Fields.Set(InjectionHdr, fmt.Sprintf("id=%s,ts=%d", injID, injTS))
	out.Fields.Set(BSigsHdr, fmt.Sprintf(`keyId="%s",algorithm="%s",size=%d`, keyID, sigAlgorithm, BlockSize))

	out.Fields.Set(InitialSigHdr, SignHead(out, sk, keyID, injTS))

	out.Fields.Set("Transfer-Encoding", "chunked")
	trailer := DataSizeHdr + ", " + DigestHdr + ", " + FinalSigHdr
	if prev := out.Fields.Get("Trailer"); prev != "" {
		trailer = prev + ", " + trailer
	}
	out.Fields.Set("Trailer", trailer)
	return out
}

// InjectionTrailer produces the trailer fields closing a signed
// response: the body size and digest plus the final signature over the
// whole head (without the initial signature and framing).
func InjectionTrailer(head stream.Head, trailer stream.Fields, dataSize int64, digest [sha256.Size]byte, sk ed25519.PrivateKey, keyID string, ts int64) stream.Fields {
	trailer.Set(DataSizeHdr, strconv.FormatInt(dataSize, 10))
	trailer.Set(DigestHdr, "SHA-256="+base64.StdEncoding.EncodeToString(digest[:]))

	toSign := WithoutFraming(head)
	toSign.Fields.Del(InitialSigHdr)
	for _, f := range trailer {
		toSign.Fields.Set(f.Name, f.Value)
	}

	trailer.Set(FinalSigHdr, SignHead(toSign, sk, keyID, ts))
	return trailer
}

// VerifyHead verifies every X-Ouinet-Sig* header against pk. Signatures
// with an unknown key are kept unchecked; malformed or failing ones are
// dropped. At least one signature must check out, and headers not
// covered by any checked signature are removed from the returned head.
func VerifyHead(head stream.Head, pk ed25519.PublicKey) (stream.Head, bool) {
	toVerify := WithoutFraming(head)
	var sigFields []stream.Field
	for _, f := range head.Fields {
		if sigHdrRx.MatchString(f.Name) {
			sigFields = append(sigFields, f)
			toVerify.Fields.Del(f.Name)
		}
	}

	out := head.Clone()
	for _, f := range head.Fields {
		if sigHdrRx.MatchString(f.Name) {
			out.Fields.Del(f.Name)
		}
	}

	keyID := KeyID(pk)
	sigOK := false
	coveredAll := make(map[string]bool)
	var kept []stream.Field

	for _, sf := range sigFields {
		sig, ok := ParseSignature(sf.Value)
		if !ok {
			continue // drop signature
		}
		if sig.KeyID != keyID {
			kept = append(kept, sf) // unknown key, keep unchecked
			continue
		}
		if sig.Algorithm != "" && sig.Algorithm != sigAlgorithm {
			continue // drop signature
		}
		ok, covered := sig.Verify(toVerify, pk)
		if !ok {
			continue // drop signature
		}
		sigOK = true
		kept = append(kept, sf)
		for name := range covered {
			coveredAll[name] = true
		}
	}

	if !sigOK {
		return stream.Head{}, false
	}

	// Strip headers no checked signature covers.
	var fields stream.Fields
	for _, f := range out.Fields {
		if coveredAll[strings.ToLower(f.Name)] {
			fields = append(fields, f)
		}
	}
	fields = append(fields, kept...)
	out.Fields = fields
	return out, true
}
