package httpsig

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"

	"peercache/internal/stream"
)

// VerifyingReader wraps a signed chunked response and verifies it on the
// fly: the head signatures, every block signature against the SHA-512
// hash chain, and the trailer's size, digest and final signature. Each
// forwarded chunk header carries the block signature plus the previous
// chain hash, so a consumer can resume verification mid-stream.
type VerifyingReader struct {
	inner stream.PartReader
	pk    ed25519.PublicKey

	headSeen    bool
	trailerSeen bool
	origFields  stream.Fields // frameless incoming head fields
	outHead     stream.Head
	bsigs       *BlockSigs
	injID       string

	curHash       hash.Hash // running hash of the block being received
	curLen        int64
	prevDigest    []byte // chain digest before the block being received
	pendingDigest []byte // chain digest of the last closed, unsigned block
	started       bool

	bodySize int64
	bodyHash hash.Hash

	failed bool
	done   bool
}

func NewVerifyingReader(inner stream.PartReader, pk ed25519.PublicKey) *VerifyingReader {
	return &VerifyingReader{
		inner:    inner,
		pk:       pk,
		curHash:  sha512.New(),
		bodyHash: sha256.New(),
	}
}

func (r *VerifyingReader) Close() error { return r.inner.Close() }

func (r *VerifyingReader) fail(format string, args ...any) error {
	r.failed = true
	_ = r.inner.Close()
	return fmt.Errorf("%w: %s", ErrBadMessage, fmt.Sprintf(format, args...))
}

func (r *VerifyingReader) ReadPart() (stream.Part, error) {
	if r.failed {
		return nil, ErrBadMessage
	}
	if r.done {
		return nil, io.EOF
	}

	part, err := r.inner.ReadPart()
	if err == io.EOF {
		if !r.trailerSeen {
			return nil, r.fail("response ended before the trailer")
		}
		r.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}

	switch v := part.(type) {
	case stream.Head:
		return r.processHead(v)
	case stream.ChunkHdr:
		return r.processChunkHdr(v)
	case stream.ChunkBody:
		return r.processData(v)
	case stream.Body:
		return nil, r.fail("response is not chunked")
	case stream.Trailer:
		return r.processTrailer(v)
	}
	return nil, r.fail("unexpected part %T", part)
}

func (r *VerifyingReader) processHead(h stream.Head) (stream.Part, error) {
	if r.headSeen {
		return nil, r.fail("duplicate head")
	}
	r.headSeen = true

	bsigsValue := h.Fields.Get(BSigsHdr)
	if bsigsValue == "" {
		return nil, r.fail("missing %s", BSigsHdr)
	}
	bsigs, err := ParseBlockSigs(bsigsValue)
	if err != nil {
		return nil, r.fail("%v", err)
	}
	if bsigs.Size != BlockSize {
		return nil, r.fail("block size %d, expected %d", bsigs.Size, BlockSize)
	}
	if !bytes.Equal(bsigs.PK, r.pk) {
		return nil, r.fail("block signatures under a foreign key")
	}
	injID, ok := InjectionID(h.Fields.Get(InjectionHdr))
	if !ok {
		return nil, r.fail("missing injection id")
	}

	hadTrailerDecl := h.Fields.Has("Trailer")

	frameless := WithoutFraming(h)
	verified, ok := VerifyHead(frameless, r.pk)
	if !ok {
		return nil, r.fail("head signature verification failed")
	}

	r.bsigs = bsigs
	r.injID = injID
	r.origFields = verified.Fields.Clone()

	out := verified
	out.Proto = h.Proto
	out.Reason = h.Reason
	out.Fields.Set("Transfer-Encoding", "chunked")
	if hadTrailerDecl {
		out.Fields.Set("Trailer", DataSizeHdr+", "+DigestHdr+", "+FinalSigHdr)
	}
	r.outHead = out
	return out.Clone(), nil
}

// closeBlock finishes the block being hashed; its signature must arrive
// on the next chunk header.
func (r *VerifyingReader) closeBlock() error {
	if r.pendingDigest != nil {
		return r.fail("data block without a signature")
	}
	digest := r.curHash.Sum(nil)
	r.pendingDigest = digest
	r.prevDigest = digest
	r.curHash = sha512.New()
	r.curHash.Write(digest)
	r.curLen = 0
	return nil
}

func (r *VerifyingReader) processChunkHdr(h stream.ChunkHdr) (stream.Part, error) {
	if r.bsigs == nil {
		return nil, r.fail("chunk before head")
	}

	exts, err := ParseChunkExts(h.Exts)
	if err != nil {
		return nil, r.fail("%v", err)
	}

	var chainHash []byte
	if hashB64, ok := exts[HashExt]; ok {
		chainHash, err = base64.StdEncoding.DecodeString(hashB64)
		if err != nil || len(chainHash) != sha512.Size {
			return nil, r.fail("malformed %s", HashExt)
		}
	}

	sigB64, haveSig := exts[SigExt]
	if !haveSig {
		if h.Size > 0 && r.pendingDigest != nil {
			return nil, r.fail("block boundary without a signature")
		}
		if h.Size == 0 {
			return nil, r.fail("final chunk without a signature")
		}
		return stream.ChunkHdr{Size: h.Size}, nil
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, r.fail("malformed %s", SigExt)
	}

	if h.Size > 0 && r.curLen > 0 {
		return nil, r.fail("signature off the block boundary")
	}
	if h.Size == 0 && (r.curLen > 0 || r.pendingDigest == nil) && r.started {
		// The final signature covers the last, possibly short, block.
		if err := r.closeBlock(); err != nil {
			return nil, err
		}
	}

	if r.pendingDigest == nil && !r.started {
		if h.Size == 0 && chainHash == nil {
			// Empty body: the final signature covers the hash of no data.
			if err := r.closeBlock(); err != nil {
				return nil, err
			}
		} else {
			// Mid-stream start: the chain hash is the digest this
			// signature covers and seeds hashing of the upcoming block.
			if chainHash == nil {
				return nil, r.fail("signature with no block to cover")
			}
			if !VerifyBlock(r.bsigs.PK, r.injID, chainHash, sig) {
				return nil, r.fail("block signature verification failed")
			}
			r.prevDigest = chainHash
			r.curHash = sha512.New()
			r.curHash.Write(chainHash)
			return stream.ChunkHdr{Size: h.Size, Exts: ChunkExt(sig, chainHash)}, nil
		}
	}

	if r.pendingDigest == nil {
		return nil, r.fail("signature with no block to cover")
	}
	// A chain hash beside the signature must be the digest it covers.
	if chainHash != nil && !bytes.Equal(chainHash, r.pendingDigest) {
		return nil, r.fail("chain hash does not match the hashed blocks")
	}
	if !VerifyBlock(r.bsigs.PK, r.injID, r.pendingDigest, sig) {
		return nil, r.fail("block signature verification failed")
	}

	out := stream.ChunkHdr{Size: h.Size, Exts: ChunkExt(sig, r.pendingDigest)}
	r.pendingDigest = nil
	return out, nil
}

func (r *VerifyingReader) processData(data stream.ChunkBody) (stream.Part, error) {
	if r.bsigs == nil {
		return nil, r.fail("data before head")
	}
	r.started = true
	r.bodySize += int64(len(data))
	r.bodyHash.Write(data)

	rest := []byte(data)
	for len(rest) > 0 {
		space := BlockSize - r.curLen
		n := int64(len(rest))
		if n > space {
			n = space
		}
		r.curHash.Write(rest[:n])
		r.curLen += n
		rest = rest[n:]
		if r.curLen == BlockSize {
			if err := r.closeBlock(); err != nil {
				return nil, err
			}
		}
	}
	return data, nil
}

func (r *VerifyingReader) processTrailer(t stream.Trailer) (stream.Part, error) {
	if r.bsigs == nil {
		return nil, r.fail("trailer before head")
	}
	if r.pendingDigest != nil || r.curLen > 0 {
		return nil, r.fail("unsigned data at end of stream")
	}
	r.trailerSeen = true

	final := stream.Head{Status: r.outHead.Status, Fields: r.origFields.Clone()}
	for _, f := range t.Fields {
		final.Fields.Set(f.Name, f.Value)
	}

	verified, ok := VerifyHead(final, r.pk)
	if !ok {
		return nil, r.fail("final head signature verification failed")
	}

	sizeStr := verified.Fields.Get(DataSizeHdr)
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 10, 64)
	if err != nil {
		return nil, r.fail("missing or malformed %s", DataSizeHdr)
	}
	if size != r.bodySize {
		return nil, r.fail("body is %d bytes, head declares %d", r.bodySize, size)
	}

	gotAlg, gotValue, _ := strings.Cut(verified.Fields.Get(DigestHdr), "=")
	wantValue := base64.StdEncoding.EncodeToString(r.bodyHash.Sum(nil))
	if !strings.EqualFold(gotAlg, "SHA-256") || gotValue != wantValue {
		return nil, r.fail("body digest mismatch")
	}

	return t, nil
}
