package httpsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"time"

	"peercache/internal/stream"
)

// SigningReader wraps an origin response and yields it as a signed
// chunked stream: one chunk per data block, each chunk header carrying
// the previous block's chain digest and signature, and a trailer with
// the body size, digest and final head signature. Responses that cannot
// be cached pass through untouched.
type SigningReader struct {
	inner stream.PartReader

	uri   string
	injID string
	injTS int64
	sk    ed25519.PrivateKey
	keyID string

	// Now supplies the final-signature timestamp; tests pin it.
	Now func() int64

	doInject bool
	outHead  stream.Head

	bodyLength  int64
	blockOffset int64
	bodyHash    hash.Hash
	blockHash   hash.Hash
	pending     []byte

	trailerIn stream.Fields
	queue     []stream.Part
	done      bool
}

func NewSigningReader(inner stream.PartReader, uri, injID string, injTS int64, sk ed25519.PrivateKey) *SigningReader {
	return &SigningReader{
		inner:    inner,
		uri:      uri,
		injID:    injID,
		injTS:    injTS,
		sk:       sk,
		keyID:    KeyID(sk.Public().(ed25519.PublicKey)),
		Now:       func() int64 { return time.Now().Unix() },
		bodyHash:  sha256.New(),
		blockHash: sha512.New(),
	}
}

func (r *SigningReader) Close() error { return r.inner.Close() }

func (r *SigningReader) ReadPart() (stream.Part, error) {
	for {
		if len(r.queue) > 0 {
			p := r.queue[0]
			r.queue = r.queue[1:]
			return p, nil
		}
		if r.done {
			return nil, io.EOF
		}

		part, err := r.inner.ReadPart()
		if err == io.EOF {
			r.processEnd()
			r.done = true
			continue
		}
		if err != nil {
			return nil, err
		}

		switch v := part.(type) {
		case stream.Head:
			r.processHead(v)
		case stream.ChunkHdr:
			// When injecting, origin chunk sizes and extensions are
			// dropped: blocks are re-chunked to our own size and origin
			// extensions cannot be signed.
			if !r.doInject {
				r.queue = append(r.queue, v)
			}
		case stream.ChunkBody:
			if r.doInject {
				r.processData([]byte(v))
			} else {
				r.queue = append(r.queue, v)
			}
		case stream.Body:
			if r.doInject {
				r.processData([]byte(v))
			} else {
				r.queue = append(r.queue, v)
			}
		case stream.Trailer:
			if r.doInject {
				r.trailerIn = withoutFramingFields(v.Fields)
			} else {
				r.queue = append(r.queue, v)
			}
		}
	}
}

// cacheable reports whether the response can be injected: a successful
// response with determinate framing.
func cacheable(h stream.Head) bool {
	if h.Proto != "HTTP/1.1" && h.Proto != "HTTP/1.0" {
		return false
	}
	if h.Status != 200 {
		return false
	}
	// Without Content-Length or chunking the body size is unknowable in
	// advance; fall through without injection.
	if h.Fields.Get("Content-Length") == "" && h.Fields.Get("Transfer-Encoding") == "" {
		return false
	}
	return true
}

func (r *SigningReader) processHead(h stream.Head) {
	if !cacheable(h) {
		r.queue = append(r.queue, h)
		return
	}
	r.doInject = true
	r.outHead = InjectionHead(r.uri, h, r.injID, r.injTS, r.sk, r.keyID)
	r.queue = append(r.queue, r.outHead.Clone())
}

func (r *SigningReader) processData(data []byte) {
	r.bodyLength += int64(len(data))
	r.bodyHash.Write(data)
	r.pending = append(r.pending, data...)
	for int64(len(r.pending)) >= BlockSize {
		r.emitBlock(r.pending[:BlockSize])
		r.pending = r.pending[BlockSize:]
	}
}

// emitBlock queues the chunk for one block. The chunk header extension
// carries the previous block's chain digest and its signature.
func (r *SigningReader) emitBlock(block []byte) {
	ch := stream.ChunkHdr{Size: int64(len(block))}
	if r.blockOffset > 0 {
		digest := r.blockHash.Sum(nil)
		ch.Exts = ChunkExt(SignBlock(r.sk, r.injID, digest), digest)
		r.blockHash = sha512.New()
		r.blockHash.Write(digest)
	}
	r.blockHash.Write(block)
	r.blockOffset += int64(len(block))

	body := make([]byte, len(block))
	copy(body, block)
	r.queue = append(r.queue, ch, stream.ChunkBody(body))
}

func (r *SigningReader) processEnd() {
	if !r.doInject {
		return
	}
	if len(r.pending) > 0 {
		r.emitBlock(r.pending)
		r.pending = nil
	}

	digest := r.blockHash.Sum(nil)
	last := stream.ChunkHdr{Size: 0, Exts: ChunkExt(SignBlock(r.sk, r.injID, digest), digest)}

	var sum [sha256.Size]byte
	copy(sum[:], r.bodyHash.Sum(nil))
	trailer := InjectionTrailer(r.outHead, r.trailerIn, r.bodyLength, sum, r.sk, r.keyID, r.Now())

	r.queue = append(r.queue, last, stream.Trailer{Fields: trailer})
}

func withoutFramingFields(f stream.Fields) stream.Fields {
	out := f.Clone()
	out.Del("Content-Length")
	out.Del("Transfer-Encoding")
	out.Del("Trailer")
	return out
}
