package cache

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"peercache/internal/httpsig"
	"peercache/internal/stream"
)

var (
	ErrNotFound  = errors.New("cache: entry not found")
	ErrMalformed = errors.New("cache: malformed entry")
)

// Store persists signed responses on disk. Each entry is a directory
// root/XX/YYYY... (hex SHA-1 of the key, two-char fan-out) holding:
//
//   - head: the response head, framing headers stripped, trailer fields
//     folded in and the redundant initial signature removed;
//   - body: the raw body bytes;
//   - sigs: one line per block, `OFFSET SIG PREV_HASH`, with OFFSET in
//     lowercase hex, SIG and PREV_HASH in Base64, PREV_HASH empty for
//     the first block.
type Store struct {
	root  string
	sched *keyScheduler
	logf  func(format string, args ...any)
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, sched: newKeyScheduler(), logf: log.Printf}, nil
}

func (s *Store) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(s.root, h[:2], h[2:])
}

type sigLine struct {
	offset   int64
	sig      string // base64
	prevHash string // base64, empty for the first block
}

// Store consumes a signed response (normally out of a verifying reader)
// and commits it under key with an atomic rename. An existing entry is
// replaced; concurrent writers may race, which is harmless since signed
// entries for a key are interchangeable.
func (s *Store) Store(key string, r stream.PartReader) error {
	unlock := s.sched.Lock(key)
	defer unlock()

	tmp, err := os.MkdirTemp(s.root, "tmp-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	bodyFile, err := os.Create(filepath.Join(tmp, "body"))
	if err != nil {
		return err
	}
	defer bodyFile.Close()
	bodyw := bufio.NewWriter(bodyFile)

	var head stream.Head
	var haveHead bool
	var blockSize int64 = httpsig.BlockSize

	// Block signatures in stream order, plus any chain hash the stream
	// carried beside them.
	type sigEntry struct {
		sig      string
		wireHash string
	}
	var sigs []sigEntry

	// The PREV_HASH column is computed here from the body bytes, the
	// same chain the signer ran: HASH[i] = SHA-512(HASH[i-1] BLOCK[i]).
	chainHasher := sha512.New()
	var chain []string // base64 HASH[i] per completed block
	var curLen int64
	closeChainBlock := func() {
		digest := chainHasher.Sum(nil)
		chain = append(chain, base64.StdEncoding.EncodeToString(digest))
		chainHasher = sha512.New()
		chainHasher.Write(digest)
		curLen = 0
	}

	for {
		part, err := r.ReadPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch v := part.(type) {
		case stream.Head:
			head = v
			haveHead = true
			if bs, err := httpsig.ParseBlockSigs(v.Fields.Get(httpsig.BSigsHdr)); err == nil {
				blockSize = bs.Size
			}

		case stream.ChunkHdr:
			exts, err := httpsig.ParseChunkExts(v.Exts)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			if sig, ok := exts[httpsig.SigExt]; ok {
				sigs = append(sigs, sigEntry{sig: sig, wireHash: exts[httpsig.HashExt]})
			}

		case stream.ChunkBody:
			if !haveHead {
				return fmt.Errorf("%w: data before head", ErrMalformed)
			}
			if _, err := bodyw.Write(v); err != nil {
				return err
			}
			rest := []byte(v)
			for len(rest) > 0 {
				n := blockSize - curLen
				if int64(len(rest)) < n {
					n = int64(len(rest))
				}
				chainHasher.Write(rest[:n])
				curLen += n
				rest = rest[n:]
				if curLen == blockSize {
					closeChainBlock()
				}
			}

		case stream.Body:
			return fmt.Errorf("%w: response is not chunked", ErrMalformed)

		case stream.Trailer:
			if !haveHead {
				return fmt.Errorf("%w: trailer before head", ErrMalformed)
			}
			for _, f := range v.Fields {
				head.Fields.Set(f.Name, f.Value)
			}
		}
	}
	if curLen > 0 {
		closeChainBlock()
	}

	if !haveHead {
		return fmt.Errorf("%w: empty response", ErrMalformed)
	}
	if len(sigs) == 0 {
		return fmt.Errorf("%w: response without block signatures", ErrMalformed)
	}
	if !head.Fields.Has(httpsig.FinalSigHdr) {
		return fmt.Errorf("%w: missing %s", ErrMalformed, httpsig.FinalSigHdr)
	}

	// One signature per block (an empty body still carries one).
	wantSigs := len(chain)
	if wantSigs == 0 {
		wantSigs = 1
	}
	if len(sigs) != wantSigs {
		return fmt.Errorf("%w: %d block signatures for %d blocks", ErrMalformed, len(sigs), wantSigs)
	}

	lines := make([]sigLine, len(sigs))
	for i, e := range sigs {
		lines[i] = sigLine{offset: int64(i) * blockSize, sig: e.sig}
		if i > 0 {
			lines[i].prevHash = chain[i-1]
		}
		// A chain hash carried on the wire must match what the body
		// bytes hash to.
		if e.wireHash != "" && i < len(chain) && e.wireHash != chain[i] {
			return fmt.Errorf("%w: chain hash for block %d does not match the body", ErrMalformed, i)
		}
	}

	if err := bodyw.Flush(); err != nil {
		return err
	}
	if err := bodyFile.Close(); err != nil {
		return err
	}

	// The final signature supersedes the initial one.
	outHead := httpsig.WithoutFraming(head)
	outHead.Fields.Del(httpsig.InitialSigHdr)

	var headBuf bytes.Buffer
	if err := stream.WritePart(&headBuf, outHead); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, "head"), headBuf.Bytes(), 0o644); err != nil {
		return err
	}

	var sigsBuf bytes.Buffer
	for _, l := range lines {
		fmt.Fprintf(&sigsBuf, "%016x %s %s\n", l.offset, l.sig, l.prevHash)
	}
	if err := os.WriteFile(filepath.Join(tmp, "sigs"), sigsBuf.Bytes(), 0o644); err != nil {
		return err
	}

	final := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	// Replacing an old entry is non-atomic; the commit itself is a rename.
	if err := os.RemoveAll(final); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Remove deletes the entry for key, if any.
func (s *Store) Remove(key string) error {
	unlock := s.sched.Lock(key)
	defer unlock()
	return os.RemoveAll(s.entryPath(key))
}

// Reader re-creates the signed chunked response stored under key.
func (s *Store) Reader(key string) (stream.PartReader, error) {
	return s.readerForPath(s.entryPath(key))
}

func (s *Store) readerForPath(dir string) (stream.PartReader, error) {
	headRaw, err := os.ReadFile(filepath.Join(dir, "head"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	head, err := stream.ReadHead(bytes.NewReader(headRaw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sigsRaw, err := os.ReadFile(filepath.Join(dir, "sigs"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	sigs, err := parseSigLines(sigsRaw)
	if err != nil {
		return nil, err
	}

	bodyFile, err := os.Open(filepath.Join(dir, "body"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	st, err := bodyFile.Stat()
	if err != nil {
		bodyFile.Close()
		return nil, err
	}

	blockSize := int64(httpsig.BlockSize)
	if bs, err := httpsig.ParseBlockSigs(head.Fields.Get(httpsig.BSigsHdr)); err == nil {
		blockSize = bs.Size
	}

	out := head.Clone()
	out.Fields.Set("Transfer-Encoding", "chunked")

	return &entryReader{
		head:      out,
		sigs:      sigs,
		body:      bodyFile,
		bodySize:  st.Size(),
		blockSize: blockSize,
	}, nil
}

func parseSigLines(raw []byte) ([]sigLine, error) {
	var out []sigLine
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: bad sigs line %q", ErrMalformed, line)
		}
		off, err := strconv.ParseInt(parts[0], 16, 64)
		if err != nil || off < 0 {
			return nil, fmt.Errorf("%w: bad offset in sigs line %q", ErrMalformed, line)
		}
		l := sigLine{offset: off, sig: parts[1]}
		if len(parts) == 3 {
			l.prevHash = strings.TrimSpace(parts[2])
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty sigs file", ErrMalformed)
	}
	return out, nil
}

// entryReader streams a stored entry back as chunked parts: one chunk
// per recorded block, each chunk header carrying the previous block's
// signature and chain hash, then the final signed zero chunk and an
// empty trailer.
type entryReader struct {
	head      stream.Head
	sigs      []sigLine
	body      *os.File
	bodySize  int64
	blockSize int64

	headSent bool
	block    int
	pending  []byte // chunk body queued behind its header
	zeroSent bool
	trailerSent bool
}

func (r *entryReader) Close() error { return r.body.Close() }

func (r *entryReader) ReadPart() (stream.Part, error) {
	if !r.headSent {
		r.headSent = true
		return r.head.Clone(), nil
	}

	if r.pending != nil {
		body := stream.ChunkBody(r.pending)
		r.pending = nil
		return body, nil
	}

	if int64(r.block)*r.blockSize < r.bodySize {
		i := r.block
		size := r.bodySize - int64(i)*r.blockSize
		if size > r.blockSize {
			size = r.blockSize
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r.body, buf); err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrMalformed, err)
		}
		r.pending = buf
		r.block++

		hdr := stream.ChunkHdr{Size: size}
		if i > 0 {
			if i >= len(r.sigs) {
				return nil, fmt.Errorf("%w: missing sigs entry %d", ErrMalformed, i)
			}
			hdr.Exts = chunkExtFor(r.sigs[i-1].sig, r.sigs[i].prevHash)
		}
		return hdr, nil
	}

	if !r.zeroSent {
		r.zeroSent = true
		last := r.sigs[len(r.sigs)-1]
		return stream.ChunkHdr{Size: 0, Exts: chunkExtFor(last.sig, "")}, nil
	}

	if !r.trailerSent {
		r.trailerSent = true
		return stream.Trailer{}, nil
	}
	return nil, io.EOF
}

func chunkExtFor(sigB64, hashB64 string) string {
	var b strings.Builder
	if sigB64 != "" {
		fmt.Fprintf(&b, `;%s="%s"`, httpsig.SigExt, sigB64)
	}
	if hashB64 != "" {
		fmt.Fprintf(&b, `;%s="%s"`, httpsig.HashExt, hashB64)
	}
	return b.String()
}

// ForEach visits every entry, handing keep a fresh reader. Entries for
// which keep returns false, and entries that fail to open, are removed.
func (s *Store) ForEach(keep func(key string, r stream.PartReader) bool) error {
	prefixes, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, p := range prefixes {
		if !p.IsDir() || len(p.Name()) != 2 {
			continue
		}
		dir := filepath.Join(s.root, p.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			r, err := s.readerForPath(path)
			if err != nil {
				s.logf("cache: removing unreadable entry %s: %v", path, err)
				_ = os.RemoveAll(path)
				continue
			}

			key := ""
			if p, err := r.ReadPart(); err == nil {
				if h, ok := p.(stream.Head); ok {
					key = h.Fields.Get(httpsig.URIHdr)
				}
			}
			if key == "" {
				r.Close()
				s.logf("cache: removing entry without a URI: %s", path)
				_ = os.RemoveAll(path)
				continue
			}

			// Hand keep a reader positioned at the start.
			r.Close()
			r, err = s.readerForPath(path)
			if err != nil {
				_ = os.RemoveAll(path)
				continue
			}
			ok := keep(key, r)
			r.Close()
			if !ok {
				unlock := s.sched.Lock(key)
				_ = os.RemoveAll(path)
				unlock()
			}
		}
	}
	return nil
}
