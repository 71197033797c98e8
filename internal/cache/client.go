package cache

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/flynn/noise"

	"peercache/internal/crypto/channel"
	"peercache/internal/crypto/noiseconn"
	"peercache/internal/dht"
	"peercache/internal/httpsig"
	"peercache/internal/lan"
	"peercache/internal/netx"
	"peercache/internal/stream"
)

const readWatchdog = 60 * time.Second

// ClientConfig wires the cache client together.
type ClientConfig struct {
	Node      *dht.Node
	Store     *Store
	Lru       *PersistentLru
	PublicKey ed25519.PublicKey

	Network  netx.Network
	BindAddr string
	NoiseKey noise.DHKey

	// LanKey enables sealed local-network peer discovery.
	LanKey *channel.Key
	LanCfg lan.Config

	// MaxCachedAge rejects injections older than this; zero or negative
	// means no limit.
	MaxCachedAge time.Duration

	Logf func(format string, args ...any)
}

// Client serves and retrieves signed responses: a load finds providers
// through the DHT (and the LAN), verifies the stream as it arrives and
// tees it into the local store, announcing the key's infohash so we
// become a provider ourselves.
type Client struct {
	cfg  ClientConfig
	ann  *dht.Announcer
	addr netx.Addr

	ctx    context.Context
	cancel context.CancelFunc
	logf   func(format string, args ...any)
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logf:   cfg.Logf,
	}
	c.ann = dht.NewAnnouncer(c.announceOnce, cfg.Logf)

	if cfg.Lru != nil {
		cfg.Lru.OnEvict = func(key string) {
			_ = cfg.Store.Remove(key)
			c.ann.Remove(dht.InfohashForKey(key))
		}
	}
	return c
}

func (c *Client) announceOnce(ctx context.Context, infohash dht.NodeID) error {
	port := 0
	if host := string(c.addr); host != "" {
		if _, p, err := net.SplitHostPort(host); err == nil {
			fmt.Sscanf(p, "%d", &port)
		}
	}
	_, err := c.cfg.Node.TrackerAnnounce(ctx, infohash, port)
	return err
}

// Start begins serving stored responses to peers and re-announces the
// keys already on disk.
func (c *Client) Start() error {
	addr, err := c.cfg.Network.Listen(c.cfg.BindAddr)
	if err != nil {
		return err
	}
	c.addr = addr
	c.logf("cache: serving peers on %s", addr)

	go c.acceptLoop()

	if c.cfg.LanKey != nil {
		if err := lan.StartResponder(c.ctx.Done(), c.cfg.LanCfg, *c.cfg.LanKey, string(addr)); err != nil {
			c.logf("cache: lan responder: %v", err)
		}
	}

	if c.cfg.Lru != nil {
		for _, key := range c.cfg.Lru.Keys() {
			c.ann.Add(dht.InfohashForKey(key))
		}
	}
	return nil
}

func (c *Client) Addr() netx.Addr { return c.addr }

func (c *Client) Close() error {
	c.cancel()
	c.ann.Stop()
	return c.cfg.Network.Close()
}

// Load returns a verified session for url, from the local store when
// possible, otherwise from the first provider that serves a valid
// signed stream. The infohash is announced either way.
func (c *Client) Load(ctx context.Context, url string) (*Session, error) {
	infohash := dht.InfohashForKey(url)

	if sess, err := c.loadLocal(url); err == nil {
		c.ann.Add(infohash)
		return sess, nil
	}

	sess, err := c.loadRemote(ctx, url, infohash)
	if err != nil {
		return nil, err
	}
	c.ann.Add(infohash)
	return sess, nil
}

func (c *Client) loadLocal(url string) (*Session, error) {
	r, err := c.cfg.Store.Reader(url)
	if err != nil {
		return nil, err
	}

	vr := httpsig.NewVerifyingReader(r, c.cfg.PublicKey)
	part, err := vr.ReadPart()
	if err != nil {
		vr.Close()
		c.dropEntry(url)
		return nil, err
	}
	head, ok := part.(stream.Head)
	if !ok || !c.fresh(head) {
		vr.Close()
		c.dropEntry(url)
		return nil, ErrNotFound
	}

	if c.cfg.Lru != nil {
		c.cfg.Lru.Find(url)
	}
	return newSession(head, vr), nil
}

func (c *Client) dropEntry(url string) {
	_ = c.cfg.Store.Remove(url)
	if c.cfg.Lru != nil {
		c.cfg.Lru.Remove(url)
	}
}

func (c *Client) fresh(head stream.Head) bool {
	if c.cfg.MaxCachedAge <= 0 {
		return true
	}
	ts, ok := httpsig.InjectionTS(head.Fields.Get(httpsig.InjectionHdr))
	if !ok {
		return false
	}
	return time.Since(time.Unix(ts, 0)) <= c.cfg.MaxCachedAge
}

func (c *Client) candidates(ctx context.Context, infohash dht.NodeID) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(addr string) {
		if addr == "" || addr == string(c.addr) {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	// LAN peers first: cheapest and most likely to be fast.
	if c.cfg.LanKey != nil {
		peers, err := lan.Discover(c.cfg.LanCfg, *c.cfg.LanKey, string(c.addr))
		if err == nil {
			for _, p := range peers {
				add(p)
			}
		}
	}

	for _, p := range c.cfg.Node.Providers(infohash) {
		add(p.String())
	}

	if peers, err := c.cfg.Node.FindPeers(ctx, infohash); err == nil {
		for _, p := range peers {
			add(p.String())
		}
	}
	return out
}

func (c *Client) loadRemote(ctx context.Context, url string, infohash dht.NodeID) (*Session, error) {
	for _, addr := range c.candidates(ctx, infohash) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sess, err := c.fetchFrom(ctx, addr, url)
		if err != nil {
			c.logf("cache: provider %s failed for %s: %v", addr, url, err)
			continue
		}
		return sess, nil
	}
	return nil, ErrNotFound
}

func (c *Client) fetchFrom(ctx context.Context, addr, url string) (*Session, error) {
	conn, err := c.cfg.Network.Dial(netx.Addr(addr))
	if err != nil {
		return nil, err
	}
	secure, err := noiseconn.Client(netx.IdleTimeout(conn, readWatchdog), c.cfg.NoiseKey)
	if err != nil {
		conn.Close()
		return nil, err
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\n%s: %s\r\n\r\n", url, httpsig.VersionHdr, httpsig.CurrentVersion)
	if _, err := io.WriteString(secure, req); err != nil {
		secure.Close()
		return nil, err
	}

	vr := httpsig.NewVerifyingReader(stream.NewReader(secure), c.cfg.PublicKey)
	part, err := vr.ReadPart()
	if err != nil {
		vr.Close()
		return nil, err
	}
	head, ok := part.(stream.Head)
	if !ok {
		vr.Close()
		return nil, fmt.Errorf("cache: provider sent no head")
	}
	if !c.fresh(head) {
		vr.Close()
		return nil, ErrNotFound
	}

	main, side := teeParts(vr)
	go c.storeSide(url, head, side)

	return newSession(head, main), nil
}

// storeSide persists the teed copy of a response being streamed to the
// caller. Store errors are logged; they never abort the live stream.
func (c *Client) storeSide(url string, head stream.Head, side stream.PartReader) {
	defer side.Close()

	if err := c.cfg.Store.Store(url, &headFirstReader{head: head, rest: side}); err != nil {
		c.logf("cache: storing %s failed: %v", url, err)
		return
	}
	if c.cfg.Lru != nil {
		if err := c.cfg.Lru.Insert(url, nil); err != nil {
			c.logf("cache: lru insert %s failed: %v", url, err)
		}
	}
}

// headFirstReader replays a head before the remaining parts; the tee
// starts after the head has already been consumed.
type headFirstReader struct {
	head     stream.Head
	headSent bool
	rest     stream.PartReader
}

func (r *headFirstReader) ReadPart() (stream.Part, error) {
	if !r.headSent {
		r.headSent = true
		return r.head.Clone(), nil
	}
	return r.rest.ReadPart()
}

func (r *headFirstReader) Close() error { return r.rest.Close() }

// StoreResponse persists a signed response produced elsewhere (e.g. by
// an injector) and starts announcing its key.
func (c *Client) StoreResponse(url string, r stream.PartReader) error {
	if err := c.cfg.Store.Store(url, r); err != nil {
		return err
	}
	if c.cfg.Lru != nil {
		if err := c.cfg.Lru.Insert(url, nil); err != nil {
			c.logf("cache: lru insert %s failed: %v", url, err)
		}
	}
	c.ann.Add(dht.InfohashForKey(url))
	return nil
}

func (c *Client) acceptLoop() {
	for {
		conn, err := c.cfg.Network.Accept()
		if err != nil {
			return
		}
		go c.serveConn(conn)
	}
}

// serveConn answers one peer request: a GET for a URL we have cached is
// replied to with the stored signed stream.
func (c *Client) serveConn(conn netx.Conn) {
	secure, err := noiseconn.Server(netx.IdleTimeout(conn, readWatchdog), c.cfg.NoiseKey)
	if err != nil {
		conn.Close()
		return
	}
	defer secure.Close()

	url, err := readPeerRequest(secure)
	if err != nil {
		return
	}

	r, err := c.cfg.Store.Reader(url)
	if err != nil {
		_, _ = io.WriteString(secure, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer r.Close()

	if c.cfg.Lru != nil {
		c.cfg.Lru.Find(url)
	}
	if err := stream.Flush(secure, r); err != nil {
		c.logf("cache: serving %s failed: %v", url, err)
	}
}

func readPeerRequest(r io.Reader) (string, error) {
	// Minimal request framing: request line plus headers we ignore.
	buf := make([]byte, 0, 1024)
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		buf = append(buf, b[0])
		if len(buf) > 16*1024 {
			return "", fmt.Errorf("cache: oversized peer request")
		}
		if len(buf) >= 4 && string(buf[len(buf)-4:]) == "\r\n\r\n" {
			break
		}
	}
	line, _, _ := strings.Cut(string(buf), "\r\n")
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "GET" {
		return "", fmt.Errorf("cache: bad peer request line %q", line)
	}
	return fields[1], nil
}
