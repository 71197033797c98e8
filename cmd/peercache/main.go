package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"peercache/internal/cache"
	"peercache/internal/crypto/channel"
	"peercache/internal/crypto/noiseconn"
	"peercache/internal/dht"
	"peercache/internal/dhtstore"
	"peercache/internal/lan"
	"peercache/internal/netx"
)

func main() {
	repo := flag.String("repo-root", defaultRepo(), "repository root directory")
	listen := flag.String("listen-endpoint", ":7070", "TCP endpoint serving cached responses to peers")
	dhtListen := flag.String("dht-endpoint", ":0", "UDP endpoint for the DHT node")
	pubHex := flag.String("cache-http-public-key", "", "hex Ed25519 public key accepted for cached responses")
	capacity := flag.Int("bep44-index-capacity", 1000, "bound on locally indexed cache entries")
	maxAge := flag.Int64("max-cached-age", -1, "seconds before a cached injection goes stale (-1 = never)")
	swarmKeyHex := flag.String("lan-swarm-key", "", "hex 32-byte key enabling sealed LAN peer discovery")
	bootstrapStr := flag.String("bootstrap", "", "comma-separated DHT seed hosts (host:port)")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if *pubHex == "" {
		logger.Println("missing -cache-http-public-key")
		os.Exit(2)
	}
	pubRaw, err := hex.DecodeString(*pubHex)
	if err != nil || len(pubRaw) != ed25519.PublicKeySize {
		logger.Println("bad -cache-http-public-key")
		os.Exit(2)
	}
	pub := ed25519.PublicKey(pubRaw)

	var seeds []string
	if *bootstrapStr != "" {
		for _, part := range strings.Split(*bootstrapStr, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				seeds = append(seeds, part)
			}
		}
	}

	var lanKey *channel.Key
	if *swarmKeyHex != "" {
		k, err := channel.ParseKeyHex(*swarmKeyHex)
		if err != nil {
			logger.Printf("bad -lan-swarm-key: %v", err)
			os.Exit(2)
		}
		lanKey = &k
	}

	contacts, err := dhtstore.Open(filepath.Join(*repo, "dht", "contacts.db"))
	if err != nil {
		logger.Fatalf("open contact store: %v", err)
	}
	defer contacts.Close()

	udpConn, err := net.ListenUDP("udp", mustUDPAddr(logger, *dhtListen))
	if err != nil {
		logger.Fatalf("bind DHT socket: %v", err)
	}

	node := dht.NewNode(dht.Config{
		Conn:  udpConn,
		Seeds: seeds,
		Store: contacts,
		Logf:  logger.Printf,
	})
	defer node.Close()

	store, err := cache.NewStore(filepath.Join(*repo, "cache"))
	if err != nil {
		logger.Fatalf("open cache store: %v", err)
	}
	lru, err := cache.OpenLru(filepath.Join(*repo, "index"), *capacity)
	if err != nil {
		logger.Fatalf("open cache index: %v", err)
	}

	noiseKey, err := noiseconn.GenerateKeypair()
	if err != nil {
		logger.Fatalf("generate transport key: %v", err)
	}

	var maxCachedAge time.Duration
	if *maxAge >= 0 {
		maxCachedAge = time.Duration(*maxAge) * time.Second
	}

	client := cache.NewClient(cache.ClientConfig{
		Node:         node,
		Store:        store,
		Lru:          lru,
		PublicKey:    pub,
		Network:      netx.NewTCPNetwork(),
		BindAddr:     *listen,
		NoiseKey:     noiseKey,
		LanKey:       lanKey,
		LanCfg:       lan.DefaultConfig(),
		MaxCachedAge: maxCachedAge,
		Logf:         logger.Printf,
	})

	if err := client.Start(); err != nil {
		logger.Fatalf("start cache client: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := node.Bootstrap(ctx); err != nil {
			logger.Printf("dht bootstrap: %v", err)
			return
		}
		logger.Printf("dht ready: id=%s nodes=%d", node.ID().Hex(), node.Table().NodeCount())
	}()
	go node.RunRefresh(ctx)

	logger.Printf("peercache running: repo=%s peers=%s dht=%s", *repo, client.Addr(), node.LocalAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Println("shutting down")
}

func defaultRepo() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".peercache")
}

func mustUDPAddr(logger *log.Logger, s string) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		logger.Fatalf("bad UDP endpoint %q: %v", s, err)
	}
	return addr
}

