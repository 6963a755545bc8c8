package main

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// A tiny HTTP BitTorrent tracker for exercising announces locally.
// It remembers every peer that announces per infohash and hands the
// swarm back, padded with a few fake peers so clients always have
// something to dial.

type peer struct {
	id       string
	ip       string
	port     int
	lastSeen time.Time
}

var (
	mu     sync.Mutex
	swarms = map[string][]peer{}
)

func main() {
	http.HandleFunc("/announce", announceHandler)
	http.HandleFunc("/scrape", scrapeHandler)

	fmt.Println("Fake tracker starting on :8080")
	fmt.Println("Announce URL: http://localhost:8080/announce")
	log.Fatal(http.ListenAndServe(":8080", nil))
}

func announceHandler(w http.ResponseWriter, r *http.Request) {
	log.Printf("Received announce: %s", r.URL.String())

	query := r.URL.Query()
	infoHash := query.Get("info_hash")
	if infoHash == "" {
		w.Write(bencodeFailure("missing info_hash"))
		return
	}

	port, err := strconv.Atoi(query.Get("port"))
	if err != nil || port <= 0 {
		w.Write(bencodeFailure("invalid port"))
		return
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	mu.Lock()
	updateSwarm(infoHash, peer{
		id:       query.Get("peer_id"),
		ip:       ip,
		port:     port,
		lastSeen: time.Now(),
	}, query.Get("event") == "stopped")
	swarm := append([]peer(nil), swarms[infoHash]...)
	mu.Unlock()

	// Pad with fake peers so a lone client still sees a swarm. They
	// don't answer, but that's fine for testing announce plumbing.
	for i := len(swarm); i < 5; i++ {
		swarm = append(swarm, peer{
			id:   fmt.Sprintf("-FK0001-%012d", rand.Intn(1000000)),
			ip:   fmt.Sprintf("127.0.0.%d", i+2),
			port: 6881 + i,
		})
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Write(bencodeAnnounce(swarm))
}

func scrapeHandler(w http.ResponseWriter, r *http.Request) {
	infoHash := r.URL.Query().Get("info_hash")

	mu.Lock()
	count := len(swarms[infoHash])
	mu.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	body := fmt.Sprintf("d5:filesd%d:%sd8:completei%de10:downloadedi0e10:incompletei0eeee",
		len(infoHash), infoHash, count)
	w.Write([]byte(body))
}

// updateSwarm upserts or removes a peer. Caller holds mu.
func updateSwarm(infoHash string, p peer, stopped bool) {
	swarm := swarms[infoHash]
	out := swarm[:0]
	for _, existing := range swarm {
		if existing.ip == p.ip && existing.port == p.port {
			continue
		}
		out = append(out, existing)
	}
	if !stopped {
		out = append(out, p)
	}
	swarms[infoHash] = out
}

// bencodeAnnounce builds a non-compact announce response by hand; the
// dictionary model is the easiest to eyeball with curl.
func bencodeAnnounce(swarm []peer) []byte {
	var peers strings.Builder
	for _, p := range swarm {
		peers.WriteString(fmt.Sprintf("d2:ip%d:%s7:peer id%d:%s4:porti%dee",
			len(p.ip), p.ip, len(p.id), p.id, p.port))
	}
	body := fmt.Sprintf("d8:completei%de10:incompletei0e8:intervali60e5:peersl%see",
		len(swarm), peers.String())
	return []byte(body)
}

func bencodeFailure(reason string) []byte {
	return []byte(fmt.Sprintf("d14:failure reason%d:%se", len(reason), reason))
}
