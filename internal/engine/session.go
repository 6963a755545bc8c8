package engine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"castor/internal/config"
	"castor/internal/utils"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
	ErrAlreadyAdded     = errors.New("transfer already added")
)

// defaultMaxConns is the per-transfer connection cap applied when no
// explicit cap or fast-download mode is set.
const defaultMaxConns = 50

// Session owns the embedded BitTorrent client and the per-transfer state
// layered on top of it. All protocol work (peer wire, DHT, trackers, piece
// storage) happens inside the client; the session only drives it.
type Session struct {
	mu     sync.Mutex
	client *torrent.Client
	cfg    *config.Config
	logger *utils.Logger

	transfers  map[string]*transferState
	listenPort int

	// Global rate limiters shared with the client. Reconfigure retunes
	// them in place, so limit changes apply without a restart.
	dlLimiter *rate.Limiter
	ulLimiter *rate.Limiter

	// Aggregate rate sampling across refresh ticks.
	lastSampleAt time.Time
	lastRead     int64
	lastWritten  int64
	dlRate       int64
	ulRate       int64
}

// SessionStats mirrors the aggregate counters the engine exposes.
type SessionStats struct {
	BytesDownloaded int64 `json:"bytes_downloaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	DownloadRate    int64 `json:"download_rate"`
	UploadRate      int64 `json:"upload_rate"`
	PeersConnected  int   `json:"peers_connected"`
	DHTNodes        int   `json:"dht_nodes"`
	TransferCount   int   `json:"transfer_count"`
	ListenPort      int   `json:"listen_port"`
}

func NewSession(cfg *config.Config, logger *utils.Logger) (*Session, error) {
	for _, dir := range []string{cfg.Engine.DownloadPath, cfg.Engine.CompletedPath, torrentCacheDir(cfg)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	port, err := pickListenPort(cfg.Engine.PortRange[0], cfg.Engine.PortRange[1])
	if err != nil {
		return nil, err
	}

	dlLimiter := newRateLimiter(cfg.Engine.GlobalDLLimit)
	ulLimiter := newRateLimiter(cfg.Engine.GlobalULLimit)

	cc := buildClientConfig(cfg, port)
	cc.DownloadRateLimiter = dlLimiter
	cc.UploadRateLimiter = ulLimiter

	client, err := torrent.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to start torrent client: %w", err)
	}

	logger.Info("Torrent session listening on port", port)

	return &Session{
		client:       client,
		cfg:          cfg,
		logger:       logger,
		transfers:    make(map[string]*transferState),
		listenPort:   port,
		dlLimiter:    dlLimiter,
		ulLimiter:    ulLimiter,
		lastSampleAt: time.Now(),
	}, nil
}

// newRateLimiter builds a limiter for a bytes/s cap, 0 meaning unlimited.
// A limiter always exists so runtime limit changes can retune it in place.
func newRateLimiter(limit int64) *rate.Limiter {
	l := rate.NewLimiter(rate.Inf, 0)
	setLimiterRate(l, limit)
	return l
}

func setLimiterRate(l *rate.Limiter, limit int64) {
	if limit <= 0 {
		l.SetLimit(rate.Inf)
		l.SetBurst(0)
		return
	}
	l.SetLimit(rate.Limit(limit))
	l.SetBurst(int(limit))
}

func buildClientConfig(cfg *config.Config, port int) *torrent.ClientConfig {
	cc := torrent.NewDefaultClientConfig()
	cc.DataDir = cfg.Engine.DownloadPath
	cc.ListenPort = port
	cc.Seed = cfg.Engine.MaxUploads > 0
	cc.NoUpload = cfg.Engine.MaxUploads == 0
	cc.NoDHT = !cfg.Engine.EnableDHT
	cc.NoDefaultPortForwarding = !cfg.Engine.EnableUPnP && !cfg.Engine.EnableNATPMP

	cc.EstablishedConnsPerTorrent = defaultMaxConns
	cc.HalfOpenConnsPerTorrent = defaultMaxConns / 2
	cc.TorrentPeersHighWater = cfg.Engine.MaxConnection
	cc.TorrentPeersLowWater = cfg.Engine.MaxConnection / 2

	if cfg.Engine.EnableDHT && len(cfg.Engine.DHTRouters) > 0 {
		routers := append([]string(nil), cfg.Engine.DHTRouters...)
		cc.DhtStartingNodes = func(network string) dht.StartingNodesGetter {
			return func() ([]dht.Addr, error) {
				var addrs []dht.Addr
				for _, hostPort := range routers {
					ua, err := net.ResolveUDPAddr(network, hostPort)
					if err != nil {
						continue
					}
					addrs = append(addrs, dht.NewAddr(ua))
				}
				if len(addrs) == 0 {
					return dht.GlobalBootstrapAddrs(network)
				}
				return addrs, nil
			}
		}
	}

	return cc
}

// pickListenPort probes the inclusive range and returns the first port that
// can be bound.
func pickListenPort(lo, hi int) (int, error) {
	for port := lo; port <= hi; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no bindable port in range [%d, %d]", lo, hi)
}

func torrentCacheDir(cfg *config.Config) string {
	return filepath.Join(cfg.App.DataPath, "torrents")
}

// Close drops every transfer and shuts the client down.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.Close()
	<-s.client.Closed()
}

// Stats returns the session-wide counters. Rates come from the most recent
// Refresh tick.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.client.Stats()
	stats := SessionStats{
		BytesDownloaded: cs.BytesReadUsefulData.Int64(),
		BytesUploaded:   cs.BytesWrittenData.Int64(),
		DownloadRate:    s.dlRate,
		UploadRate:      s.ulRate,
		TransferCount:   len(s.transfers),
		ListenPort:      s.listenPort,
	}

	for _, st := range s.transfers {
		stats.PeersConnected += st.t.Stats().ActivePeers
	}
	for _, srv := range s.client.DhtServers() {
		if ds, ok := srv.Stats().(dht.ServerStats); ok {
			stats.DHTNodes += ds.Nodes
		}
	}
	return stats
}

// Reconfigure applies the runtime-tunable settings from a fresh config:
// global rate limits are retuned on the live limiters and fast-mode
// connection caps are recomputed. Listen port and DHT changes need a
// restart and are deliberately not touched here.
func (s *Session) Reconfigure(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg

	setLimiterRate(s.dlLimiter, cfg.Engine.GlobalDLLimit)
	setLimiterRate(s.ulLimiter, cfg.Engine.GlobalULLimit)

	for _, st := range s.transfers {
		if st.fastMode {
			st.maxConns = fastModeConns(cfg.FastDownload.Connections)
			if !st.paused {
				st.t.SetMaxEstablishedConns(st.maxConns)
			}
		}
	}
}

// Refresh samples aggregate and per-transfer rates and re-applies
// sequential piece windows. The manager calls it once per second.
func (s *Session) Refresh() []TransferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastSampleAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	cs := s.client.Stats()
	read := cs.BytesReadUsefulData.Int64()
	written := cs.BytesWrittenData.Int64()
	s.dlRate = int64(float64(read-s.lastRead) / elapsed)
	s.ulRate = int64(float64(written-s.lastWritten) / elapsed)
	s.lastRead = read
	s.lastWritten = written
	s.lastSampleAt = now

	statuses := make([]TransferStatus, 0, len(s.transfers))
	for _, st := range s.transfers {
		st.sampleRates(now)
		if st.sequential && !st.paused {
			st.applySequentialWindow()
		}
		statuses = append(statuses, s.statusLocked(st))
	}
	return statuses
}

func fastModeConns(configured int) int {
	conns := configured * 50
	if conns < 20 {
		conns = 20
	}
	return conns
}
