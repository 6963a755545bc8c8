package engine

import (
	"fmt"
	"strings"

	"github.com/anacrolix/torrent"
)

// PeerFlags is a bitset describing how a peer connection came to be and
// what transport it runs on.
type PeerFlags uint16

const (
	PeerFlagIncoming PeerFlags = 1 << iota
	PeerFlagOutgoing
	PeerFlagFromTracker
	PeerFlagFromDHT
	PeerFlagFromPEX
	PeerFlagUTP
)

// Letters renders the bitset in the compact single-letter style the
// transfer peer list uses.
func (f PeerFlags) Letters() string {
	var b strings.Builder
	if f&PeerFlagIncoming != 0 {
		b.WriteByte('I')
	}
	if f&PeerFlagFromTracker != 0 {
		b.WriteByte('T')
	}
	if f&PeerFlagFromDHT != 0 {
		b.WriteByte('H')
	}
	if f&PeerFlagFromPEX != 0 {
		b.WriteByte('X')
	}
	if f&PeerFlagUTP != 0 {
		b.WriteByte('P')
	}
	return b.String()
}

// PeerInfo is one row of a transfer's peer list.
type PeerInfo struct {
	Address      string    `json:"address"`
	ClientID     string    `json:"client_id"`
	DownloadRate int64     `json:"download_rate"`
	UploadRate   int64     `json:"upload_rate"`
	Flags        PeerFlags `json:"flags"`
	FlagLetters  string    `json:"flag_letters"`
}

// TrackerStatus is one row of a transfer's tracker list.
type TrackerStatus struct {
	URL         string `json:"url"`
	LastMessage string `json:"last_message"`
}

// FileInfo is one row of a transfer's file list.
type FileInfo struct {
	Path           string   `json:"path"`
	Length         int64    `json:"length"`
	BytesCompleted int64    `json:"bytes_completed"`
	Priority       Priority `json:"priority"`
	PriorityLabel  string   `json:"priority_label"`
}

// Peers lists the currently established peer connections of a transfer.
func (s *Session) Peers(id string) ([]PeerInfo, error) {
	s.mu.Lock()
	st, ok := s.transfers[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrTransferNotFound
	}

	conns := st.t.PeerConns()
	peers := make([]PeerInfo, 0, len(conns))
	for _, pc := range conns {
		info := PeerInfo{
			DownloadRate: int64(pc.DownloadRate()),
		}
		if pc.RemoteAddr != nil {
			info.Address = pc.RemoteAddr.String()
		}
		if name, ok := pc.PeerClientName.Load().(string); ok && name != "" {
			info.ClientID = name
		} else {
			info.ClientID = fmt.Sprintf("%x", pc.PeerID[:8])
		}
		info.Flags = peerFlags(pc)
		info.FlagLetters = info.Flags.Letters()
		peers = append(peers, info)
	}
	return peers, nil
}

func peerFlags(pc *torrent.PeerConn) PeerFlags {
	var f PeerFlags
	switch pc.Discovery {
	case torrent.PeerSourceIncoming:
		f |= PeerFlagIncoming
	case torrent.PeerSourceTracker:
		f |= PeerFlagOutgoing | PeerFlagFromTracker
	case torrent.PeerSourceDhtGetPeers, torrent.PeerSourceDhtAnnouncePeer:
		f |= PeerFlagOutgoing | PeerFlagFromDHT
	case torrent.PeerSourcePex:
		f |= PeerFlagOutgoing | PeerFlagFromPEX
	default:
		f |= PeerFlagOutgoing
	}
	if strings.HasPrefix(pc.Network, "udp") {
		f |= PeerFlagUTP
	}
	return f
}

// Trackers lists the announce URLs of a transfer with the wrapper's last
// note per tracker. The client does not surface per-announce results, so
// the note only reflects requests made through this session.
func (s *Session) Trackers(id string) ([]TrackerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}

	mi := st.t.Metainfo()
	var trackers []TrackerStatus
	seen := make(map[string]bool)
	for _, tier := range mi.UpvertedAnnounceList() {
		for _, url := range tier {
			if seen[url] {
				continue
			}
			seen[url] = true
			trackers = append(trackers, TrackerStatus{
				URL:         url,
				LastMessage: st.trackerNotes[url],
			})
		}
	}
	return trackers, nil
}

// Files lists a transfer's files with sizes, completion and priorities.
// Returns an empty list until metadata is available.
func (s *Session) Files(id string) ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if st.t.Info() == nil {
		return []FileInfo{}, nil
	}

	files := st.t.Files()
	infos := make([]FileInfo, 0, len(files))
	for i, f := range files {
		prio := st.filePriority(i)
		infos = append(infos, FileInfo{
			Path:           f.DisplayPath(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
			Priority:       prio,
			PriorityLabel:  prio.String(),
		})
	}
	return infos, nil
}
