package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"castor/internal/utils"
)

// State is a transfer's lifecycle state as reported in status snapshots.
type State string

const (
	StateQueued      State = "queued"
	StateChecking    State = "checking"
	StateMetadata    State = "downloading-metadata"
	StateDownloading State = "downloading"
	StateFinished    State = "finished"
	StateSeeding     State = "seeding"
	StateError       State = "error"
)

// TransferStatus is the per-tick snapshot served to the API and pushed to
// WebSocket subscribers.
type TransferStatus struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	State          State     `json:"state"`
	Paused         bool      `json:"paused"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	TotalBytes     int64     `json:"total_bytes"`
	CompletedBytes int64     `json:"completed_bytes"`
	Progress       float64   `json:"progress"`
	DownloadRate   int64     `json:"download_rate"`
	UploadRate     int64     `json:"upload_rate"`
	PeersConnected int       `json:"peers_connected"`
	PeersTotal     int       `json:"peers_total"`
	Seeds          int       `json:"seeds"`
	ETASeconds     int64     `json:"eta_seconds"`
	Sequential     bool      `json:"sequential"`
	FastMode       bool      `json:"fast_mode"`
	MaxConnections int       `json:"max_connections"`
	SavePath       string    `json:"save_path"`
	AddedAt        time.Time `json:"added_at"`
	NumPieces      int       `json:"num_pieces"`
	PiecesComplete int       `json:"pieces_complete"`
}

// transferState carries the wrapper-side settings the client itself does
// not remember.
type transferState struct {
	t        *torrent.Torrent
	magnet   string
	savePath string
	addedAt  time.Time

	paused     bool
	sequential bool
	fastMode   bool
	maxConns   int
	verifying  bool
	lastErr    string

	// Full 8-level priorities per file index; the client only knows the
	// coarser bands they map onto.
	filePrios map[int]Priority

	// Last announce note per tracker URL.
	trackerNotes map[string]string

	lastSampleAt time.Time
	lastRead     int64
	lastWritten  int64
	dlRate       int64
	ulRate       int64
}

const sequentialWindow = 8

// AddMetainfo registers a transfer from raw bencoded .torrent bytes and
// returns its content fingerprint.
func (s *Session) AddMetainfo(raw []byte, savePath string) (string, error) {
	mi, err := metainfo.Load(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("invalid torrent metadata: %w", err)
	}
	spec := torrent.TorrentSpecFromMetaInfo(mi)
	return s.addSpec(spec, "", savePath)
}

// AddMagnet validates and sanitizes a magnet URI, then registers it.
// Trackers with unsupported schemes are stripped before the client sees
// them.
func (s *Session) AddMagnet(uri string, savePath string) (string, error) {
	clean, dropped, err := utils.SanitizeMagnet(uri)
	if err != nil {
		return "", err
	}
	if len(dropped) > 0 {
		s.logger.Warn("Dropped", len(dropped), "unsupported trackers from magnet link")
	}

	spec, err := torrent.TorrentSpecFromMagnetUri(clean)
	if err != nil {
		return "", fmt.Errorf("invalid magnet link: %w", err)
	}
	return s.addSpec(spec, clean, savePath)
}

// AddFromFile reads a .torrent file from disk and registers it.
func (s *Session) AddFromFile(path, savePath string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read torrent file: %w", err)
	}
	return s.AddMetainfo(raw, savePath)
}

func (s *Session) addSpec(spec *torrent.TorrentSpec, magnet, savePath string) (string, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if savePath == "" {
		savePath = cfg.Engine.DownloadPath
	} else if savePath != cfg.Engine.DownloadPath {
		spec.Storage = storage.NewFile(savePath)
	}

	t, isNew, err := s.client.AddTorrentSpec(spec)
	if err != nil {
		return "", fmt.Errorf("failed to add transfer: %w", err)
	}

	id := t.InfoHash().HexString()
	if !isNew {
		return id, ErrAlreadyAdded
	}

	st := &transferState{
		t:            t,
		magnet:       magnet,
		savePath:     savePath,
		addedAt:      time.Now(),
		sequential:   cfg.FastDownload.DefaultEnabled && cfg.FastDownload.Sequential,
		fastMode:     cfg.FastDownload.DefaultEnabled,
		maxConns:     defaultMaxConns,
		filePrios:    make(map[int]Priority),
		trackerNotes: make(map[string]string),
		lastSampleAt: time.Now(),
	}
	if st.fastMode {
		st.maxConns = fastModeConns(cfg.FastDownload.Connections)
	}
	t.SetMaxEstablishedConns(st.maxConns)

	s.mu.Lock()
	s.transfers[id] = st
	s.mu.Unlock()

	go s.waitForInfo(id, st)

	s.logger.Info("Added transfer", id)
	return id, nil
}

// waitForInfo blocks until metadata is available, then starts the download
// and caches the metainfo so the transfer can be restored without its
// magnet swarm.
func (s *Session) waitForInfo(id string, st *transferState) {
	select {
	case <-st.t.GotInfo():
	case <-st.t.Closed():
		return
	}

	s.mu.Lock()
	paused := st.paused
	prios := make(map[int]Priority, len(st.filePrios))
	for i, p := range st.filePrios {
		prios[i] = p
	}
	s.mu.Unlock()

	for i, p := range prios {
		s.applyFilePriority(st.t, i, p)
	}
	if !paused {
		st.t.DownloadAll()
	}

	if err := s.cacheMetainfo(id, st.t); err != nil {
		s.logger.Error("Failed to cache metainfo for", id, ":", err)
	}
	s.logger.Info("Metadata received for", st.t.Name())
}

func (s *Session) cacheMetainfo(id string, t *torrent.Torrent) error {
	mi := t.Metainfo()
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return err
	}
	return os.WriteFile(s.CachedTorrentPath(id), buf.Bytes(), 0644)
}

// CachedTorrentPath returns where the metainfo for a transfer is (or
// will be) cached on disk. The file only exists once metadata is known.
func (s *Session) CachedTorrentPath(id string) string {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return filepath.Join(torrentCacheDir(cfg), id+".torrent")
}

// Pause hard-stops a transfer: no connections, no data in either
// direction. The transfer stays registered and keeps its settings.
func (s *Session) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	if st.paused {
		return nil
	}
	st.paused = true
	st.t.SetMaxEstablishedConns(0)
	st.t.DisallowDataDownload()
	st.t.DisallowDataUpload()
	return nil
}

// Resume reverses Pause and re-requests all wanted pieces.
func (s *Session) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	if !st.paused {
		return nil
	}
	st.paused = false
	st.t.SetMaxEstablishedConns(st.maxConns)
	st.t.AllowDataDownload()
	st.t.AllowDataUpload()
	if st.t.Info() != nil {
		st.t.DownloadAll()
	}
	return nil
}

// Recheck forces piece re-verification. Verification runs in the
// background; snapshots report the checking state until it finishes.
func (s *Session) Recheck(id string) error {
	s.mu.Lock()
	st, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return ErrTransferNotFound
	}
	if st.t.Info() == nil {
		s.mu.Unlock()
		return fmt.Errorf("cannot recheck before metadata is available")
	}
	if st.verifying {
		s.mu.Unlock()
		return nil
	}
	st.verifying = true
	s.mu.Unlock()

	go func() {
		st.t.VerifyData()
		s.mu.Lock()
		st.verifying = false
		s.mu.Unlock()
		s.logger.Info("Recheck finished for", st.t.Name())
	}()
	return nil
}

// Reannounce re-injects the transfer's tracker tiers, which restarts the
// announce cycle, and notes the request time per tracker.
func (s *Session) Reannounce(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}

	mi := st.t.Metainfo()
	tiers := mi.UpvertedAnnounceList()
	st.t.AddTrackers(tiers)

	note := "announce requested at " + time.Now().Format(time.RFC3339)
	for _, tier := range tiers {
		for _, url := range tier {
			st.trackerNotes[url] = note
		}
	}
	return nil
}

// Remove drops the transfer from the client. With deleteData the on-disk
// content is deleted too; filesystem failures are returned, not swallowed.
func (s *Session) Remove(id string, deleteData bool) error {
	s.mu.Lock()
	st, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return ErrTransferNotFound
	}
	delete(s.transfers, id)
	s.mu.Unlock()

	info := st.t.Info()
	name := st.t.Name()
	st.t.Drop()

	if err := os.Remove(s.CachedTorrentPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Failed to remove cached metainfo for", id, ":", err)
	}

	if deleteData && info != nil {
		target := filepath.Join(st.savePath, name)
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to delete data at %s: %w", target, err)
		}
	}

	s.logger.Info("Removed transfer", id)
	return nil
}

// SetSequential switches between sequential and rarest-first piece order.
func (s *Session) SetSequential(id string, sequential bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	if st.sequential == sequential {
		return nil
	}
	st.sequential = sequential
	if !sequential && st.t.Info() != nil && !st.paused {
		// Collapse the priority window back to the default selection.
		st.t.DownloadAll()
	}
	return nil
}

// SetMaxConnections caps the transfer's established connections.
func (s *Session) SetMaxConnections(id string, max int) error {
	if max < 0 {
		return fmt.Errorf("connection cap must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	st.maxConns = max
	if !st.paused {
		st.t.SetMaxEstablishedConns(max)
	}
	return nil
}

// SetFastMode raises the connection cap and, when configured, switches to
// sequential order. Disabling restores the defaults.
func (s *Session) SetFastMode(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	if st.fastMode == enabled {
		return nil
	}
	st.fastMode = enabled
	if enabled {
		st.maxConns = fastModeConns(s.cfg.FastDownload.Connections)
		st.sequential = s.cfg.FastDownload.Sequential
	} else {
		st.maxConns = defaultMaxConns
		st.sequential = false
		if st.t.Info() != nil && !st.paused {
			st.t.DownloadAll()
		}
	}
	if !st.paused {
		st.t.SetMaxEstablishedConns(st.maxConns)
	}
	return nil
}

// Magnet returns the magnet URI a transfer was added with, empty when it
// came from metainfo.
func (s *Session) Magnet(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.transfers[id]; ok {
		return st.magnet
	}
	return ""
}

// Status returns the snapshot for one transfer.
func (s *Session) Status(id string) (TransferStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return TransferStatus{}, ErrTransferNotFound
	}
	return s.statusLocked(st), nil
}

// List returns snapshots for every transfer.
func (s *Session) List() []TransferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]TransferStatus, 0, len(s.transfers))
	for _, st := range s.transfers {
		statuses = append(statuses, s.statusLocked(st))
	}
	return statuses
}

func (s *Session) statusLocked(st *transferState) TransferStatus {
	t := st.t
	stats := t.Stats()
	hasInfo := t.Info() != nil

	status := TransferStatus{
		ID:             t.InfoHash().HexString(),
		Name:           t.Name(),
		Paused:         st.paused,
		DownloadRate:   st.dlRate,
		UploadRate:     st.ulRate,
		PeersConnected: stats.ActivePeers,
		PeersTotal:     stats.TotalPeers,
		Seeds:          stats.ConnectedSeeders,
		Sequential:     st.sequential,
		FastMode:       st.fastMode,
		MaxConnections: st.maxConns,
		SavePath:       st.savePath,
		AddedAt:        st.addedAt,
	}

	if hasInfo {
		status.TotalBytes = t.Length()
		status.CompletedBytes = t.BytesCompleted()
		if status.TotalBytes > 0 {
			status.Progress = float64(status.CompletedBytes) / float64(status.TotalBytes)
		}
		status.NumPieces = t.NumPieces()
		for i := 0; i < status.NumPieces; i++ {
			if t.PieceState(i).Complete {
				status.PiecesComplete++
			}
		}
	}

	remaining := status.TotalBytes - status.CompletedBytes
	status.ETASeconds = utils.ETASeconds(remaining, st.dlRate)
	status.ErrorDetail = st.lastErr
	status.State = deriveState(hasInfo, st.verifying, remaining <= 0 && hasInfo, st.paused, st.lastErr)
	return status
}

// SetErrorDetail attaches or clears (with an empty detail) an error on a
// transfer. Used for failures that happen outside the client, such as a
// failed move of completed content.
func (s *Session) SetErrorDetail(id, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	st.lastErr = detail
	return nil
}

// deriveState maps engine truth onto the lifecycle enum. It is a pure
// function so the mapping stays testable without a live client.
func deriveState(hasInfo, checking, complete, paused bool, errDetail string) State {
	switch {
	case errDetail != "":
		return StateError
	case !hasInfo:
		return StateMetadata
	case checking:
		return StateChecking
	case complete && paused:
		return StateFinished
	case complete:
		return StateSeeding
	case paused:
		return StateQueued
	default:
		return StateDownloading
	}
}

func (st *transferState) sampleRates(now time.Time) {
	elapsed := now.Sub(st.lastSampleAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	stats := st.t.Stats()
	read := stats.BytesReadUsefulData.Int64()
	written := stats.BytesWrittenData.Int64()
	st.dlRate = int64(float64(read-st.lastRead) / elapsed)
	st.ulRate = int64(float64(written-st.lastWritten) / elapsed)
	st.lastRead = read
	st.lastWritten = written
	st.lastSampleAt = now
}

// applySequentialWindow walks the first incomplete pieces and raises their
// priority so the client fetches them in order instead of rarest-first.
func (st *transferState) applySequentialWindow() {
	t := st.t
	if t.Info() == nil {
		return
	}
	num := t.NumPieces()
	first := -1
	for i := 0; i < num; i++ {
		if !t.PieceState(i).Complete {
			first = i
			break
		}
	}
	if first < 0 {
		return
	}
	for i := first; i < first+sequentialWindow && i < num; i++ {
		if i == first {
			t.Piece(i).SetPriority(torrent.PiecePriorityNow)
		} else {
			t.Piece(i).SetPriority(torrent.PiecePriorityReadahead)
		}
	}
}
