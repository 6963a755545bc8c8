package core

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"castor/internal/clients/notifications"
	"castor/internal/config"
	"castor/internal/database/models"
	"castor/internal/engine"
	"castor/internal/utils"
)

// Manager wires the torrent session to persistence, history, scheduled
// jobs and notifications. It owns the once-per-second refresh loop whose
// snapshots feed the API and the WebSocket stream.
type Manager struct {
	config     *config.Config
	configPath string

	session      *engine.Session
	transferRepo *models.TransferRepository
	historyRepo  *models.HistoryRepository
	notifiers    []notifications.Notifier
	logger       *utils.Logger
	scheduler    *cron.Cron
	perf         *perfMonitor

	mu          sync.RWMutex
	snapshots   []engine.TransferStatus
	prevStates  map[string]engine.State
	subscribers map[int]chan []engine.TransferStatus
	nextSubID   int

	stopWatcher func()
}

func NewManager(cfg *config.Config, configPath string, db *sql.DB, logger *utils.Logger) (*Manager, error) {
	session, err := engine.NewSession(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	m := &Manager{
		config:       cfg,
		configPath:   configPath,
		session:      session,
		transferRepo: models.NewTransferRepository(db),
		historyRepo:  models.NewHistoryRepository(db, models.DefaultHistoryLimit),
		logger:       logger,
		scheduler:    cron.New(),
		perf:         newPerfMonitor(logger),
		prevStates:   make(map[string]engine.State),
		subscribers:  make(map[int]chan []engine.TransferStatus),
	}

	if cfg.Notifications.PushbulletAPIKey != "" {
		m.notifiers = append(m.notifiers, notifications.NewPushbulletClient(cfg.Notifications.PushbulletAPIKey, logger))
	}

	m.rehydrate()

	if configPath != "" {
		stop, err := config.Watch(configPath, logger, m.applyConfig)
		if err != nil {
			logger.Error("Config watcher unavailable:", err)
		} else {
			m.stopWatcher = stop
		}
	}

	return m, nil
}

// rehydrate restores transfers from the session-state blob and from the
// transfer table, in that order. Neither source is fatal when broken.
func (m *Manager) rehydrate() {
	blobPath := m.stateFilePath()
	if blob, err := os.ReadFile(blobPath); err == nil {
		if err := m.session.LoadState(blob); err != nil {
			m.logger.Error("Ignoring session state blob:", err)
		} else {
			m.logger.Info("Restored session state from", blobPath)
		}
	}

	records, err := m.transferRepo.GetAll()
	if err != nil {
		m.logger.Error("Failed to load persisted transfers:", err)
		return
	}
	for _, rec := range records {
		id, err := m.restoreRecord(rec)
		if err != nil {
			m.logger.Error("Failed to restore transfer", rec.Fingerprint, ":", err)
			continue
		}
		if rec.DesiredState == models.DesiredPaused {
			if err := m.session.Pause(id); err != nil {
				m.logger.Error("Failed to pause restored transfer", id, ":", err)
			}
		}
	}

	// Transfers only the blob knew about need rows too, or the completed
	// sweep and the next rehydration would never see them.
	for _, status := range statusesWithoutRecords(m.session.List(), records) {
		m.recordAdded(status.ID, m.session.Magnet(status.ID))
	}
}

// statusesWithoutRecords returns the session transfers the database does
// not have a row for yet.
func statusesWithoutRecords(statuses []engine.TransferStatus, records []models.TransferRecord) []engine.TransferStatus {
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.Fingerprint] = true
	}
	var missing []engine.TransferStatus
	for _, status := range statuses {
		if !known[status.ID] {
			missing = append(missing, status)
		}
	}
	return missing
}

func (m *Manager) restoreRecord(rec models.TransferRecord) (string, error) {
	if rec.MetainfoPath != "" {
		if _, err := os.Stat(rec.MetainfoPath); err == nil {
			id, err := m.session.AddFromFile(rec.MetainfoPath, rec.SavePath)
			if err == nil || errors.Is(err, engine.ErrAlreadyAdded) {
				return id, nil
			}
		}
	}
	if rec.Magnet == "" {
		return "", fmt.Errorf("no usable metainfo or magnet")
	}
	id, err := m.session.AddMagnet(rec.Magnet, rec.SavePath)
	if err != nil && !errors.Is(err, engine.ErrAlreadyAdded) {
		return "", err
	}
	return id, nil
}

func (m *Manager) StartScheduler() {
	m.scheduler.AddFunc("@every 1s", m.refresh)
	m.scheduler.AddFunc("@every 30s", m.sweepCompleted)
	m.scheduler.AddFunc("@every 5m", func() {
		if err := m.SaveSessionState(); err != nil {
			m.logger.Error("Periodic session state save failed:", err)
		}
	})
	m.scheduler.Start()
	m.logger.Info("Scheduler started")
}

func (m *Manager) Stop() {
	if m.stopWatcher != nil {
		m.stopWatcher()
	}
	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	if err := m.SaveSessionState(); err != nil {
		m.logger.Error("Failed to save session state at shutdown:", err)
	}
	m.session.Close()

	m.mu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
}

// refresh is the 1 Hz polling tick: sample the session, detect lifecycle
// transitions, feed the performance ring and fan snapshots out to
// subscribers.
func (m *Manager) refresh() {
	statuses := m.session.Refresh()
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].AddedAt.Equal(statuses[j].AddedAt) {
			return statuses[i].ID < statuses[j].ID
		}
		return statuses[i].AddedAt.Before(statuses[j].AddedAt)
	})

	stats := m.session.Stats()
	m.perf.collect(stats.DownloadRate, stats.UploadRate)

	m.mu.Lock()
	seen := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		seen[status.ID] = true
		prev, known := m.prevStates[status.ID]
		m.prevStates[status.ID] = status.State
		if !known {
			continue
		}
		if prev != status.State {
			m.handleTransition(status, prev)
		}
	}
	for id := range m.prevStates {
		if !seen[id] {
			delete(m.prevStates, id)
		}
	}
	m.snapshots = statuses

	for _, ch := range m.subscribers {
		select {
		case ch <- statuses:
		default:
			// Slow subscriber, skip this tick.
		}
	}
	m.mu.Unlock()
}

// handleTransition reacts to lifecycle changes. Called with m.mu held.
func (m *Manager) handleTransition(status engine.TransferStatus, prev engine.State) {
	switch {
	case prev == engine.StateMetadata:
		// Name became known, refresh the persisted record.
		go m.persistRecord(status.ID)

	case status.State == engine.StateSeeding || status.State == engine.StateFinished:
		if prev == engine.StateDownloading || prev == engine.StateChecking {
			m.logger.Info("Transfer finished:", status.Name, "("+utils.FormatBytes(status.TotalBytes)+")")
			notify := m.config.Notifications.NotifyOnComplete
			go func(s engine.TransferStatus) {
				if err := m.historyRepo.Record(s.ID, s.Name, models.EventFinished, ""); err != nil {
					m.logger.Error("Failed to record finish event:", err)
				}
				if notify {
					for _, n := range m.notifiers {
						n.NotifyTransferComplete(s.Name, s.SavePath)
					}
				}
			}(status)
		}

	case status.State == engine.StateError:
		m.logger.Error("Transfer errored:", status.Name, status.ErrorDetail)
		go func(s engine.TransferStatus) {
			if err := m.historyRepo.Record(s.ID, s.Name, models.EventError, s.ErrorDetail); err != nil {
				m.logger.Error("Failed to record error event:", err)
			}
			for _, n := range m.notifiers {
				n.NotifyTransferError(s.Name, s.ErrorDetail)
			}
		}(status)
	}
}

// sweepCompleted moves finished content into the completed directory,
// once per transfer. Failures land on the transfer as an error detail and
// are retried on later sweeps.
func (m *Manager) sweepCompleted() {
	cfg := m.cfg()
	completedPath := cfg.Engine.CompletedPath
	if completedPath == "" || completedPath == cfg.Engine.DownloadPath {
		return
	}

	for _, status := range m.Transfers() {
		if !moveEligible(status) {
			continue
		}

		rec, err := m.transferRepo.Get(status.ID)
		if err != nil {
			m.logger.Error("Failed to load transfer record:", err)
			continue
		}
		if rec == nil || rec.Moved {
			continue
		}

		dst, err := moveContent(status.Name, status.SavePath, completedPath, m.logger)
		if err != nil {
			m.logger.Error("Failed to move completed content for", status.Name, ":", err)
			m.session.SetErrorDetail(status.ID, fmt.Sprintf("move failed: %v", err))
			continue
		}
		m.session.SetErrorDetail(status.ID, "")

		if err := m.transferRepo.SetMoved(status.ID, true); err != nil {
			m.logger.Error("Failed to persist moved flag:", err)
		}
		if err := m.historyRepo.Record(status.ID, status.Name, models.EventMoved, dst); err != nil {
			m.logger.Error("Failed to record move event:", err)
		}
		for _, n := range m.notifiers {
			n.NotifyMoved(status.Name, dst)
		}
	}
}

// moveEligible reports whether a transfer's content is ready for the
// completed sweep. A failed move parks the transfer in the error state,
// so that state stays eligible and the move is retried on later sweeps.
func moveEligible(status engine.TransferStatus) bool {
	switch status.State {
	case engine.StateSeeding, engine.StateFinished, engine.StateError:
	default:
		return false
	}
	return status.Progress >= 0.999
}

// AddMagnet registers a magnet link and persists it for rehydration.
func (m *Manager) AddMagnet(uri, savePath string) (engine.TransferStatus, error) {
	id, err := m.session.AddMagnet(uri, savePath)
	if err != nil {
		return engine.TransferStatus{}, err
	}
	m.recordAdded(id, uri)
	return m.session.Status(id)
}

// AddMetainfo registers raw .torrent bytes and persists them.
func (m *Manager) AddMetainfo(raw []byte, savePath string) (engine.TransferStatus, error) {
	id, err := m.session.AddMetainfo(raw, savePath)
	if err != nil {
		return engine.TransferStatus{}, err
	}
	m.recordAdded(id, "")
	return m.session.Status(id)
}

// AddFromURL fetches a .torrent file over HTTP and registers it.
func (m *Manager) AddFromURL(rawURL, savePath string) (engine.TransferStatus, error) {
	tmpDir := filepath.Join(m.cfg().App.DataPath, "tmp")
	path, err := utils.DownloadTorrentFile(rawURL, tmpDir, 30*time.Second, m.logger)
	if err != nil {
		return engine.TransferStatus{}, err
	}
	defer os.Remove(path)

	id, err := m.session.AddFromFile(path, savePath)
	if err != nil {
		return engine.TransferStatus{}, err
	}
	m.recordAdded(id, "")
	return m.session.Status(id)
}

func (m *Manager) recordAdded(id, magnet string) {
	status, err := m.session.Status(id)
	if err != nil {
		return
	}
	rec := &models.TransferRecord{
		Fingerprint:    id,
		Name:           status.Name,
		Magnet:         magnet,
		MetainfoPath:   m.session.CachedTorrentPath(id),
		SavePath:       status.SavePath,
		DesiredState:   models.DesiredStarted,
		Sequential:     status.Sequential,
		MaxConnections: status.MaxConnections,
		AddedAt:        status.AddedAt,
	}
	if err := m.transferRepo.Upsert(rec); err != nil {
		m.logger.Error("Failed to persist transfer record:", err)
	}
	if err := m.historyRepo.Record(id, status.Name, models.EventAdded, ""); err != nil {
		m.logger.Error("Failed to record add event:", err)
	}
}

// persistRecord refreshes the stored row from the live status, keeping
// magnet and added-at from the existing record.
func (m *Manager) persistRecord(id string) {
	status, err := m.session.Status(id)
	if err != nil {
		return
	}
	rec, err := m.transferRepo.Get(id)
	if err != nil || rec == nil {
		return
	}
	rec.Name = status.Name
	rec.SavePath = status.SavePath
	rec.Sequential = status.Sequential
	rec.MaxConnections = status.MaxConnections
	if err := m.transferRepo.Upsert(rec); err != nil {
		m.logger.Error("Failed to update transfer record:", err)
	}
}

func (m *Manager) Pause(id string) error {
	if err := m.session.Pause(id); err != nil {
		return err
	}
	if err := m.transferRepo.SetDesiredState(id, models.DesiredPaused); err != nil {
		m.logger.Error("Failed to persist paused state:", err)
	}
	return nil
}

func (m *Manager) Resume(id string) error {
	if err := m.session.Resume(id); err != nil {
		return err
	}
	if err := m.transferRepo.SetDesiredState(id, models.DesiredStarted); err != nil {
		m.logger.Error("Failed to persist resumed state:", err)
	}
	return nil
}

func (m *Manager) Recheck(id string) error {
	return m.session.Recheck(id)
}

func (m *Manager) Reannounce(id string) error {
	return m.session.Reannounce(id)
}

// Remove drops a transfer, optionally deleting its data, and forgets its
// persisted record.
func (m *Manager) Remove(id string, deleteData bool) error {
	status, statusErr := m.session.Status(id)

	if err := m.session.Remove(id, deleteData); err != nil {
		return err
	}
	if err := m.transferRepo.Delete(id); err != nil {
		m.logger.Error("Failed to delete transfer record:", err)
	}

	name := id
	if statusErr == nil {
		name = status.Name
	}
	detail := ""
	if deleteData {
		detail = "data deleted"
	}
	if err := m.historyRepo.Record(id, name, models.EventRemoved, detail); err != nil {
		m.logger.Error("Failed to record remove event:", err)
	}
	return nil
}

func (m *Manager) SetFilePriority(id string, fileIndex int, prio engine.Priority) error {
	return m.session.SetFilePriority(id, fileIndex, prio)
}

func (m *Manager) SetSequential(id string, sequential bool) error {
	if err := m.session.SetSequential(id, sequential); err != nil {
		return err
	}
	go m.persistRecord(id)
	return nil
}

func (m *Manager) SetMaxConnections(id string, max int) error {
	if err := m.session.SetMaxConnections(id, max); err != nil {
		return err
	}
	go m.persistRecord(id)
	return nil
}

func (m *Manager) SetFastMode(id string, enabled bool) error {
	if err := m.session.SetFastMode(id, enabled); err != nil {
		return err
	}
	go m.persistRecord(id)
	return nil
}

// Transfers returns the latest refresh-tick snapshots.
func (m *Manager) Transfers() []engine.TransferStatus {
	m.mu.RLock()
	snapshots := m.snapshots
	m.mu.RUnlock()
	if snapshots == nil {
		return m.session.List()
	}
	return snapshots
}

func (m *Manager) Transfer(id string) (engine.TransferStatus, error) {
	return m.session.Status(id)
}

func (m *Manager) Peers(id string) ([]engine.PeerInfo, error) {
	return m.session.Peers(id)
}

func (m *Manager) Trackers(id string) ([]engine.TrackerStatus, error) {
	return m.session.Trackers(id)
}

func (m *Manager) Files(id string) ([]engine.FileInfo, error) {
	return m.session.Files(id)
}

func (m *Manager) SessionStats() engine.SessionStats {
	return m.session.Stats()
}

func (m *Manager) PerfHistory() []PerfSample {
	return m.perf.history()
}

func (m *Manager) History(query string, limit int) ([]models.HistoryEntry, error) {
	return m.historyRepo.Recent(query, limit)
}

func (m *Manager) ExportHistoryCSV(w io.Writer) error {
	return m.historyRepo.ExportCSV(w)
}

// TestNotifiers verifies every configured notifier can authenticate, so
// a bad API key is caught from the settings surface instead of silently
// dropping pushes later.
func (m *Manager) TestNotifiers() error {
	if len(m.notifiers) == 0 {
		return fmt.Errorf("no notifiers configured")
	}
	for _, n := range m.notifiers {
		if err := n.Test(); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns a channel receiving the snapshot list on every
// refresh tick, plus a cancel function.
func (m *Manager) Subscribe() (<-chan []engine.TransferStatus, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan []engine.TransferStatus, 4)
	m.subscribers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ch, ok := m.subscribers[id]; ok {
			close(ch)
			delete(m.subscribers, id)
		}
	}
	return ch, cancel
}

// cfg returns the current configuration snapshot. Settings changes swap
// the pointer under m.mu; the pointed-to Config is never mutated, so a
// snapshot stays safe to read without the lock.
func (m *Manager) cfg() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *Manager) storeCfg(next *config.Config) {
	m.mu.Lock()
	m.config = next
	m.mu.Unlock()
}

// Settings returns a copy of the active configuration.
func (m *Manager) Settings() config.Config {
	return *m.cfg()
}

// SettingsUpdate carries the runtime-tunable settings accepted over the
// API. Rate limits arrive as the legacy strings ("0", "inf", or KB/s).
type SettingsUpdate struct {
	GlobalDLLimit    *string `json:"global_dl_limit,omitempty"`
	GlobalULLimit    *string `json:"global_ul_limit,omitempty"`
	CompletedPath    *string `json:"completed_path,omitempty"`
	FastEnabled      *bool   `json:"fast_download_enabled,omitempty"`
	FastConnections  *int    `json:"fast_download_connections,omitempty"`
	FastSequential   *bool   `json:"fast_download_sequential,omitempty"`
	NotifyOnComplete *bool   `json:"notify_on_complete,omitempty"`
}

// UpdateSettings applies a settings patch, persists the configuration
// file and reconfigures the session. The active config is replaced as a
// whole rather than mutated, so concurrent readers keep a consistent
// snapshot.
func (m *Manager) UpdateSettings(update SettingsUpdate) error {
	next := *m.cfg()

	if update.GlobalDLLimit != nil {
		limit, err := utils.ParseSpeedLimit(*update.GlobalDLLimit)
		if err != nil {
			return err
		}
		next.Engine.GlobalDLLimit = limit
	}
	if update.GlobalULLimit != nil {
		limit, err := utils.ParseSpeedLimit(*update.GlobalULLimit)
		if err != nil {
			return err
		}
		next.Engine.GlobalULLimit = limit
	}
	if update.CompletedPath != nil {
		next.Engine.CompletedPath = *update.CompletedPath
	}
	if update.FastEnabled != nil {
		next.FastDownload.DefaultEnabled = *update.FastEnabled
	}
	if update.FastConnections != nil && *update.FastConnections > 0 {
		next.FastDownload.Connections = *update.FastConnections
	}
	if update.FastSequential != nil {
		next.FastDownload.Sequential = *update.FastSequential
	}
	if update.NotifyOnComplete != nil {
		next.Notifications.NotifyOnComplete = *update.NotifyOnComplete
	}

	m.storeCfg(&next)
	if m.configPath != "" {
		if err := config.Save(&next, m.configPath); err != nil {
			m.logger.Error("Failed to persist settings:", err)
		}
	}
	m.session.Reconfigure(&next)
	return nil
}

// applyConfig adopts the runtime-tunable settings from a reloaded config
// file into a fresh snapshot.
func (m *Manager) applyConfig(cfg *config.Config) {
	next := *m.cfg()
	next.Engine.GlobalDLLimit = cfg.Engine.GlobalDLLimit
	next.Engine.GlobalULLimit = cfg.Engine.GlobalULLimit
	next.Engine.CompletedPath = cfg.Engine.CompletedPath
	next.FastDownload = cfg.FastDownload
	next.Notifications = cfg.Notifications
	m.storeCfg(&next)
	m.session.Reconfigure(&next)
}

// SaveSessionState writes the engine's opaque state blob to disk.
func (m *Manager) SaveSessionState() error {
	blob, err := m.session.SaveState()
	if err != nil {
		return fmt.Errorf("failed to serialize session state: %w", err)
	}
	path := m.stateFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	return nil
}

func (m *Manager) stateFilePath() string {
	return filepath.Join(m.cfg().App.DataPath, "session.state")
}
