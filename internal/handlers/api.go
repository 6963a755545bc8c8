package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"castor/internal/config"
	"castor/internal/core"
	"castor/internal/engine"
	"castor/internal/utils"
)

type APIHandler struct {
	manager *core.Manager
	logger  *utils.Logger
}

// A helper function to respond with JSON
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to respond with a JSON error
func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// respondTransferError maps engine errors onto HTTP status codes.
func respondTransferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrTransferNotFound):
		respondError(w, http.StatusNotFound, "Transfer not found")
	case errors.Is(err, engine.ErrAlreadyAdded):
		respondError(w, http.StatusConflict, "Transfer already added")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func NewAPIHandler(manager *core.Manager, logger *utils.Logger) *APIHandler {
	return &APIHandler{manager: manager, logger: logger}
}

// Session-wide counters and rates
func (h *APIHandler) GetSessionStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.manager.SessionStats())
}

// Force an immediate session state save
func (h *APIHandler) SaveSessionState(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.SaveSessionState(); err != nil {
		h.logger.Error("Manual session state save failed:", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// List all transfers
func (h *APIHandler) GetTransfers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.manager.Transfers())
}

// Add a new transfer from a magnet link, a .torrent URL or raw metainfo
func (h *APIHandler) AddTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Magnet   string `json:"magnet"`
		URL      string `json:"url"`
		Metainfo string `json:"metainfo"` // base64-encoded .torrent bytes
		SavePath string `json:"save_path"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		status engine.TransferStatus
		err    error
	)
	switch {
	case req.Magnet != "":
		status, err = h.manager.AddMagnet(req.Magnet, req.SavePath)
	case req.URL != "":
		status, err = h.manager.AddFromURL(req.URL, req.SavePath)
	case req.Metainfo != "":
		var raw []byte
		raw, err = base64.StdEncoding.DecodeString(req.Metainfo)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid base64 metainfo")
			return
		}
		status, err = h.manager.AddMetainfo(raw, req.SavePath)
	default:
		respondError(w, http.StatusBadRequest, "One of magnet, url or metainfo is required")
		return
	}

	if err != nil {
		h.logger.Error("Failed to add transfer:", err)
		respondTransferError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, status)
}

// Get a single transfer
func (h *APIHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.Transfer(mux.Vars(r)["id"])
	if err != nil {
		respondTransferError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Remove a transfer, optionally deleting downloaded data
func (h *APIHandler) RemoveTransfer(w http.ResponseWriter, r *http.Request) {
	deleteData := r.URL.Query().Get("delete_data") == "true"
	if err := h.manager.Remove(mux.Vars(r)["id"], deleteData); err != nil {
		respondTransferError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) PauseTransfer(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Pause(mux.Vars(r)["id"]); err != nil {
		respondTransferError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *APIHandler) ResumeTransfer(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Resume(mux.Vars(r)["id"]); err != nil {
		respondTransferError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *APIHandler) RecheckTransfer(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Recheck(mux.Vars(r)["id"]); err != nil {
		respondTransferError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *APIHandler) ReannounceTransfer(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Reannounce(mux.Vars(r)["id"]); err != nil {
		respondTransferError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Connected peers for a transfer
func (h *APIHandler) GetPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := h.manager.Peers(mux.Vars(r)["id"])
	if err != nil {
		respondTransferError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, peers)
}

// Trackers for a transfer
func (h *APIHandler) GetTrackers(w http.ResponseWriter, r *http.Request) {
	trackers, err := h.manager.Trackers(mux.Vars(r)["id"])
	if err != nil {
		respondTransferError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trackers)
}

// Files in a transfer, empty until metadata arrives
func (h *APIHandler) GetFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.manager.Files(mux.Vars(r)["id"])
	if err != nil {
		respondTransferError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, files)
}

// Set the priority of a single file within a transfer
func (h *APIHandler) SetFilePriority(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid file index")
		return
	}

	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	prio := engine.Priority(req.Priority)
	if !prio.Valid() {
		respondError(w, http.StatusBadRequest, "Priority must be between 0 and 7")
		return
	}

	if err := h.manager.SetFilePriority(vars["id"], index, prio); err != nil {
		respondTransferError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Update per-transfer options; absent fields are left untouched
func (h *APIHandler) SetTransferOptions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sequential     *bool `json:"sequential,omitempty"`
		MaxConnections *int  `json:"max_connections,omitempty"`
		FastMode       *bool `json:"fast_mode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := mux.Vars(r)["id"]
	if req.Sequential != nil {
		if err := h.manager.SetSequential(id, *req.Sequential); err != nil {
			respondTransferError(w, err)
			return
		}
	}
	if req.MaxConnections != nil {
		if *req.MaxConnections <= 0 {
			respondError(w, http.StatusBadRequest, "max_connections must be positive")
			return
		}
		if err := h.manager.SetMaxConnections(id, *req.MaxConnections); err != nil {
			respondTransferError(w, err)
			return
		}
	}
	if req.FastMode != nil {
		if err := h.manager.SetFastMode(id, *req.FastMode); err != nil {
			respondTransferError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// redactSettings blanks secrets before a config copy leaves the API.
func redactSettings(cfg config.Config) config.Config {
	if cfg.Notifications.PushbulletAPIKey != "" {
		cfg.Notifications.PushbulletAPIKey = "********"
	}
	return cfg
}

// Active configuration, with secrets redacted
func (h *APIHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, redactSettings(h.manager.Settings()))
}

// Patch the runtime-tunable settings
func (h *APIHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update core.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.manager.UpdateSettings(update); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, redactSettings(h.manager.Settings()))
}

// Push a test notification round-trip through the configured notifiers
func (h *APIHandler) TestNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.TestNotifiers(); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Event history, newest first, with optional text filter
func (h *APIHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := h.manager.History(query, limit)
	if err != nil {
		h.logger.Error("Failed to fetch history:", err)
		respondError(w, http.StatusInternalServerError, "Failed to fetch history")
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// Full history as a CSV download
func (h *APIHandler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		"attachment; filename=history-"+time.Now().Format("2006-01-02")+".csv")
	if err := h.manager.ExportHistoryCSV(w); err != nil {
		h.logger.Error("History export failed:", err)
	}
}

// Performance sample history for the rate and resource graphs
func (h *APIHandler) GetPerfHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.manager.PerfHistory())
}
