package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"castor/internal/config"
	"castor/internal/core"
	"castor/internal/utils"
)

type Server struct {
	config     *config.Config
	manager    *core.Manager
	logger     *utils.Logger
	httpServer *http.Server
	apiHandler *APIHandler
	wsHandler  *WSHandler
}

func NewServer(cfg *config.Config, manager *core.Manager, logger *utils.Logger) *Server {
	return &Server{
		config:     cfg,
		manager:    manager,
		logger:     logger,
		apiHandler: NewAPIHandler(manager, logger),
		wsHandler:  NewWSHandler(manager, logger),
	}
}

func (s *Server) Start() error {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Session
	api.HandleFunc("/session/stats", s.apiHandler.GetSessionStats).Methods("GET")
	api.HandleFunc("/session/state/save", s.apiHandler.SaveSessionState).Methods("POST")

	// Transfers
	api.HandleFunc("/transfers", s.apiHandler.GetTransfers).Methods("GET")
	api.HandleFunc("/transfers", s.apiHandler.AddTransfer).Methods("POST")
	api.HandleFunc("/transfers/{id}", s.apiHandler.GetTransfer).Methods("GET")
	api.HandleFunc("/transfers/{id}", s.apiHandler.RemoveTransfer).Methods("DELETE")
	api.HandleFunc("/transfers/{id}/pause", s.apiHandler.PauseTransfer).Methods("POST")
	api.HandleFunc("/transfers/{id}/resume", s.apiHandler.ResumeTransfer).Methods("POST")
	api.HandleFunc("/transfers/{id}/recheck", s.apiHandler.RecheckTransfer).Methods("POST")
	api.HandleFunc("/transfers/{id}/reannounce", s.apiHandler.ReannounceTransfer).Methods("POST")
	api.HandleFunc("/transfers/{id}/peers", s.apiHandler.GetPeers).Methods("GET")
	api.HandleFunc("/transfers/{id}/trackers", s.apiHandler.GetTrackers).Methods("GET")
	api.HandleFunc("/transfers/{id}/files", s.apiHandler.GetFiles).Methods("GET")
	api.HandleFunc("/transfers/{id}/files/{index}/priority", s.apiHandler.SetFilePriority).Methods("PUT")
	api.HandleFunc("/transfers/{id}/options", s.apiHandler.SetTransferOptions).Methods("PUT")

	// Settings, history, performance
	api.HandleFunc("/settings", s.apiHandler.GetSettings).Methods("GET")
	api.HandleFunc("/settings", s.apiHandler.UpdateSettings).Methods("PUT")
	api.HandleFunc("/settings/notifications/test", s.apiHandler.TestNotifications).Methods("POST")
	api.HandleFunc("/history", s.apiHandler.GetHistory).Methods("GET")
	api.HandleFunc("/history/export", s.apiHandler.ExportHistory).Methods("GET")
	api.HandleFunc("/perf", s.apiHandler.GetPerfHistory).Methods("GET")

	// Live snapshot stream
	router.HandleFunc("/ws", s.wsHandler.Stream).Methods("GET")

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.App.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would kill long-lived WebSocket streams.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("Starting server on port", s.config.App.Port)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
