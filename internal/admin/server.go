// Package admin serves the orchestrator's operational surface: health,
// group states, effective config, Prometheus metrics, and a live
// websocket event feed.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jsclaw/jsclaw/internal/config"
	"github.com/jsclaw/jsclaw/internal/logging"
	"github.com/jsclaw/jsclaw/internal/orchestrator"
)

type Server struct {
	cfg  *config.Config
	log  logging.Logger
	orch *orchestrator.Orchestrator
	http *http.Server
}

func NewServer(cfg *config.Config, log logging.Logger, orch *orchestrator.Orchestrator) *Server {
	s := &Server{cfg: cfg, log: log, orch: orch}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/groups", s.handleGroups)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/ws/events", s.handleEvents)
	mux.Handle("/metrics", s.orch.Metrics().Handler())
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.GroupStatuses())
}

// handleConfig reports the effective configuration. Container env values
// are redacted; keys alone are safe to show.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	envKeys := make([]string, 0, len(s.cfg.ContainerEnv))
	for k := range s.cfg.ContainerEnv {
		envKeys = append(envKeys, k)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"container_image":   s.cfg.ContainerImage,
		"runtime":           s.cfg.Runtime,
		"container_timeout": s.cfg.ContainerTimeout.String(),
		"max_output_size":   s.cfg.MaxOutputSize,
		"max_concurrent":    s.cfg.MaxConcurrent,
		"ipc_poll_interval": s.cfg.IPCPollInterval.String(),
		"data_dir":          s.cfg.DataDir,
		"groups_dir":        s.cfg.GroupsDir,
		"mount_allowlist":   s.cfg.MountAllowlist,
		"max_queue_depth":   s.cfg.MaxQueueDepth,
		"container_env":     envKeys,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
